package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dushixiang/procmon/internal/migrate"
	"github.com/dushixiang/procmon/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/go-orz/orz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "procmon.db") + "?_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 两个连接：事务外的查询不会被事务连接阻塞，只能看到已提交的数据
	sqlDB.SetMaxOpenConns(2)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migrate.Run(zap.NewNop(), db))
	return db
}

func TestReposJoinTransactionFromContext(t *testing.T) {
	db := newTestDB(t)
	svc := orz.NewService(db)
	hostRepo := NewHostRepo(db)
	snapshotRepo := NewSnapshotRepo(db)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	abort := errors.New("abort")

	err := svc.Transaction(context.Background(), func(ctx context.Context) error {
		host, err := hostRepo.Upsert(ctx, HostFields{
			Host:    models.Host{Hostname: "h1"},
			Columns: []string{"hostname"},
		}, now)
		require.NoError(t, err)

		snapshot := models.Snapshot{HostID: host.ID, SnapshotTime: now, CreatedAt: now}
		require.NoError(t, snapshotRepo.Create(ctx, &snapshot))
		require.NoError(t, snapshotRepo.CreateProcesses(ctx, []models.Process{
			{SnapshotID: snapshot.ID, PID: 1, Name: "init"},
		}))

		// 事务内可见
		count, err := hostRepo.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		found, err := snapshotRepo.FindByID(ctx, snapshot.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Len(t, found.Processes, 1)
		return abort
	})
	require.ErrorIs(t, err, abort)

	count, err := hostRepo.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	host, err := hostRepo.FindByHostname(context.Background(), "h1")
	require.NoError(t, err)
	assert.Nil(t, host)
}

func TestReposCommitWithTransaction(t *testing.T) {
	db := newTestDB(t)
	svc := orz.NewService(db)
	hostRepo := NewHostRepo(db)
	snapshotRepo := NewSnapshotRepo(db)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	osName := "Linux"
	var hostID, snapshotID uint
	err := svc.Transaction(context.Background(), func(ctx context.Context) error {
		host, err := hostRepo.Upsert(ctx, HostFields{
			Host:    models.Host{Hostname: "h1", OS: &osName},
			Columns: []string{"hostname", "os"},
		}, now)
		if err != nil {
			return err
		}
		hostID = host.ID
		snapshot := models.Snapshot{HostID: host.ID, SnapshotTime: now, CreatedAt: now}
		if err := snapshotRepo.Create(ctx, &snapshot); err != nil {
			return err
		}
		snapshotID = snapshot.ID
		return nil
	})
	require.NoError(t, err)

	latest, err := snapshotRepo.FindLatestByHostID(context.Background(), hostID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, snapshotID, latest.ID)
	assert.Equal(t, "h1", latest.Host.Hostname)
}
