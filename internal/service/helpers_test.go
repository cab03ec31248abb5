package service

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dushixiang/procmon/internal/migrate"
	"github.com/dushixiang/procmon/internal/protocol"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 临时目录下的 sqlite 数据库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "procmon.db") + "?_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migrate.Run(zap.NewNop(), db))
	return db
}

type recordingPublisher struct {
	mu            sync.Mutex
	notifications []protocol.Notification
	err           error
	panicWith     interface{}
}

func (p *recordingPublisher) Publish(topic string, msg interface{}) (int, error) {
	if p.panicWith != nil {
		panic(p.panicWith)
	}
	if p.err != nil {
		return 0, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, msg.(protocol.Notification))
	return 1, nil
}

func (p *recordingPublisher) published() []protocol.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Notification(nil), p.notifications...)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func compressedBody(t *testing.T, v interface{}) []byte {
	t.Helper()
	encoded, err := protocol.Encode(v)
	require.NoError(t, err)
	return mustJSON(t, protocol.IngestRequest{Payload: encoded})
}

func snapshotFor(hostname, snapshotTime string, processes ...protocol.ProcessData) protocol.Snapshot {
	return protocol.Snapshot{
		HostDetails: protocol.HostDetails{
			Hostname:       hostname,
			OS:             "Linux 6.8.0",
			Processor:      "Intel(R) Xeon(R)",
			PhysicalCores:  4,
			LogicalCores:   8,
			RAMTotalGB:     15.52,
			RAMUsedGB:      7.1,
			RAMAvailableGB: 8.42,
			DiskTotalGB:    457.87,
			DiskUsedGB:     120.03,
			DiskFreeGB:     314.5,
		},
		SnapshotTime: snapshotTime,
		Processes:    processes,
	}
}
