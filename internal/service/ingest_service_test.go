package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dushixiang/procmon/internal/models"
	"github.com/dushixiang/procmon/internal/protocol"
	goerrors "github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(model).Count(&count).Error)
	return count
}

func TestIngestCompressedSnapshot(t *testing.T) {
	db := newTestDB(t)
	publisher := &recordingPublisher{}
	svc := NewIngestService(zap.NewNop(), db, publisher)

	body := compressedBody(t, snapshotFor("h1", "2024-01-01T00:00:00Z",
		protocol.ProcessData{PID: 1, PPID: 0, Name: "init", CPUPercent: 0.5, RSSBytes: 1000},
		protocol.ProcessData{PID: 2, PPID: 1, Name: "sshd", CPUPercent: 1.25, RSSBytes: 734},
	))

	result, err := svc.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.Equal(t, "h1", result.Created[0].Hostname)

	var snapshot models.Snapshot
	require.NoError(t, db.Preload("Host").Preload("Processes").First(&snapshot, result.Created[0].SnapshotID).Error)
	assert.True(t, snapshot.SnapshotTime.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "h1", snapshot.Host.Hostname)
	require.NotNil(t, snapshot.Host.LogicalCores)
	assert.EqualValues(t, 8, *snapshot.Host.LogicalCores)
	require.NotNil(t, snapshot.Host.RAMTotalGB)
	assert.InDelta(t, 15.52, *snapshot.Host.RAMTotalGB, 1e-9)
	assert.False(t, snapshot.Host.LastSeenAt.IsZero())
	require.Len(t, snapshot.Processes, 2)

	notifications := publisher.published()
	require.Len(t, notifications, 1)
	assert.Equal(t, result.Created[0].SnapshotID, notifications[0].SnapshotID)
	assert.Equal(t, "h1", notifications[0].Hostname)
	assert.Equal(t, "2024-01-01T00:00:00Z", notifications[0].SnapshotTime)

	stats := svc.Stats()
	assert.EqualValues(t, 1, stats.Snapshots)
	assert.EqualValues(t, 2, stats.Processes)
}

func TestIngestPayloadVariants(t *testing.T) {
	first := snapshotFor("h1", "2024-01-01T00:00:00Z")
	second := snapshotFor("h2", "2024-01-01T00:00:05Z")

	tests := []struct {
		name    string
		payload interface{}
		hosts   []string
	}{
		{"单个快照", first, []string{"h1"}},
		{"快照列表", []protocol.Snapshot{first, second}, []string{"h1", "h2"}},
		{"snapshots 字段", map[string]interface{}{"snapshots": []protocol.Snapshot{second, first}}, []string{"h2", "h1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewIngestService(zap.NewNop(), newTestDB(t), &recordingPublisher{})
			result, err := svc.Ingest(context.Background(), compressedBody(t, tt.payload))
			require.NoError(t, err)

			var hosts []string
			for _, created := range result.Created {
				hosts = append(hosts, created.Hostname)
			}
			assert.Equal(t, tt.hosts, hosts)
		})
	}
}

func TestIngestDirectShapes(t *testing.T) {
	db := newTestDB(t)
	svc := NewIngestService(zap.NewNop(), db, &recordingPublisher{})

	single := []byte(`{"hostdetails":{"hostname":"h1"},"snapshot_time":"2024-01-01T00:00:00Z","processes":[{"pid":1,"name":"init"}]}`)
	result, err := svc.Ingest(context.Background(), single)
	require.NoError(t, err)
	require.Len(t, result.Created, 1)

	batch := []byte(`{"snapshot":[
		{"hostdetails":{"hostname":"h1"},"snapshot_time":"2024-01-01T00:00:01Z"},
		{"hostdetails":{"hostname":"h2"},"snapshot_time":"2024-01-01T00:00:01Z"}
	]}`)
	result, err = svc.Ingest(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result.Created, 2)

	assert.EqualValues(t, 2, countRows(t, db, &models.Host{}))
	assert.EqualValues(t, 3, countRows(t, db, &models.Snapshot{}))
}

func TestIngestDropsInvalidProcesses(t *testing.T) {
	db := newTestDB(t)
	svc := NewIngestService(zap.NewNop(), db, &recordingPublisher{})

	body := []byte(`{"hostdetails":{"hostname":"h1"},"snapshot_time":"2024-01-01T00:00:00Z","processes":[
		{"pid":1,"ppid":0,"name":"init","cpu_percent":0.5,"rss_bytes":1000},
		{"pid":null,"name":"broken"},
		{"pid":3,"name":{"nested":true}},
		{"pid":"4","ppid":"1","name":"worker","cpu":"2.5","memory_rss":"77"},
		{"pid":5}
	]}`)

	result, err := svc.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, result.Created, 1)

	var processes []models.Process
	require.NoError(t, db.Where("snapshot_id = ?", result.Created[0].SnapshotID).Order("pid ASC").Find(&processes).Error)
	require.Len(t, processes, 3)
	assert.Equal(t, "init", processes[0].Name)
	assert.EqualValues(t, 4, processes[1].PID)
	assert.InDelta(t, 2.5, processes[1].CPUPercent, 1e-9)
	assert.EqualValues(t, 77, processes[1].RSSBytes)
	assert.EqualValues(t, 5, processes[2].PID)
	assert.Equal(t, "", processes[2].Name)

	assert.EqualValues(t, 2, svc.Stats().DroppedProcesses)
}

func TestIngestPartialBatch(t *testing.T) {
	db := newTestDB(t)
	svc := NewIngestService(zap.NewNop(), db, &recordingPublisher{})

	body := []byte(`{"snapshot":[
		{"hostdetails":{"hostname":"ok-1"},"snapshot_time":"2024-01-01T00:00:00Z"},
		{"hostdetails":{},"snapshot_time":"2024-01-01T00:00:00Z"},
		{"hostdetails":{"hostname":"no-time"}},
		{"hostdetails":{"hostname":"bad-cores","physical_cores":-1},"snapshot_time":"2024-01-01T00:00:00Z"},
		"not an object",
		{"hostdetails":{"hostname":"ok-2"},"snapshot_time":"2024-01-01T00:00:00Z"}
	]}`)

	result, err := svc.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, result.Created, 2)
	assert.Equal(t, "ok-1", result.Created[0].Hostname)
	assert.Equal(t, "ok-2", result.Created[1].Hostname)

	assert.EqualValues(t, 2, countRows(t, db, &models.Host{}))
	assert.EqualValues(t, 4, svc.Stats().SkippedEntries)
}

func TestIngestDuplicateCreatesTwoSnapshots(t *testing.T) {
	db := newTestDB(t)
	svc := NewIngestService(zap.NewNop(), db, &recordingPublisher{})

	body := compressedBody(t, snapshotFor("h1", "2024-01-01T00:00:00Z",
		protocol.ProcessData{PID: 1, Name: "init"}))

	first, err := svc.Ingest(context.Background(), body)
	require.NoError(t, err)
	second, err := svc.Ingest(context.Background(), body)
	require.NoError(t, err)

	assert.NotEqual(t, first.Created[0].SnapshotID, second.Created[0].SnapshotID)
	assert.EqualValues(t, 1, countRows(t, db, &models.Host{}))
	assert.EqualValues(t, 2, countRows(t, db, &models.Snapshot{}))
	assert.EqualValues(t, 2, countRows(t, db, &models.Process{}))
}

func TestIngestMergesHostFields(t *testing.T) {
	db := newTestDB(t)
	svc := NewIngestService(zap.NewNop(), db, &recordingPublisher{})

	_, err := svc.Ingest(context.Background(), compressedBody(t, snapshotFor("h1", "2024-01-01T00:00:00Z")))
	require.NoError(t, err)

	// 只上报 os，并显式将 processor 置空
	_, err = svc.Ingest(context.Background(), []byte(`{"hostdetails":{"hostname":"h1","os":"Linux 6.9.1","processor":null},"snapshot_time":"2024-01-01T00:01:00Z"}`))
	require.NoError(t, err)

	var host models.Host
	require.NoError(t, db.Where("hostname = ?", "h1").First(&host).Error)
	require.NotNil(t, host.OS)
	assert.Equal(t, "Linux 6.9.1", *host.OS)
	assert.Nil(t, host.Processor)
	require.NotNil(t, host.PhysicalCores)
	assert.EqualValues(t, 4, *host.PhysicalCores)
	require.NotNil(t, host.DiskFreeGB)
	assert.InDelta(t, 314.5, *host.DiskFreeGB, 1e-9)
}

func TestIngestRejectsBadBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"payload 非 base64", `{"payload":"not-base64"}`},
		{"payload 非字符串", `{"payload":123}`},
		{"payload 内容为标量", ""},
		{"非法 JSON", `{"hostdetails":`},
		{"非对象", `[1,2,3]`},
		{"无法识别", `{"foo":"bar"}`},
		{"snapshot 非列表", `{"snapshot":{"hostdetails":{"hostname":"h1"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			publisher := &recordingPublisher{}
			svc := NewIngestService(zap.NewNop(), db, publisher)

			body := []byte(tt.body)
			if tt.body == "" {
				body = compressedBody(t, 42)
			}

			_, err := svc.Ingest(context.Background(), body)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadRequest))
			assert.EqualValues(t, 0, countRows(t, db, &models.Snapshot{}))
			assert.Empty(t, publisher.published())
		})
	}
}

func TestIngestRollsBackOnProcessInsertFailure(t *testing.T) {
	db := newTestDB(t)
	publisher := &recordingPublisher{}
	svc := NewIngestService(zap.NewNop(), db, publisher)

	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_processes", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "processes" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	body := []byte(`{"snapshot":[
		{"hostdetails":{"hostname":"h1"},"snapshot_time":"2024-01-01T00:00:00Z"},
		{"hostdetails":{"hostname":"h2"},"snapshot_time":"2024-01-01T00:00:00Z","processes":[{"pid":1,"name":"init"}]}
	]}`)

	_, err := svc.Ingest(context.Background(), body)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBadRequest))

	var stackErr *goerrors.Error
	require.True(t, errors.As(err, &stackErr))
	assert.NotEmpty(t, stackErr.ErrorStack())

	assert.EqualValues(t, 0, countRows(t, db, &models.Host{}))
	assert.EqualValues(t, 0, countRows(t, db, &models.Snapshot{}))
	assert.Empty(t, publisher.published())
	assert.EqualValues(t, 1, svc.Stats().Failed)
}

func TestIngestRollsBackOnHostUpsertFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "hosts"`).WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	publisher := &recordingPublisher{}
	svc := NewIngestService(zap.NewNop(), db, publisher)

	_, err = svc.Ingest(context.Background(), []byte(`{"hostdetails":{"hostname":"h1"},"snapshot_time":"2024-01-01T00:00:00Z"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Empty(t, publisher.published())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestPublishFailureIsIsolated(t *testing.T) {
	tests := []struct {
		name      string
		publisher *recordingPublisher
	}{
		{"发布返回错误", &recordingPublisher{err: errors.New("hub stopped")}},
		{"发布 panic", &recordingPublisher{panicWith: "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			svc := NewIngestService(zap.NewNop(), db, tt.publisher)

			result, err := svc.Ingest(context.Background(), compressedBody(t, snapshotFor("h1", "2024-01-01T00:00:00Z")))
			require.NoError(t, err)
			require.Len(t, result.Created, 1)
			assert.EqualValues(t, 1, countRows(t, db, &models.Snapshot{}))
		})
	}
}

func TestIngestWithoutValidEntries(t *testing.T) {
	db := newTestDB(t)
	svc := NewIngestService(zap.NewNop(), db, &recordingPublisher{})

	result, err := svc.Ingest(context.Background(), []byte(`{"snapshot":[{"hostdetails":{}}]}`))
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.NotNil(t, result.Created)
}
