package collector

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessCollectorIncludesSelf(t *testing.T) {
	c := NewProcessCollector(0)
	var waited time.Duration
	c.wait = func(ctx context.Context, d time.Duration) error {
		waited = d
		return nil
	}
	c.warmUp = 50 * time.Millisecond

	processes, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, waited)
	require.NotEmpty(t, processes)

	self := int32(os.Getpid())
	var found bool
	for _, p := range processes {
		if p.PID == self {
			found = true
			assert.Equal(t, int32(os.Getppid()), p.PPID)
			assert.NotEmpty(t, p.Name)
			assert.GreaterOrEqual(t, p.CPUPercent, 0.0)
		}
	}
	assert.True(t, found, "当前进程应在采集结果中")
}

func TestProcessCollectorCancelledDuringWarmUp(t *testing.T) {
	c := NewProcessCollector(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Collect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHostCollector(t *testing.T) {
	details, err := NewHostCollector().Collect(context.Background())
	require.NoError(t, err)

	hostname, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, hostname, details.Hostname)
	assert.NotEmpty(t, details.OS)
	assert.Positive(t, details.LogicalCores)
	assert.Positive(t, details.RAMTotalGB)
	assert.Equal(t, round2(details.RAMTotalGB), details.RAMTotalGB)
}

func TestSamplerUsesUTC(t *testing.T) {
	s := NewSampler(0)
	s.processes.wait = func(ctx context.Context, d time.Duration) error { return nil }
	s.now = func() time.Time {
		return time.Date(2024, 1, 1, 8, 0, 0, 500, time.FixedZone("CST", 8*3600))
	}

	snapshot, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00.0000005Z", snapshot.SnapshotTime)
	assert.NotEmpty(t, snapshot.HostDetails.Hostname)
	assert.NotEmpty(t, snapshot.Processes)
}

func TestToGB(t *testing.T) {
	assert.Equal(t, 1.0, toGB(gb))
	assert.Equal(t, 1.5, toGB(gb+gb/2))
	assert.Equal(t, 0.33, toGB(gb/3))
	assert.Equal(t, 0.0, toGB(0))
}

func TestOSName(t *testing.T) {
	assert.Equal(t, "Linux", osName("linux"))
	assert.Equal(t, "Darwin", osName("darwin"))
	assert.Equal(t, "Openbsd", osName("openbsd"))
	assert.Equal(t, "", osName(""))
}
