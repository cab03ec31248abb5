package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dushixiang/procmon/internal/protocol"
	"github.com/dushixiang/procmon/pkg/agent/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
	entered chan struct{}
}

func (s *fakeSampler) Sample(ctx context.Context) (*protocol.Snapshot, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	return &protocol.Snapshot{
		HostDetails:  protocol.HostDetails{Hostname: "h1"},
		SnapshotTime: "2024-01-01T00:00:00Z",
		Processes:    []protocol.ProcessData{{PID: 1, Name: "init"}},
	}, nil
}

type fakeTransmitter struct {
	mu      sync.Mutex
	payload []string
	ok      bool
}

func (t *fakeTransmitter) Send(ctx context.Context, encoded string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.payload = append(t.payload, encoded)
	return t.ok
}

func (t *fakeTransmitter) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.payload...)
}

func newTestAgent(sampler Sampler, tx *fakeTransmitter, interval int) *Agent {
	a := New(&config.Config{Endpoint: "http://127.0.0.1/ingest/", Interval: interval, Timeout: 1})
	a.sampler = sampler
	a.newSender = func(cfg *config.Config) Transmitter { return tx }
	return a
}

func TestRunOnceEncodesAndSends(t *testing.T) {
	tx := &fakeTransmitter{ok: true}
	a := newTestAgent(&fakeSampler{}, tx, 5)

	sent, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, sent)

	payloads := tx.sent()
	require.Len(t, payloads, 1)
	snapshot, err := protocol.DecodeSnapshot(payloads[0])
	require.NoError(t, err)
	assert.Equal(t, "h1", snapshot.HostDetails.Hostname)
	assert.Equal(t, "init", snapshot.Processes[0].Name)
}

func TestRunOnceSamplerError(t *testing.T) {
	tx := &fakeTransmitter{ok: true}
	a := newTestAgent(&fakeSampler{err: errors.New("boom")}, tx, 5)

	sent, err := a.RunOnce(context.Background())
	assert.Error(t, err)
	assert.False(t, sent)
	assert.Empty(t, tx.sent())
}

func TestRunOnceIsSingleFlight(t *testing.T) {
	sampler := &fakeSampler{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	a := newTestAgent(sampler, &fakeTransmitter{ok: true}, 5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.RunOnce(context.Background())
	}()
	<-sampler.entered

	_, err := a.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(sampler.release)
	<-done
	assert.EqualValues(t, 1, sampler.calls.Load())
}

func TestStartLoopsUntilStopped(t *testing.T) {
	sampler := &fakeSampler{}
	tx := &fakeTransmitter{ok: false}
	a := newTestAgent(sampler, tx, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Start(context.Background()) }()

	require.Eventually(t, func() bool { return len(tx.sent()) >= 1 }, time.Second, 10*time.Millisecond)
	a.Stop()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("探针循环未退出")
	}
	// 间隔为 1 秒，停止前只会执行一轮
	assert.Len(t, tx.sent(), 1)
}

func TestApplyConfig(t *testing.T) {
	a := newTestAgent(&fakeSampler{}, &fakeTransmitter{}, 5)
	a.ApplyConfig(&config.Config{Endpoint: "http://new/ingest/", Interval: 60, Timeout: 10})
	assert.Equal(t, 60*time.Second, a.Config().GetInterval())
}
