package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dushixiang/procmon/internal/protocol"
	"github.com/jpillora/backoff"
)

const (
	// DefaultTimeout 单次请求超时
	DefaultTimeout = 10 * time.Second
	// DefaultBackoffUnit 退避的时间单位，第 n 次失败后等待 2^(n-1) 个单位
	DefaultBackoffUnit = time.Second

	maxBackoff = time.Hour
)

// Options 发送配置
type Options struct {
	Endpoint    string
	APIKey      string
	MaxRetries  int
	Timeout     time.Duration
	BackoffUnit time.Duration
}

// Sender 负责将编码后的快照上报到服务端
type Sender struct {
	opts   Options
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

// New 创建发送器
func New(opts Options) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = DefaultBackoffUnit
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &Sender{
		opts:   opts,
		client: &http.Client{},
		sleep:  sleepContext,
	}
}

// Send 上报一次快照：最多请求 MaxRetries 次，每次失败后按指数退避等待（包括最后一次），
// 返回是否成功。发送失败只记录日志，不返回错误
func (s *Sender) Send(ctx context.Context, encoded string) bool {
	body, err := json.Marshal(protocol.IngestRequest{Payload: encoded})
	if err != nil {
		slog.Error("序列化上报数据失败", "error", err)
		return false
	}

	b := &backoff.Backoff{
		Min:    s.opts.BackoffUnit,
		Max:    maxBackoff,
		Factor: 2,
		Jitter: false,
	}

	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		err := s.post(ctx, body)
		if err == nil {
			return true
		}

		delay := b.Duration()
		slog.Warn("上报失败", "attempt", attempt, "max_retries", s.opts.MaxRetries, "retry_in", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			slog.Warn("重试已取消", "error", err)
			return false
		}
	}

	slog.Error("上报失败，已达到最大重试次数", "max_retries", s.opts.MaxRetries)
	return false
}

func (s *Sender) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "ApiKey "+s.opts.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("服务端返回 %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
