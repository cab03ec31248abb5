package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBufferSize 每个订阅者的默认缓冲大小
const DefaultBufferSize = 16

var (
	ErrHubNotStarted = errors.New("broadcast hub not started")
	ErrHubStopped    = errors.New("broadcast hub stopped")
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// Subscription 某个主题上的一个订阅者
type Subscription struct {
	ID    string
	Topic string
	// C 收到的消息，订阅关闭或 Hub 停止时关闭
	C <-chan interface{}

	ch  chan interface{}
	hub *Hub
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Stats Hub 当前状态
type Stats struct {
	Topics      int
	Subscribers int
}

// Hub 进程内发布订阅（主题为主机名）
type Hub struct {
	logger     *zap.Logger
	bufferSize int

	mu     sync.RWMutex
	state  state
	topics map[string]map[string]*Subscription
}

func NewHub(logger *zap.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		logger:     logger,
		bufferSize: bufferSize,
		topics:     make(map[string]map[string]*Subscription),
	}
}

// Start 启动 Hub，ctx 结束时自动停止
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.state != stateNew {
		h.mu.Unlock()
		return
	}
	h.state = stateRunning
	h.mu.Unlock()

	h.logger.Info("broadcast hub started", zap.Int("bufferSize", h.bufferSize))

	go func() {
		<-ctx.Done()
		h.Stop()
	}()
}

// Stop 停止 Hub 并关闭全部订阅
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateStopped {
		return
	}
	h.state = stateStopped

	closed := 0
	for topic, subscribers := range h.topics {
		for _, sub := range subscribers {
			close(sub.ch)
			closed++
		}
		delete(h.topics, topic)
	}
	h.logger.Info("broadcast hub stopped", zap.Int("closedSubscriptions", closed))
}

// Subscribe 订阅主题
func (h *Hub) Subscribe(topic string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateNew:
		return nil, ErrHubNotStarted
	case stateStopped:
		return nil, ErrHubStopped
	}

	ch := make(chan interface{}, h.bufferSize)
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		C:     ch,
		ch:    ch,
		hub:   h,
	}

	subscribers, ok := h.topics[topic]
	if !ok {
		subscribers = make(map[string]*Subscription)
		h.topics[topic] = subscribers
	}
	subscribers[sub.ID] = sub

	h.logger.Debug("subscribed", zap.String("topic", topic), zap.String("subscriptionId", sub.ID))
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.topics[sub.Topic]
	if !ok {
		return
	}
	if _, ok := subscribers[sub.ID]; !ok {
		return
	}
	delete(subscribers, sub.ID)
	close(sub.ch)
	if len(subscribers) == 0 {
		delete(h.topics, sub.Topic)
	}

	h.logger.Debug("unsubscribed", zap.String("topic", sub.Topic), zap.String("subscriptionId", sub.ID))
}

// Publish 向主题的全部订阅者投递消息，返回投递成功的数量
// 订阅者缓冲已满时丢弃该消息，不会阻塞发布者
func (h *Hub) Publish(topic string, msg interface{}) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch h.state {
	case stateNew:
		return 0, ErrHubNotStarted
	case stateStopped:
		return 0, ErrHubStopped
	}

	delivered := 0
	for _, sub := range h.topics[topic] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			h.logger.Warn("subscriber buffer full, message dropped",
				zap.String("topic", topic),
				zap.String("subscriptionId", sub.ID))
		}
	}
	return delivered, nil
}

// Stats 主题数与订阅者数
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{Topics: len(h.topics)}
	for _, subscribers := range h.topics {
		stats.Subscribers += len(subscribers)
	}
	return stats
}
