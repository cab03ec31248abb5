package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/procmon/internal/broadcast"
	"github.com/dushixiang/procmon/internal/metric"
	"github.com/dushixiang/procmon/internal/protocol"
	"github.com/dushixiang/procmon/internal/service"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// State 连接状态
type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// SnapshotSource 快照查询
type SnapshotSource interface {
	GetLatest(ctx context.Context, hostname string) (*metric.SnapshotView, error)
	GetSnapshot(ctx context.Context, id uint) (*metric.SnapshotView, error)
}

// Subscriber 主题订阅
type Subscriber interface {
	Subscribe(topic string) (*broadcast.Subscription, error)
}

// Manager 订阅连接管理器
type Manager struct {
	logger   *zap.Logger
	hub      Subscriber
	source   SnapshotSource
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewManager(logger *zap.Logger, hub Subscriber, source SnapshotSource) *Manager {
	return &Manager{
		logger: logger,
		hub:    hub,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Serve 升级连接并阻塞直到连接关闭
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, hostname string) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{
		logger:   m.logger.With(zap.String("hostname", hostname), zap.String("remote", r.RemoteAddr)),
		conn:     conn,
		hostname: hostname,
		source:   m.source,
		latest:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	m.register(client)
	defer m.unregister(client)

	client.run(r.Context(), m.hub)
	return nil
}

func (m *Manager) register(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clients, ok := m.clients[client.hostname]
	if !ok {
		clients = make(map[*Client]struct{})
		m.clients[client.hostname] = clients
	}
	clients[client] = struct{}{}
}

func (m *Manager) unregister(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clients := m.clients[client.hostname]
	delete(clients, client)
	if len(clients) == 0 {
		delete(m.clients, client.hostname)
	}
}

// GetClients 获取主机当前的订阅连接
func (m *Manager) GetClients(hostname string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clients := make([]*Client, 0, len(m.clients[hostname]))
	for client := range m.clients[hostname] {
		clients = append(clients, client)
	}
	return clients
}

// Count 当前连接数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, clients := range m.clients {
		count += len(clients)
	}
	return count
}

// CloseAll 关闭全部连接
func (m *Manager) CloseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, clients := range m.clients {
		for client := range clients {
			client.Close()
		}
	}
}

// Client 单个订阅连接，读写各一个 goroutine，所有写操作都在写 goroutine 中完成
type Client struct {
	logger   *zap.Logger
	conn     *websocket.Conn
	hostname string
	source   SnapshotSource

	state     atomic.Int32
	latest    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// State 当前状态
func (c *Client) State() State {
	return State(c.state.Load())
}

// Hostname 订阅的主机名
func (c *Client) Hostname() string {
	return c.hostname
}

// Close 关闭连接
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) run(ctx context.Context, hub Subscriber) {
	defer c.state.Store(int32(StateClosed))
	defer c.conn.Close()

	sub, err := hub.Subscribe(c.hostname)
	if err != nil {
		c.logger.Warn("订阅主机失败", zap.Error(err))
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer sub.Close()

	c.state.Store(int32(StateJoined))
	c.logger.Debug("viewer joined")

	wg := conc.NewWaitGroup()
	wg.Go(c.readLoop)
	wg.Go(func() {
		c.writeLoop(ctx, sub)
	})
	wg.Wait()

	c.logger.Debug("viewer left")
}

func (c *Client) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var request protocol.ChannelRequest
		if err := json.Unmarshal(data, &request); err != nil {
			continue
		}
		if request.Action != protocol.ActionLatest {
			continue
		}
		select {
		case c.latest <- struct{}{}:
		default:
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, sub *broadcast.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// 关闭底层连接以结束读 goroutine
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg, ok := <-sub.C:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
					time.Now().Add(writeWait))
				return
			}
			id, ok := notificationID(msg)
			if !ok {
				continue
			}
			view, err := c.source.GetSnapshot(ctx, id)
			if err != nil {
				c.logger.Warn("查询快照失败", zap.Uint("snapshotId", id), zap.Error(err))
				continue
			}
			if err := c.send(view); err != nil {
				return
			}
		case <-c.latest:
			view, err := c.source.GetLatest(ctx, c.hostname)
			if err != nil {
				if !errors.Is(err, service.ErrHostNotFound) && !errors.Is(err, service.ErrSnapshotNotFound) {
					c.logger.Warn("查询最新快照失败", zap.Error(err))
				}
				continue
			}
			if err := c.send(view); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(view *metric.SnapshotView) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteJSON(protocol.ChannelMessage{
		Type: protocol.MessageTypeSnapshot,
		Data: view,
	})
	if err != nil {
		c.logger.Debug("write error", zap.Error(err))
	}
	return err
}

func notificationID(msg interface{}) (uint, bool) {
	switch n := msg.(type) {
	case protocol.Notification:
		return n.SnapshotID, true
	case *protocol.Notification:
		if n == nil {
			return 0, false
		}
		return n.SnapshotID, true
	default:
		return 0, false
	}
}
