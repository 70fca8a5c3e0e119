package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	MsgTypeInit         = "init"          // 设备列表与分段状态快照
	MsgTypeTripStarted  = "trip_started"  // 行程开始
	MsgTypeTripFinished = "trip_finished" // 行程结束
	MsgTypeTelemetry    = "telemetry"     // 新上报
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBufferSize = 256
	maxReadBytes   = 4096
)

// Message 推送给客户端的消息
type Message struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"device_id,omitempty"`
	SentAt   int64       `json:"sent_at"`
	Data     interface{} `json:"data"`
}

// InitData 连接建立后的快照
type InitData struct {
	Devices interface{} `json:"devices"`
	States  interface{} `json:"states"`
}

// envelope 带路由信息的待发送消息
type envelope struct {
	deviceID string
	payload  []byte
}

// Client 一个 WebSocket 连接，deviceID 非空时只接收该设备的消息
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	deviceID string
}

// Hub 连接管理与消息分发
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]struct{}
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	now        func() time.Time

	initData func() *InitData
	dropped  int64
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan envelope, sendBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// SetInitDataProvider 新连接注册后调用 provider 生成快照
func (h *Hub) SetInitDataProvider(provider func() *InitData) {
	h.initData = provider
}

// Run 分发循环，Stop 后退出
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected",
				zap.String("device_filter", client.deviceID),
				zap.Int("total_clients", total))
			h.sendInit(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", zap.Int("total_clients", total))

		case env := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(env.deviceID) {
					continue
				}
				select {
				case client.send <- env.payload:
				default:
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("WebSocket client too slow, disconnected")
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop 可重复调用
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) sendInit(client *Client) {
	if h.initData == nil {
		return
	}
	snapshot := h.initData()
	if snapshot == nil {
		return
	}
	payload, err := h.encode(MsgTypeInit, "", snapshot)
	if err != nil {
		h.logger.Error("Failed to marshal init data", zap.Error(err))
		return
	}
	select {
	case client.send <- payload:
	default:
		h.logger.Warn("Failed to send init data, client buffer full")
	}
}

func (h *Hub) encode(msgType, deviceID string, data interface{}) ([]byte, error) {
	return json.Marshal(Message{
		Type:     msgType,
		DeviceID: deviceID,
		SentAt:   h.now().UnixMilli(),
		Data:     data,
	})
}

// Publish 投递一条消息；队列满时丢弃，不阻塞调用方
func (h *Hub) Publish(msgType, deviceID string, data interface{}) {
	payload, err := h.encode(msgType, deviceID, data)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message",
			zap.String("type", msgType),
			zap.Error(err))
		return
	}
	select {
	case h.broadcast <- envelope{deviceID: deviceID, payload: payload}:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Warn("WebSocket broadcast queue full, message dropped",
			zap.String("type", msgType),
			zap.String("device_id", deviceID))
	}
}

func (h *Hub) BroadcastTripStarted(deviceID string, trip interface{}) {
	h.Publish(MsgTypeTripStarted, deviceID, trip)
}

func (h *Hub) BroadcastTripFinished(deviceID string, trip interface{}) {
	h.Publish(MsgTypeTripFinished, deviceID, trip)
}

func (h *Hub) BroadcastTelemetry(deviceID string, data interface{}) {
	h.Publish(MsgTypeTelemetry, deviceID, data)
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped 因队列满被丢弃的消息数
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// NewClient deviceID 为空表示订阅全部设备
func NewClient(hub *Hub, conn *websocket.Conn, deviceID string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		deviceID: deviceID,
	}
}

func (c *Client) wants(deviceID string) bool {
	return c.deviceID == "" || deviceID == "" || c.deviceID == deviceID
}

func (c *Client) Register() {
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
	}
}

func (c *Client) Unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// ReadPump 丢弃客户端消息，只负责 pong 续期与断线检测
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump 写出队列中的消息并定期 ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
