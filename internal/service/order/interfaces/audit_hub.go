package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/service/order/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	broadcastQueue = 256
	clientQueue    = 64
)

var errHubBusy = errors.New("audit hub broadcast queue is full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// hubClient 是一个 websocket 订阅者
type hubClient struct {
	hub  *AuditHub
	conn *websocket.Conn
	send chan []byte
}

// AuditHub 把审计事件实时推送给所有 websocket 订阅者
type AuditHub struct {
	clients    map[*hubClient]struct{}
	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan []byte
	stopped    chan struct{}
	count      atomic.Int64
}

func NewAuditHub() *AuditHub {
	return &AuditHub{
		clients:    make(map[*hubClient]struct{}),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan []byte, broadcastQueue),
		stopped:    make(chan struct{}),
	}
}

// Run 处理注册、注销与广播, ctx 结束时断开所有连接
func (h *AuditHub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
		case c := <-h.unregister:
			h.drop(c)
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// 慢消费者直接踢掉
					h.drop(c)
				}
			}
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil
		}
	}
}

func (h *AuditHub) drop(c *hubClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.count.Store(int64(len(h.clients)))
	}
}

// ClientCount 返回当前订阅者数量
func (h *AuditHub) ClientCount() int {
	return int(h.count.Load())
}

// Publish 实现 AuditPublisher, 队列满时返回错误而不阻塞审计 worker
func (h *AuditHub) Publish(ctx context.Context, event domain.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-h.stopped:
		return nil
	default:
		return errHubBusy
	}
}

// ServeWS 将 HTTP 连接升级为 websocket 并注册为订阅者
func (h *AuditHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &hubClient{hub: h, conn: conn, send: make(chan []byte, clientQueue)}
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}
	logger.Ctx(r.Context()).Debug().Str("remote", r.RemoteAddr).Msg("audit subscriber connected")

	go c.writePump()
	go c.readPump()
}

// readPump 只用于感知断开和处理 pong
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
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

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
