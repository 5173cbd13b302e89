package websocket

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/pkg/logger"
)

const (
	// Время, которое разрешено писать сообщение клиенту.
	writeWait = 10 * time.Second

	// Время ожидания следующего сообщения или pong.
	pongWait = 30 * time.Second

	// Периодичность отправки ping-сообщений клиенту.
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения
	maxMessageSize = 1024

	// Размер буфера по умолчанию для канала отправки
	defaultClientBufferSize = 32

	// Максимальное количество переполнений буфера до отключения
	maxBufferWarnings = 3
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client: одно WebSocket-соединение кандидата, привязанное к комнате попытки
type Client struct {
	// AttemptID: комната, в которой состоит клиент
	AttemptID string

	// AccessToken: токен ссылки, по которому клиент подключился
	AccessToken string

	// ConnectionID уникален для каждого соединения
	ConnectionID string

	hub  *Hub
	conn *websocket.Conn

	// ctx отменяется, когда соединение закрыто
	ctx      context.Context
	cancel   context.CancelFunc
	remoteIP string

	// Буферизованный канал для исходящих сообщений
	send       chan []byte
	sendClosed atomic.Bool

	// Время последней активности клиента (unix nano)
	lastActivity atomic.Int64

	bufferWarnings atomic.Int32
}

// NewClient создает клиента комнаты attemptID
func NewClient(hub *Hub, conn *websocket.Conn, attemptID, accessToken string, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = defaultClientBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		AttemptID:    attemptID,
		AccessToken:  accessToken,
		ConnectionID: uuid.New().String(),
		hub:          hub,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		send:         make(chan []byte, bufferSize),
	}
	c.touch()
	return c
}

// Context живет, пока открыто соединение
func (c *Client) Context() context.Context {
	return c.ctx
}

// SetRemoteIP запоминает IP кандидата до запуска насосов
func (c *Client) SetRemoteIP(ip string) {
	c.remoteIP = ip
}

// RemoteIP возвращает IP кандидата, определенный при подключении
func (c *Client) RemoteIP() string {
	return c.remoteIP
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity возвращает время последнего сообщения или pong
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// readPump читает сообщения клиента и передает их обработчику
func (c *Client) readPump(messageHandler func(message []byte, client *Client) error) {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.conn.Close()
		logger.L().Debug("[WebSocket] Read pump stopped",
			zap.String("attempt_id", c.AttemptID), zap.String("conn_id", c.ConnectionID),
			zap.Duration("idle", time.Since(c.LastActivity())))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.L().Warn("[WebSocket] Read error",
					zap.String("attempt_id", c.AttemptID), zap.String("conn_id", c.ConnectionID), zap.Error(err))
			}
			return
		}
		c.touch()

		if handlerErr := safeHandleMessage(message, c, messageHandler); handlerErr != nil {
			logger.L().Warn("[WebSocket] Handler error, closing connection",
				zap.String("attempt_id", c.AttemptID), zap.String("conn_id", c.ConnectionID), zap.Error(handlerErr))
			return
		}
		c.bufferWarnings.Store(0)
	}
}

// safeHandleMessage вызывает обработчик с recover
func safeHandleMessage(message []byte, client *Client, messageHandler func(message []byte, client *Client) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("[WebSocket] Panic in message handler",
				zap.String("attempt_id", client.AttemptID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))
	if messageHandler == nil {
		return nil
	}
	return messageHandler(message, client)
}

// writePump отправляет сообщения клиенту из канала send
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Хаб закрыл канал клиента
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				logger.L().Warn("[WebSocket] Write error",
					zap.String("attempt_id", c.AttemptID), zap.Error(err))
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StartPumps регистрирует клиента в хабе и запускает горутины чтения и записи
func (c *Client) StartPumps(messageHandler func(message []byte, client *Client) error) {
	if c.AttemptID == "" {
		logger.L().Warn("[WebSocket] Client has no attempt, closing")
		c.cancel()
		c.conn.Close()
		return
	}
	c.hub.Register(c)
	go c.writePump()
	go c.readPump(messageHandler)
}

// enqueue кладет сообщение в буфер клиента. false, буфер переполнен
// слишком много раз подряд, клиента нужно отключить.
func (c *Client) enqueue(message []byte) bool {
	if c.sendClosed.Load() {
		return true
	}
	select {
	case c.send <- message:
		return true
	default:
		return c.bufferWarnings.Add(1) < maxBufferWarnings
	}
}

// CloseSend закрывает канал отправки один раз
func (c *Client) CloseSend() bool {
	if c.sendClosed.CompareAndSwap(false, true) {
		close(c.send)
		return true
	}
	return false
}
