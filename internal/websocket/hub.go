package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/pkg/logger"
)

// HubConfig содержит настройки хаба
type HubConfig struct {
	// InstanceID отличает сообщения этого инстанса в кластерном канале
	InstanceID string
	// ClusterChannel: канал pub/sub для доставки в комнаты на других инстансах
	ClusterChannel string
	// ClusterEnabled включает публикацию и подписку на кластерный канал
	ClusterEnabled bool
}

// Hub держит комнаты попыток: одна попытка может быть открыта в нескольких вкладках
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	metrics  *HubMetrics
	cfg      HubConfig
	provider PubSubProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub создает хаб. provider может быть nil, тогда кластер выключен.
func NewHub(cfg HubConfig, provider PubSubProvider) *Hub {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "instance_" + uuid.New().String()[:8]
	}
	if provider == nil {
		provider = &NoOpPubSub{}
		cfg.ClusterEnabled = false
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:    make(map[string]map[*Client]struct{}),
		metrics:  NewHubMetrics(),
		cfg:      cfg,
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start подписывается на кластерный канал
func (h *Hub) Start() error {
	if !h.cfg.ClusterEnabled {
		return nil
	}
	msgs, err := h.provider.Subscribe(h.ctx, h.cfg.ClusterChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cluster channel: %w", err)
	}
	h.wg.Add(1)
	go h.consumeCluster(msgs)
	logger.L().Info("[WebSocket] Cluster fan-out started",
		zap.String("instance_id", h.cfg.InstanceID), zap.String("channel", h.cfg.ClusterChannel))
	return nil
}

// Stop отключает всех клиентов и останавливает подписку
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for attemptID, room := range h.rooms {
		for c := range room {
			c.CloseSend()
			h.metrics.DecrementActiveConnections()
		}
		delete(h.rooms, attemptID)
	}
}

// Register добавляет клиента в комнату его попытки
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.AttemptID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[c.AttemptID] = room
	}
	room[c] = struct{}{}
	h.metrics.IncrementTotalConnections()
}

// Unregister удаляет клиента и закрывает его канал отправки
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.AttemptID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.AttemptID)
	}
	c.CloseSend()
	h.metrics.DecrementActiveConnections()
}

// ClientCount возвращает число локальных соединений попытки
func (h *Hub) ClientCount(attemptID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[attemptID])
}

// SendToAttempt доставляет сообщение в комнату локально и на остальные инстансы
func (h *Hub) SendToAttempt(attemptID string, message []byte) error {
	h.deliverLocal(attemptID, message)
	if !h.cfg.ClusterEnabled {
		return nil
	}
	payload, err := json.Marshal(ClusterMessage{
		AttemptID:  attemptID,
		InstanceID: h.cfg.InstanceID,
		Payload:    message,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return h.provider.Publish(h.cfg.ClusterChannel, payload)
}

// SendToClient отправляет сообщение одному соединению
func (h *Hub) SendToClient(c *Client, message []byte) {
	h.mu.RLock()
	ok := c.enqueue(message)
	h.mu.RUnlock()
	if !ok {
		h.dropSlow([]*Client{c})
	}
}

// deliverLocal кладет сообщение в буферы клиентов комнаты.
// Клиенты, которые не успевают читать, отключаются.
func (h *Hub) deliverLocal(attemptID string, message []byte) int {
	var slow []*Client
	delivered := 0

	h.mu.RLock()
	for c := range h.rooms[attemptID] {
		if c.enqueue(message) {
			delivered++
		} else {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.metrics.AddMessageSent(int64(delivered))
	h.dropSlow(slow)
	return delivered
}

func (h *Hub) dropSlow(clients []*Client) {
	for _, c := range clients {
		logger.L().Warn("[WebSocket] Dropping slow client",
			zap.String("attempt_id", c.AttemptID), zap.String("conn_id", c.ConnectionID))
		h.metrics.AddDroppedClient()
		h.Unregister(c)
	}
}

func (h *Hub) consumeCluster(msgs <-chan []byte) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			var msg ClusterMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				logger.L().Warn("[WebSocket] Invalid cluster message", zap.Error(err))
				continue
			}
			if msg.InstanceID == h.cfg.InstanceID {
				continue
			}
			h.metrics.AddClusterMessageReceived()
			h.deliverLocal(msg.AttemptID, msg.Payload)
		}
	}
}

// GetMetrics возвращает метрики хаба
func (h *Hub) GetMetrics() map[string]interface{} {
	h.mu.RLock()
	rooms := len(h.rooms)
	h.mu.RUnlock()
	m := h.metrics.GetAllMetrics()
	m["rooms"] = rooms
	m["instance_id"] = h.cfg.InstanceID
	m["cluster_enabled"] = h.cfg.ClusterEnabled
	return m
}
