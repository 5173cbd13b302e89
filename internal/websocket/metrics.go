package websocket

import (
	"sync/atomic"
	"time"
)

// HubMetrics содержит счетчики хаба
type HubMetrics struct {
	totalConnections        atomic.Int64
	activeConnections       atomic.Int64
	messagesSent            atomic.Int64
	droppedClients          atomic.Int64
	clusterMessagesReceived atomic.Int64
	startTime               time.Time
}

// NewHubMetrics создает счетчики
func NewHubMetrics() *HubMetrics {
	return &HubMetrics{startTime: time.Now()}
}

// IncrementTotalConnections учитывает новое соединение
func (m *HubMetrics) IncrementTotalConnections() {
	m.totalConnections.Add(1)
	m.activeConnections.Add(1)
}

// DecrementActiveConnections учитывает закрытое соединение
func (m *HubMetrics) DecrementActiveConnections() {
	m.activeConnections.Add(-1)
}

// AddMessageSent учитывает доставленные сообщения
func (m *HubMetrics) AddMessageSent(count int64) {
	m.messagesSent.Add(count)
}

// AddDroppedClient учитывает отключенного медленного клиента
func (m *HubMetrics) AddDroppedClient() {
	m.droppedClients.Add(1)
}

// AddClusterMessageReceived учитывает сообщение с другого инстанса
func (m *HubMetrics) AddClusterMessageReceived() {
	m.clusterMessagesReceived.Add(1)
}

// GetAllMetrics возвращает снимок счетчиков
func (m *HubMetrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"total_connections":         m.totalConnections.Load(),
		"active_connections":        m.activeConnections.Load(),
		"messages_sent":             m.messagesSent.Load(),
		"dropped_clients":           m.droppedClients.Load(),
		"cluster_messages_received": m.clusterMessagesReceived.Load(),
		"uptime_seconds":            int64(time.Since(m.startTime).Seconds()),
	}
}
