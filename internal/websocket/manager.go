package websocket

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/pkg/logger"
)

// Event представляет структуру WebSocket-сообщения
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// inboundEvent: входящее сообщение клиента
type inboundEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Manager обрабатывает сообщения клиентов и отправляет события в комнаты попыток
type Manager struct {
	hub            *Hub
	messageHandler map[string]func(data json.RawMessage, client *Client) error
}

// NewManager создает новый менеджер WebSocket
func NewManager(hub *Hub) *Manager {
	return &Manager{
		hub:            hub,
		messageHandler: make(map[string]func(data json.RawMessage, client *Client) error),
	}
}

// Hub возвращает хаб менеджера
func (m *Manager) Hub() *Hub {
	return m.hub
}

// RegisterHandler регистрирует обработчик для типа сообщений.
// Регистрация выполняется до приема соединений.
func (m *Manager) RegisterHandler(eventType string, handler func(data json.RawMessage, client *Client) error) {
	m.messageHandler[eventType] = handler
	logger.L().Debug("[WebSocketManager] Handler registered", zap.String("type", eventType))
}

// HandleMessage обрабатывает входящее сообщение клиента.
// Ошибка означает, что соединение нужно закрыть.
func (m *Manager) HandleMessage(message []byte, client *Client) error {
	var event inboundEvent
	if err := json.Unmarshal(message, &event); err != nil {
		m.SendErrorToClient(client, "invalid_message_format", "Invalid JSON format")
		return err
	}

	handler, ok := m.messageHandler[event.Type]
	if !ok {
		m.SendErrorToClient(client, "unknown_message_type", fmt.Sprintf("Unknown message type: %s", event.Type))
		return nil
	}
	return handler(event.Data, client)
}

// SendErrorToClient отправляет ошибку одному соединению, не закрывая его
func (m *Manager) SendErrorToClient(client *Client, code string, message string) {
	m.SendEventToClient(client, SERVER_ERROR, map[string]string{
		"code":    code,
		"message": message,
	})
}

// SendEventToClient отправляет событие одному соединению
func (m *Manager) SendEventToClient(client *Client, eventType string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		logger.L().Error("[WebSocketManager] Failed to marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}
	m.hub.SendToClient(client, payload)
}

// SendEventToAttempt отправляет событие всем соединениям попытки в кластере
func (m *Manager) SendEventToAttempt(attemptID string, eventType string, data interface{}) error {
	payload, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return m.hub.SendToAttempt(attemptID, payload)
}

// GetMetrics возвращает метрики хаба
func (m *Manager) GetMetrics() map[string]interface{} {
	return m.hub.GetMetrics()
}
