package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/service"
	"github.com/hireflux/assessment-engine/internal/websocket"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// WSHandler обрабатывает WebSocket соединения кандидатов.
// Соединение привязано к комнате попытки; токен ссылки заменяет аутентификацию.
type WSHandler struct {
	wsManager         *websocket.Manager
	assessmentService CandidateService
	upgrader          gorillaws.Upgrader
	sendBuffer        int
}

// NewWSHandler создает новый обработчик WebSocket
func NewWSHandler(wsManager *websocket.Manager, assessmentService CandidateService, allowedOrigins []string, sendBuffer int) *WSHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	handler := &WSHandler{
		wsManager:         wsManager,
		assessmentService: assessmentService,
		sendBuffer:        sendBuffer,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Пустой Origin, не браузерный клиент
				if origin == "" {
					return true
				}
				if _, ok := allowed[origin]; ok {
					return true
				}
				logger.Warn(r.Context(), "[WSHandler] Rejected origin", zap.String("origin", origin))
				return false
			},
		},
	}

	// Регистрируем обработчики сообщений один раз при создании обработчика
	handler.registerMessageHandlers()

	return handler
}

// HandleConnection подключает кандидата к комнате его попытки
func (h *WSHandler) HandleConnection(c *gin.Context) {
	token := c.GetString(ContextAccessTokenKey)
	session, err := h.assessmentService.GetSession(c.Request.Context(), token)
	if err != nil {
		handleError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		logger.Warn(c.Request.Context(), "[WSHandler] Upgrade failed", zap.Error(err))
		return
	}

	attemptID := session.Attempt.ID.String()
	client := websocket.NewClient(h.wsManager.Hub(), conn, attemptID, token, h.sendBuffer)
	client.SetRemoteIP(c.ClientIP())
	client.StartPumps(h.wsManager.HandleMessage)

	logger.Debug(c.Request.Context(), "[WSHandler] Candidate connected",
		zap.String("attempt_id", attemptID), zap.String("connection_id", client.ConnectionID))
	h.wsManager.SendEventToClient(client, websocket.ATTEMPT_STATE, attemptState(session.Attempt, int(session.Remaining.Seconds())))
}

// Metrics возвращает счетчики соединений для /health
func (h *WSHandler) Metrics() map[string]interface{} {
	return h.wsManager.GetMetrics()
}

// registerMessageHandlers регистрирует обработчики для различных типов сообщений
func (h *WSHandler) registerMessageHandlers() {
	// Пульс: клиент сверяет оставшееся время с сервером
	h.wsManager.RegisterHandler(websocket.HEARTBEAT, func(_ json.RawMessage, client *websocket.Client) error {
		ctx := logger.WithAttemptID(client.Context(), client.AttemptID)
		session, err := h.assessmentService.GetSession(ctx, client.AccessToken)
		if err != nil {
			h.wsManager.SendErrorToClient(client, "state_unavailable", "Failed to load attempt state")
			return nil
		}
		h.wsManager.SendEventToClient(client, websocket.ATTEMPT_STATE, attemptState(session.Attempt, int(session.Remaining.Seconds())))
		return nil
	})

	// Переключение вкладки, пойманное клиентом
	h.wsManager.RegisterHandler(websocket.TAB_SWITCH, func(_ json.RawMessage, client *websocket.Client) error {
		ctx := logger.WithAttemptID(client.Context(), client.AttemptID)
		out, err := h.assessmentService.ReportActivity(ctx, client.AccessToken, service.ActivityTabSwitch, client.RemoteIP())
		if err != nil {
			logger.Info(ctx, "[WSHandler] Tab switch rejected", zap.Error(err))
			h.wsManager.SendErrorToClient(client, "activity_rejected", err.Error())
			return nil
		}
		state := attemptState(out.Attempt, -1)
		state["disqualified"] = out.Disqualified
		h.wsManager.SendEventToClient(client, websocket.ATTEMPT_STATE, state)
		return nil
	})
}

// attemptState: полезная нагрузка события attempt:state. remaining < 0 не передается.
func attemptState(a *entity.Attempt, remaining int) map[string]interface{} {
	state := map[string]interface{}{
		"status":           a.Status(),
		"tab_switch_count": a.TabSwitchCount,
	}
	if remaining >= 0 {
		state["remaining_seconds"] = remaining
	}
	if a.FinalizeReason != nil {
		state["finalize_reason"] = *a.FinalizeReason
	}
	return state
}
