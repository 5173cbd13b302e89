package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/handler/dto"
	"github.com/hireflux/assessment-engine/internal/handler/helper"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/internal/sandbox"
	"github.com/hireflux/assessment-engine/internal/service"
	"github.com/hireflux/assessment-engine/internal/service/attemptmanager"
)

// ContextAccessTokenKey: ключ токена попытки в контексте Gin
const ContextAccessTokenKey = "access_token"

// maxClientMetadataBytes: потолок метаданных клиента при старте
const maxClientMetadataBytes = 8 << 10

// CandidateService: операции кандидата над попыткой
type CandidateService interface {
	GetSession(ctx context.Context, token string) (*service.CandidateSession, error)
	StartAttempt(ctx context.Context, token string, client attemptmanager.ClientInfo) (*service.CandidateSession, error)
	SubmitResponse(ctx context.Context, token string, questionID uint, payload entity.ResponsePayload) (*entity.Response, error)
	Submit(ctx context.Context, token string) (*entity.Attempt, error)
	GetResults(ctx context.Context, token string) (*service.CandidateSession, error)
	ReportActivity(ctx context.Context, token string, kind service.ActivityKind, ip string) (*attemptmanager.ActivityOutcome, error)
	ExecuteCode(ctx context.Context, token string, req sandbox.Request) (sandbox.Result, error)
}

// AttemptHandler обрабатывает запросы кандидата по ссылке попытки
type AttemptHandler struct {
	assessmentService CandidateService
}

// NewAttemptHandler создает новый обработчик
func NewAttemptHandler(assessmentService CandidateService) *AttemptHandler {
	return &AttemptHandler{assessmentService: assessmentService}
}

// GetSession возвращает экран кандидата
func (h *AttemptHandler) GetSession(c *gin.Context) {
	session, err := h.assessmentService.GetSession(c.Request.Context(), c.GetString(ContextAccessTokenKey))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(session))
}

// StartAttempt запускает или возобновляет попытку.
// Если время истекло, пока кандидат отсутствовал, отдается уже финализированная попытка.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	var req dto.StartAttemptRequest
	if c.Request.ContentLength != 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxClientMetadataBytes)
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			bindError(c, err)
			return
		}
	}

	session, err := h.assessmentService.StartAttempt(c.Request.Context(), c.GetString(ContextAccessTokenKey), attemptmanager.ClientInfo{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata:  req.Metadata,
	})
	if err != nil && !(errors.Is(err, apperrors.ErrTimeExpired) && session != nil) {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(session))
}

// SubmitResponse сохраняет ответ кандидата на вопрос
func (h *AttemptHandler) SubmitResponse(c *gin.Context) {
	var req dto.SubmitResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := h.assessmentService.SubmitResponse(c.Request.Context(), c.GetString(ContextAccessTokenKey), req.QuestionID, req.Payload())
	if err != nil {
		handleError(c, err)
		return
	}

	status := http.StatusOK
	grading := dto.GradingState(resp)
	if grading == dto.GradingPending {
		status = http.StatusAccepted
	}
	c.JSON(status, dto.ResponseAccepted{
		ResponseID: resp.ID.String(),
		QuestionID: resp.QuestionID,
		Revision:   resp.Revision,
		Grading:    grading,
	})
}

// Submit финализирует попытку и возвращает итог
func (h *AttemptHandler) Submit(c *gin.Context) {
	token := c.GetString(ContextAccessTokenKey)
	if _, err := h.assessmentService.Submit(c.Request.Context(), token); err != nil {
		handleError(c, err)
		return
	}
	h.respondResults(c, token)
}

// GetResults возвращает итог отправленной попытки
func (h *AttemptHandler) GetResults(c *gin.Context) {
	h.respondResults(c, c.GetString(ContextAccessTokenKey))
}

func (h *AttemptHandler) respondResults(c *gin.Context, token string) {
	session, err := h.assessmentService.GetResults(c.Request.Context(), token)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewResultsResponse(session.Attempt, session.Definition, session.Questions, session.Responses))
}

// ReportActivity принимает сигнал анти-чита
func (h *AttemptHandler) ReportActivity(c *gin.Context) {
	var req dto.ReportActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	out, err := h.assessmentService.ReportActivity(c.Request.Context(), c.GetString(ContextAccessTokenKey), service.ActivityKind(req.Kind), c.ClientIP())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ActivityResponse{
		Status:         out.Attempt.Status(),
		TabSwitchCount: out.Attempt.TabSwitchCount,
		Disqualified:   out.Disqualified || out.Attempt.Disqualified(),
	})
}

// ExecuteCode запускает код кандидата с его stdin. Ничего не сохраняет.
func (h *AttemptHandler) ExecuteCode(c *gin.Context) {
	var req dto.ExecuteCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.assessmentService.ExecuteCode(c.Request.Context(), c.GetString(ContextAccessTokenKey), sandbox.Request{
		Code:     req.Code,
		Language: req.Language,
		Stdin:    req.Stdin,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ExecuteCodeResponse{
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		Status:          string(res.Status),
		ExecutionTimeMs: res.ExecutionTimeMs,
		Reason:          res.Reason,
	})
}

func newSessionResponse(s *service.CandidateSession) *dto.SessionResponse {
	a := s.Attempt
	resp := &dto.SessionResponse{
		AttemptID:        a.ID.String(),
		Status:           a.Status(),
		Assessment:       dto.NewAssessmentInfo(s.Definition),
		StartedAt:        a.StartedAt,
		SubmittedAt:      a.SubmittedAt,
		FinalizeReason:   a.FinalizeReason,
		RemainingSeconds: int(s.Remaining.Seconds()),
		TabSwitchCount:   a.TabSwitchCount,
		Responses:        make([]dto.CandidateResponse, 0, len(s.Responses)),
	}
	// До старта вопросы не показываются
	if a.Status() != entity.AttemptNotStarted {
		resp.Questions = helper.ConvertQuestions(s.Questions)
	}
	for i := range s.Responses {
		resp.Responses = append(resp.Responses, dto.NewCandidateResponse(&s.Responses[i]))
	}
	return resp
}
