package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/domain/repository"
	"github.com/hireflux/assessment-engine/internal/handler/dto"
	"github.com/hireflux/assessment-engine/internal/middleware"
	"github.com/hireflux/assessment-engine/internal/service"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// ReviewAPI: операции ревьюера
type ReviewAPI interface {
	ListAttempts(ctx context.Context, filter repository.AttemptFilter) ([]entity.Attempt, int64, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (*service.AttemptDetail, error)
	ListPendingManual(ctx context.Context, limit, offset int) ([]entity.Response, int64, error)
	ManualGrade(ctx context.Context, req service.ManualGradeRequest) (*entity.Response, *entity.Attempt, error)
	ExportAttempts(ctx context.Context, assessmentID uint, w io.Writer) error
}

// ReviewHandler обрабатывает запросы ревьюеров
type ReviewHandler struct {
	reviewService ReviewAPI
}

// NewReviewHandler создает новый обработчик
func NewReviewHandler(reviewService ReviewAPI) *ReviewHandler {
	return &ReviewHandler{reviewService: reviewService}
}

// ListAttempts возвращает попытки оценки постранично
func (h *ReviewHandler) ListAttempts(c *gin.Context) {
	page, perPage := pagination(c)
	filter := repository.AttemptFilter{
		AssessmentID: c.GetUint("assessment_id"),
		Limit:        perPage,
		Offset:       (page - 1) * perPage,
	}
	if v := c.Query("submitted"); v != "" {
		submitted, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid submitted filter", "error_type": "validation"})
			return
		}
		filter.Submitted = &submitted
	}

	attempts, total, err := h.reviewService.ListAttempts(c.Request.Context(), filter)
	if err != nil {
		handleError(c, err)
		return
	}
	out := dto.PaginatedAttempts{
		Attempts: make([]dto.AttemptSummary, 0, len(attempts)),
		Total:    total,
		Page:     page,
		PerPage:  perPage,
	}
	for i := range attempts {
		out.Attempts = append(out.Attempts, dto.NewAttemptSummary(&attempts[i]))
	}
	c.JSON(http.StatusOK, out)
}

// GetAttempt возвращает попытку с ответами, журналом анти-чита и полным определением
func (h *ReviewHandler) GetAttempt(c *gin.Context) {
	id, _ := c.Get("attempt_id")
	detail, err := h.reviewService.GetAttempt(c.Request.Context(), id.(uuid.UUID))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.AttemptDetailResponse{
		Attempt:    detail.Attempt,
		Assessment: dto.NewAssessmentInfo(detail.Definition),
		Questions:  detail.Definition.OrderedQuestions(),
		Responses:  detail.Responses,
	})
}

// ListPendingManual возвращает ответы, ожидающие ручной оценки
func (h *ReviewHandler) ListPendingManual(c *gin.Context) {
	page, perPage := pagination(c)
	responses, total, err := h.reviewService.ListPendingManual(c.Request.Context(), perPage, (page-1)*perPage)
	if err != nil {
		handleError(c, err)
		return
	}
	if responses == nil {
		responses = []entity.Response{}
	}
	c.JSON(http.StatusOK, dto.PaginatedResponses{Responses: responses, Total: total, Page: page, PerPage: perPage})
}

// ManualGrade проставляет баллы ответу
func (h *ReviewHandler) ManualGrade(c *gin.Context) {
	var req dto.ManualGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	id, _ := c.Get("response_id")

	resp, attempt, err := h.reviewService.ManualGrade(c.Request.Context(), service.ManualGradeRequest{
		ResponseID: id.(uuid.UUID),
		Points:     *req.Points,
		Comments:   req.Comments,
		Reviewer:   c.GetString(middleware.ContextActorKey),
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ManualGradeResponse{Response: resp, Attempt: dto.NewAttemptSummary(attempt)})
}

// ExportAttempts отдает XLSX с попытками оценки
func (h *ReviewHandler) ExportAttempts(c *gin.Context) {
	assessmentID := c.GetUint("assessment_id")

	// Буфер, чтобы ошибка выгрузки не оборвала уже начатый ответ
	var buf bytes.Buffer
	if err := h.reviewService.ExportAttempts(c.Request.Context(), assessmentID, &buf); err != nil {
		handleError(c, err)
		return
	}

	filename := fmt.Sprintf("assessment_%d_attempts_%s.xlsx", assessmentID, time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func pagination(c *gin.Context) (page, perPage int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err = strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if err != nil || perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage
}
