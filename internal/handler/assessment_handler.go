package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/handler/dto"
)

// maxDefinitionBytes: потолок тела снимка оценки
const maxDefinitionBytes = 4 << 20

// DefinitionService: прием снимков оценок и выпуск попыток сервисом управления
type DefinitionService interface {
	UpsertDefinition(ctx context.Context, def *entity.AssessmentDefinition) error
	IssueAttempt(ctx context.Context, assessmentID uint, candidateRef string) (*entity.Attempt, error)
}

// AssessmentHandler обрабатывает внутренние запросы сервиса управления
type AssessmentHandler struct {
	assessmentService DefinitionService
}

// NewAssessmentHandler создает новый обработчик
func NewAssessmentHandler(assessmentService DefinitionService) *AssessmentHandler {
	return &AssessmentHandler{assessmentService: assessmentService}
}

// UpsertDefinition принимает снимок оценки. Id берется из пути.
func (h *AssessmentHandler) UpsertDefinition(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDefinitionBytes)
	var def entity.AssessmentDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		bindError(c, err)
		return
	}

	def.ID = c.GetUint("assessment_id")
	for i := range def.Questions {
		def.Questions[i].AssessmentID = def.ID
	}

	if err := h.assessmentService.UpsertDefinition(c.Request.Context(), &def); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": def.ID, "total_points": def.TotalPoints(), "question_count": len(def.Questions)})
}

// IssueAttempt выпускает ссылку на попытку для кандидата
func (h *AssessmentHandler) IssueAttempt(c *gin.Context) {
	var req dto.IssueAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	attempt, err := h.assessmentService.IssueAttempt(c.Request.Context(), c.GetUint("assessment_id"), req.CandidateRef)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.IssueAttemptResponse{
		AttemptID:   attempt.ID.String(),
		AccessToken: attempt.AccessToken,
		CreatedAt:   attempt.CreatedAt,
	})
}
