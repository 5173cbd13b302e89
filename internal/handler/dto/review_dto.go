package dto

import (
	"time"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
)

// ManualGradeRequest: оценка ревьюера. Points, указатель, чтобы отличать 0 от отсутствия.
type ManualGradeRequest struct {
	Points   *int   `json:"points" binding:"required"`
	Comments string `json:"comments" binding:"max=4000"`
}

// AttemptSummary: строка списка попыток для ревьюера
type AttemptSummary struct {
	ID                   string                 `json:"id"`
	AssessmentID         uint                   `json:"assessment_id"`
	CandidateRef         string                 `json:"candidate_ref"`
	Status               entity.AttemptStatus   `json:"status"`
	StartedAt            *time.Time             `json:"started_at,omitempty"`
	SubmittedAt          *time.Time             `json:"submitted_at,omitempty"`
	FinalizeReason       *entity.FinalizeReason `json:"finalize_reason,omitempty"`
	PointsEarned         *int                   `json:"points_earned,omitempty"`
	Percentage           *float64               `json:"percentage,omitempty"`
	Passed               *bool                  `json:"passed,omitempty"`
	ManualGradingPending bool                   `json:"manual_grading_pending"`
	TabSwitchCount       int                    `json:"tab_switch_count"`
}

// PaginatedAttempts: страница попыток
type PaginatedAttempts struct {
	Attempts []AttemptSummary `json:"attempts"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PerPage  int              `json:"per_page"`
}

// PaginatedResponses: страница ответов, ожидающих ревьюера
type PaginatedResponses struct {
	Responses []entity.Response `json:"responses"`
	Total     int64             `json:"total"`
	Page      int               `json:"page"`
	PerPage   int               `json:"per_page"`
}

// AttemptDetailResponse: попытка целиком, с журналом анти-чита и ответами
type AttemptDetailResponse struct {
	Attempt    *entity.Attempt   `json:"attempt"`
	Assessment AssessmentInfo    `json:"assessment"`
	Questions  []entity.Question `json:"questions"`
	Responses  []entity.Response `json:"responses"`
}

// ManualGradeResponse: ответ после ручной оценки и пересчитанный итог
type ManualGradeResponse struct {
	Response *entity.Response `json:"response"`
	Attempt  AttemptSummary   `json:"attempt"`
}

// NewAttemptSummary создает строку списка
func NewAttemptSummary(a *entity.Attempt) AttemptSummary {
	return AttemptSummary{
		ID:                   a.ID.String(),
		AssessmentID:         a.AssessmentID,
		CandidateRef:         a.CandidateRef,
		Status:               a.Status(),
		StartedAt:            a.StartedAt,
		SubmittedAt:          a.SubmittedAt,
		FinalizeReason:       a.FinalizeReason,
		PointsEarned:         a.PointsEarned,
		Percentage:           a.Percentage,
		Passed:               a.Passed,
		ManualGradingPending: a.ManualGradingPending,
		TabSwitchCount:       a.TabSwitchCount,
	}
}
