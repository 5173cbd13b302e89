package dto

import (
	"encoding/json"
	"time"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/handler/helper"
)

// StartAttemptRequest: необязательные данные клиента при старте
type StartAttemptRequest struct {
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// CodeRequest: код кандидата
type CodeRequest struct {
	Language string `json:"language"`
	Source   string `json:"source"`
}

// SubmitResponseRequest: ответ на вопрос. Заполняется поле, подходящее к виду вопроса.
type SubmitResponseRequest struct {
	QuestionID        uint            `json:"question_id" binding:"required"`
	SelectedOptionIDs []string        `json:"selected_option_ids,omitempty"`
	Text              string          `json:"text,omitempty"`
	File              *entity.FileRef `json:"file,omitempty"`
	Code              *CodeRequest    `json:"code,omitempty"`
}

// Payload собирает ответ в доменный вид
func (r *SubmitResponseRequest) Payload() entity.ResponsePayload {
	p := entity.ResponsePayload{
		SelectedOptionIDs: r.SelectedOptionIDs,
		Text:              r.Text,
		File:              r.File,
	}
	if r.Code != nil {
		p.Code = &entity.CodeSubmission{Language: r.Code.Language, Source: r.Code.Source}
	}
	return p
}

// ReportActivityRequest: сигнал анти-чита
type ReportActivityRequest struct {
	Kind string `json:"kind" binding:"required,oneof=tab_switch ip_check"`
}

// ExecuteCodeRequest: запуск кода кандидатом вне проверки
type ExecuteCodeRequest struct {
	Language string `json:"language" binding:"required"`
	Code     string `json:"code" binding:"required"`
	Stdin    string `json:"stdin"`
}

// ExecuteCodeResponse: результат запуска
type ExecuteCodeResponse struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	Status          string `json:"status"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Reason          string `json:"reason,omitempty"`
}

// AssessmentInfo: метаданные оценки для кандидата
type AssessmentInfo struct {
	ID                     uint    `json:"id"`
	Title                  string  `json:"title"`
	TimeLimitMinutes       int     `json:"time_limit_minutes"`
	PassingScorePercentage float64 `json:"passing_score_percentage"`
	TotalPoints            int     `json:"total_points"`
	QuestionCount          int     `json:"question_count"`
}

// CandidateResponse: сохраненный ответ без баллов, пока попытка открыта
type CandidateResponse struct {
	QuestionID  uint                   `json:"question_id"`
	Revision    int                    `json:"revision"`
	Payload     entity.ResponsePayload `json:"payload"`
	SubmittedAt time.Time              `json:"submitted_at"`
	Grading     string                 `json:"grading"`
}

// SessionResponse: экран кандидата
type SessionResponse struct {
	AttemptID        string                     `json:"attempt_id"`
	Status           entity.AttemptStatus       `json:"status"`
	Assessment       AssessmentInfo             `json:"assessment"`
	StartedAt        *time.Time                 `json:"started_at,omitempty"`
	SubmittedAt      *time.Time                 `json:"submitted_at,omitempty"`
	FinalizeReason   *entity.FinalizeReason     `json:"finalize_reason,omitempty"`
	RemainingSeconds int                        `json:"remaining_seconds"`
	TabSwitchCount   int                        `json:"tab_switch_count"`
	Questions        []helper.CandidateQuestion `json:"questions,omitempty"`
	Responses        []CandidateResponse        `json:"responses"`
}

// ResponseAccepted: результат сохранения ответа
type ResponseAccepted struct {
	ResponseID string `json:"response_id"`
	QuestionID uint   `json:"question_id"`
	Revision   int    `json:"revision"`
	Grading    string `json:"grading"`
}

// TestCaseOutcome: результат теста без входных данных скрытых тестов
type TestCaseOutcome struct {
	Index  int    `json:"index"`
	Passed bool   `json:"passed"`
	Status string `json:"status"`
}

// QuestionResult: итог по вопросу
type QuestionResult struct {
	QuestionID   uint                `json:"question_id"`
	Kind         entity.QuestionKind `json:"kind"`
	Points       int                 `json:"points"`
	PointsEarned *int                `json:"points_earned"`
	Answered     bool                `json:"answered"`
	TestCases    []TestCaseOutcome   `json:"test_cases,omitempty"`
}

// ResultsResponse: итог попытки
type ResultsResponse struct {
	AttemptID            string                 `json:"attempt_id"`
	FinalizeReason       *entity.FinalizeReason `json:"finalize_reason,omitempty"`
	SubmittedAt          *time.Time             `json:"submitted_at,omitempty"`
	TimeElapsedSeconds   int                    `json:"time_elapsed_seconds"`
	PointsEarned         int                    `json:"points_earned"`
	TotalPoints          int                    `json:"total_points"`
	Percentage           float64                `json:"percentage"`
	Passed               bool                   `json:"passed"`
	ManualGradingPending bool                   `json:"manual_grading_pending"`
	Questions            []QuestionResult       `json:"questions"`
}

// ActivityResponse: состояние после сигнала анти-чита
type ActivityResponse struct {
	Status         entity.AttemptStatus `json:"status"`
	TabSwitchCount int                  `json:"tab_switch_count"`
	Disqualified   bool                 `json:"disqualified"`
}

// IssueAttemptRequest: выпуск ссылки кандидату сервисом управления
type IssueAttemptRequest struct {
	CandidateRef string `json:"candidate_ref" binding:"required,max=128"`
}

// IssueAttemptResponse содержит токен ссылки. Отдается только сервису управления.
type IssueAttemptResponse struct {
	AttemptID   string    `json:"attempt_id"`
	AccessToken string    `json:"access_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// Состояния проверки ответа для кандидата
const (
	GradingPending = "pending"
	GradingDone    = "graded"
	GradingManual  = "manual_review"
)

// GradingState описывает состояние проверки ответа
func GradingState(r *entity.Response) string {
	switch {
	case r.NeedsManualGrade():
		return GradingManual
	case r.PendingGrading():
		return GradingPending
	default:
		return GradingDone
	}
}

// NewCandidateResponse скрывает баллы и результаты тестов, пока попытка открыта
func NewCandidateResponse(r *entity.Response) CandidateResponse {
	payload := r.Payload
	if payload.Code != nil {
		code := *payload.Code
		code.Results = nil
		payload.Code = &code
	}
	return CandidateResponse{
		QuestionID:  r.QuestionID,
		Revision:    r.Revision,
		Payload:     payload,
		SubmittedAt: r.SubmittedAt,
		Grading:     GradingState(r),
	}
}

// NewAssessmentInfo создает метаданные оценки
func NewAssessmentInfo(def *entity.AssessmentDefinition) AssessmentInfo {
	return AssessmentInfo{
		ID:                     def.ID,
		Title:                  def.Title,
		TimeLimitMinutes:       def.TimeLimitMinutes,
		PassingScorePercentage: def.PassingScorePercentage,
		TotalPoints:            def.TotalPoints(),
		QuestionCount:          len(def.Questions),
	}
}

// NewResultsResponse собирает итог попытки по вопросам
func NewResultsResponse(attempt *entity.Attempt, def *entity.AssessmentDefinition, questions []entity.Question, responses []entity.Response) *ResultsResponse {
	byQuestion := make(map[uint]*entity.Response, len(responses))
	for i := range responses {
		byQuestion[responses[i].QuestionID] = &responses[i]
	}

	res := &ResultsResponse{
		AttemptID:            attempt.ID.String(),
		FinalizeReason:       attempt.FinalizeReason,
		SubmittedAt:          attempt.SubmittedAt,
		TimeElapsedSeconds:   attempt.TimeElapsedSeconds,
		TotalPoints:          def.TotalPoints(),
		ManualGradingPending: attempt.ManualGradingPending,
		Questions:            make([]QuestionResult, 0, len(questions)),
	}
	if attempt.PointsEarned != nil {
		res.PointsEarned = *attempt.PointsEarned
	}
	if attempt.Percentage != nil {
		res.Percentage = *attempt.Percentage
	}
	if attempt.Passed != nil {
		res.Passed = *attempt.Passed
	}

	for i := range questions {
		q := &questions[i]
		qr := QuestionResult{QuestionID: q.ID, Kind: q.Kind, Points: q.Points}
		if r, ok := byQuestion[q.ID]; ok {
			qr.Answered = true
			qr.PointsEarned = r.PointsEarned
			if r.Payload.Code != nil {
				for _, tr := range r.Payload.Code.Results {
					qr.TestCases = append(qr.TestCases, TestCaseOutcome{Index: tr.Index, Passed: tr.Passed, Status: tr.Status})
				}
			}
		}
		res.Questions = append(res.Questions, qr)
	}
	return res
}
