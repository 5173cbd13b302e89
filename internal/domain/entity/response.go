package entity

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Статусы запуска теста в песочнице
const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
	RunStatusTimeout = "timeout"
)

// TestCaseResult: результат одного теста кодового ответа
type TestCaseResult struct {
	Index           int    `json:"index"`
	Passed          bool   `json:"passed"`
	Points          int    `json:"points"`
	Status          string `json:"status"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Reason          string `json:"reason,omitempty"`
}

// CodeSubmission: код кандидата и результаты его проверки
type CodeSubmission struct {
	Language string           `json:"language"`
	Source   string           `json:"source"`
	Results  []TestCaseResult `json:"results,omitempty"`
}

// FileRef: ссылка на загруженный файл. Само хранилище файлов вне сервиса.
type FileRef struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// ResponsePayload: ответ кандидата, форма зависит от вида вопроса
type ResponsePayload struct {
	SelectedOptionIDs []string        `json:"selected_option_ids,omitempty"`
	Text              string          `json:"text,omitempty"`
	File              *FileRef        `json:"file,omitempty"`
	Code              *CodeSubmission `json:"code,omitempty"`
}

// Scan реализует интерфейс sql.Scanner для ResponsePayload
func (p *ResponsePayload) Scan(value interface{}) error {
	return scanJSON(value, p)
}

// Value реализует интерфейс driver.Valuer для ResponsePayload
func (p ResponsePayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Response: ответ кандидата на один вопрос. На пару (попытка, вопрос)
// хранится одна запись, повторная отправка перезаписывает ее.
type Response struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	AttemptID    uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_responses_attempt_question" json:"attempt_id"`
	QuestionID   uint            `gorm:"not null;uniqueIndex:idx_responses_attempt_question" json:"question_id"`
	QuestionKind QuestionKind    `gorm:"size:20;not null" json:"question_kind"`
	Payload      ResponsePayload `gorm:"type:jsonb;not null" json:"payload"`
	// Revision растет при каждой перезаписи ответа; по нему отбрасываются устаревшие оценки
	Revision int `gorm:"not null;default:1" json:"revision"`

	PointsEarned   *int       `json:"points_earned,omitempty"`
	AutoGraded     bool       `gorm:"not null;default:false" json:"auto_graded"`
	GradingNote    string     `gorm:"type:text" json:"grading_note,omitempty"`
	GradedBy       *string    `gorm:"size:128" json:"graded_by,omitempty"`
	GraderComments string     `gorm:"type:text" json:"grader_comments,omitempty"`
	GradedAt       *time.Time `json:"graded_at,omitempty"`

	SubmittedAt time.Time `gorm:"not null" json:"submitted_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName определяет имя таблицы для GORM
func (Response) TableName() string {
	return "responses"
}

// GradingNotePending: заглушка, пока кодовый ответ проверяется в песочнице
const GradingNotePending = "grading in progress"

// GradingNoteCancelled: проверку прервала финализация попытки
const GradingNoteCancelled = "grading cancelled: attempt finalized"

// PendingGrading сообщает, что ответ ждет автоматической проверки
func (r *Response) PendingGrading() bool {
	return r.QuestionKind == QuestionCoding && r.PointsEarned == nil && !r.AutoGraded && r.GradedBy == nil
}

// NeedsManualGrade сообщает, что ответ ждет ревьюера
func (r *Response) NeedsManualGrade() bool {
	return !r.QuestionKind.AutoGradable() && r.GradedBy == nil
}

// Points возвращает начисленные баллы или 0, если оценки еще нет
func (r *Response) Points() int {
	if r.PointsEarned == nil {
		return 0
	}
	return *r.PointsEarned
}
