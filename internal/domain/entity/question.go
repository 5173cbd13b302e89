package entity

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QuestionKind: тег варианта вопроса
type QuestionKind string

// Константы видов вопросов
const (
	QuestionMCQSingle   QuestionKind = "mcq_single"
	QuestionMCQMultiple QuestionKind = "mcq_multiple"
	QuestionCoding      QuestionKind = "coding"
	QuestionText        QuestionKind = "text"
	QuestionFileUpload  QuestionKind = "file_upload"
)

// MaxQuestionPoints: верхняя граница баллов за вопрос
const MaxQuestionPoints = 1000

// Valid проверяет, что вид вопроса известен
func (k QuestionKind) Valid() bool {
	switch k {
	case QuestionMCQSingle, QuestionMCQMultiple, QuestionCoding, QuestionText, QuestionFileUpload:
		return true
	}
	return false
}

// AutoGradable возвращает true для видов, которые проверяются автоматически
func (k QuestionKind) AutoGradable() bool {
	switch k {
	case QuestionMCQSingle, QuestionMCQMultiple, QuestionCoding:
		return true
	}
	return false
}

// MCQOption: вариант ответа
type MCQOption struct {
	ID   string `json:"id" validate:"required,max=64"`
	Text string `json:"text" validate:"required"`
}

// MCQPayload: данные вопроса с выбором ответа
type MCQPayload struct {
	Options          []MCQOption `json:"options" validate:"min=2,dive"`
	CorrectOptionIDs []string    `json:"correct_option_ids" validate:"min=1"`
}

// TestCase: один тест кодового вопроса. Тесты могут весить по-разному.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Points         int    `json:"points" validate:"gte=0,lte=1000"`
	Hidden         bool   `json:"hidden,omitempty"`
}

// CodingPayload: данные кодового вопроса
type CodingPayload struct {
	Language       string     `json:"language" validate:"required"`
	StarterCode    string     `json:"starter_code,omitempty"`
	TestCases      []TestCase `json:"test_cases" validate:"min=1,dive"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty" validate:"gte=0,lte=60"`
}

// ManualPayload: ограничения для ответов, проверяемых вручную (текст, файл)
type ManualPayload struct {
	MaxLength        int      `json:"max_length,omitempty"`
	AllowedFileTypes []string `json:"allowed_file_types,omitempty"`
	MaxFileSizeMB    int      `json:"max_file_size_mb,omitempty"`
}

// QuestionPayload: размеченное объединение: заполнено ровно одно поле,
// соответствующее Question.Kind. Хранится в JSONB.
type QuestionPayload struct {
	MCQ    *MCQPayload    `json:"mcq,omitempty"`
	Coding *CodingPayload `json:"coding,omitempty"`
	Manual *ManualPayload `json:"manual,omitempty"`
}

// Scan реализует интерфейс sql.Scanner для QuestionPayload
func (p *QuestionPayload) Scan(value interface{}) error {
	return scanJSON(value, p)
}

// Value реализует интерфейс driver.Valuer для QuestionPayload
func (p QuestionPayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Question представляет вопрос оценки
type Question struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	AssessmentID     uint            `gorm:"not null;index" json:"assessment_id"`
	Kind             QuestionKind    `gorm:"size:20;not null" json:"kind" validate:"required"`
	Text             string          `gorm:"type:text;not null" json:"text" validate:"required"`
	Points           int             `gorm:"not null;default:0" json:"points" validate:"gte=0,lte=1000"`
	DisplayOrder     int             `gorm:"not null;default:0" json:"display_order"`
	RandomizeOptions bool            `gorm:"not null;default:false" json:"randomize_options"`
	Payload          QuestionPayload `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TableName определяет имя таблицы для GORM
func (Question) TableName() string {
	return "assessment_questions"
}

// CodingTotalPoints возвращает сумму баллов тестов кодового вопроса
func (q *Question) CodingTotalPoints() int {
	if q.Payload.Coding == nil {
		return 0
	}
	total := 0
	for _, tc := range q.Payload.Coding.TestCases {
		total += tc.Points
	}
	return total
}

// HasOption проверяет, есть ли у MCQ-вопроса вариант с таким id
func (q *Question) HasOption(optionID string) bool {
	if q.Payload.MCQ == nil {
		return false
	}
	for _, opt := range q.Payload.MCQ.Options {
		if opt.ID == optionID {
			return true
		}
	}
	return false
}

// Validate проверяет, что полезная нагрузка соответствует виду вопроса
func (q *Question) Validate() error {
	if !q.Kind.Valid() {
		return fmt.Errorf("question %d: unknown kind %q", q.ID, q.Kind)
	}
	if q.Points < 0 || q.Points > MaxQuestionPoints {
		return fmt.Errorf("question %d: points must be within [0, %d]", q.ID, MaxQuestionPoints)
	}
	switch q.Kind {
	case QuestionMCQSingle, QuestionMCQMultiple:
		mcq := q.Payload.MCQ
		if mcq == nil || q.Payload.Coding != nil || q.Payload.Manual != nil {
			return fmt.Errorf("question %d: %s requires only an mcq payload", q.ID, q.Kind)
		}
		if len(mcq.CorrectOptionIDs) == 0 {
			return fmt.Errorf("question %d: correct answer set is empty", q.ID)
		}
		if q.Kind == QuestionMCQSingle && len(mcq.CorrectOptionIDs) != 1 {
			return fmt.Errorf("question %d: single-choice question must have exactly one correct option", q.ID)
		}
		seen := make(map[string]struct{}, len(mcq.Options))
		for _, opt := range mcq.Options {
			if _, dup := seen[opt.ID]; dup {
				return fmt.Errorf("question %d: duplicate option id %q", q.ID, opt.ID)
			}
			seen[opt.ID] = struct{}{}
		}
		for _, id := range mcq.CorrectOptionIDs {
			if _, ok := seen[id]; !ok {
				return fmt.Errorf("question %d: correct option %q is not among options", q.ID, id)
			}
		}
	case QuestionCoding:
		if q.Payload.Coding == nil || q.Payload.MCQ != nil || q.Payload.Manual != nil {
			return fmt.Errorf("question %d: coding requires only a coding payload", q.ID)
		}
		if len(q.Payload.Coding.TestCases) == 0 {
			return fmt.Errorf("question %d: coding question has no test cases", q.ID)
		}
		if q.CodingTotalPoints() > q.Points {
			return fmt.Errorf("question %d: test case points exceed question points", q.ID)
		}
	case QuestionText, QuestionFileUpload:
		if q.Payload.MCQ != nil || q.Payload.Coding != nil {
			return fmt.Errorf("question %d: %s accepts only manual constraints", q.ID, q.Kind)
		}
	}
	return nil
}

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to unmarshal JSONB value: expected []byte")
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dest)
}
