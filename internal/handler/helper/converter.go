package helper

import (
	"github.com/hireflux/assessment-engine/internal/domain/entity"
)

// CandidateOption: вариант ответа без признака правильности
type CandidateOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// CandidateExample: открытый тест кодового вопроса
type CandidateExample struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// CandidateCoding: кодовый вопрос без скрытых тестов
type CandidateCoding struct {
	Language       string             `json:"language"`
	StarterCode    string             `json:"starter_code,omitempty"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty"`
	Examples       []CandidateExample `json:"examples"`
	TestCaseCount  int                `json:"test_case_count"`
}

// CandidateQuestion: вопрос в том виде, в котором его видит кандидат
type CandidateQuestion struct {
	ID      uint                  `json:"id"`
	Kind    entity.QuestionKind   `json:"kind"`
	Text    string                `json:"text"`
	Points  int                   `json:"points"`
	Options []CandidateOption     `json:"options,omitempty"`
	Coding  *CandidateCoding      `json:"coding,omitempty"`
	Manual  *entity.ManualPayload `json:"manual,omitempty"`
}

// ConvertOptions убирает из MCQ все, кроме id и текста
func ConvertOptions(mcq *entity.MCQPayload) []CandidateOption {
	if mcq == nil {
		return nil
	}
	converted := make([]CandidateOption, len(mcq.Options))
	for i, opt := range mcq.Options {
		converted[i] = CandidateOption{ID: opt.ID, Text: opt.Text}
	}
	return converted
}

// ConvertCoding оставляет только открытые тесты
func ConvertCoding(coding *entity.CodingPayload) *CandidateCoding {
	if coding == nil {
		return nil
	}
	out := &CandidateCoding{
		Language:       coding.Language,
		StarterCode:    coding.StarterCode,
		TimeoutSeconds: coding.TimeoutSeconds,
		Examples:       make([]CandidateExample, 0, len(coding.TestCases)),
		TestCaseCount:  len(coding.TestCases),
	}
	for _, tc := range coding.TestCases {
		if tc.Hidden {
			continue
		}
		out.Examples = append(out.Examples, CandidateExample{Input: tc.Input, ExpectedOutput: tc.ExpectedOutput})
	}
	return out
}

// ConvertQuestions готовит вопросы для кандидата в переданном порядке
func ConvertQuestions(questions []entity.Question) []CandidateQuestion {
	out := make([]CandidateQuestion, len(questions))
	for i := range questions {
		q := &questions[i]
		out[i] = CandidateQuestion{
			ID:      q.ID,
			Kind:    q.Kind,
			Text:    q.Text,
			Points:  q.Points,
			Options: ConvertOptions(q.Payload.MCQ),
			Coding:  ConvertCoding(q.Payload.Coding),
			Manual:  q.Payload.Manual,
		}
	}
	return out
}
