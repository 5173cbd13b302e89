package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mcqQuestion(kind QuestionKind, correct ...string) *Question {
	return &Question{
		ID:     1,
		Kind:   kind,
		Text:   "Какие из типов являются ссылочными в Go?",
		Points: 10,
		Payload: QuestionPayload{MCQ: &MCQPayload{
			Options: []MCQOption{
				{ID: "a", Text: "slice"},
				{ID: "b", Text: "map"},
				{ID: "c", Text: "int"},
				{ID: "d", Text: "array"},
			},
			CorrectOptionIDs: correct,
		}},
	}
}

func TestQuestion_Validate_MCQ(t *testing.T) {
	assert.NoError(t, mcqQuestion(QuestionMCQSingle, "a").Validate())
	assert.NoError(t, mcqQuestion(QuestionMCQMultiple, "a", "b").Validate())

	// Одиночный выбор с двумя правильными ответами недопустим
	assert.Error(t, mcqQuestion(QuestionMCQSingle, "a", "b").Validate())
	// Пустое множество правильных ответов
	assert.Error(t, mcqQuestion(QuestionMCQMultiple).Validate())
	// Правильный ответ не из списка вариантов
	assert.Error(t, mcqQuestion(QuestionMCQMultiple, "z").Validate())
}

func TestQuestion_Validate_DuplicateOption(t *testing.T) {
	q := mcqQuestion(QuestionMCQSingle, "a")
	q.Payload.MCQ.Options = append(q.Payload.MCQ.Options, MCQOption{ID: "a", Text: "dup"})
	assert.Error(t, q.Validate())
}

func TestQuestion_Validate_PointsRange(t *testing.T) {
	q := mcqQuestion(QuestionMCQSingle, "a")
	q.Points = MaxQuestionPoints + 1
	assert.Error(t, q.Validate())

	q.Points = -1
	assert.Error(t, q.Validate())
}

func TestQuestion_Validate_Coding(t *testing.T) {
	q := &Question{
		ID:     2,
		Kind:   QuestionCoding,
		Text:   "Факториал",
		Points: 45,
		Payload: QuestionPayload{Coding: &CodingPayload{
			Language: "python",
			TestCases: []TestCase{
				{Input: "5", ExpectedOutput: "120", Points: 20},
				{Input: "3", ExpectedOutput: "6", Points: 15},
				{Input: "0", ExpectedOutput: "1", Points: 10},
			},
		}},
	}
	require.NoError(t, q.Validate())
	assert.Equal(t, 45, q.CodingTotalPoints())

	q.Points = 40
	assert.Error(t, q.Validate(), "сумма баллов тестов не может превышать баллы вопроса")

	q.Points = 45
	q.Payload.MCQ = &MCQPayload{}
	assert.Error(t, q.Validate(), "у кодового вопроса должен быть только coding payload")
}

func TestQuestion_Validate_UnknownKind(t *testing.T) {
	q := &Question{ID: 3, Kind: "essay"}
	assert.Error(t, q.Validate())
}

func TestQuestionPayload_ScanValue(t *testing.T) {
	q := mcqQuestion(QuestionMCQMultiple, "a", "b")

	raw, err := q.Payload.Value()
	require.NoError(t, err)

	var decoded QuestionPayload
	require.NoError(t, decoded.Scan(raw))
	require.NotNil(t, decoded.MCQ)
	assert.Nil(t, decoded.Coding)
	assert.Equal(t, []string{"a", "b"}, decoded.MCQ.CorrectOptionIDs)

	assert.Error(t, decoded.Scan(42))
	assert.NoError(t, decoded.Scan(nil))
}

func TestAssessmentDefinition_Helpers(t *testing.T) {
	def := &AssessmentDefinition{
		ID:               7,
		TimeLimitMinutes: 30,
		Questions: []Question{
			{ID: 3, Kind: QuestionText, Points: 20, DisplayOrder: 2},
			{ID: 1, Kind: QuestionMCQSingle, Points: 30, DisplayOrder: 1},
			{ID: 2, Kind: QuestionCoding, Points: 50, DisplayOrder: 1},
		},
	}

	assert.Equal(t, 100, def.TotalPoints())
	assert.Equal(t, DefaultMaxTabSwitches, def.EffectiveMaxTabSwitches())
	assert.True(t, def.HasManualQuestions())

	ordered := def.OrderedQuestions()
	require.Len(t, ordered, 3)
	assert.Equal(t, []uint{1, 2, 3}, []uint{ordered[0].ID, ordered[1].ID, ordered[2].ID})

	q, ok := def.QuestionByID(2)
	require.True(t, ok)
	assert.Equal(t, QuestionCoding, q.Kind)

	_, ok = def.QuestionByID(99)
	assert.False(t, ok)
}
