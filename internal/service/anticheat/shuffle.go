package anticheat

import (
	"hash/fnv"
	"math/rand"

	"github.com/google/uuid"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
)

// SeedFromAttempt превращает id попытки в зерно перемешивания
func SeedFromAttempt(id uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	return int64(h.Sum64())
}

// RandomizeOrder возвращает вопросы в порядке, стабильном для одной попытки.
// Исходное определение не меняется; варианты ответов копируются перед перемешиванием.
func RandomizeOrder(def *entity.AssessmentDefinition, seed int64) []entity.Question {
	questions := def.OrderedQuestions()
	rng := rand.New(rand.NewSource(seed))

	if def.RandomizeQuestions {
		rng.Shuffle(len(questions), func(i, j int) {
			questions[i], questions[j] = questions[j], questions[i]
		})
	}

	for i := range questions {
		q := &questions[i]
		if !q.RandomizeOptions || q.Payload.MCQ == nil {
			continue
		}
		mcq := *q.Payload.MCQ
		options := make([]entity.MCQOption, len(mcq.Options))
		copy(options, mcq.Options)
		// Отдельный источник на вопрос: порядок вариантов не зависит от перестановки вопросов
		optRng := rand.New(rand.NewSource(seed ^ int64(q.ID)*0x9E3779B1))
		optRng.Shuffle(len(options), func(a, b int) {
			options[a], options[b] = options[b], options[a]
		})
		mcq.Options = options
		q.Payload.MCQ = &mcq
	}
	return questions
}
