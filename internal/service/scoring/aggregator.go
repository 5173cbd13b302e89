// Package scoring сводит оценки ответов в итог попытки
package scoring

import (
	"math"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
)

// Score: итог попытки
type Score struct {
	PointsEarned int
	TotalPoints  int
	Percentage   float64
	Passed       bool
	// ManualPending: есть ответы, которые еще ждут ревьюера
	ManualPending bool
}

// Aggregate считает баллы, процент и прохождение порога.
// Баллы ответа ограничены баллами вопроса; ответы на вопросы,
// которых нет в определении, не учитываются. Неоцененные ответы дают 0.
func Aggregate(responses []entity.Response, def *entity.AssessmentDefinition) Score {
	score := Score{TotalPoints: def.TotalPoints()}

	for i := range responses {
		r := &responses[i]
		q, ok := def.QuestionByID(r.QuestionID)
		if !ok {
			continue
		}
		if r.NeedsManualGrade() {
			score.ManualPending = true
		}
		points := r.Points()
		if points < 0 {
			points = 0
		}
		if points > q.Points {
			points = q.Points
		}
		score.PointsEarned += points
	}

	if score.TotalPoints > 0 {
		pct := float64(score.PointsEarned) / float64(score.TotalPoints) * 100
		score.Percentage = math.Round(pct*100) / 100
	}
	score.Passed = score.TotalPoints > 0 && score.Percentage >= def.PassingScorePercentage
	return score
}

// Apply записывает итог в поля попытки
func (s Score) Apply(attempt *entity.Attempt) {
	points := s.PointsEarned
	pct := s.Percentage
	passed := s.Passed
	attempt.PointsEarned = &points
	attempt.Percentage = &pct
	attempt.Passed = &passed
	attempt.ManualGradingPending = s.ManualPending
}
