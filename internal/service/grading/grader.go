// Package grading содержит чистую логику проверки ответов по видам вопросов.
// Пакет ничего не сохраняет: запись результата делает жизненный цикл попытки.
package grading

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/sandbox"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// wrongSelectionPenalty: штраф за каждый неверно выбранный вариант в долях от 1/k
const wrongSelectionPenalty = 0.5

// CodeRunner: то, что нужно грейдеру от песочницы
type CodeRunner interface {
	Execute(ctx context.Context, req sandbox.Request) sandbox.Result
}

// Result: итог проверки одного ответа
type Result struct {
	PointsEarned int
	AutoGraded   bool
	Reason       string
	TestCases    []entity.TestCaseResult
}

// Grader проверяет ответы. Безопасен для конкурентного использования.
type Grader struct {
	runner         CodeRunner
	defaultTimeout time.Duration
}

// NewGrader создает грейдер
func NewGrader(runner CodeRunner, defaultTimeout time.Duration) *Grader {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &Grader{runner: runner, defaultTimeout: defaultTimeout}
}

// Grade проверяет ответ по виду вопроса.
// Ошибка возвращается только если ответ не подходит к вопросу.
func (g *Grader) Grade(ctx context.Context, q *entity.Question, payload entity.ResponsePayload) (Result, error) {
	switch q.Kind {
	case entity.QuestionMCQSingle:
		return gradeSingle(q, payload)
	case entity.QuestionMCQMultiple:
		return gradeMultiple(q, payload)
	case entity.QuestionCoding:
		return g.gradeCoding(ctx, q, payload)
	case entity.QuestionText, entity.QuestionFileUpload:
		return Result{PointsEarned: 0, AutoGraded: false, Reason: "awaiting manual review"}, nil
	default:
		return Result{}, fmt.Errorf("unknown question kind %q", q.Kind)
	}
}

func gradeSingle(q *entity.Question, payload entity.ResponsePayload) (Result, error) {
	if q.Payload.MCQ == nil || len(q.Payload.MCQ.CorrectOptionIDs) != 1 {
		return Result{}, fmt.Errorf("question %d has no single correct option", q.ID)
	}
	if len(payload.SelectedOptionIDs) != 1 {
		return Result{AutoGraded: true, Reason: "exactly one option must be selected"}, nil
	}
	if payload.SelectedOptionIDs[0] == q.Payload.MCQ.CorrectOptionIDs[0] {
		return Result{PointsEarned: q.Points, AutoGraded: true}, nil
	}
	return Result{AutoGraded: true}, nil
}

func gradeMultiple(q *entity.Question, payload entity.ResponsePayload) (Result, error) {
	if q.Payload.MCQ == nil || len(q.Payload.MCQ.CorrectOptionIDs) == 0 {
		return Result{}, fmt.Errorf("question %d has no correct options", q.ID)
	}
	points := PartialCredit(q.Points, q.Payload.MCQ.CorrectOptionIDs, payload.SelectedOptionIDs)
	return Result{PointsEarned: points, AutoGraded: true}, nil
}

// PartialCredit считает баллы за множественный выбор:
// floor(points * max(0, |S∩C|/k - |S\C|/k * 0.5)), полный балл при S == C.
func PartialCredit(points int, correct, selected []string) int {
	correctSet := toSet(correct)
	selectedSet := toSet(selected)
	k := float64(len(correctSet))
	if k == 0 {
		return 0
	}

	hits, misses := 0, 0
	for id := range selectedSet {
		if _, ok := correctSet[id]; ok {
			hits++
		} else {
			misses++
		}
	}
	if hits == len(correctSet) && misses == 0 {
		return points
	}

	score := float64(hits)/k - float64(misses)/k*wrongSelectionPenalty
	if score <= 0 {
		return 0
	}
	earned := int(math.Floor(float64(points) * score))
	if earned > points {
		earned = points
	}
	return earned
}

func (g *Grader) gradeCoding(ctx context.Context, q *entity.Question, payload entity.ResponsePayload) (Result, error) {
	coding := q.Payload.Coding
	if coding == nil {
		return Result{}, fmt.Errorf("question %d has no coding payload", q.ID)
	}
	if payload.Code == nil || strings.TrimSpace(payload.Code.Source) == "" {
		return Result{AutoGraded: true, Reason: "no code submitted", TestCases: failAll(coding.TestCases, 0, "no code submitted")}, nil
	}

	language := payload.Code.Language
	if language == "" {
		language = coding.Language
	}
	timeout := g.defaultTimeout
	if coding.TimeoutSeconds > 0 {
		timeout = time.Duration(coding.TimeoutSeconds) * time.Second
	}

	results := make([]entity.TestCaseResult, 0, len(coding.TestCases))
	earned := 0
	for i, tc := range coding.TestCases {
		if ctx.Err() != nil {
			results = append(results, failAll(coding.TestCases[i:], i, sandbox.ReasonCancelled)...)
			break
		}

		run := g.runner.Execute(ctx, sandbox.Request{
			Code:     payload.Code.Source,
			Language: language,
			Stdin:    tc.Input,
			Timeout:  timeout,
		})
		tcResult := entity.TestCaseResult{
			Index:           i,
			Status:          string(run.Status),
			ExecutionTimeMs: run.ExecutionTimeMs,
			Reason:          run.Reason,
		}
		if run.Status == sandbox.StatusSuccess && outputMatches(run.Stdout, tc.ExpectedOutput) {
			tcResult.Passed = true
			tcResult.Points = tc.Points
			earned += tc.Points
		} else if run.Status == sandbox.StatusSuccess {
			tcResult.Reason = "wrong output"
		}
		if run.Reason == sandbox.ReasonUnavailable {
			logger.Warn(ctx, "[Grader] Тест провален: песочница недоступна",
				zap.Uint("question_id", q.ID), zap.Int("test_case", i))
		}
		results = append(results, tcResult)

		// Ошибка компиляции или выполнения программы на первом тесте: остальные не запускаем.
		// Сбой самой песочницы проваливает только свой тест.
		if i == 0 && run.Status == sandbox.StatusError && !infrastructureFailure(run.Reason) {
			results = append(results, failAll(coding.TestCases[1:], 1, "skipped after error on first test case")...)
			break
		}
	}

	if earned > q.Points {
		earned = q.Points
	}
	return Result{PointsEarned: earned, AutoGraded: true, TestCases: results}, nil
}

// outputMatches: точное совпадение вывода, пробелы и переводы строк значимы
func outputMatches(actual, expected string) bool {
	return actual == expected
}

// infrastructureFailure: ошибка песочницы, а не программы кандидата
func infrastructureFailure(reason string) bool {
	switch reason {
	case sandbox.ReasonCancelled, sandbox.ReasonPoolBusy, sandbox.ReasonUnavailable:
		return true
	}
	return false
}

func failAll(cases []entity.TestCase, offset int, reason string) []entity.TestCaseResult {
	out := make([]entity.TestCaseResult, 0, len(cases))
	for i := range cases {
		out = append(out, entity.TestCaseResult{
			Index:  offset + i,
			Status: string(sandbox.StatusError),
			Reason: reason,
		})
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
