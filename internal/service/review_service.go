package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/domain/repository"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
	"github.com/hireflux/assessment-engine/internal/service/attemptmanager"
	"github.com/hireflux/assessment-engine/pkg/logger"
)

// exportPageSize: размер страницы выборки при выгрузке
const exportPageSize = 200

// AttemptDetail: попытка с ответами для ревьюера
type AttemptDetail struct {
	Attempt    *entity.Attempt
	Definition *entity.AssessmentDefinition
	Responses  []entity.Response
}

// ManualGradeRequest: оценка ревьюера
type ManualGradeRequest struct {
	ResponseID uuid.UUID
	Points     int
	Comments   string
	Reviewer   string
}

// ReviewService обслуживает внешний интерфейс ревьюеров
type ReviewService struct {
	attemptRepo  repository.AttemptRepository
	responseRepo repository.ResponseRepository
	definitions  attemptmanager.DefinitionSource
	lifecycle    *attemptmanager.Lifecycle
}

// NewReviewService создает сервис ревью
func NewReviewService(
	attemptRepo repository.AttemptRepository,
	responseRepo repository.ResponseRepository,
	definitions attemptmanager.DefinitionSource,
	lifecycle *attemptmanager.Lifecycle,
) *ReviewService {
	return &ReviewService{
		attemptRepo:  attemptRepo,
		responseRepo: responseRepo,
		definitions:  definitions,
		lifecycle:    lifecycle,
	}
}

// ListAttempts возвращает страницу попыток
func (s *ReviewService) ListAttempts(ctx context.Context, filter repository.AttemptFilter) ([]entity.Attempt, int64, error) {
	return s.attemptRepo.List(ctx, filter)
}

// GetAttempt возвращает попытку вместе с ответами и определением
func (s *ReviewService) GetAttempt(ctx context.Context, id uuid.UUID) (*AttemptDetail, error) {
	detail := &AttemptDetail{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		attempt, err := s.attemptRepo.GetByID(gctx, id)
		if err != nil {
			return err
		}
		def, err := s.definitions.GetDefinition(gctx, attempt.AssessmentID)
		if err != nil {
			return err
		}
		detail.Attempt, detail.Definition = attempt, def
		return nil
	})
	g.Go(func() error {
		responses, err := s.responseRepo.ListByAttempt(gctx, id)
		if err != nil {
			return err
		}
		detail.Responses = responses
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return detail, nil
}

// ListPendingManual возвращает ответы, ожидающие ревьюера
func (s *ReviewService) ListPendingManual(ctx context.Context, limit, offset int) ([]entity.Response, int64, error) {
	return s.responseRepo.ListPendingManual(ctx, limit, offset)
}

// ManualGrade проставляет баллы текстовому или файловому ответу и пересчитывает итог попытки
func (s *ReviewService) ManualGrade(ctx context.Context, req ManualGradeRequest) (*entity.Response, *entity.Attempt, error) {
	if strings.TrimSpace(req.Reviewer) == "" {
		return nil, nil, apperrors.ErrUnauthorized
	}
	response, err := s.responseRepo.GetByID(ctx, req.ResponseID)
	if err != nil {
		return nil, nil, err
	}
	attempt, err := s.attemptRepo.GetByID(ctx, response.AttemptID)
	if err != nil {
		return nil, nil, err
	}
	if !attempt.IsSubmitted {
		return nil, nil, fmt.Errorf("attempt is still in progress: %w", apperrors.ErrConflict)
	}
	def, err := s.definitions.GetDefinition(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, nil, err
	}
	q, ok := def.QuestionByID(response.QuestionID)
	if !ok {
		return nil, nil, fmt.Errorf("question %d not found: %w", response.QuestionID, apperrors.ErrNotFound)
	}
	if q.Kind.AutoGradable() {
		return nil, nil, fmt.Errorf("%s responses are graded automatically: %w", q.Kind, apperrors.ErrConflict)
	}
	if req.Points < 0 || req.Points > q.Points {
		return nil, nil, fmt.Errorf("points %d not in [0, %d]: %w", req.Points, q.Points, apperrors.ErrInvalidManualGrade)
	}

	graded, err := s.responseRepo.ApplyManualGrade(ctx, response.ID, repository.ManualGrade{
		Points:   req.Points,
		GradedBy: req.Reviewer,
		Comments: req.Comments,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info(ctx, "[ReviewService] Ручная оценка сохранена",
		zap.String("response_id", graded.ID.String()),
		zap.String("reviewer", req.Reviewer),
		zap.Int("points", req.Points))

	regraded, err := s.lifecycle.Regrade(ctx, attempt.ID)
	if err != nil {
		return nil, nil, err
	}
	return graded, regraded, nil
}

// ExportAttempts пишет XLSX со всеми попытками оценки
func (s *ReviewService) ExportAttempts(ctx context.Context, assessmentID uint, w io.Writer) error {
	def, err := s.definitions.GetDefinition(ctx, assessmentID)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Attempts"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}

	header := []interface{}{
		"Attempt ID", "Candidate", "Status", "Started At", "Submitted At", "Finalize Reason",
		"Elapsed (s)", "Points", "Total", "Percentage", "Passed", "Manual Pending",
		"Tab Switches", "Suspicious Activities",
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	row := 2
	for offset := 0; ; offset += exportPageSize {
		attempts, total, err := s.attemptRepo.List(ctx, repository.AttemptFilter{
			AssessmentID: assessmentID,
			Limit:        exportPageSize,
			Offset:       offset,
		})
		if err != nil {
			return err
		}
		for i := range attempts {
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return err
			}
			if err := sw.SetRow(cell, exportRow(&attempts[i], def)); err != nil {
				return err
			}
			row++
		}
		if len(attempts) < exportPageSize || int64(offset+len(attempts)) >= total {
			break
		}
	}

	if err := sw.Flush(); err != nil {
		return err
	}
	logger.Info(ctx, "[ReviewService] Выгрузка попыток", zap.Uint("assessment_id", assessmentID), zap.Int("rows", row-2))
	return f.Write(w)
}

func exportRow(a *entity.Attempt, def *entity.AssessmentDefinition) []interface{} {
	var startedAt, submittedAt, reason string
	if a.StartedAt != nil {
		startedAt = a.StartedAt.UTC().Format("2006-01-02 15:04:05")
	}
	if a.SubmittedAt != nil {
		submittedAt = a.SubmittedAt.UTC().Format("2006-01-02 15:04:05")
	}
	if a.FinalizeReason != nil {
		reason = string(*a.FinalizeReason)
	}
	var points interface{} = ""
	if a.PointsEarned != nil {
		points = *a.PointsEarned
	}
	var pct interface{} = ""
	if a.Percentage != nil {
		pct = *a.Percentage
	}
	var passed interface{} = ""
	if a.Passed != nil {
		passed = *a.Passed
	}
	return []interface{}{
		a.ID.String(), sanitizeForExcel(a.CandidateRef), string(a.Status()), startedAt, submittedAt, reason,
		a.TimeElapsedSeconds, points, def.TotalPoints(), pct, passed, a.ManualGradingPending,
		a.TabSwitchCount, len(a.SuspiciousActivities),
	}
}

// sanitizeForExcel экранирует данные для защиты от formula injection в Excel
func sanitizeForExcel(s string) string {
	if len(s) == 0 {
		return s
	}
	if s[0] == '=' || s[0] == '+' || s[0] == '-' || s[0] == '@' || s[0] == '\t' || s[0] == '\r' {
		return "'" + s
	}
	return s
}
