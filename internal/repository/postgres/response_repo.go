package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	"github.com/hireflux/assessment-engine/internal/domain/repository"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
)

// ResponseRepo реализует repository.ResponseRepository
type ResponseRepo struct {
	db *gorm.DB
}

// NewResponseRepo создает новый репозиторий ответов
func NewResponseRepo(db *gorm.DB) *ResponseRepo {
	return &ResponseRepo{db: db}
}

// lockOpenAttempt берет попытку FOR SHARE и проверяет, что она не отправлена.
// FOR SHARE конфликтует с FOR UPDATE из Finalize, поэтому запись ответа
// и финализация попытки сериализуются.
func lockOpenAttempt(tx *gorm.DB, attemptID uuid.UUID) error {
	var attempt entity.Attempt
	err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
		Select("id", "is_submitted").
		Where("id = ?", attemptID).
		Take(&attempt).Error
	if err != nil {
		return notFound(err)
	}
	if attempt.IsSubmitted {
		return apperrors.ErrAttemptClosed
	}
	return nil
}

// SaveIfAttemptOpen сохраняет ответ по принципу last-write-wins
func (r *ResponseRepo) SaveIfAttemptOpen(ctx context.Context, response *entity.Response) (*entity.Response, error) {
	var saved entity.Response
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOpenAttempt(tx, response.AttemptID); err != nil {
			return err
		}

		if response.ID == uuid.Nil {
			response.ID = uuid.New()
		}
		if response.Revision == 0 {
			response.Revision = 1
		}
		now := time.Now()
		response.SubmittedAt = now

		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"question_kind":   response.QuestionKind,
				"payload":         response.Payload,
				"points_earned":   response.PointsEarned,
				"auto_graded":     response.AutoGraded,
				"grading_note":    response.GradingNote,
				"graded_by":       nil,
				"grader_comments": "",
				"graded_at":       response.GradedAt,
				"submitted_at":    now,
				"updated_at":      now,
				"revision":        gorm.Expr("responses.revision + 1"),
			}),
		}).Create(response).Error
		if err != nil {
			return err
		}

		return tx.Where("attempt_id = ? AND question_id = ?", response.AttemptID, response.QuestionID).
			Take(&saved).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// UpdateGrade записывает результат автопроверки.
// Отбрасывается, если ответ перезаписан (ревизия сменилась) или попытка уже отправлена.
func (r *ResponseRepo) UpdateGrade(ctx context.Context, response *entity.Response) (bool, error) {
	var applied bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOpenAttempt(tx, response.AttemptID); err != nil {
			if errors.Is(err, apperrors.ErrAttemptClosed) {
				return nil
			}
			return err
		}
		result := tx.Model(&entity.Response{}).
			Where("id = ? AND revision = ?", response.ID, response.Revision).
			Updates(map[string]interface{}{
				"payload":       response.Payload,
				"points_earned": response.PointsEarned,
				"auto_graded":   response.AutoGraded,
				"grading_note":  response.GradingNote,
				"graded_at":     response.GradedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		applied = result.RowsAffected == 1
		return nil
	})
	return applied, err
}

// GetByID возвращает ответ по id
func (r *ResponseRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Response, error) {
	var response entity.Response
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&response).Error; err != nil {
		return nil, notFound(err)
	}
	return &response, nil
}

// ListByAttempt возвращает все ответы попытки
func (r *ResponseRepo) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]entity.Response, error) {
	var responses []entity.Response
	err := r.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("question_id").
		Find(&responses).Error
	return responses, err
}

// ApplyManualGrade проставляет оценку ревьюера.
// Допустимо только для ответов ручной проверки в отправленной попытке.
func (r *ResponseRepo) ApplyManualGrade(ctx context.Context, id uuid.UUID, grade repository.ManualGrade) (*entity.Response, error) {
	var response entity.Response
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&response).Error; err != nil {
			return notFound(err)
		}
		if response.QuestionKind.AutoGradable() {
			return fmt.Errorf("response %s is auto-graded: %w", id, apperrors.ErrConflict)
		}

		var attempt entity.Attempt
		if err := tx.Select("id", "is_submitted").Where("id = ?", response.AttemptID).Take(&attempt).Error; err != nil {
			return notFound(err)
		}
		if !attempt.IsSubmitted {
			return fmt.Errorf("attempt %s is still in progress: %w", attempt.ID, apperrors.ErrConflict)
		}

		now := time.Now()
		points := grade.Points
		gradedBy := grade.GradedBy
		response.PointsEarned = &points
		response.GradedBy = &gradedBy
		response.GraderComments = grade.Comments
		response.GradedAt = &now
		return tx.Model(&entity.Response{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"points_earned":   points,
				"graded_by":       gradedBy,
				"grader_comments": grade.Comments,
				"graded_at":       now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// ListPendingManual возвращает ответы, ожидающие ревьюера, старые первыми
func (r *ResponseRepo) ListPendingManual(ctx context.Context, limit, offset int) ([]entity.Response, int64, error) {
	query := r.db.WithContext(ctx).Model(&entity.Response{}).
		Joins("JOIN attempts ON attempts.id = responses.attempt_id").
		Where("attempts.is_submitted = true AND responses.graded_by IS NULL").
		Where("responses.question_kind IN ?", []entity.QuestionKind{entity.QuestionText, entity.QuestionFileUpload})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}

	var responses []entity.Response
	err := query.Select("responses.*").
		Order("responses.submitted_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&responses).Error
	if err != nil {
		return nil, 0, err
	}
	return responses, total, nil
}
