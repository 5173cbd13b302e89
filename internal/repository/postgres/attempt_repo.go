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

// AttemptRepo реализует repository.AttemptRepository
type AttemptRepo struct {
	db *gorm.DB
}

// NewAttemptRepo создает новый репозиторий попыток
func NewAttemptRepo(db *gorm.DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// Create сохраняет новую попытку.
// Строка оценки берется FOR SHARE: пока идет выпуск, снимок нельзя заменить.
func (r *AttemptRepo) Create(ctx context.Context, attempt *entity.Attempt, exclusive bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var def entity.AssessmentDefinition
		err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
			Select("id").
			Where("id = ?", attempt.AssessmentID).
			Take(&def).Error
		if err != nil {
			return notFound(err)
		}

		if exclusive {
			// Сериализуем выпуск попыток одного кандидата на одну оценку
			lockKey := fmt.Sprintf("attempt:%d:%s", attempt.AssessmentID, attempt.CandidateRef)
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", lockKey).Error; err != nil {
				return err
			}
			var active int64
			err := tx.Model(&entity.Attempt{}).
				Where("assessment_id = ? AND candidate_ref = ? AND is_submitted = false", attempt.AssessmentID, attempt.CandidateRef).
				Count(&active).Error
			if err != nil {
				return err
			}
			if active > 0 {
				return apperrors.ErrAlreadyStarted
			}
		}

		if attempt.SuspiciousActivities == nil {
			attempt.SuspiciousActivities = entity.ActivityLog{}
		}
		if err := tx.Create(attempt).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("attempt token collision: %w", apperrors.ErrConflict)
			}
			return err
		}
		return nil
	})
}

// GetByID возвращает попытку по id
func (r *AttemptRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Attempt, error) {
	var attempt entity.Attempt
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&attempt).Error; err != nil {
		return nil, notFound(err)
	}
	return &attempt, nil
}

// GetByToken возвращает попытку по токену доступа кандидата
func (r *AttemptRepo) GetByToken(ctx context.Context, token string) (*entity.Attempt, error) {
	var attempt entity.Attempt
	if err := r.db.WithContext(ctx).Where("access_token = ?", token).Take(&attempt).Error; err != nil {
		return nil, notFound(err)
	}
	return &attempt, nil
}

// FindActive возвращает последнюю неотправленную попытку кандидата
func (r *AttemptRepo) FindActive(ctx context.Context, assessmentID uint, candidateRef string) (*entity.Attempt, error) {
	var attempt entity.Attempt
	err := r.db.WithContext(ctx).
		Where("assessment_id = ? AND candidate_ref = ? AND is_submitted = false", assessmentID, candidateRef).
		Order("created_at DESC").
		Take(&attempt).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &attempt, nil
}

// List возвращает страницу попыток и общее количество
func (r *AttemptRepo) List(ctx context.Context, filter repository.AttemptFilter) ([]entity.Attempt, int64, error) {
	query := r.db.WithContext(ctx).Model(&entity.Attempt{})
	if filter.AssessmentID != 0 {
		query = query.Where("assessment_id = ?", filter.AssessmentID)
	}
	if filter.Submitted != nil {
		query = query.Where("is_submitted = ?", *filter.Submitted)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var attempts []entity.Attempt
	err := query.Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&attempts).Error
	if err != nil {
		return nil, 0, err
	}
	return attempts, total, nil
}

// MarkStarted атомарно начинает попытку
func (r *AttemptRepo) MarkStarted(ctx context.Context, attempt *entity.Attempt) (bool, error) {
	result := r.db.WithContext(ctx).Model(&entity.Attempt{}).
		Where("id = ? AND started_at IS NULL AND is_submitted = false", attempt.ID).
		Updates(map[string]interface{}{
			"started_at":      attempt.StartedAt,
			"ip_address":      attempt.IPAddress,
			"user_agent":      attempt.UserAgent,
			"client_metadata": attempt.ClientMetadata,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SaveActivity сохраняет счетчик переключений и журнал активности открытой попытки
func (r *AttemptRepo) SaveActivity(ctx context.Context, attempt *entity.Attempt) (bool, error) {
	result := r.db.WithContext(ctx).Model(&entity.Attempt{}).
		Where("id = ? AND is_submitted = false", attempt.ID).
		Updates(map[string]interface{}{
			"tab_switch_count":      attempt.TabSwitchCount,
			"suspicious_activities": attempt.SuspiciousActivities,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Finalize переводит попытку в Submitted ровно один раз.
// Попытка блокируется FOR UPDATE. Кодовые ответы, по которым не сохранено
// ни одного результата проверки, помечаются проваленными, затем fn считает итог по всем ответам.
func (r *AttemptRepo) Finalize(ctx context.Context, id uuid.UUID, fn repository.FinalizeFunc) (*entity.Attempt, bool, error) {
	var (
		attempt entity.Attempt
		won     bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&attempt).Error; err != nil {
			return notFound(err)
		}
		if attempt.IsSubmitted {
			return nil
		}

		err := tx.Model(&entity.Response{}).
			Where("attempt_id = ? AND question_kind = ? AND points_earned IS NULL AND graded_by IS NULL", id, entity.QuestionCoding).
			Updates(map[string]interface{}{
				"points_earned": 0,
				"auto_graded":   true,
				"grading_note":  entity.GradingNoteCancelled,
			}).Error
		if err != nil {
			return err
		}

		var responses []entity.Response
		if err := tx.Where("attempt_id = ?", id).Order("question_id").Find(&responses).Error; err != nil {
			return err
		}
		if err := fn(&attempt, responses); err != nil {
			return err
		}

		result := tx.Model(&entity.Attempt{}).
			Where("id = ? AND is_submitted = false", id).
			Updates(map[string]interface{}{
				"is_submitted":           true,
				"submitted_at":           attempt.SubmittedAt,
				"finalize_reason":        attempt.FinalizeReason,
				"time_elapsed_seconds":   attempt.TimeElapsedSeconds,
				"tab_switch_count":       attempt.TabSwitchCount,
				"suspicious_activities":  attempt.SuspiciousActivities,
				"points_earned":          attempt.PointsEarned,
				"percentage":             attempt.Percentage,
				"passed":                 attempt.Passed,
				"manual_grading_pending": attempt.ManualGradingPending,
			})
		if result.Error != nil {
			return result.Error
		}
		won = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &attempt, won, nil
}

// UpdateScore пересохраняет итог отправленной попытки
func (r *AttemptRepo) UpdateScore(ctx context.Context, attempt *entity.Attempt) error {
	result := r.db.WithContext(ctx).Model(&entity.Attempt{}).
		Where("id = ? AND is_submitted = true", attempt.ID).
		Updates(map[string]interface{}{
			"points_earned":          attempt.PointsEarned,
			"percentage":             attempt.Percentage,
			"passed":                 attempt.Passed,
			"manual_grading_pending": attempt.ManualGradingPending,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("attempt %s is not submitted: %w", attempt.ID, apperrors.ErrConflict)
	}
	return nil
}

// ListExpired возвращает попытки, у которых истек лимит времени
func (r *AttemptRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]entity.Attempt, error) {
	var attempts []entity.Attempt
	err := r.db.WithContext(ctx).
		Joins("JOIN assessments ON assessments.id = attempts.assessment_id").
		Where("attempts.is_submitted = false AND attempts.started_at IS NOT NULL").
		Where("attempts.started_at + assessments.time_limit_minutes * interval '1 minute' <= ?", now).
		Order("attempts.started_at ASC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return attempts, nil
}
