package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
	apperrors "github.com/hireflux/assessment-engine/internal/pkg/errors"
)

// AssessmentRepo реализует repository.AssessmentRepository
type AssessmentRepo struct {
	db *gorm.DB
}

// NewAssessmentRepo создает новый репозиторий оценок
func NewAssessmentRepo(db *gorm.DB) *AssessmentRepo {
	return &AssessmentRepo{db: db}
}

// Upsert создает или заменяет снимок оценки.
// Строка оценки блокируется FOR UPDATE, поэтому параллельный выпуск попытки
// не проскочит между проверкой заморозки и заменой вопросов.
func (r *AssessmentRepo) Upsert(ctx context.Context, def *entity.AssessmentDefinition) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing entity.AssessmentDefinition
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", def.ID).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err == nil {
			var attempts int64
			if err := tx.Model(&entity.Attempt{}).Where("assessment_id = ?", def.ID).Count(&attempts).Error; err != nil {
				return err
			}
			if attempts > 0 {
				return fmt.Errorf("assessment #%d is referenced by %d attempts: %w", def.ID, attempts, apperrors.ErrConflict)
			}
			if err := tx.Where("assessment_id = ?", def.ID).Delete(&entity.Question{}).Error; err != nil {
				return err
			}
		}

		questions := def.Questions
		for i := range questions {
			questions[i].AssessmentID = def.ID
		}

		// Вопросы пишем отдельно, чтобы заменить набор целиком
		if err := tx.Omit("Questions").Save(def).Error; err != nil {
			return err
		}
		if len(questions) > 0 {
			if err := tx.Create(&questions).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("duplicate question id in assessment #%d: %w", def.ID, apperrors.ErrValidation)
				}
				return err
			}
		}
		def.Questions = questions
		return nil
	})
}

// GetByID возвращает оценку с вопросами в порядке отображения
func (r *AssessmentRepo) GetByID(ctx context.Context, id uint) (*entity.AssessmentDefinition, error) {
	var def entity.AssessmentDefinition
	err := r.db.WithContext(ctx).
		Preload("Questions", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC, id ASC")
		}).
		First(&def, id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &def, nil
}

