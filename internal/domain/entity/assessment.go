package entity

import (
	"sort"
	"time"
)

// DefaultMaxTabSwitches: порог переключений вкладки, если в оценке он не задан
const DefaultMaxTabSwitches = 3

// AntiCheatConfig: настройки анти-чита оценки
type AntiCheatConfig struct {
	TrackTabSwitches bool `gorm:"not null;default:true" json:"track_tab_switches"`
	MaxTabSwitches   int  `gorm:"not null;default:3" json:"max_tab_switches" validate:"gte=0"`
	TrackIPChanges   bool `gorm:"not null;default:false" json:"track_ip_changes"`
}

// AssessmentDefinition: снимок оценки, полученный от сервиса управления.
// Неизменяем, как только на него ссылается хотя бы одна попытка.
type AssessmentDefinition struct {
	ID                     uint            `gorm:"primaryKey;autoIncrement:false" json:"id" validate:"required"`
	Title                  string          `gorm:"size:200;not null" json:"title" validate:"required,max=200"`
	TimeLimitMinutes       int             `gorm:"not null" json:"time_limit_minutes" validate:"gte=1,lte=600"`
	PassingScorePercentage float64         `gorm:"not null" json:"passing_score_percentage" validate:"gte=0,lte=100"`
	RandomizeQuestions     bool            `gorm:"not null;default:false" json:"randomize_questions"`
	AllowRetakes           bool            `gorm:"not null;default:false" json:"allow_retakes"`
	AntiCheat              AntiCheatConfig `gorm:"embedded" json:"anti_cheat"`
	Questions              []Question      `gorm:"foreignKey:AssessmentID" json:"questions" validate:"min=1,dive"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// TableName определяет имя таблицы для GORM
func (AssessmentDefinition) TableName() string {
	return "assessments"
}

// TotalPoints возвращает сумму баллов всех вопросов
func (a *AssessmentDefinition) TotalPoints() int {
	total := 0
	for i := range a.Questions {
		total += a.Questions[i].Points
	}
	return total
}

// TimeLimit возвращает лимит времени как Duration
func (a *AssessmentDefinition) TimeLimit() time.Duration {
	return time.Duration(a.TimeLimitMinutes) * time.Minute
}

// EffectiveMaxTabSwitches возвращает порог дисквалификации, 3 по умолчанию
func (a *AssessmentDefinition) EffectiveMaxTabSwitches() int {
	if a.AntiCheat.MaxTabSwitches <= 0 {
		return DefaultMaxTabSwitches
	}
	return a.AntiCheat.MaxTabSwitches
}

// QuestionByID ищет вопрос по id
func (a *AssessmentDefinition) QuestionByID(id uint) (*Question, bool) {
	for i := range a.Questions {
		if a.Questions[i].ID == id {
			return &a.Questions[i], true
		}
	}
	return nil, false
}

// OrderedQuestions возвращает копию вопросов, отсортированную по DisplayOrder
func (a *AssessmentDefinition) OrderedQuestions() []Question {
	out := make([]Question, len(a.Questions))
	copy(out, a.Questions)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder == out[j].DisplayOrder {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayOrder < out[j].DisplayOrder
	})
	return out
}

// HasManualQuestions сообщает, есть ли вопросы с ручной проверкой
func (a *AssessmentDefinition) HasManualQuestions() bool {
	for i := range a.Questions {
		if !a.Questions[i].Kind.AutoGradable() {
			return true
		}
	}
	return false
}
