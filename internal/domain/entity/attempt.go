package entity

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// FinalizeReason: причина финализации попытки
type FinalizeReason string

// Причины финализации
const (
	FinalizeCandidateSubmit FinalizeReason = "candidate_submit"
	FinalizeTimeExpired     FinalizeReason = "time_expired"
	FinalizeDisqualified    FinalizeReason = "disqualified"
)

// AttemptStatus: вычисляемое состояние попытки
type AttemptStatus string

// Состояния попытки
const (
	AttemptNotStarted AttemptStatus = "not_started"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitted  AttemptStatus = "submitted"
)

// ActivityKind: вид подозрительной активности
type ActivityKind string

// Виды подозрительной активности
const (
	ActivityTabSwitch    ActivityKind = "tab_switch"
	ActivityIPChange     ActivityKind = "ip_change"
	ActivityDisqualified ActivityKind = "disqualified"
)

// SuspiciousActivity: запись журнала анти-чита
type SuspiciousActivity struct {
	Timestamp      time.Time    `json:"timestamp"`
	Kind           ActivityKind `json:"kind"`
	TabSwitchCount int          `json:"tab_switch_count,omitempty"`
	PreviousIP     string       `json:"previous_ip,omitempty"`
	ObservedIP     string       `json:"observed_ip,omitempty"`
	Reason         string       `json:"reason,omitempty"`
}

// ActivityLog: упорядоченный журнал, хранится в JSONB. Только дописывается.
type ActivityLog []SuspiciousActivity

// Scan реализует интерфейс sql.Scanner для ActivityLog
func (l *ActivityLog) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// Value реализует интерфейс driver.Valuer для ActivityLog
func (l ActivityLog) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Attempt: одна попытка кандидата пройти оценку
type Attempt struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AssessmentID uint      `gorm:"not null;index" json:"assessment_id"`
	CandidateRef string    `gorm:"size:128;not null;index" json:"candidate_ref"`
	// AccessToken: секрет из ссылки кандидата, никогда не отдается наружу
	AccessToken string `gorm:"size:64;not null;uniqueIndex" json:"-"`

	StartedAt          *time.Time      `json:"started_at,omitempty"`
	SubmittedAt        *time.Time      `json:"submitted_at,omitempty"`
	IsSubmitted        bool            `gorm:"not null;default:false;index" json:"is_submitted"`
	FinalizeReason     *FinalizeReason `gorm:"size:32" json:"finalize_reason,omitempty"`
	TimeElapsedSeconds int             `gorm:"not null;default:0" json:"time_elapsed_seconds"`

	TabSwitchCount       int            `gorm:"not null;default:0" json:"tab_switch_count"`
	IPAddress            string         `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent            string         `gorm:"type:text" json:"user_agent,omitempty"`
	ClientMetadata       datatypes.JSON `gorm:"type:jsonb" json:"client_metadata,omitempty"`
	SuspiciousActivities ActivityLog    `gorm:"type:jsonb;not null;default:'[]'" json:"suspicious_activities"`

	PointsEarned         *int     `json:"points_earned,omitempty"`
	Percentage           *float64 `json:"percentage,omitempty"`
	Passed               *bool    `json:"passed,omitempty"`
	ManualGradingPending bool     `gorm:"not null;default:false" json:"manual_grading_pending"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName определяет имя таблицы для GORM
func (Attempt) TableName() string {
	return "attempts"
}

// Status возвращает текущее состояние попытки
func (a *Attempt) Status() AttemptStatus {
	switch {
	case a.IsSubmitted:
		return AttemptSubmitted
	case a.StartedAt == nil:
		return AttemptNotStarted
	default:
		return AttemptInProgress
	}
}

// Deadline возвращает момент истечения времени. ok=false, если попытка не начата.
func (a *Attempt) Deadline(limit time.Duration) (time.Time, bool) {
	if a.StartedAt == nil {
		return time.Time{}, false
	}
	return a.StartedAt.Add(limit), true
}

// Expired сообщает, истек ли лимит времени к моменту now
func (a *Attempt) Expired(limit time.Duration, now time.Time) bool {
	deadline, ok := a.Deadline(limit)
	if !ok {
		return false
	}
	return !now.Before(deadline)
}

// Remaining возвращает оставшееся время, не меньше нуля
func (a *Attempt) Remaining(limit time.Duration, now time.Time) time.Duration {
	deadline, ok := a.Deadline(limit)
	if !ok {
		return limit
	}
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Disqualified сообщает, была ли попытка финализирована анти-читом
func (a *Attempt) Disqualified() bool {
	return a.FinalizeReason != nil && *a.FinalizeReason == FinalizeDisqualified
}

// LastIP возвращает последний наблюдавшийся IP кандидата
func (a *Attempt) LastIP() string {
	for i := len(a.SuspiciousActivities) - 1; i >= 0; i-- {
		if ip := a.SuspiciousActivities[i].ObservedIP; ip != "" {
			return ip
		}
	}
	return a.IPAddress
}
