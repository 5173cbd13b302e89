// Package anticheat принимает решения по сигналам кандидата: переключения вкладки,
// смена IP, порядок вопросов. Функции пакета не обращаются к хранилищу.
package anticheat

import (
	"fmt"
	"time"

	"github.com/hireflux/assessment-engine/internal/domain/entity"
)

// Decision: итог обработки сигнала
type Decision struct {
	// Disqualify: попытку нужно немедленно финализировать
	Disqualify bool
	// Recorded: в журнал добавлена запись
	Recorded bool
}

// Monitor: набор решающих функций анти-чита
type Monitor struct {
	now func() time.Time
}

// NewMonitor создает монитор с системными часами
func NewMonitor() *Monitor {
	return &Monitor{now: time.Now}
}

// OnTabSwitch увеличивает счетчик переключений.
// При включенном отслеживании каждое переключение попадает в журнал;
// по достижении порога добавляется запись о дисквалификации.
func (m *Monitor) OnTabSwitch(attempt *entity.Attempt, def *entity.AssessmentDefinition) Decision {
	attempt.TabSwitchCount++
	if !def.AntiCheat.TrackTabSwitches {
		return Decision{}
	}

	now := m.now().UTC()
	limit := def.EffectiveMaxTabSwitches()
	if attempt.TabSwitchCount < limit {
		attempt.SuspiciousActivities = append(attempt.SuspiciousActivities, entity.SuspiciousActivity{
			Timestamp:      now,
			Kind:           entity.ActivityTabSwitch,
			TabSwitchCount: attempt.TabSwitchCount,
		})
		return Decision{Recorded: true}
	}

	attempt.SuspiciousActivities = append(attempt.SuspiciousActivities, entity.SuspiciousActivity{
		Timestamp:      now,
		Kind:           entity.ActivityDisqualified,
		TabSwitchCount: attempt.TabSwitchCount,
		Reason:         fmt.Sprintf("tab switch limit reached (%d of %d)", attempt.TabSwitchCount, limit),
	})
	return Decision{Recorded: true, Disqualify: true}
}

// OnIPObserved фиксирует смену IP. Только для ревьюера: к дисквалификации не ведет.
func (m *Monitor) OnIPObserved(attempt *entity.Attempt, def *entity.AssessmentDefinition, ip string) Decision {
	if ip == "" {
		return Decision{}
	}
	previous := attempt.LastIP()
	if previous == "" {
		attempt.IPAddress = ip
		return Decision{}
	}
	if !def.AntiCheat.TrackIPChanges || previous == ip {
		return Decision{}
	}
	attempt.SuspiciousActivities = append(attempt.SuspiciousActivities, entity.SuspiciousActivity{
		Timestamp:  m.now().UTC(),
		Kind:       entity.ActivityIPChange,
		PreviousIP: previous,
		ObservedIP: ip,
	})
	return Decision{Recorded: true}
}
