package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttempt_Status(t *testing.T) {
	a := &Attempt{}
	assert.Equal(t, AttemptNotStarted, a.Status())

	now := time.Now()
	a.StartedAt = &now
	assert.Equal(t, AttemptInProgress, a.Status())

	a.IsSubmitted = true
	assert.Equal(t, AttemptSubmitted, a.Status())
}

func TestAttempt_Expiry(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := &Attempt{StartedAt: &started}
	limit := 30 * time.Minute

	assert.False(t, a.Expired(limit, started.Add(29*time.Minute)))
	assert.True(t, a.Expired(limit, started.Add(30*time.Minute)))
	assert.Equal(t, time.Minute, a.Remaining(limit, started.Add(29*time.Minute)))
	assert.Equal(t, time.Duration(0), a.Remaining(limit, started.Add(time.Hour)))

	notStarted := &Attempt{}
	assert.False(t, notStarted.Expired(limit, started.Add(time.Hour)))
	assert.Equal(t, limit, notStarted.Remaining(limit, started))
}

func TestAttempt_LastIP(t *testing.T) {
	a := &Attempt{IPAddress: "10.0.0.1"}
	assert.Equal(t, "10.0.0.1", a.LastIP())

	a.SuspiciousActivities = ActivityLog{
		{Kind: ActivityTabSwitch, TabSwitchCount: 1},
		{Kind: ActivityIPChange, PreviousIP: "10.0.0.1", ObservedIP: "10.0.0.2"},
	}
	assert.Equal(t, "10.0.0.2", a.LastIP())
}

func TestActivityLog_NilValue(t *testing.T) {
	var log ActivityLog
	raw, err := log.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), raw)

	var decoded ActivityLog
	require.NoError(t, decoded.Scan([]byte(`[{"kind":"disqualified","reason":"tab switches"}]`)))
	require.Len(t, decoded, 1)
	assert.Equal(t, ActivityDisqualified, decoded[0].Kind)
}

func TestResponse_Flags(t *testing.T) {
	pts := 5
	r := &Response{QuestionKind: QuestionCoding}
	assert.True(t, r.PendingGrading())
	assert.Equal(t, 0, r.Points())

	r.PointsEarned = &pts
	r.AutoGraded = true
	assert.False(t, r.PendingGrading())
	assert.Equal(t, 5, r.Points())

	manual := &Response{QuestionKind: QuestionText}
	assert.True(t, manual.NeedsManualGrade())
	reviewer := "reviewer-1"
	manual.GradedBy = &reviewer
	assert.False(t, manual.NeedsManualGrade())
}
