package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworx/helios-client-sub002/internal/domain"
)

func entry(trigger domain.Trigger, offset int) domain.TimelineEntry {
	return domain.TimelineEntry{Trigger: trigger, OffsetDays: offset}
}

func TestResolve_DaysBeforeAnchor(t *testing.T) {
	r := New(time.UTC, 9)
	anchor := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)

	due, err := r.Resolve(entry(domain.TriggerDaysBeforeAnchor, 2), anchor, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 12, 9, 0, 0, 0, time.UTC), due)
}

func TestResolve_DaysBeforeAnchor_IgnoresStoredSign(t *testing.T) {
	// The resolver subtracts the absolute day count; a pre-negated offset
	// from a naive editor must not land after the anchor.
	r := New(time.UTC, 9)
	anchor := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)

	due, err := r.Resolve(entry(domain.TriggerDaysBeforeAnchor, -2), anchor, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 12, 9, 0, 0, 0, time.UTC), due)
}

func TestResolve_DaysAfterAnchor(t *testing.T) {
	r := New(time.UTC, 9)
	anchor := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)

	due, err := r.Resolve(entry(domain.TriggerDaysAfterAnchor, 30), anchor, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), due)
}

func TestResolve_OnAnchorDate_IgnoresOffset(t *testing.T) {
	r := New(time.UTC, 9)
	anchor := time.Date(2026, 9, 14, 17, 30, 0, 0, time.UTC)

	due, err := r.Resolve(entry(domain.TriggerOnAnchorDate, 5), anchor, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC), due)
}

func TestResolve_OnApproval(t *testing.T) {
	r := New(time.UTC, 9)
	anchor := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)

	_, err := r.Resolve(entry(domain.TriggerOnApproval, 0), anchor, nil)
	assert.ErrorIs(t, err, ErrNeedsApproval)

	approvedAt := time.Date(2026, 9, 1, 14, 22, 5, 0, time.UTC)
	due, err := r.Resolve(entry(domain.TriggerOnApproval, 0), anchor, &approvedAt)
	require.NoError(t, err)
	// Due immediately at the approval timestamp, not normalized.
	assert.Equal(t, approvedAt, due)
}

func TestResolve_NormalizesToOrgTimezone(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	r := New(berlin, 9)
	// Anchor given as a UTC midnight instant; day arithmetic happens in
	// the organization's zone.
	anchor := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)

	due, err := r.Resolve(entry(domain.TriggerOnAnchorDate, 0), anchor, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 14, 9, 0, 0, 0, berlin).Unix(), due.Unix())
	assert.Equal(t, 9, due.Hour())
}

func TestNextOccurrence_Intervals(t *testing.T) {
	r := New(time.UTC, 9)
	prev := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)

	daily, err := r.NextOccurrence(prev, domain.RecurDaily, "")
	require.NoError(t, err)
	assert.Equal(t, prev.AddDate(0, 0, 1), daily)

	weekly, err := r.NextOccurrence(prev, domain.RecurWeekly, "")
	require.NoError(t, err)
	assert.Equal(t, prev.AddDate(0, 0, 7), weekly)

	monthly, err := r.NextOccurrence(prev, domain.RecurMonthly, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), monthly)
}

func TestNextOccurrence_CronOverridesInterval(t *testing.T) {
	r := New(time.UTC, 9)
	prev := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC) // a Monday

	next, err := r.NextOccurrence(prev, domain.RecurDaily, "0 6 * * MON")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 21, 6, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrence_InvalidInputs(t *testing.T) {
	r := New(time.UTC, 9)
	prev := time.Now()

	_, err := r.NextOccurrence(prev, "", "not a cron")
	assert.Error(t, err)

	_, err = r.NextOccurrence(prev, domain.RecurrenceInterval("fortnightly"), "")
	assert.Error(t, err)
}

func TestShiftAnchor(t *testing.T) {
	r := New(time.UTC, 9)
	anchor := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	weekly, err := r.ShiftAnchor(anchor, domain.RecurWeekly)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC), weekly)
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("*/5 * * * *"))
	assert.Error(t, ValidateCron("every tuesday"))
}
