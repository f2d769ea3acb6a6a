// Package timeline resolves trigger points into concrete due timestamps.
package timeline

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gridworx/helios-client-sub002/internal/domain"
)

// ErrNeedsApproval is returned for on_approval entries that have no approval
// timestamp yet; the caller must treat the entry as not yet schedulable.
var ErrNeedsApproval = errors.New("entry is schedulable only after approval")

// Resolver computes due timestamps for timeline entries. Day arithmetic is
// normalized to DueHour local time in Loc so offsets stay unambiguous across
// DST transitions.
type Resolver struct {
	Loc     *time.Location
	DueHour int
}

// New returns a resolver for the organization's timezone. A nil location
// falls back to UTC.
func New(loc *time.Location, dueHour int) Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return Resolver{Loc: loc, DueHour: dueHour}
}

// Resolve computes the due timestamp for one entry against the anchor date.
// Offsets are interpreted as absolute day counts: days_before subtracts,
// days_after adds, regardless of any sign stored upstream.
func (r Resolver) Resolve(entry domain.TimelineEntry, anchor time.Time, approvedAt *time.Time) (time.Time, error) {
	switch entry.Trigger {
	case domain.TriggerOnApproval:
		if approvedAt == nil {
			return time.Time{}, ErrNeedsApproval
		}
		return *approvedAt, nil
	case domain.TriggerDaysBeforeAnchor:
		return r.Normalize(anchor.AddDate(0, 0, -abs(entry.OffsetDays))), nil
	case domain.TriggerOnAnchorDate:
		return r.Normalize(anchor), nil
	case domain.TriggerDaysAfterAnchor:
		return r.Normalize(anchor.AddDate(0, 0, abs(entry.OffsetDays))), nil
	}
	return time.Time{}, domain.Errf(domain.ErrCodeValidationBadTimeline, "unknown trigger %q", entry.Trigger)
}

// Normalize pins a timestamp to DueHour local time on its calendar day.
func (r Resolver) Normalize(t time.Time) time.Time {
	lt := t.In(r.Loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), r.DueHour, 0, 0, 0, r.Loc)
}

// NextOccurrence computes the due timestamp of the next occurrence of a
// recurring action from the previous occurrence's due timestamp. A custom
// cron expression takes precedence over the built-in interval.
func (r Resolver) NextOccurrence(prev time.Time, interval domain.RecurrenceInterval, cronExpr string) (time.Time, error) {
	if cronExpr != "" {
		sched, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return time.Time{}, domain.NewAppError(domain.ErrCodeValidationBadRecurrence, "invalid recurrence cron expression", err)
		}
		return sched.Next(prev), nil
	}
	switch interval {
	case domain.RecurDaily:
		return prev.AddDate(0, 0, 1), nil
	case domain.RecurWeekly:
		return prev.AddDate(0, 0, 7), nil
	case domain.RecurMonthly:
		return prev.AddDate(0, 1, 0), nil
	}
	return time.Time{}, domain.Errf(domain.ErrCodeValidationBadRecurrence, "unknown recurrence interval %q", interval)
}

// ShiftAnchor moves the anchor date forward by one recurrence interval, used
// to re-resolve offset triggers for the next occurrence.
func (r Resolver) ShiftAnchor(anchor time.Time, interval domain.RecurrenceInterval) (time.Time, error) {
	switch interval {
	case domain.RecurDaily:
		return anchor.AddDate(0, 0, 1), nil
	case domain.RecurWeekly:
		return anchor.AddDate(0, 0, 7), nil
	case domain.RecurMonthly:
		return anchor.AddDate(0, 1, 0), nil
	}
	return time.Time{}, domain.Errf(domain.ErrCodeValidationBadRecurrence, "unknown recurrence interval %q", interval)
}

// ValidateCron checks a custom recurrence expression.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
