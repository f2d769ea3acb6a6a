package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionStatus is the scheduled action state machine.
// pending -> in_progress -> {completed | failed}; pending -> cancelled.
// completed, failed and cancelled are terminal (failed actions can re-enter
// in_progress only through a step retry).
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusInProgress ActionStatus = "in_progress"
	StatusCompleted  ActionStatus = "completed"
	StatusFailed     ActionStatus = "failed"
	StatusCancelled  ActionStatus = "cancelled"
)

func (s ActionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s *ActionStatus) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch ActionStatus(v) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		*s = ActionStatus(v)
		return nil
	}
	return fmt.Errorf("unknown action status %q", v)
}

// ActionType identifies which lifecycle a scheduled action belongs to.
type ActionType string

const (
	ActionOnboard   ActionType = "onboard"
	ActionOffboard  ActionType = "offboard"
	ActionSuspend   ActionType = "suspend"
	ActionUnsuspend ActionType = "unsuspend"
	ActionDelete    ActionType = "delete"
	ActionRestore   ActionType = "restore"
	ActionManual    ActionType = "manual"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionOnboard, ActionOffboard, ActionSuspend, ActionUnsuspend, ActionDelete, ActionRestore, ActionManual:
		return true
	}
	return false
}

// StepStatus is the per-step outcome recorded in the step log.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepSuccess    StepStatus = "success"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepWarning    StepStatus = "warning"
)

// Done reports whether the step needs no further execution: success, warning
// and skipped steps are never re-run by the executor's walk.
func (s StepStatus) Done() bool {
	return s == StepSuccess || s == StepSkipped || s == StepWarning
}

// Trigger is a timeline entry's trigger point relative to the anchor date.
type Trigger string

const (
	TriggerOnApproval       Trigger = "on_approval"
	TriggerDaysBeforeAnchor Trigger = "days_before_anchor"
	TriggerOnAnchorDate     Trigger = "on_anchor_date"
	TriggerDaysAfterAnchor  Trigger = "days_after_anchor"
)

func (t *Trigger) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch Trigger(v) {
	case TriggerOnApproval, TriggerDaysBeforeAnchor, TriggerOnAnchorDate, TriggerDaysAfterAnchor:
		*t = Trigger(v)
		return nil
	}
	return fmt.Errorf("unknown trigger %q", v)
}

// RecurrenceInterval is the built-in recurrence cadence; a custom cron
// expression on the action overrides it.
type RecurrenceInterval string

const (
	RecurDaily   RecurrenceInterval = "daily"
	RecurWeekly  RecurrenceInterval = "weekly"
	RecurMonthly RecurrenceInterval = "monthly"
)

func (r RecurrenceInterval) Valid() bool {
	return r == RecurDaily || r == RecurWeekly || r == RecurMonthly
}

// ActionKind discriminates the timeline action variants. Unknown kinds fail
// at unmarshal time, never silently no-op at execution time.
type ActionKind string

const (
	KindTask               ActionKind = "task"
	KindEmail              ActionKind = "email"
	KindSystemAction       ActionKind = "system_action"
	KindTrainingAssignment ActionKind = "training_assignment"
)

func (k *ActionKind) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch ActionKind(v) {
	case KindTask, KindEmail, KindSystemAction, KindTrainingAssignment:
		*k = ActionKind(v)
		return nil
	}
	return fmt.Errorf("unknown action kind %q", v)
}

// TaskParams creates a helpdesk task for a human assignee.
type TaskParams struct {
	Assignee string `json:"assignee"`
	Category string `json:"category"`
	Title    string `json:"title"`
}

// EmailParams sends a templated email.
type EmailParams struct {
	Template  string `json:"template"`
	Recipient string `json:"recipient"`
}

// SystemActionParams runs a named provisioning action against one or more
// platforms; platform order is the order listed at template-authoring time.
type SystemActionParams struct {
	Name      string   `json:"name"`
	Platforms []string `json:"platforms"`
}

// TrainingParams assigns training content to the target user.
type TrainingParams struct {
	ContentIDs []string `json:"content_ids"`
}

// TimelineAction is one unit of work within a timeline entry, a tagged
// variant over the four action kinds. Exactly the payload matching Kind
// must be set.
type TimelineAction struct {
	Kind     ActionKind          `json:"kind"`
	Task     *TaskParams         `json:"task,omitempty"`
	Email    *EmailParams        `json:"email,omitempty"`
	System   *SystemActionParams `json:"system,omitempty"`
	Training *TrainingParams     `json:"training,omitempty"`
}

func (a TimelineAction) Validate() error {
	switch a.Kind {
	case KindTask:
		if a.Task == nil {
			return fmt.Errorf("task action missing task params")
		}
	case KindEmail:
		if a.Email == nil {
			return fmt.Errorf("email action missing email params")
		}
	case KindSystemAction:
		if a.System == nil || a.System.Name == "" || len(a.System.Platforms) == 0 {
			return fmt.Errorf("system action requires a name and at least one platform")
		}
	case KindTrainingAssignment:
		if a.Training == nil || len(a.Training.ContentIDs) == 0 {
			return fmt.Errorf("training assignment requires at least one content id")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// TimelineEntry is one trigger point of a template: when to fire and the
// ordered actions to run. Immutable once snapshotted into a scheduled action.
type TimelineEntry struct {
	Trigger    Trigger          `json:"trigger"`
	OffsetDays int              `json:"offset_days"`
	Actions    []TimelineAction `json:"actions"`
}

func (e TimelineEntry) Validate() error {
	if len(e.Actions) == 0 {
		return fmt.Errorf("timeline entry has no actions")
	}
	if e.OffsetDays < 0 {
		return fmt.Errorf("offset_days must be the absolute day count, got %d", e.OffsetDays)
	}
	for i, a := range e.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Template is a named timeline definition for one lifecycle kind.
type Template struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      ActionType      `json:"kind"`
	Timeline  []TimelineEntry `json:"timeline"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ScheduledAction is one instantiated execution of a timeline entry for one
// person. The row is the single source of truth for "is this running";
// progress fields are mutated only by the executor under the claim.
type ScheduledAction struct {
	ID           string     `json:"id"`
	TargetUserID string     `json:"target_user_id"`
	ActionType   ActionType `json:"action_type"`
	TemplateID   string     `json:"template_id,omitempty"`

	// Snapshot of the originating timeline entry, captured at creation.
	Trigger    Trigger          `json:"trigger"`
	OffsetDays int              `json:"offset_days"`
	Actions    []TimelineAction `json:"actions"`
	AnchorDate time.Time        `json:"anchor_date"`

	// ScheduledFor is nil while an on_approval entry awaits its decision.
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	IsRecurring        bool               `json:"is_recurring"`
	RecurrenceInterval RecurrenceInterval `json:"recurrence_interval,omitempty"`
	RecurrenceCron     string             `json:"recurrence_cron,omitempty"`

	Status         ActionStatus `json:"status"`
	TotalSteps     int          `json:"total_steps"`
	CompletedSteps int          `json:"completed_steps"`
	CurrentStep    *string      `json:"current_step,omitempty"`

	RequiresApproval bool       `json:"requires_approval"`
	ApprovedBy       *string    `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	ApprovalNotes    *string    `json:"approval_notes,omitempty"`
	RejectedBy       *string    `json:"rejected_by,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty"`
	RejectionReason  *string    `json:"rejection_reason,omitempty"`
	CancelReason     *string    `json:"cancel_reason,omitempty"`

	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Decided reports whether the approval gate has already recorded a decision.
func (a *ScheduledAction) Decided() bool {
	return a.ApprovedAt != nil || a.RejectedAt != nil
}

// Due reports whether the scheduler loop's claim guard holds at now.
func (a *ScheduledAction) Due(now time.Time) bool {
	if a.Status != StatusPending || a.ScheduledFor == nil {
		return false
	}
	if a.RequiresApproval && a.ApprovedAt == nil {
		return false
	}
	return !now.Before(*a.ScheduledFor)
}

// StepLog is one append-only step execution attempt. Retries append a new
// row at the same StepOrder; prior rows are kept for audit.
type StepLog struct {
	ID                int64          `json:"id"`
	ScheduledActionID string         `json:"scheduled_action_id"`
	Step              string         `json:"step"`
	StepOrder         int            `json:"step_order"`
	Status            StepStatus     `json:"status"`
	DurationMs        *int64         `json:"duration_ms,omitempty"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	ExecutedAt        *time.Time     `json:"executed_at,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ActionFilter narrows listScheduledActions results.
type ActionFilter struct {
	Status     ActionStatus
	ActionType ActionType
	Search     string
	Limit      int
}
