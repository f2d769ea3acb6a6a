// Package lifecycle is the caller-facing surface of the scheduler engine:
// creating scheduled actions from templates, the approval gate, cancellation
// and step retry. Validation and invalid-state errors are returned
// synchronously and never touch persisted action state.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridworx/helios-client-sub002/internal/domain"
	"github.com/gridworx/helios-client-sub002/internal/executor"
	"github.com/gridworx/helios-client-sub002/internal/store"
	"github.com/gridworx/helios-client-sub002/internal/timeline"
)

type Service struct {
	repo     store.Repository
	exec     *executor.Executor
	resolver timeline.Resolver
	now      func() time.Time
}

func NewService(repo store.Repository, exec *executor.Executor, resolver timeline.Resolver) *Service {
	return &Service{repo: repo, exec: exec, resolver: resolver, now: time.Now}
}

// CreateInput carries the caller's request plus per-request config overrides.
type CreateInput struct {
	TargetUserID       string
	ActionType         domain.ActionType
	TemplateID         string
	AnchorDate         time.Time
	RequiresApproval   bool
	IsRecurring        bool
	RecurrenceInterval domain.RecurrenceInterval
	RecurrenceCron     string
	CreatedBy          string
}

// CreateScheduledActions snapshots each timeline entry of the template into
// its own scheduled action and resolves its due timestamp. Entries triggered
// on approval get no due timestamp yet and force the approval requirement.
func (s *Service) CreateScheduledActions(ctx context.Context, in CreateInput) ([]domain.ScheduledAction, error) {
	if in.TargetUserID == "" || in.TemplateID == "" || in.CreatedBy == "" {
		return nil, domain.Errf(domain.ErrCodeValidationMissingField, "target_user_id, template_id and created_by are required")
	}
	if !in.ActionType.Valid() {
		return nil, domain.Errf(domain.ErrCodeValidationMissingField, "unknown action type %q", in.ActionType)
	}
	if in.AnchorDate.IsZero() {
		return nil, domain.Errf(domain.ErrCodeValidationMissingField, "anchor_date is required")
	}
	if in.IsRecurring {
		if in.RecurrenceCron != "" {
			if err := timeline.ValidateCron(in.RecurrenceCron); err != nil {
				return nil, domain.NewAppError(domain.ErrCodeValidationBadRecurrence, "invalid recurrence cron expression", err)
			}
		} else if !in.RecurrenceInterval.Valid() {
			return nil, domain.Errf(domain.ErrCodeValidationBadRecurrence, "recurring actions need an interval or a cron expression")
		}
	}

	tpl, err := s.repo.GetTemplate(ctx, in.TemplateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Errf(domain.ErrCodeNotFoundTemplate, "template %s not found", in.TemplateID)
		}
		return nil, domain.NewAppError(domain.ErrCodeInternalDB, "failed to load template", err)
	}
	if len(tpl.Timeline) == 0 {
		return nil, domain.Errf(domain.ErrCodeValidationBadTimeline, "template %s has an empty timeline", in.TemplateID)
	}
	// The whole timeline is validated up front: a bad entry must be rejected
	// before any action row is persisted.
	for _, entry := range tpl.Timeline {
		if err := entry.Validate(); err != nil {
			return nil, domain.NewAppError(domain.ErrCodeValidationBadTimeline, "invalid timeline entry", err)
		}
	}

	var created []domain.ScheduledAction
	for i, entry := range tpl.Timeline {
		a := domain.ScheduledAction{
			TargetUserID:       in.TargetUserID,
			ActionType:         in.ActionType,
			TemplateID:         tpl.ID,
			Trigger:            entry.Trigger,
			OffsetDays:         entry.OffsetDays,
			Actions:            entry.Actions,
			AnchorDate:         in.AnchorDate,
			IsRecurring:        in.IsRecurring,
			RecurrenceInterval: in.RecurrenceInterval,
			RecurrenceCron:     in.RecurrenceCron,
			Status:             domain.StatusPending,
			RequiresApproval:   in.RequiresApproval,
			CreatedBy:          in.CreatedBy,
		}

		due, err := s.resolver.Resolve(entry, in.AnchorDate, nil)
		switch {
		case errors.Is(err, timeline.ErrNeedsApproval):
			// Not schedulable until the gate records the approval.
			a.RequiresApproval = true
		case err != nil:
			return nil, err
		default:
			a.ScheduledFor = &due
		}

		id, err := s.repo.CreateAction(ctx, a)
		if err != nil {
			return nil, domain.NewAppError(domain.ErrCodeInternalDB, "failed to create scheduled action", err)
		}
		a.ID = id
		a.CreatedAt = s.now()
		a.UpdatedAt = a.CreatedAt
		created = append(created, a)
		log.Info().Str("action_id", id).Str("target_user_id", in.TargetUserID).
			Str("trigger", string(entry.Trigger)).Int("entry", i).Msg("scheduled action created")
	}
	return created, nil
}

func (s *Service) GetAction(ctx context.Context, id string) (domain.ScheduledAction, error) {
	a, err := s.repo.GetAction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ScheduledAction{}, domain.Errf(domain.ErrCodeNotFoundAction, "action %s not found", id)
		}
		return domain.ScheduledAction{}, domain.NewAppError(domain.ErrCodeInternalDB, "failed to load action", err)
	}
	return a, nil
}

func (s *Service) ListActions(ctx context.Context, f domain.ActionFilter) ([]domain.ScheduledAction, error) {
	out, err := s.repo.ListActions(ctx, f)
	if err != nil {
		return nil, domain.NewAppError(domain.ErrCodeInternalDB, "failed to list actions", err)
	}
	return out, nil
}

func (s *Service) GetActionLogs(ctx context.Context, id string) ([]domain.StepLog, error) {
	if _, err := s.GetAction(ctx, id); err != nil {
		return nil, err
	}
	logs, err := s.repo.ListStepLogs(ctx, id)
	if err != nil {
		return nil, domain.NewAppError(domain.ErrCodeInternalDB, "failed to list step logs", err)
	}
	return logs, nil
}

// Approve records the approval decision. It does not itself start execution:
// the scheduler loop still checks the due timestamp. For approval-triggered
// actions the approval timestamp becomes the due timestamp.
func (s *Service) Approve(ctx context.Context, id, approver string, notes *string) error {
	if approver == "" {
		return domain.Errf(domain.ErrCodeValidationMissingField, "approver is required")
	}
	a, err := s.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if err := gateCheck(a); err != nil {
		return err
	}

	at := s.now()
	var scheduledFor *time.Time
	if a.Trigger == domain.TriggerOnApproval {
		scheduledFor = &at
	}
	ok, err := s.repo.Approve(ctx, id, approver, notes, at, scheduledFor)
	if err != nil {
		return domain.NewAppError(domain.ErrCodeInternalDB, "failed to approve action", err)
	}
	if !ok {
		return domain.Errf(domain.ErrCodeInvalidStateDecided, "action %s was already decided or no longer pending", id)
	}
	log.Info().Str("action_id", id).Str("approver", approver).Msg("action approved")
	return nil
}

// Reject requires a non-empty reason and moves the action straight to
// cancelled.
func (s *Service) Reject(ctx context.Context, id, approver, reason string) error {
	if approver == "" {
		return domain.Errf(domain.ErrCodeValidationMissingField, "approver is required")
	}
	if reason == "" {
		return domain.Errf(domain.ErrCodeValidationEmptyReason, "a rejection reason is required")
	}
	a, err := s.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if err := gateCheck(a); err != nil {
		return err
	}

	ok, err := s.repo.Reject(ctx, id, approver, reason, s.now())
	if err != nil {
		return domain.NewAppError(domain.ErrCodeInternalDB, "failed to reject action", err)
	}
	if !ok {
		return domain.Errf(domain.ErrCodeInvalidStateDecided, "action %s was already decided or no longer pending", id)
	}
	log.Info().Str("action_id", id).Str("approver", approver).Msg("action rejected")
	return nil
}

// Cancel is permitted only while pending. In-flight step sequences run to
// completion or fatal failure; their side effects must be logged.
func (s *Service) Cancel(ctx context.Context, id string, reason *string) error {
	a, err := s.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == domain.StatusInProgress {
		return domain.Errf(domain.ErrCodeInvalidStateRunning, "action %s is executing and cannot be cancelled", id)
	}
	if a.Status != domain.StatusPending {
		return domain.Errf(domain.ErrCodeInvalidStateNotPending, "action %s is %s", id, a.Status)
	}
	ok, err := s.repo.Cancel(ctx, id, reason, s.now())
	if err != nil {
		return domain.NewAppError(domain.ErrCodeInternalDB, "failed to cancel action", err)
	}
	if !ok {
		return domain.Errf(domain.ErrCodeInvalidStateNotPending, "action %s is no longer pending", id)
	}
	log.Info().Str("action_id", id).Msg("action cancelled")
	return nil
}

// RetryStep re-runs one failed step of a failed action; see the executor's
// retry contract.
func (s *Service) RetryStep(ctx context.Context, actionID string, stepLogID int64) error {
	return s.exec.RetryStep(ctx, actionID, stepLogID)
}

func (s *Service) CreateTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	if t.Name == "" || !t.Kind.Valid() {
		return domain.Template{}, domain.Errf(domain.ErrCodeValidationMissingField, "template name and a valid kind are required")
	}
	if len(t.Timeline) == 0 {
		return domain.Template{}, domain.Errf(domain.ErrCodeValidationBadTimeline, "template timeline is empty")
	}
	for _, entry := range t.Timeline {
		if err := entry.Validate(); err != nil {
			return domain.Template{}, domain.NewAppError(domain.ErrCodeValidationBadTimeline, "invalid timeline entry", err)
		}
	}
	id, err := s.repo.CreateTemplate(ctx, t)
	if err != nil {
		return domain.Template{}, domain.NewAppError(domain.ErrCodeInternalDB, "failed to create template", err)
	}
	t.ID = id
	return t, nil
}

func (s *Service) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Template{}, domain.Errf(domain.ErrCodeNotFoundTemplate, "template %s not found", id)
		}
		return domain.Template{}, domain.NewAppError(domain.ErrCodeInternalDB, "failed to load template", err)
	}
	return t, nil
}

func (s *Service) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	out, err := s.repo.ListTemplates(ctx)
	if err != nil {
		return nil, domain.NewAppError(domain.ErrCodeInternalDB, "failed to list templates", err)
	}
	return out, nil
}

func gateCheck(a domain.ScheduledAction) error {
	if a.Status != domain.StatusPending {
		return domain.Errf(domain.ErrCodeInvalidStateNotPending, "action %s is %s", a.ID, a.Status)
	}
	if a.Decided() {
		return domain.Errf(domain.ErrCodeInvalidStateDecided, "action %s already has an approval decision", a.ID)
	}
	return nil
}
