// Package executor runs a scheduled action's steps in order against the
// handler registry, recording one append-only step log row per attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridworx/helios-client-sub002/internal/domain"
	"github.com/gridworx/helios-client-sub002/internal/store"
)

type Executor struct {
	repo        store.Repository
	registry    *Registry
	stepTimeout time.Duration
	now         func() time.Time
}

func New(repo store.Repository, registry *Registry, stepTimeout time.Duration) *Executor {
	return &Executor{repo: repo, registry: registry, stepTimeout: stepTimeout, now: time.Now}
}

// Execute walks the action's steps strictly in step order. Steps whose
// latest log row is already success, warning or skipped are not re-run,
// which makes execution idempotent across process restarts and retries.
//
// The caller must have transitioned the action to in_progress under the
// claim; executing an action already in a terminal state is a no-op.
// Step and configuration failures are recorded in the logs and the action
// row, never returned: only infrastructure errors propagate.
func (e *Executor) Execute(ctx context.Context, action domain.ScheduledAction) error {
	if action.Status.Terminal() {
		return nil
	}
	if action.Status != domain.StatusInProgress {
		return domain.Errf(domain.ErrCodeInvalidStateNotPending,
			"action %s is %s, not claimed for execution", action.ID, action.Status)
	}

	steps, err := Expand(action.Actions)
	if err != nil {
		msg := err.Error()
		return e.repo.FinishAction(ctx, action.ID, domain.StatusFailed, &msg, e.now())
	}

	rows, err := e.repo.LatestStepLogs(ctx, action.ID)
	if err != nil {
		return fmt.Errorf("load step logs: %w", err)
	}
	if len(rows) == 0 {
		names := make([]string, len(steps))
		for i, s := range steps {
			names[i] = s.Name
		}
		if err := e.repo.CreateStepLogs(ctx, action.ID, names); err != nil {
			return fmt.Errorf("create step logs: %w", err)
		}
		rows, err = e.repo.LatestStepLogs(ctx, action.ID)
		if err != nil {
			return fmt.Errorf("reload step logs: %w", err)
		}
	}

	completed := 0
	for _, row := range rows {
		if row.Status.Done() {
			completed++
		}
	}

	var fatalMsg *string
	for _, row := range rows {
		if fatalMsg != nil {
			// Everything after a fatal failure is skipped, not attempted.
			if row.Status == domain.StepPending || row.Status == domain.StepInProgress {
				if err := e.repo.SetStepStatus(ctx, row.ID, domain.StepSkipped); err != nil {
					return fmt.Errorf("mark step skipped: %w", err)
				}
			}
			continue
		}
		if row.Status.Done() {
			continue
		}
		if row.Status == domain.StepFailed {
			msg := "prior step failure"
			if row.ErrorMessage != nil {
				msg = *row.ErrorMessage
			}
			fatalMsg = &msg
			continue
		}

		if msg := e.runStep(ctx, action, steps[row.StepOrder], row, completed); msg != nil {
			fatalMsg = msg
			continue
		}
		completed++
		if err := e.repo.UpdateProgress(ctx, action.ID, completed, nil, e.now()); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
	}

	if fatalMsg != nil {
		return e.repo.FinishAction(ctx, action.ID, domain.StatusFailed, fatalMsg, e.now())
	}
	return e.repo.FinishAction(ctx, action.ID, domain.StatusCompleted, nil, e.now())
}

// runStep executes one step and records its outcome. The return value is
// non-nil on a fatal failure.
func (e *Executor) runStep(ctx context.Context, action domain.ScheduledAction, step Step, row domain.StepLog, completed int) (fatal *string) {
	start := e.now()
	if err := e.repo.StartStep(ctx, row.ID, start); err != nil {
		log.Error().Err(err).Str("action_id", action.ID).Str("step", step.Name).Msg("failed to start step")
		msg := "failed to record step start: " + err.Error()
		return &msg
	}
	if err := e.repo.UpdateProgress(ctx, action.ID, completed, &step.Name, start); err != nil {
		log.Error().Err(err).Str("action_id", action.ID).Msg("failed to set current step")
	}

	handler, ok := e.registry.Get(step.Name)
	if !ok {
		msg := string(domain.ErrCodeConfigUnknown) + ": no handler registered for step " + step.Name
		e.finishStep(ctx, row.ID, domain.StepFailed, start, &msg, nil)
		return &msg
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	res, err := handler.Handle(stepCtx, step, action)
	if err != nil {
		var msg string
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			msg = string(domain.ErrCodeStepTimeout) + ": step exceeded " + e.stepTimeout.String()
		} else {
			msg = string(domain.ErrCodeStepHandler) + ": " + err.Error()
		}
		e.finishStep(ctx, row.ID, domain.StepFailed, start, &msg, res.Details)
		return &msg
	}

	switch res.Status {
	case domain.StepSuccess:
		e.finishStep(ctx, row.ID, domain.StepSuccess, start, nil, res.Details)
		return nil
	case domain.StepWarning:
		var msg *string
		if res.ErrorMessage != "" {
			msg = &res.ErrorMessage
		}
		e.finishStep(ctx, row.ID, domain.StepWarning, start, msg, res.Details)
		return nil
	default:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "step " + step.Name + " failed"
		}
		e.finishStep(ctx, row.ID, domain.StepFailed, start, &msg, res.Details)
		return &msg
	}
}

func (e *Executor) finishStep(ctx context.Context, logID int64, status domain.StepStatus, start time.Time, errMsg *string, details map[string]any) {
	durationMs := e.now().Sub(start).Milliseconds()
	if err := e.repo.FinishStep(ctx, logID, status, durationMs, errMsg, details, e.now()); err != nil {
		log.Error().Err(err).Int64("log_id", logID).Msg("failed to record step outcome")
	}
}

// RetryStep appends a fresh pending row for one failed step, resets the
// previously skipped steps after it, moves the action back to in_progress
// and re-runs the walk from that step. Steps whose latest row is success
// are never re-run; this is the only supported partial-retry granularity.
func (e *Executor) RetryStep(ctx context.Context, actionID string, stepLogID int64) error {
	action, err := e.repo.GetAction(ctx, actionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Errf(domain.ErrCodeNotFoundAction, "action %s not found", actionID)
		}
		return err
	}
	if action.Status != domain.StatusFailed {
		return domain.Errf(domain.ErrCodeInvalidStateNotFailed,
			"retry requires a failed action, %s is %s", actionID, action.Status)
	}

	target, err := e.repo.GetStepLog(ctx, stepLogID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Errf(domain.ErrCodeNotFoundStep, "step log %d not found", stepLogID)
		}
		return err
	}
	if target.ScheduledActionID != actionID {
		return domain.Errf(domain.ErrCodeNotFoundStep, "step log %d does not belong to action %s", stepLogID, actionID)
	}

	latest, err := e.repo.LatestStepLogs(ctx, actionID)
	if err != nil {
		return fmt.Errorf("load step logs: %w", err)
	}
	var current *domain.StepLog
	for i := range latest {
		if latest[i].StepOrder == target.StepOrder {
			current = &latest[i]
			break
		}
	}
	if current == nil || current.Status != domain.StepFailed {
		return domain.Errf(domain.ErrCodeInvalidStateStepNotFailed,
			"step %d of action %s is not in a failed state", target.StepOrder, actionID)
	}

	if _, err := e.repo.AppendStepLog(ctx, actionID, current.Step, current.StepOrder); err != nil {
		return fmt.Errorf("append retry row: %w", err)
	}
	for _, row := range latest {
		if row.StepOrder > target.StepOrder && row.Status == domain.StepSkipped {
			if _, err := e.repo.AppendStepLog(ctx, actionID, row.Step, row.StepOrder); err != nil {
				return fmt.Errorf("reset skipped step %d: %w", row.StepOrder, err)
			}
		}
	}

	ok, err := e.repo.ReopenFailed(ctx, actionID, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return domain.Errf(domain.ErrCodeInvalidStateNotFailed, "action %s was no longer failed", actionID)
	}

	log.Info().Str("action_id", actionID).Int("step_order", target.StepOrder).Str("step", target.Step).Msg("retrying failed step")
	action.Status = domain.StatusInProgress
	action.ErrorMessage = nil
	return e.Execute(ctx, action)
}
