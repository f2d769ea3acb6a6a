// Package scheduler polls for due, approved, pending actions, claims them
// atomically and dispatches them to the step executor under a bounded worker
// pool. It is the only component allowed to start execution.
package scheduler

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

type Loop struct {
	repo      store.Repository
	exec      *executor.Executor
	resolver  timeline.Resolver
	interval  time.Duration
	batchSize int
	sem       chan struct{}
	stop      chan struct{}
	now       func() time.Time
}

func New(repo store.Repository, exec *executor.Executor, resolver timeline.Resolver, interval time.Duration, batchSize, workers int) *Loop {
	return &Loop{
		repo:      repo,
		exec:      exec,
		resolver:  resolver,
		interval:  interval,
		batchSize: batchSize,
		sem:       make(chan struct{}, workers),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", l.interval).Int("batch", l.batchSize).Msg("scheduler loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.Tick(ctx, now)
		}
	}
}

func (l *Loop) Stop() { close(l.stop) }

// Tick claims and dispatches one batch of due actions. A database failure
// here is transient infrastructure trouble: it is logged and the tick is
// simply retried on the next interval.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	due, err := l.repo.DueActions(ctx, now, l.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to query due actions")
		return
	}

	for _, a := range due {
		claimed, err := l.repo.Claim(ctx, a.ID, now)
		if err != nil {
			log.Error().Err(err).Str("action_id", a.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			// Another loop instance won the row this tick.
			continue
		}
		a.Status = domain.StatusInProgress

		l.sem <- struct{}{}
		go func(act domain.ScheduledAction) {
			defer func() { <-l.sem }()
			l.runOne(ctx, act)
		}(a)
	}
}

func (l *Loop) runOne(ctx context.Context, a domain.ScheduledAction) {
	log.Info().Str("action_id", a.ID).Str("action_type", string(a.ActionType)).
		Str("target_user_id", a.TargetUserID).Msg("executing scheduled action")

	if err := l.exec.Execute(ctx, a); err != nil {
		log.Error().Err(err).Str("action_id", a.ID).Msg("executor infrastructure error")
		return
	}

	final, err := l.repo.GetAction(ctx, a.ID)
	if err != nil {
		log.Error().Err(err).Str("action_id", a.ID).Msg("failed to reload action after execution")
		return
	}
	log.Info().Str("action_id", a.ID).Str("status", string(final.Status)).
		Int("completed_steps", final.CompletedSteps).Int("total_steps", final.TotalSteps).
		Msg("scheduled action finished")

	if final.IsRecurring && final.Status.Terminal() {
		if err := l.materializeNext(ctx, final); err != nil {
			log.Error().Err(err).Str("action_id", a.ID).Msg("failed to materialize next occurrence")
		}
	}
}

// materializeNext inserts the next occurrence of a recurring action once the
// prior occurrence is terminal. The prior row is left untouched as history.
func (l *Loop) materializeNext(ctx context.Context, prev domain.ScheduledAction) error {
	if prev.ScheduledFor == nil {
		return errors.New("recurring action has no resolved due timestamp")
	}

	next := domain.ScheduledAction{
		TargetUserID:       prev.TargetUserID,
		ActionType:         prev.ActionType,
		TemplateID:         prev.TemplateID,
		Trigger:            prev.Trigger,
		OffsetDays:         prev.OffsetDays,
		Actions:            prev.Actions,
		AnchorDate:         prev.AnchorDate,
		IsRecurring:        true,
		RecurrenceInterval: prev.RecurrenceInterval,
		RecurrenceCron:     prev.RecurrenceCron,
		Status:             domain.StatusPending,
		RequiresApproval:   prev.RequiresApproval,
		CreatedBy:          prev.CreatedBy,
	}

	// Offset triggers re-resolve against the shifted anchor; approval
	// triggers and custom cron cadences advance from the prior due time.
	if prev.RecurrenceCron == "" && prev.Trigger != domain.TriggerOnApproval {
		anchor, err := l.resolver.ShiftAnchor(prev.AnchorDate, prev.RecurrenceInterval)
		if err != nil {
			return err
		}
		next.AnchorDate = anchor
		entry := domain.TimelineEntry{Trigger: prev.Trigger, OffsetDays: prev.OffsetDays, Actions: prev.Actions}
		due, err := l.resolver.Resolve(entry, anchor, nil)
		if err != nil {
			return err
		}
		next.ScheduledFor = &due
	} else {
		due, err := l.resolver.NextOccurrence(*prev.ScheduledFor, prev.RecurrenceInterval, prev.RecurrenceCron)
		if err != nil {
			return err
		}
		next.ScheduledFor = &due
	}

	id, err := l.repo.CreateAction(ctx, next)
	if err != nil {
		return err
	}
	log.Info().Str("action_id", id).Str("previous_id", prev.ID).
		Time("scheduled_for", *next.ScheduledFor).Msg("next recurring occurrence created")
	return nil
}
