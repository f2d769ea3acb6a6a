package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/gridworx/helios-client-sub002/internal/domain"
	"github.com/gridworx/helios-client-sub002/internal/executor"
	"github.com/gridworx/helios-client-sub002/internal/store"
	"github.com/gridworx/helios-client-sub002/internal/timeline"
)

func newTestService(t *testing.T) (*Service, store.Repository) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", filepath.Join(t.TempDir(), "test.db"))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))

	repo := store.NewSQLiteRepo(db)
	registry := executor.NewRegistry()
	exec := executor.New(repo, registry, time.Second)
	return NewService(repo, exec, timeline.New(time.UTC, 9)), repo
}

func seedTemplate(t *testing.T, svc *Service, entries []domain.TimelineEntry) string {
	t.Helper()
	tpl, err := svc.CreateTemplate(context.Background(), domain.Template{
		Name:     "offboarding",
		Kind:     domain.ActionOffboard,
		Timeline: entries,
	})
	require.NoError(t, err)
	return tpl.ID
}

func offboardEntries() []domain.TimelineEntry {
	return []domain.TimelineEntry{
		{Trigger: domain.TriggerDaysBeforeAnchor, OffsetDays: 2, Actions: []domain.TimelineAction{
			{Kind: domain.KindEmail, Email: &domain.EmailParams{Template: "handover", Recipient: "manager"}},
		}},
		{Trigger: domain.TriggerOnAnchorDate, Actions: []domain.TimelineAction{
			{Kind: domain.KindSystemAction, System: &domain.SystemActionParams{Name: "suspend_account", Platforms: []string{"google", "microsoft"}}},
		}},
		{Trigger: domain.TriggerOnApproval, Actions: []domain.TimelineAction{
			{Kind: domain.KindTask, Task: &domain.TaskParams{Assignee: "it-desk", Category: "hardware", Title: "Collect laptop"}},
		}},
	}
}

func TestCreateScheduledActions_OnePerEntry(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	tplID := seedTemplate(t, svc, offboardEntries())
	anchor := time.Date(2026, 10, 30, 0, 0, 0, 0, time.UTC)

	created, err := svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "usr_leaving",
		ActionType:   domain.ActionOffboard,
		TemplateID:   tplID,
		AnchorDate:   anchor,
		CreatedBy:    "hr_admin",
	})
	require.NoError(t, err)
	require.Len(t, created, 3)

	require.NotNil(t, created[0].ScheduledFor)
	assert.True(t, created[0].ScheduledFor.Equal(time.Date(2026, 10, 28, 9, 0, 0, 0, time.UTC)))
	require.NotNil(t, created[1].ScheduledFor)
	assert.True(t, created[1].ScheduledFor.Equal(time.Date(2026, 10, 30, 9, 0, 0, 0, time.UTC)))

	// The on_approval entry has no due time yet and forces the gate.
	assert.Nil(t, created[2].ScheduledFor)
	assert.True(t, created[2].RequiresApproval)
	assert.False(t, created[0].RequiresApproval)
}

func TestCreateScheduledActions_PastDueDatesStillScheduled(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	tplID := seedTemplate(t, svc, offboardEntries()[:1])
	// Anchor long past: the resolver still schedules it; the loop picks
	// up overdue actions on its next tick.
	anchor := time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC)

	created, err := svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "usr_late",
		ActionType:   domain.ActionOffboard,
		TemplateID:   tplID,
		AnchorDate:   anchor,
		CreatedBy:    "hr_admin",
	})
	require.NoError(t, err)
	require.Len(t, created, 1)

	due, err := repo.DueActions(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestCreateScheduledActions_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	tplID := seedTemplate(t, svc, offboardEntries())
	anchor := time.Now().UTC()

	var appErr *domain.AppError

	_, err := svc.CreateScheduledActions(ctx, CreateInput{
		ActionType: domain.ActionOffboard, TemplateID: tplID, AnchorDate: anchor, CreatedBy: "x",
	})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeValidationMissingField, appErr.Code)

	_, err = svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "u", ActionType: "retire", TemplateID: tplID, AnchorDate: anchor, CreatedBy: "x",
	})
	require.ErrorAs(t, err, &appErr)

	_, err = svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "u", ActionType: domain.ActionOffboard, TemplateID: "tpl_missing", AnchorDate: anchor, CreatedBy: "x",
	})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeNotFoundTemplate, appErr.Code)

	_, err = svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "u", ActionType: domain.ActionOffboard, TemplateID: tplID, AnchorDate: anchor,
		CreatedBy: "x", IsRecurring: true,
	})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeValidationBadRecurrence, appErr.Code)

	_, err = svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "u", ActionType: domain.ActionOffboard, TemplateID: tplID, AnchorDate: anchor,
		CreatedBy: "x", IsRecurring: true, RecurrenceCron: "bogus",
	})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeValidationBadRecurrence, appErr.Code)
}

func TestCreateScheduledActions_BadEntryPersistsNothing(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)

	// Stored directly, skipping the service-side template validation, so the
	// second entry is broken. Creation must reject the whole request without
	// leaving the first entry's action behind.
	tplID, err := repo.CreateTemplate(ctx, domain.Template{
		Name: "half broken",
		Kind: domain.ActionOffboard,
		Timeline: []domain.TimelineEntry{
			{Trigger: domain.TriggerOnAnchorDate, Actions: []domain.TimelineAction{
				{Kind: domain.KindEmail, Email: &domain.EmailParams{Template: "notice", Recipient: "manager"}},
			}},
			{Trigger: domain.TriggerDaysAfterAnchor, OffsetDays: 1, Actions: []domain.TimelineAction{
				{Kind: domain.KindSystemAction}, // missing params
			}},
		},
	})
	require.NoError(t, err)

	_, err = svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "usr_x",
		ActionType:   domain.ActionOffboard,
		TemplateID:   tplID,
		AnchorDate:   time.Now().UTC().AddDate(0, 0, 14),
		CreatedBy:    "hr_admin",
	})
	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeValidationBadTimeline, appErr.Code)

	all, err := repo.ListActions(ctx, domain.ActionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApprove_Gate(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	tplID := seedTemplate(t, svc, offboardEntries())

	created, err := svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "usr_leaving",
		ActionType:   domain.ActionOffboard,
		TemplateID:   tplID,
		AnchorDate:   time.Now().UTC().AddDate(0, 0, 30),
		CreatedBy:    "hr_admin",
	})
	require.NoError(t, err)
	gated := created[2] // on_approval entry

	require.NoError(t, svc.Approve(ctx, gated.ID, "boss", nil))

	got, err := repo.GetAction(ctx, gated.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ApprovedAt)
	// For approval-triggered actions the approval timestamp becomes the
	// due timestamp.
	require.NotNil(t, got.ScheduledFor)
	assert.True(t, got.ScheduledFor.Equal(*got.ApprovedAt))
	assert.Equal(t, domain.StatusPending, got.Status)

	var appErr *domain.AppError
	err = svc.Approve(ctx, gated.ID, "boss2", nil)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeInvalidStateDecided, appErr.Code)

	err = svc.Reject(ctx, gated.ID, "boss2", "too late")
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeInvalidStateDecided, appErr.Code)

	err = svc.Approve(ctx, gated.ID, "", nil)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeValidationMissingField, appErr.Code)
}

func TestCancel_States(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	tplID := seedTemplate(t, svc, offboardEntries()[:1])

	created, err := svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "usr_leaving",
		ActionType:   domain.ActionOffboard,
		TemplateID:   tplID,
		AnchorDate:   time.Now().UTC().AddDate(0, 0, 30),
		CreatedBy:    "hr_admin",
	})
	require.NoError(t, err)
	id := created[0].ID

	reason := "employee staying after all"
	require.NoError(t, svc.Cancel(ctx, id, &reason))

	got, err := repo.GetAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, reason, *got.CancelReason)

	// Terminal: a second cancel is an invalid state, and so is cancelling
	// an in-flight action.
	var appErr *domain.AppError
	err = svc.Cancel(ctx, id, nil)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeInvalidStateNotPending, appErr.Code)

	created, err = svc.CreateScheduledActions(ctx, CreateInput{
		TargetUserID: "usr_other",
		ActionType:   domain.ActionOffboard,
		TemplateID:   tplID,
		AnchorDate:   time.Now().UTC(),
		CreatedBy:    "hr_admin",
	})
	require.NoError(t, err)
	running := created[0].ID
	ok, err := repo.Claim(ctx, running, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	err = svc.Cancel(ctx, running, nil)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeInvalidStateRunning, appErr.Code)
}

func TestGetActionLogs_UnknownAction(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetActionLogs(context.Background(), "act_missing")
	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeNotFoundAction, appErr.Code)
}

func TestCreateTemplate_RejectsInvalidTimeline(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.CreateTemplate(ctx, domain.Template{Name: "empty", Kind: domain.ActionOnboard})
	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeValidationBadTimeline, appErr.Code)

	_, err = svc.CreateTemplate(ctx, domain.Template{
		Name: "bad entry",
		Kind: domain.ActionOnboard,
		Timeline: []domain.TimelineEntry{
			{Trigger: domain.TriggerOnAnchorDate, Actions: []domain.TimelineAction{
				{Kind: domain.KindSystemAction}, // missing params
			}},
		},
	})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, domain.ErrCodeValidationBadTimeline, appErr.Code)
}
