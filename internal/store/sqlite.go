// Package store persists scheduled actions, their step logs and lifecycle
// templates in SQLite. Both tables must survive process restart: the
// scheduler loop and step executor resume purely from persisted state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridworx/helios-client-sub002/internal/domain"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("row not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_actions (
  id TEXT PRIMARY KEY,
  target_user_id TEXT NOT NULL,
  action_type TEXT NOT NULL CHECK(action_type IN ('onboard','offboard','suspend','unsuspend','delete','restore','manual')),
  template_id TEXT,
  trigger_kind TEXT NOT NULL CHECK(trigger_kind IN ('on_approval','days_before_anchor','on_anchor_date','days_after_anchor')),
  offset_days INTEGER NOT NULL DEFAULT 0,
  actions TEXT NOT NULL,
  anchor_date DATETIME NOT NULL,
  scheduled_for DATETIME,
  is_recurring INTEGER NOT NULL DEFAULT 0,
  recurrence_interval TEXT,
  recurrence_cron TEXT,
  status TEXT NOT NULL CHECK(status IN ('pending','in_progress','completed','failed','cancelled')) DEFAULT 'pending',
  total_steps INTEGER NOT NULL DEFAULT 0,
  completed_steps INTEGER NOT NULL DEFAULT 0,
  current_step TEXT,
  requires_approval INTEGER NOT NULL DEFAULT 0,
  approved_by TEXT,
  approved_at DATETIME,
  approval_notes TEXT,
  rejected_by TEXT,
  rejected_at DATETIME,
  rejection_reason TEXT,
  cancel_reason TEXT,
  error_message TEXT,
  created_by TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_actions_due ON scheduled_actions(status, scheduled_for);
CREATE INDEX IF NOT EXISTS idx_actions_target ON scheduled_actions(target_user_id);
CREATE TABLE IF NOT EXISTS action_step_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  scheduled_action_id TEXT NOT NULL,
  step TEXT NOT NULL,
  step_order INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','in_progress','success','failed','skipped','warning')) DEFAULT 'pending',
  duration_ms INTEGER,
  error_message TEXT,
  executed_at DATETIME,
  details TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(scheduled_action_id) REFERENCES scheduled_actions(id)
);
CREATE INDEX IF NOT EXISTS idx_step_logs_action ON action_step_logs(scheduled_action_id, step_order, id);
CREATE TABLE IF NOT EXISTS lifecycle_templates (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  kind TEXT NOT NULL,
  timeline TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Scheduled actions
	CreateAction(ctx context.Context, a domain.ScheduledAction) (string, error)
	GetAction(ctx context.Context, id string) (domain.ScheduledAction, error)
	ListActions(ctx context.Context, f domain.ActionFilter) ([]domain.ScheduledAction, error)
	DueActions(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledAction, error)
	// Claim is the pending -> in_progress compare-and-swap; exactly one
	// caller wins for a given row.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Approve(ctx context.Context, id, approver string, notes *string, at time.Time, scheduledFor *time.Time) (bool, error)
	Reject(ctx context.Context, id, approver, reason string, at time.Time) (bool, error)
	Cancel(ctx context.Context, id string, reason *string, at time.Time) (bool, error)
	ReopenFailed(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id string, completedSteps int, currentStep *string, at time.Time) error
	FinishAction(ctx context.Context, id string, status domain.ActionStatus, errMsg *string, at time.Time) error
	SetTotalSteps(ctx context.Context, id string, total int, at time.Time) error
	CountByStatus(ctx context.Context) (map[domain.ActionStatus]int, error)

	// Step logs (append-only)
	CreateStepLogs(ctx context.Context, actionID string, steps []string) error
	AppendStepLog(ctx context.Context, actionID, step string, order int) (int64, error)
	ListStepLogs(ctx context.Context, actionID string) ([]domain.StepLog, error)
	LatestStepLogs(ctx context.Context, actionID string) ([]domain.StepLog, error)
	GetStepLog(ctx context.Context, logID int64) (domain.StepLog, error)
	StartStep(ctx context.Context, logID int64, at time.Time) error
	FinishStep(ctx context.Context, logID int64, status domain.StepStatus, durationMs int64, errMsg *string, details map[string]any, at time.Time) error
	SetStepStatus(ctx context.Context, logID int64, status domain.StepStatus) error

	// Templates
	CreateTemplate(ctx context.Context, t domain.Template) (string, error)
	GetTemplate(ctx context.Context, id string) (domain.Template, error)
	ListTemplates(ctx context.Context) ([]domain.Template, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const actionCols = `id,target_user_id,action_type,template_id,trigger_kind,offset_days,actions,anchor_date,scheduled_for,
is_recurring,recurrence_interval,recurrence_cron,status,total_steps,completed_steps,current_step,
requires_approval,approved_by,approved_at,approval_notes,rejected_by,rejected_at,rejection_reason,cancel_reason,
error_message,created_by,created_at,updated_at`

func (r *sqliteRepo) CreateAction(ctx context.Context, a domain.ScheduledAction) (string, error) {
	id := a.ID
	if id == "" {
		id = "act_" + uuid.NewString()
	}
	actionsJSON, err := json.Marshal(a.Actions)
	if err != nil {
		return "", fmt.Errorf("marshal actions: %w", err)
	}
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
INSERT INTO scheduled_actions (`+actionCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, a.TargetUserID, string(a.ActionType), nullStr(a.TemplateID), string(a.Trigger), a.OffsetDays,
		string(actionsJSON), utc(a.AnchorDate), utcPtr(a.ScheduledFor),
		a.IsRecurring, nullStr(string(a.RecurrenceInterval)), nullStr(a.RecurrenceCron),
		string(domain.StatusPending), a.TotalSteps, 0, nil,
		a.RequiresApproval, nil, nil, nil, nil, nil, nil, nil,
		nil, a.CreatedBy, now, now)
	return id, err
}

func (r *sqliteRepo) GetAction(ctx context.Context, id string) (domain.ScheduledAction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+actionCols+` FROM scheduled_actions WHERE id=?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return domain.ScheduledAction{}, ErrNotFound
	}
	return a, err
}

func (r *sqliteRepo) ListActions(ctx context.Context, f domain.ActionFilter) ([]domain.ScheduledAction, error) {
	q := `SELECT ` + actionCols + ` FROM scheduled_actions WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if f.ActionType != "" {
		q += ` AND action_type=?`
		args = append(args, string(f.ActionType))
	}
	if f.Search != "" {
		q += ` AND (target_user_id LIKE ? OR id LIKE ?)`
		like := "%" + f.Search + "%"
		args = append(args, like, like)
	}
	q += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DueActions returns pending candidates satisfying the claim guard, ordered
// by due time. Callers must still win Claim before executing.
func (r *sqliteRepo) DueActions(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledAction, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+actionCols+` FROM scheduled_actions
WHERE status='pending'
  AND scheduled_for IS NOT NULL AND scheduled_for <= ?
  AND (requires_approval=0 OR approved_at IS NOT NULL)
ORDER BY scheduled_for ASC
LIMIT ?`, utc(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_actions SET status='in_progress', updated_at=?
WHERE id=? AND status='pending'`, utc(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) Approve(ctx context.Context, id, approver string, notes *string, at time.Time, scheduledFor *time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_actions
SET approved_by=?, approved_at=?, approval_notes=?,
    scheduled_for=COALESCE(?, scheduled_for),
    updated_at=?
WHERE id=? AND status='pending' AND approved_at IS NULL AND rejected_at IS NULL`,
		approver, utc(at), notes, utcPtr(scheduledFor), utc(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) Reject(ctx context.Context, id, approver, reason string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_actions
SET rejected_by=?, rejected_at=?, rejection_reason=?, status='cancelled', updated_at=?
WHERE id=? AND status='pending' AND approved_at IS NULL AND rejected_at IS NULL`,
		approver, utc(at), reason, utc(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) Cancel(ctx context.Context, id string, reason *string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_actions SET status='cancelled', cancel_reason=?, updated_at=?
WHERE id=? AND status='pending'`, reason, utc(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) ReopenFailed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_actions SET status='in_progress', error_message=NULL, updated_at=?
WHERE id=? AND status='failed'`, utc(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) UpdateProgress(ctx context.Context, id string, completedSteps int, currentStep *string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_actions SET completed_steps=?, current_step=?, updated_at=? WHERE id=?`,
		completedSteps, currentStep, utc(at), id)
	return err
}

func (r *sqliteRepo) FinishAction(ctx context.Context, id string, status domain.ActionStatus, errMsg *string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_actions SET status=?, error_message=?, current_step=NULL, updated_at=? WHERE id=?`,
		string(status), errMsg, utc(at), id)
	return err
}

func (r *sqliteRepo) SetTotalSteps(ctx context.Context, id string, total int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_actions SET total_steps=?, updated_at=? WHERE id=?`, total, utc(at), id)
	return err
}

func (r *sqliteRepo) CountByStatus(ctx context.Context) (map[domain.ActionStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_actions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.ActionStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.ActionStatus(s)] = n
	}
	return out, rows.Err()
}

func (r *sqliteRepo) CreateStepLogs(ctx context.Context, actionID string, steps []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, step := range steps {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO action_step_logs (scheduled_action_id, step, step_order, status) VALUES (?,?,?,'pending')`,
			actionID, step, i); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE scheduled_actions SET total_steps=?, updated_at=? WHERE id=?`,
		len(steps), time.Now().UTC(), actionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) AppendStepLog(ctx context.Context, actionID, step string, order int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO action_step_logs (scheduled_action_id, step, step_order, status) VALUES (?,?,?,'pending')`,
		actionID, step, order)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const stepCols = `id,scheduled_action_id,step,step_order,status,duration_ms,error_message,executed_at,details,created_at`

func (r *sqliteRepo) ListStepLogs(ctx context.Context, actionID string) ([]domain.StepLog, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+stepCols+` FROM action_step_logs WHERE scheduled_action_id=? ORDER BY step_order, id`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStepLogs(rows)
}

// LatestStepLogs returns the most recent row per step_order: the superseding
// row for retried steps, ordered by step_order.
func (r *sqliteRepo) LatestStepLogs(ctx context.Context, actionID string) ([]domain.StepLog, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT l.id,l.scheduled_action_id,l.step,l.step_order,l.status,l.duration_ms,l.error_message,l.executed_at,l.details,l.created_at
FROM action_step_logs l
JOIN (
  SELECT step_order, MAX(id) AS max_id FROM action_step_logs WHERE scheduled_action_id=? GROUP BY step_order
) latest ON l.id = latest.max_id
ORDER BY l.step_order`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStepLogs(rows)
}

func (r *sqliteRepo) GetStepLog(ctx context.Context, logID int64) (domain.StepLog, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+stepCols+` FROM action_step_logs WHERE id=?`, logID)
	l, err := scanStepLog(row)
	if err == sql.ErrNoRows {
		return domain.StepLog{}, ErrNotFound
	}
	return l, err
}

func (r *sqliteRepo) StartStep(ctx context.Context, logID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE action_step_logs SET status='in_progress', executed_at=? WHERE id=?`, utc(at), logID)
	return err
}

func (r *sqliteRepo) FinishStep(ctx context.Context, logID int64, status domain.StepStatus, durationMs int64, errMsg *string, details map[string]any, at time.Time) error {
	var detailsJSON *string
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		s := string(b)
		detailsJSON = &s
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE action_step_logs SET status=?, duration_ms=?, error_message=?, details=?, executed_at=COALESCE(executed_at, ?) WHERE id=?`,
		string(status), durationMs, errMsg, detailsJSON, utc(at), logID)
	return err
}

func (r *sqliteRepo) SetStepStatus(ctx context.Context, logID int64, status domain.StepStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE action_step_logs SET status=? WHERE id=?`, string(status), logID)
	return err
}

func (r *sqliteRepo) CreateTemplate(ctx context.Context, t domain.Template) (string, error) {
	id := t.ID
	if id == "" {
		id = "tpl_" + uuid.NewString()
	}
	timelineJSON, err := json.Marshal(t.Timeline)
	if err != nil {
		return "", fmt.Errorf("marshal timeline: %w", err)
	}
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
INSERT INTO lifecycle_templates (id,name,kind,timeline,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		id, t.Name, string(t.Kind), string(timelineJSON), now, now)
	return id, err
}

func (r *sqliteRepo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,name,kind,timeline,created_at,updated_at FROM lifecycle_templates WHERE id=?`, id)
	var t domain.Template
	var kind, timelineJSON string
	err := row.Scan(&t.ID, &t.Name, &kind, &timelineJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Template{}, ErrNotFound
	}
	if err != nil {
		return domain.Template{}, err
	}
	t.Kind = domain.ActionType(kind)
	if err := json.Unmarshal([]byte(timelineJSON), &t.Timeline); err != nil {
		return domain.Template{}, fmt.Errorf("unmarshal timeline: %w", err)
	}
	return t, nil
}

func (r *sqliteRepo) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,kind,timeline,created_at,updated_at FROM lifecycle_templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Template
	for rows.Next() {
		var t domain.Template
		var kind, timelineJSON string
		if err := rows.Scan(&t.ID, &t.Name, &kind, &timelineJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Kind = domain.ActionType(kind)
		if err := json.Unmarshal([]byte(timelineJSON), &t.Timeline); err != nil {
			return nil, fmt.Errorf("unmarshal timeline: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (domain.ScheduledAction, error) {
	var a domain.ScheduledAction
	var (
		actionType, trigger, status           string
		templateID, recurInterval, recurCron  sql.NullString
		actionsJSON                           string
		scheduledFor, approvedAt, rejectedAt  sql.NullTime
		approvedBy, approvalNotes, rejectedBy sql.NullString
		rejectionReason, cancelReason, errMsg sql.NullString
		currentStep                           sql.NullString
	)
	err := row.Scan(&a.ID, &a.TargetUserID, &actionType, &templateID, &trigger, &a.OffsetDays,
		&actionsJSON, &a.AnchorDate, &scheduledFor,
		&a.IsRecurring, &recurInterval, &recurCron,
		&status, &a.TotalSteps, &a.CompletedSteps, &currentStep,
		&a.RequiresApproval, &approvedBy, &approvedAt, &approvalNotes,
		&rejectedBy, &rejectedAt, &rejectionReason, &cancelReason,
		&errMsg, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.ScheduledAction{}, err
	}
	a.ActionType = domain.ActionType(actionType)
	a.Trigger = domain.Trigger(trigger)
	a.Status = domain.ActionStatus(status)
	a.TemplateID = templateID.String
	a.RecurrenceInterval = domain.RecurrenceInterval(recurInterval.String)
	a.RecurrenceCron = recurCron.String
	if err := json.Unmarshal([]byte(actionsJSON), &a.Actions); err != nil {
		return domain.ScheduledAction{}, fmt.Errorf("unmarshal actions: %w", err)
	}
	a.ScheduledFor = nullTimePtr(scheduledFor)
	a.ApprovedAt = nullTimePtr(approvedAt)
	a.RejectedAt = nullTimePtr(rejectedAt)
	a.ApprovedBy = nullStrPtr(approvedBy)
	a.ApprovalNotes = nullStrPtr(approvalNotes)
	a.RejectedBy = nullStrPtr(rejectedBy)
	a.RejectionReason = nullStrPtr(rejectionReason)
	a.CancelReason = nullStrPtr(cancelReason)
	a.ErrorMessage = nullStrPtr(errMsg)
	a.CurrentStep = nullStrPtr(currentStep)
	return a, nil
}

func scanStepLog(row rowScanner) (domain.StepLog, error) {
	var l domain.StepLog
	var (
		status      string
		durationMs  sql.NullInt64
		errMsg      sql.NullString
		executedAt  sql.NullTime
		detailsJSON sql.NullString
	)
	err := row.Scan(&l.ID, &l.ScheduledActionID, &l.Step, &l.StepOrder, &status,
		&durationMs, &errMsg, &executedAt, &detailsJSON, &l.CreatedAt)
	if err != nil {
		return domain.StepLog{}, err
	}
	l.Status = domain.StepStatus(status)
	if durationMs.Valid {
		l.DurationMs = &durationMs.Int64
	}
	l.ErrorMessage = nullStrPtr(errMsg)
	l.ExecutedAt = nullTimePtr(executedAt)
	if detailsJSON.Valid && detailsJSON.String != "" {
		if err := json.Unmarshal([]byte(detailsJSON.String), &l.Details); err != nil {
			return domain.StepLog{}, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	return l, nil
}

func scanStepLogs(rows *sql.Rows) ([]domain.StepLog, error) {
	var out []domain.StepLog
	for rows.Next() {
		l, err := scanStepLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Times are stored as text; everything goes in as UTC so that the
// scheduled_for <= ? comparisons stay well ordered.
func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullStrPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
