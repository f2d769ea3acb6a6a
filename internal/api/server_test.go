package api

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/gridworx/helios-client-sub002/internal/domain"
	"github.com/gridworx/helios-client-sub002/internal/executor"
	"github.com/gridworx/helios-client-sub002/internal/lifecycle"
	"github.com/gridworx/helios-client-sub002/internal/store"
	"github.com/gridworx/helios-client-sub002/internal/timeline"
)

func newTestServer(t *testing.T) http.Handler {
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
	svc := lifecycle.NewService(repo, exec, timeline.New(time.UTC, 9))
	return NewServer(svc, repo)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createTemplateAndAction(t *testing.T, h http.Handler) (tplID, actionID string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/templates", `{
		"name": "standard onboarding",
		"kind": "onboard",
		"timeline": [
			{"trigger": "days_before_anchor", "offset_days": 3, "actions": [
				{"kind": "system_action", "system": {"name": "create_account", "platforms": ["local"]}}
			]}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tpl domain.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tpl))

	rec = doJSON(t, h, http.MethodPost, "/api/actions", fmt.Sprintf(`{
		"target_user_id": "usr_1",
		"action_type": "onboard",
		"template_id": %q,
		"anchor_date": "2026-10-01T00:00:00Z",
		"requires_approval": true,
		"created_by": "admin"
	}`, tpl.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var actions []domain.ScheduledAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actions))
	require.Len(t, actions, 1)
	return tpl.ID, actions[0].ID
}

func TestAPI_CreateListGet(t *testing.T) {
	h := newTestServer(t)
	_, actionID := createTemplateAndAction(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/actions?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var actions []domain.ScheduledAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, actionID, actions[0].ID)

	rec = doJSON(t, h, http.MethodGet, "/api/actions/"+actionID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/actions/act_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/actions/"+actionID+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAPI_CreateAction_MissingFields(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/api/actions", `{"action_type": "onboard"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_UnknownActionKindRejectedAtLoadTime(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/api/templates", `{
		"name": "bad",
		"kind": "onboard",
		"timeline": [
			{"trigger": "on_anchor_date", "actions": [{"kind": "carrier_pigeon"}]}
		]
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RejectRequiresReason(t *testing.T) {
	h := newTestServer(t)
	_, actionID := createTemplateAndAction(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/actions/"+actionID+"/reject", `{"approver": "boss"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/actions/"+actionID+"/reject", `{"approver": "boss", "reason": "role cancelled"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/actions/"+actionID, "")
	var a domain.ScheduledAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, domain.StatusCancelled, a.Status)
}

func TestAPI_ApproveTwiceConflicts(t *testing.T) {
	h := newTestServer(t)
	_, actionID := createTemplateAndAction(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/actions/"+actionID+"/approve", `{"approver": "boss"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/actions/"+actionID+"/approve", `{"approver": "boss"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_CancelPending(t *testing.T) {
	h := newTestServer(t)
	_, actionID := createTemplateAndAction(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/actions/"+actionID+"/cancel", `{"reason": "duplicate request"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/actions/"+actionID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_RetryStep_BadID(t *testing.T) {
	h := newTestServer(t)
	_, actionID := createTemplateAndAction(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/actions/"+actionID+"/steps/abc/retry", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/actions/"+actionID+"/steps/999/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	h := newTestServer(t)
	createTemplateAndAction(t, h)

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `helios_scheduled_actions{status="pending"} 1`)
}
