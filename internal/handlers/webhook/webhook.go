// Package webhook forwards lifecycle steps to an external provisioning
// endpoint. The endpoint is expected to perform the side effect (directory
// write, identity-provider call, email send) and answer 2xx.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gridworx/helios-client-sub002/internal/domain"
	"github.com/gridworx/helios-client-sub002/internal/executor"
)

type Handler struct {
	Endpoint string
	Client   *http.Client
}

func New(endpoint string, timeout time.Duration) *Handler {
	return &Handler{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

type stepRequest struct {
	Step         string         `json:"step"`
	ActionID     string         `json:"action_id"`
	ActionType   string         `json:"action_type"`
	TargetUserID string         `json:"target_user_id"`
	Params       map[string]any `json:"params,omitempty"`
}

func (h *Handler) Handle(ctx context.Context, step executor.Step, action domain.ScheduledAction) (executor.Result, error) {
	body, err := json.Marshal(stepRequest{
		Step:         step.Name,
		ActionID:     action.ID,
		ActionType:   string(action.ActionType),
		TargetUserID: action.TargetUserID,
		Params:       step.Params,
	})
	if err != nil {
		return executor.Result{}, fmt.Errorf("marshal step request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return executor.Result{}, fmt.Errorf("build step request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return executor.Result{}, fmt.Errorf("provisioning endpoint: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	details := map[string]any{"status_code": resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return executor.Result{Status: domain.StepSuccess, Details: details}, nil
	case resp.StatusCode == http.StatusConflict:
		// The endpoint reports the side effect already exists; record and
		// let the sequence continue.
		return executor.Result{
			Status:       domain.StepWarning,
			Details:      details,
			ErrorMessage: fmt.Sprintf("endpoint reported conflict: %s", respBody),
		}, nil
	default:
		return executor.Result{
			Status:       domain.StepFailed,
			Details:      details,
			ErrorMessage: fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, respBody),
		}, nil
	}
}
