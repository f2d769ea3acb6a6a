// Package script runs lifecycle steps through a local provisioning script,
// for deployments that drive their directory with shell tooling. The script
// receives the step name and target user as arguments and the step params as
// JSON in LIFECYCLE_PARAMS.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/gridworx/helios-client-sub002/internal/domain"
	"github.com/gridworx/helios-client-sub002/internal/executor"
)

type Handler struct {
	Path string
}

func New(path string) *Handler { return &Handler{Path: path} }

func (h *Handler) Handle(ctx context.Context, step executor.Step, action domain.ScheduledAction) (executor.Result, error) {
	params, err := json.Marshal(step.Params)
	if err != nil {
		return executor.Result{}, fmt.Errorf("marshal params: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.Path, step.Name, action.TargetUserID)
	cmd.Env = append(os.Environ(),
		"LIFECYCLE_PARAMS="+string(params),
		"LIFECYCLE_ACTION_ID="+action.ID,
		"LIFECYCLE_ACTION_TYPE="+string(action.ActionType),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return executor.Result{
			Status:       domain.StepFailed,
			Details:      map[string]any{"output": truncate(string(out), 2048)},
			ErrorMessage: fmt.Sprintf("script error: %v", err),
		}, nil
	}
	return executor.Result{
		Status:  domain.StepSuccess,
		Details: map[string]any{"output": truncate(string(out), 2048)},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
