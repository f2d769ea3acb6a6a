package executor

import (
	"sort"

	"github.com/gridworx/helios-client-sub002/internal/domain"
)

// Step is one expanded, orderable unit of execution with its own outcome.
type Step struct {
	Name   string
	Params map[string]any
}

// Step names for the non-system action kinds.
const (
	StepCreateTask     = "create_task"
	StepSendEmail      = "send_email"
	StepAssignTraining = "assign_training"
)

// systemSteps is the fixed mapping from (system action name, platform) to
// step name. The mapping is owned here, not by template authors; an entry
// missing from this table is a configuration error at expansion time.
var systemSteps = map[string]map[string]string{
	"create_account": {
		"local":     "create_local_user",
		"google":    "create_google_account",
		"microsoft": "create_microsoft_account",
	},
	"suspend_account": {
		"local":     "suspend_local_user",
		"google":    "suspend_google_account",
		"microsoft": "suspend_microsoft_account",
	},
	"unsuspend_account": {
		"local":     "unsuspend_local_user",
		"google":    "unsuspend_google_account",
		"microsoft": "unsuspend_microsoft_account",
	},
	"delete_account": {
		"local":     "delete_local_user",
		"google":    "delete_google_account",
		"microsoft": "delete_microsoft_account",
	},
	"restore_account": {
		"local":     "restore_local_user",
		"google":    "restore_google_account",
		"microsoft": "restore_microsoft_account",
	},
	"add_to_groups": {
		"local":     "add_local_group_memberships",
		"google":    "add_google_group_memberships",
		"microsoft": "add_microsoft_group_memberships",
	},
	"remove_from_groups": {
		"local":     "remove_local_group_memberships",
		"google":    "remove_google_group_memberships",
		"microsoft": "remove_microsoft_group_memberships",
	},
	"revoke_licenses": {
		"google":    "revoke_google_licenses",
		"microsoft": "revoke_microsoft_licenses",
	},
}

// Expand turns a scheduled action's timeline snapshot into its ordered step
// sequence. System actions yield one step per platform in the order listed
// at template-authoring time.
func Expand(actions []domain.TimelineAction) ([]Step, error) {
	var steps []Step
	for _, a := range actions {
		switch a.Kind {
		case domain.KindTask:
			steps = append(steps, Step{Name: StepCreateTask, Params: map[string]any{
				"assignee": a.Task.Assignee,
				"category": a.Task.Category,
				"title":    a.Task.Title,
			}})
		case domain.KindEmail:
			steps = append(steps, Step{Name: StepSendEmail, Params: map[string]any{
				"template":  a.Email.Template,
				"recipient": a.Email.Recipient,
			}})
		case domain.KindSystemAction:
			byPlatform, ok := systemSteps[a.System.Name]
			if !ok {
				return nil, domain.Errf(domain.ErrCodeConfigUnknown, "unknown system action %q", a.System.Name)
			}
			for _, platform := range a.System.Platforms {
				name, ok := byPlatform[platform]
				if !ok {
					return nil, domain.Errf(domain.ErrCodeConfigUnknown,
						"system action %q has no step for platform %q", a.System.Name, platform)
				}
				steps = append(steps, Step{Name: name, Params: map[string]any{
					"action":   a.System.Name,
					"platform": platform,
				}})
			}
		case domain.KindTrainingAssignment:
			for _, contentID := range a.Training.ContentIDs {
				steps = append(steps, Step{Name: StepAssignTraining, Params: map[string]any{
					"content_id": contentID,
				}})
			}
		default:
			return nil, domain.Errf(domain.ErrCodeConfigUnknown, "unknown action kind %q", a.Kind)
		}
	}
	return steps, nil
}

// KnownStepNames returns every step name the expansion can produce, sorted.
// Used at startup to populate the handler registry.
func KnownStepNames() []string {
	set := map[string]struct{}{
		StepCreateTask:     {},
		StepSendEmail:      {},
		StepAssignTraining: {},
	}
	for _, byPlatform := range systemSteps {
		for _, name := range byPlatform {
			set[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
