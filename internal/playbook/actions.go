package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// capability describes one action the response layer can take: which
// parameters it requires and whether its effect can be undone.
type capability struct {
	required     []string
	irreversible bool
}

// capabilities is the closed action set playbooks may reference.
var capabilities = map[string]capability{
	"isolate_host":        {required: []string{"host"}},
	"block_ip":            {required: []string{"ip"}},
	"kill_process":        {required: []string{"host", "process"}, irreversible: true},
	"collect_evidence":    {required: []string{"host"}},
	"notify_stakeholders": {required: []string{"message"}},
	"reset_password":      {required: []string{"user"}, irreversible: true},
	"disable_user":        {required: []string{"user"}},
	"quarantine_file":     {required: []string{"host", "path"}},
	"update_firewall":     {required: []string{"rule"}},
	"scan_system":         {required: []string{"host"}},
	"backup_system":       {required: []string{"host"}},
	"restore_from_backup": {required: []string{"host"}, irreversible: true},
	"log_action":          {required: []string{"message"}},
	"wait":                {required: []string{"duration"}},
}

// Capabilities lists the known action names, sorted.
func Capabilities() []string {
	out := make([]string, 0, len(capabilities))
	for name := range capabilities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActionIrreversible reports whether an action's effect cannot be undone.
func ActionIrreversible(action string) bool {
	return capabilities[action].irreversible
}

// ValidateAction checks the action exists and every required parameter is
// present. Parameters may still hold ${var} placeholders at validation time.
func ValidateAction(action string, params map[string]string) error {
	spec, ok := capabilities[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, action)
	}
	for _, req := range spec.required {
		if strings.TrimSpace(params[req]) == "" {
			return fmt.Errorf("%w: action %s requires parameter %q", ErrInvalidPlaybook, action, req)
		}
	}
	return nil
}

// Executor carries out one action. Implementations must be safe for
// concurrent use; the runner may execute independent steps in parallel.
type Executor interface {
	Execute(ctx context.Context, action string, params map[string]string) (string, error)
}

// SimulatedExecutor performs every action as a structured-log side effect.
// It backs development, tests and tabletop exercises; production deployments
// swap in executors bound to EDR and firewall APIs.
type SimulatedExecutor struct {
	Log *slog.Logger
}

func (e *SimulatedExecutor) Execute(ctx context.Context, action string, params map[string]string) (string, error) {
	if err := ValidateAction(action, params); err != nil {
		return "", err
	}
	if action == "wait" {
		d, err := time.ParseDuration(params["duration"])
		if err != nil {
			return "", fmt.Errorf("wait: bad duration %q: %w", params["duration"], err)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return fmt.Sprintf("waited %s", d), nil
	}

	args := make([]any, 0, 2*len(params)+2)
	args = append(args, "action", action)
	for _, k := range sortedKeys(params) {
		args = append(args, k, params[k])
	}
	e.Log.Info("simulated action executed", args...)
	return fmt.Sprintf("simulated %s ok", action), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Executor = (*SimulatedExecutor)(nil)
