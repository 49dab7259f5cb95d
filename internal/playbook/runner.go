package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/sentinelops/cybersentinel/internal/resilience"
)

// Step and run statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusPartial = "partial"
)

// StepResult records one step's execution.
type StepResult struct {
	StepID   string        `json:"step_id"`
	Action   string        `json:"action"`
	Status   string        `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// RunReport is the outcome of one playbook execution.
type RunReport struct {
	PlaybookID string        `json:"playbook_id"`
	Status     string        `json:"status"`
	Steps      []StepResult  `json:"steps"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Runner executes playbook DAGs with frontier scheduling: every step whose
// dependencies have settled runs, independent steps run concurrently, and a
// failed dependency skips its whole downstream subtree unless the dependency
// opted into continue_on_error.
type Runner struct {
	exec      Executor
	log       *slog.Logger
	retryBase time.Duration
	retryCap  time.Duration
}

// NewRunner builds a runner over an executor.
func NewRunner(exec Executor, log *slog.Logger) *Runner {
	return &Runner{
		exec:      exec,
		log:       log,
		retryBase: 2 * time.Second,
		retryCap:  10 * time.Second,
	}
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.]+)\}`)

// substitute expands ${var} placeholders from vars. Unknown variables pass
// through literally so a missing binding is visible in the action log rather
// than silently emptied.
func substitute(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := varPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Run executes the playbook. The report always covers every step; Run only
// returns an error for invalid input or context cancellation.
func (r *Runner) Run(ctx context.Context, pb *Playbook, vars map[string]string) (*RunReport, error) {
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	report := &RunReport{PlaybookID: pb.ID, StartedAt: started}

	status := make(map[string]string, len(pb.Steps)) // settled step → status
	results := make(map[string]StepResult, len(pb.Steps))
	var mu sync.Mutex

	pending := make(map[string]*Step, len(pb.Steps))
	for i := range pb.Steps {
		pending[pb.Steps[i].ID] = &pb.Steps[i]
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Collect the frontier: pending steps whose deps have all settled.
		var frontier []*Step
		for _, s := range pending {
			ready := true
			for _, dep := range s.DependsOn {
				if _, settled := status[dep]; !settled {
					ready = false
					break
				}
			}
			if ready {
				frontier = append(frontier, s)
			}
		}
		if len(frontier) == 0 {
			// Unreachable after Validate, which rejects cycles.
			return nil, fmt.Errorf("%w: no runnable steps among %d pending", ErrCyclicPlaybook, len(pending))
		}

		// Settle skips first so the status map is quiescent before any
		// goroutine starts. A step is skipped when a dependency failed
		// without continue_on_error, or was itself skipped.
		var runnable []*Step
		for _, step := range frontier {
			delete(pending, step.ID)
			blocked := ""
			for _, dep := range step.DependsOn {
				depStatus := status[dep]
				if depStatus == StatusSkipped {
					blocked = dep
					break
				}
				if depStatus == StatusFailed && !stepByID(pb, dep).ContinueOnError {
					blocked = dep
					break
				}
			}
			if blocked != "" {
				status[step.ID] = StatusSkipped
				results[step.ID] = StepResult{
					StepID: step.ID, Action: step.Action,
					Status: StatusSkipped,
					Error:  fmt.Sprintf("dependency %s did not succeed", blocked),
				}
				continue
			}
			runnable = append(runnable, step)
		}

		var wg sync.WaitGroup
		for _, step := range runnable {
			wg.Add(1)
			go func(step *Step) {
				defer wg.Done()
				res := r.runStep(ctx, pb.ID, step, vars)
				mu.Lock()
				status[step.ID] = res.Status
				results[step.ID] = res
				mu.Unlock()
			}(step)
		}
		wg.Wait()
	}

	succeeded, failed := 0, 0
	for _, s := range pb.Steps {
		res := results[s.ID]
		report.Steps = append(report.Steps, res)
		switch res.Status {
		case StatusSuccess:
			succeeded++
		case StatusFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		report.Status = StatusSuccess
	case succeeded == 0:
		report.Status = StatusFailed
	default:
		report.Status = StatusPartial
	}
	report.Elapsed = time.Since(started)

	r.log.Info("playbook run finished",
		"playbook", pb.ID, "status", report.Status,
		"succeeded", succeeded, "failed", failed,
		"skipped", len(pb.Steps)-succeeded-failed,
		"elapsed", report.Elapsed)
	return report, nil
}

// runStep executes one step with its timeout and retry budget. Retry waits
// grow as min(2^n, 10) seconds.
func (r *Runner) runStep(ctx context.Context, playbookID string, step *Step, vars map[string]string) StepResult {
	params := make(map[string]string, len(step.Params))
	for k, v := range step.Params {
		params[k] = substitute(v, vars)
	}

	res := StepResult{StepID: step.ID, Action: step.Action}
	started := time.Now()

	policy := resilience.Policy{
		Attempts: step.MaxRetries + 1,
		Base:     r.retryBase,
		Factor:   2,
		Cap:      r.retryCap,
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	err := resilience.Retry(ctx, policy, func(ctx context.Context) error {
		res.Attempts++
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := r.exec.Execute(stepCtx, step.Action, params)
		if err != nil {
			r.log.Warn("playbook step attempt failed",
				"playbook", playbookID, "step", step.ID, "attempt", res.Attempts, "error", err)
			return err
		}
		res.Output = out
		return nil
	})

	res.Elapsed = time.Since(started)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
	} else {
		res.Status = StatusSuccess
	}
	return res
}

func stepByID(pb *Playbook, id string) *Step {
	for i := range pb.Steps {
		if pb.Steps[i].ID == id {
			return &pb.Steps[i]
		}
	}
	return nil
}

// hostnameVar is available to every run for log_action templates.
func defaultVars() map[string]string {
	host, _ := os.Hostname()
	return map[string]string{"runner.host": host}
}

// MergeVars layers incident-specific bindings over the runner defaults.
func MergeVars(incident map[string]string) map[string]string {
	out := defaultVars()
	for k, v := range incident {
		out[k] = v
	}
	return out
}
