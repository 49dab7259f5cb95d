package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingExecutor tracks execution order and can fail chosen actions.
type recordingExecutor struct {
	mu        sync.Mutex
	order     []string
	params    map[string]map[string]string
	failures  map[string]int // step action → remaining failures
	permanent map[string]bool
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		params:    make(map[string]map[string]string),
		failures:  make(map[string]int),
		permanent: make(map[string]bool),
	}
}

func (e *recordingExecutor) Execute(ctx context.Context, action string, params map[string]string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, action)
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	e.params[action] = cp
	if e.permanent[action] {
		return "", errors.New(action + " always fails")
	}
	if e.failures[action] > 0 {
		e.failures[action]--
		return "", fmt.Errorf("%s transient failure", action)
	}
	return action + " done", nil
}

func (e *recordingExecutor) indexOf(action string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, a := range e.order {
		if a == action {
			return i
		}
	}
	return -1
}

func fastRunner(exec Executor) *Runner {
	r := NewRunner(exec, slog.Default())
	r.retryBase = time.Millisecond
	r.retryCap = 5 * time.Millisecond
	return r
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	exec := newRecordingExecutor()
	r := fastRunner(exec)

	report, err := r.Run(context.Background(), validPlaybook(),
		map[string]string{"host.id": "web-01"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status)
	require.Len(t, report.Steps, 3)

	assert.Less(t, exec.indexOf("collect_evidence"), exec.indexOf("isolate_host"))
	assert.Less(t, exec.indexOf("isolate_host"), exec.indexOf("notify_stakeholders"))
	// ${host.id} was substituted before execution.
	assert.Equal(t, "web-01", exec.params["isolate_host"]["host"])
}

func TestRunIndependentStepsBothExecute(t *testing.T) {
	exec := newRecordingExecutor()
	r := fastRunner(exec)

	pb := &Playbook{
		ID: "fanout", Name: "fanout", RiskTier: RiskLow,
		Steps: []Step{
			{ID: "a", Action: "scan_system", Params: map[string]string{"host": "h1"}, Timeout: time.Minute},
			{ID: "b", Action: "backup_system", Params: map[string]string{"host": "h2"}, Timeout: time.Minute},
			{ID: "join", Action: "log_action", Params: map[string]string{"message": "done"},
				DependsOn: []string{"a", "b"}, Timeout: time.Minute},
		},
	}
	report, err := r.Run(context.Background(), pb, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status)
	assert.Less(t, exec.indexOf("scan_system"), exec.indexOf("log_action"))
	assert.Less(t, exec.indexOf("backup_system"), exec.indexOf("log_action"))
}

func TestFailurePropagationSkipsSubtree(t *testing.T) {
	exec := newRecordingExecutor()
	exec.permanent["isolate_host"] = true
	r := fastRunner(exec)

	pb := validPlaybook() // snapshot -> isolate -> notify
	report, err := r.Run(context.Background(), pb, map[string]string{"host.id": "web-01"})
	require.NoError(t, err)

	byID := make(map[string]StepResult)
	for _, s := range report.Steps {
		byID[s.StepID] = s
	}
	assert.Equal(t, StatusSuccess, byID["snapshot"].Status)
	assert.Equal(t, StatusFailed, byID["isolate"].Status)
	assert.Equal(t, StatusSkipped, byID["notify"].Status)
	assert.Contains(t, byID["notify"].Error, "isolate")
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, -1, exec.indexOf("notify_stakeholders"))
}

func TestContinueOnErrorUnblocksDependents(t *testing.T) {
	exec := newRecordingExecutor()
	exec.permanent["scan_system"] = true
	r := fastRunner(exec)

	pb := &Playbook{
		ID: "tolerant", Name: "tolerant", RiskTier: RiskLow,
		Steps: []Step{
			{ID: "scan", Action: "scan_system", Params: map[string]string{"host": "h"},
				ContinueOnError: true, Timeout: time.Minute},
			{ID: "notify", Action: "notify_stakeholders", Params: map[string]string{"message": "scan attempted"},
				DependsOn: []string{"scan"}, Timeout: time.Minute},
		},
	}
	report, err := r.Run(context.Background(), pb, nil)
	require.NoError(t, err)

	byID := make(map[string]StepResult)
	for _, s := range report.Steps {
		byID[s.StepID] = s
	}
	assert.Equal(t, StatusFailed, byID["scan"].Status)
	assert.Equal(t, StatusSuccess, byID["notify"].Status)
	assert.Equal(t, StatusPartial, report.Status)
}

func TestRetriesUntilSuccess(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failures["block_ip"] = 2
	r := fastRunner(exec)

	pb := &Playbook{
		ID: "retry", Name: "retry", RiskTier: RiskLow,
		Steps: []Step{
			{ID: "block", Action: "block_ip", Params: map[string]string{"ip": "203.0.113.7"},
				MaxRetries: 3, Timeout: time.Minute},
		},
	}
	report, err := r.Run(context.Background(), pb, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status)
	assert.Equal(t, 3, report.Steps[0].Attempts)
}

func TestRetriesExhausted(t *testing.T) {
	exec := newRecordingExecutor()
	exec.permanent["block_ip"] = true
	r := fastRunner(exec)

	pb := &Playbook{
		ID: "retry", Name: "retry", RiskTier: RiskLow,
		Steps: []Step{
			{ID: "block", Action: "block_ip", Params: map[string]string{"ip": "203.0.113.7"},
				MaxRetries: 2, Timeout: time.Minute},
		},
	}
	report, err := r.Run(context.Background(), pb, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, 3, report.Steps[0].Attempts)
	assert.NotEmpty(t, report.Steps[0].Error)
}

func TestSimulatedExecutorWait(t *testing.T) {
	exec := &SimulatedExecutor{Log: slog.Default()}
	start := time.Now()
	out, err := exec.Execute(context.Background(), "wait", map[string]string{"duration": "10ms"})
	require.NoError(t, err)
	assert.Contains(t, out, "waited")
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	_, err = exec.Execute(context.Background(), "wait", map[string]string{"duration": "soon"})
	assert.Error(t, err)
}

func TestRunHonorsCancellation(t *testing.T) {
	exec := newRecordingExecutor()
	r := fastRunner(exec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, validPlaybook(), map[string]string{"host.id": "web-01"})
	assert.ErrorIs(t, err, context.Canceled)
}
