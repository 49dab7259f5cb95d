// Package orchestrator drives incidents through the ingest, scout, analyst
// and responder stages. Every stage change is an append-only Decision, the
// full incident state checkpoints before any delivery is acknowledged, and
// a per-incident lease keeps concurrent replicas from double-processing.
package orchestrator

import (
	"time"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/hypothesis"
	"github.com/sentinelops/cybersentinel/internal/planner"
	"github.com/sentinelops/cybersentinel/internal/triage"
)

// Stage is one incident lifecycle stage.
type Stage string

const (
	StageIngest    Stage = "ingest"
	StageScout     Stage = "scout"
	StageAnalyst   Stage = "analyst"
	StageResponder Stage = "responder"
	StageEscalated Stage = "escalated"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Terminal reports whether a stage accepts no further transitions.
func (s Stage) Terminal() bool {
	return s == StageEscalated || s == StageCompleted || s == StageFailed
}

// Predicate names the condition that justified a transition.
type Predicate string

const (
	PredAlertReceived    Predicate = "alert_received"
	PredAnalysisNeeded   Predicate = "analysis_needed"
	PredBenign           Predicate = "benign"
	PredRespond          Predicate = "respond"
	PredMonitor          Predicate = "monitor"
	PredApprovalRequired Predicate = "approval_required"
	PredExecuted         Predicate = "executed"
	PredBudgetExhausted  Predicate = "budget_exhausted"
	PredFailure          Predicate = "failure"
)

// Decision is one append-only log entry: which predicate moved the incident
// from one stage to another and why.
type Decision struct {
	Seq       int       `json:"seq"`
	TS        int64     `json:"ts"`
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Predicate Predicate `json:"predicate"`
	Reason    string    `json:"reason,omitempty"`
}

// Budget bounds how much work one incident may consume before it is handed
// to a human.
type Budget struct {
	MaxSteps    int           `json:"max_steps"`
	MaxWallTime time.Duration `json:"max_wall_time"`
}

// Exhausted reports whether the budget is spent.
func (b Budget) Exhausted(steps int, startedAt int64, now int64) bool {
	if b.MaxSteps > 0 && steps > b.MaxSteps {
		return true
	}
	if b.MaxWallTime > 0 && now-startedAt > b.MaxWallTime.Milliseconds() {
		return true
	}
	return false
}

// IncidentState is the full orchestration state for one incident. It is the
// unit of checkpointing: serialized and saved before every ack.
type IncidentState struct {
	IncidentID  string                 `json:"incident_id"`
	Stage       Stage                  `json:"stage"`
	Steps       int                    `json:"steps"`
	StartedAt   int64                  `json:"started_at"`
	UpdatedAt   int64                  `json:"updated_at"`
	Assessments []*triage.Assessment   `json:"assessments,omitempty"`
	Hypothesis  *hypothesis.Hypothesis `json:"hypothesis,omitempty"`
	Plan        *planner.Plan          `json:"plan,omitempty"`
	Decisions   []Decision             `json:"decisions"`

	// SeenFrames dedupes redelivered frames; delivery is at-least-once.
	SeenFrames map[string]bool `json:"seen_frames,omitempty"`
}

// NewIncidentState starts an incident in the ingest stage.
func NewIncidentState(incidentID string, now int64) *IncidentState {
	return &IncidentState{
		IncidentID: incidentID,
		Stage:      StageIngest,
		StartedAt:  now,
		UpdatedAt:  now,
		SeenFrames: make(map[string]bool),
	}
}

// Seen marks a frame as processed and reports whether it had been before.
func (s *IncidentState) Seen(dedupID string) bool {
	if s.SeenFrames == nil {
		s.SeenFrames = make(map[string]bool)
	}
	if s.SeenFrames[dedupID] {
		return true
	}
	s.SeenFrames[dedupID] = true
	return false
}

// Advance applies a transition and appends the decision. The caller must
// have validated the transition against the machine.
func (s *IncidentState) Advance(to Stage, pred Predicate, reason string, now int64) {
	s.Decisions = append(s.Decisions, Decision{
		Seq:       len(s.Decisions) + 1,
		TS:        now,
		From:      s.Stage,
		To:        to,
		Predicate: pred,
		Reason:    reason,
	})
	s.Stage = to
	s.UpdatedAt = now
}

// WorstSeverity is the highest severity across the incident's assessments.
func (s *IncidentState) WorstSeverity() frame.Severity {
	worst := frame.SeverityInfo
	for _, a := range s.Assessments {
		worst = frame.MaxSeverity(worst, a.Severity)
	}
	return worst
}
