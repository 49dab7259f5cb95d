package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinelops/cybersentinel/internal/bus"
	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/hypothesis"
	"github.com/sentinelops/cybersentinel/internal/planner"
	"github.com/sentinelops/cybersentinel/internal/playbook"
	"github.com/sentinelops/cybersentinel/internal/policy"
	"github.com/sentinelops/cybersentinel/internal/triage"
)

// Bus topics the orchestrator consumes and produces.
const (
	TopicAlerts   = "alerts"
	TopicFindings = "findings"
	TopicPlans    = "plans"
	TopicRuns     = "runs"

	durableName = "orchestrator"
)

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Bus         bus.Bus
	Triager     *triage.Triager
	Hypotheses  *hypothesis.Builder
	Planner     *planner.Planner
	Gate        policy.Gate
	Runner      *playbook.Runner
	Catalog     *planner.Catalog
	Checkpoints CheckpointStore
	Leases      Lease
	Budget      Budget
	LeaseTTL    time.Duration
	Log         *slog.Logger

	// OnDecision observes every appended decision; the ops layer streams
	// these to connected clients. Optional.
	OnDecision func(incidentID string, d Decision)
}

// Orchestrator consumes alert frames and drives incidents to a terminal
// stage.
type Orchestrator struct {
	d   Deps
	now func() int64
}

// New builds an orchestrator.
func New(d Deps) *Orchestrator {
	if d.LeaseTTL <= 0 {
		d.LeaseTTL = 2 * time.Minute
	}
	if d.Budget.MaxSteps <= 0 {
		d.Budget.MaxSteps = 25
	}
	return &Orchestrator{d: d, now: frame.Now}
}

// Start attaches the durable alert consumer.
func (o *Orchestrator) Start(ctx context.Context) (bus.Subscription, error) {
	return o.d.Bus.Subscribe(ctx, TopicAlerts, durableName, o.HandleFrame)
}

// HandleFrame processes one delivered frame. The checkpoint is saved before
// nil is returned, so an ack always means the state that produced it is
// durable; a crash between emit and ack replays the frame against the seen
// set.
func (o *Orchestrator) HandleFrame(ctx context.Context, f *frame.Frame) error {
	if f.Alert == nil {
		return nil
	}
	incidentID := f.IncidentID

	ok, err := o.d.Leases.Acquire(ctx, incidentID, o.d.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("incident %s is leased by another instance", incidentID)
	}
	defer o.d.Leases.Release(ctx, incidentID)

	st, err := o.d.Checkpoints.Load(ctx, incidentID)
	if err != nil {
		return err
	}
	if st == nil {
		st = NewIncidentState(incidentID, o.now())
	}

	if st.Stage.Terminal() {
		o.d.Log.Debug("frame for terminal incident ignored",
			"incident", incidentID, "stage", st.Stage)
		return nil
	}
	if st.Seen(f.DedupID()) {
		return o.d.Checkpoints.Save(ctx, st)
	}

	st.Steps++
	if o.d.Budget.Exhausted(st.Steps, st.StartedAt, o.now()) {
		o.advance(st, PredBudgetExhausted, "processing budget exhausted")
		return o.d.Checkpoints.Save(ctx, st)
	}

	if err := o.process(ctx, st, f.Alert); err != nil {
		return err
	}
	return o.d.Checkpoints.Save(ctx, st)
}

// process runs as many stage transitions as this alert enables.
func (o *Orchestrator) process(ctx context.Context, st *IncidentState, alert *frame.Alert) error {
	assessment, err := o.d.Triager.Assess(ctx, st.IncidentID, alert)
	if err != nil {
		return err
	}
	st.Assessments = append(st.Assessments, assessment)
	if assessment.Duplicate {
		return nil
	}

	if st.Stage == StageIngest {
		o.advance(st, PredAlertReceived, "first alert for incident")
	}

	if st.Stage == StageScout {
		if !assessment.RequiresAnalysis {
			o.advance(st, PredBenign, "no analysis warranted")
			return nil
		}
		o.advance(st, PredAnalysisNeeded,
			fmt.Sprintf("confidence %.2f, severity %s", assessment.Confidence, assessment.Severity))
	}

	if st.Stage == StageAnalyst {
		if err := o.analyze(ctx, st); err != nil {
			return err
		}
	}

	if st.Stage == StageResponder {
		return o.respond(ctx, st)
	}
	return nil
}

// analyze builds the hypothesis, publishes the finding, and decides whether
// the incident warrants a response.
func (o *Orchestrator) analyze(ctx context.Context, st *IncidentState) error {
	h, err := o.d.Hypotheses.Build(ctx, st.IncidentID, st.Assessments)
	if err != nil {
		// No attributed techniques yet; keep watching.
		o.advance(st, PredMonitor, "insufficient evidence for a hypothesis")
		return nil
	}
	st.Hypothesis = h

	if err := o.d.Bus.Emit(ctx, TopicFindings, frame.NewFindingFrame(st.IncidentID, h.ToFinding())); err != nil {
		return err
	}

	if h.Confidence > 0.7 && h.RequiresResponse {
		o.advance(st, PredRespond,
			fmt.Sprintf("confidence %.2f, severity %s", h.Confidence, h.Severity))
		return nil
	}
	o.advance(st, PredMonitor,
		fmt.Sprintf("confidence %.2f or impact below response threshold", h.Confidence))
	return nil
}

// respond plans, gates, and either executes or escalates.
func (o *Orchestrator) respond(ctx context.Context, st *IncidentState) error {
	plan, err := o.d.Planner.Plan(st.Hypothesis)
	if err != nil {
		o.advance(st, PredApprovalRequired, "no applicable playbooks: "+err.Error())
		return nil
	}
	st.Plan = plan

	verdict, err := o.d.Gate.Evaluate(ctx, policy.Input{
		IncidentID:       st.IncidentID,
		Severity:         string(st.Hypothesis.Severity),
		RiskTier:         plan.RiskTier,
		RiskScore:        plan.RiskScore,
		Confidence:       st.Hypothesis.Confidence,
		Irreversible:     planContainsIrreversible(o.d.Catalog, plan),
		EstimatedMinutes: int(plan.EstimatedDuration.Minutes()),
		Playbooks:        plan.Playbooks,
	})
	if err != nil {
		return err
	}
	if verdict.PolicySource == policy.SourceFallback {
		o.d.Log.Warn("plan gated by fallback policy", "incident", st.IncidentID)
	}

	if err := o.d.Bus.Emit(ctx, TopicPlans, frame.NewPlanFrame(st.IncidentID, plan.ToPlanFrame())); err != nil {
		return err
	}

	if !verdict.Allow || verdict.ApprovalRequired || plan.ApprovalRequired {
		reasons := append(append([]string{}, plan.ApprovalReasons...), verdict.Reasons...)
		o.advance(st, PredApprovalRequired, joinReasons(reasons))
		return nil
	}
	return o.execute(ctx, st, plan)
}

// execute runs every approved playbook and publishes a run frame per
// playbook.
func (o *Orchestrator) execute(ctx context.Context, st *IncidentState, plan *planner.Plan) error {
	vars := playbook.MergeVars(plan.Vars)
	allOK := true
	for _, id := range plan.Playbooks {
		entry, ok := o.d.Catalog.Get(id)
		if !ok {
			return fmt.Errorf("plan references unknown playbook %q", id)
		}
		report, err := o.d.Runner.Run(ctx, entry.Playbook, vars)
		if err != nil {
			return err
		}
		if report.Status != playbook.StatusSuccess {
			allOK = false
		}
		logs, _ := json.Marshal(report.Steps)
		runFrame := &frame.Frame{
			TS:         o.now(),
			IncidentID: st.IncidentID,
			Run: &frame.PlaybookRun{
				TS:         o.now(),
				PlaybookID: id,
				Status:     report.Status,
				Logs:       string(logs),
			},
		}
		if err := o.d.Bus.Emit(ctx, TopicRuns, runFrame); err != nil {
			return err
		}
	}

	if allOK {
		o.advance(st, PredExecuted, "response executed")
	} else {
		o.advance(st, PredApprovalRequired, "playbook execution was not fully successful")
	}
	return nil
}

// advance validates the transition against the machine and appends the
// decision. An invalid transition here is a programming error; the incident
// fails rather than corrupting its log.
func (o *Orchestrator) advance(st *IncidentState, pred Predicate, reason string) {
	next, err := Transition(st.Stage, pred)
	if err != nil {
		o.d.Log.Error("invalid transition requested",
			"incident", st.IncidentID, "stage", st.Stage, "predicate", pred)
		next = StageFailed
		pred = PredFailure
		reason = "invalid transition: " + reason
	}
	st.Advance(next, pred, reason, o.now())
	o.d.Log.Info("incident stage changed",
		"incident", st.IncidentID, "from", st.Decisions[len(st.Decisions)-1].From,
		"to", next, "predicate", pred, "reason", reason)
	if o.d.OnDecision != nil {
		o.d.OnDecision(st.IncidentID, st.Decisions[len(st.Decisions)-1])
	}
}

func planContainsIrreversible(c *planner.Catalog, plan *planner.Plan) bool {
	for _, id := range plan.Playbooks {
		if e, ok := c.Get(id); ok && e.Playbook.Irreversible {
			return true
		}
	}
	return false
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}
