// Package planner turns an attack hypothesis into a response plan: it
// selects playbooks for the attributed techniques, binds incident entities
// to playbook variables, scores the plan's risk, and decides whether a human
// must approve before anything runs.
package planner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/hypothesis"
	"github.com/sentinelops/cybersentinel/internal/playbook"
)

// Risk model parameters. The base risk grows with the worst selected tier;
// the severity multiplier raises stakes for hotter incidents; low confidence
// widens the risk because acting on a shaky hypothesis is itself a risk.
var (
	baseRisk = map[string]float64{
		playbook.RiskLow:      0.2,
		playbook.RiskMedium:   0.4,
		playbook.RiskHigh:     0.7,
		playbook.RiskCritical: 0.9,
	}
	severityMultiplier = map[frame.Severity]float64{
		frame.SeverityInfo:     0.8,
		frame.SeverityLow:      0.8,
		frame.SeverityMedium:   1.0,
		frame.SeverityHigh:     1.2,
		frame.SeverityCritical: 1.4,
	}
)

const (
	approvalRiskThreshold = 0.7
	longDurationThreshold = 120 * time.Minute
)

// Plan is the synthesized response for one incident.
type Plan struct {
	IncidentID        string            `json:"incident_id"`
	HypothesisID      string            `json:"hypothesis_id"`
	Playbooks         []string          `json:"playbooks"`
	Vars              map[string]string `json:"vars"`
	RiskTier          string            `json:"risk_tier"`
	RiskScore         float64           `json:"risk_score"`
	ApprovalRequired  bool              `json:"approval_required"`
	ApprovalReasons   []string          `json:"approval_reasons,omitempty"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
	Warnings          []string          `json:"warnings,omitempty"`
}

// Planner selects and synthesizes response plans from a catalog.
type Planner struct {
	catalog *Catalog
	log     *slog.Logger
}

// New builds a planner; a nil catalog uses the builtin library.
func New(catalog *Catalog, log *slog.Logger) *Planner {
	if catalog == nil {
		catalog = BuiltinCatalog()
	}
	return &Planner{catalog: catalog, log: log}
}

// Plan builds the response plan for a hypothesis. It fails only when no
// playbook at all is applicable; partial coverage is reported as warnings.
func (p *Planner) Plan(h *hypothesis.Hypothesis) (*Plan, error) {
	available := entityTypes(h.Entities)
	selected := make(map[string]*CatalogEntry)
	var warnings []string

	for _, technique := range h.KillChain {
		entries := p.catalog.ForTechnique(technique)
		if len(entries) == 0 {
			warnings = append(warnings, fmt.Sprintf("no playbook covers %s", technique))
			continue
		}
		matched := false
		for _, e := range entries {
			if playbook.RiskOrdinal(e.Playbook.RiskTier)+1 > h.Severity.Ordinal() {
				continue
			}
			if missing := missingEntities(e, available); missing != "" {
				warnings = append(warnings, fmt.Sprintf(
					"%s skipped for %s: incident names no %s entity", e.Playbook.ID, technique, missing))
				continue
			}
			selected[e.Playbook.ID] = e
			matched = true
		}
		if !matched {
			warnings = append(warnings, fmt.Sprintf("no applicable playbook for %s", technique))
		}
	}

	// High-stakes incidents always get evidence capture and stakeholder
	// notification alongside the technique-specific response.
	if h.Severity == frame.SeverityHigh || h.Severity == frame.SeverityCritical {
		for _, id := range []string{"collect-forensic-evidence", "notify-stakeholders"} {
			if e, ok := p.catalog.Get(id); ok {
				if missingEntities(e, available) == "" {
					selected[id] = e
				}
			}
		}
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("no applicable playbooks for incident %s", h.IncidentID)
	}

	ids := make([]string, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	maxTier := playbook.RiskLow
	var duration time.Duration
	irreversible := false
	highRisk := false
	for _, id := range ids {
		e := selected[id]
		maxTier = playbook.MaxRiskTier(maxTier, e.Playbook.RiskTier)
		duration += e.Playbook.EstimatedDuration
		if e.Playbook.Irreversible {
			irreversible = true
		}
		if e.Playbook.RiskTier == playbook.RiskHigh || e.Playbook.RiskTier == playbook.RiskCritical {
			highRisk = true
		}
	}
	if highRisk {
		warnings = append(warnings, "manual_approval_recommended: plan contains high-risk playbooks")
	}
	if duration > longDurationThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"estimated duration %s exceeds %s", duration, longDurationThreshold))
	}

	score := riskScore(maxTier, h.Severity, h.Confidence)
	plan := &Plan{
		IncidentID:        h.IncidentID,
		HypothesisID:      h.ID,
		Playbooks:         ids,
		Vars:              bindVars(h),
		RiskTier:          maxTier,
		RiskScore:         score,
		EstimatedDuration: duration,
		Warnings:          warnings,
	}
	plan.ApprovalRequired, plan.ApprovalReasons = approvalCheck(maxTier, score, irreversible, h.Confidence)

	p.log.Info("response plan synthesized",
		"incident", h.IncidentID, "playbooks", ids,
		"risk_tier", maxTier, "risk_score", score,
		"approval_required", plan.ApprovalRequired)
	return plan, nil
}

// riskScore computes base_risk(tier) * severity_multiplier * (2 - clamped
// confidence), clamped to [0, 1]. Confidence clamps to [0.5, 1] so even a
// certain hypothesis halves nothing and a wild guess at most doubles.
func riskScore(tier string, sev frame.Severity, confidence float64) float64 {
	conf := confidence
	if conf < 0.5 {
		conf = 0.5
	}
	if conf > 1 {
		conf = 1
	}
	score := baseRisk[tier] * severityMultiplier[sev] * (2 - conf)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// approvalCheck applies the human-gate rules: hot tiers, high scores,
// irreversible actions and shaky hypotheses all require a person.
func approvalCheck(tier string, score float64, irreversible bool, confidence float64) (bool, []string) {
	var reasons []string
	if tier == playbook.RiskHigh || tier == playbook.RiskCritical {
		reasons = append(reasons, "risk tier "+tier)
	}
	if score > approvalRiskThreshold {
		reasons = append(reasons, fmt.Sprintf("risk score %.2f exceeds %.2f", score, approvalRiskThreshold))
	}
	if irreversible {
		reasons = append(reasons, "plan contains irreversible actions")
	}
	if confidence < 0.5 {
		reasons = append(reasons, fmt.Sprintf("hypothesis confidence %.2f below 0.50", confidence))
	}
	return len(reasons) > 0, reasons
}

// bindVars maps incident entities onto the variable names playbooks use.
// The first entity of each type wins; SortEntities upstream makes that
// deterministic.
func bindVars(h *hypothesis.Hypothesis) map[string]string {
	vars := map[string]string{
		"incident.id": h.IncidentID,
		"summary":     h.Summary,
	}
	for _, e := range h.Entities {
		switch e.Type {
		case frame.EntityHost:
			setIfAbsent(vars, "host.id", e.ID)
		case frame.EntityIP:
			setIfAbsent(vars, "attacker.ip", e.ID)
		case frame.EntityUser:
			setIfAbsent(vars, "user.name", e.ID)
		case frame.EntityFile:
			setIfAbsent(vars, "file.path", e.ID)
		case frame.EntityProc:
			setIfAbsent(vars, "process.name", e.ID)
		case frame.EntityDomain:
			setIfAbsent(vars, "domain.name", e.ID)
		}
	}
	return vars
}

func setIfAbsent(m map[string]string, k, v string) {
	if _, ok := m[k]; !ok {
		m[k] = v
	}
}

func entityTypes(entities []frame.EntityRef) map[frame.EntityType]bool {
	out := make(map[frame.EntityType]bool, len(entities))
	for _, e := range entities {
		out[e.Type] = true
	}
	return out
}

func missingEntities(e *CatalogEntry, available map[frame.EntityType]bool) string {
	for _, t := range e.RequiredEntities {
		if !available[t] {
			return string(t)
		}
	}
	return ""
}

// ToPlanFrame converts the plan into the frame emitted on the bus.
func (p *Plan) ToPlanFrame() *frame.ActionPlan {
	changeSet, _ := json.Marshal(map[string]interface{}{
		"playbooks":          p.Playbooks,
		"vars":               p.Vars,
		"risk_score":         p.RiskScore,
		"approval_required":  p.ApprovalRequired,
		"approval_reasons":   p.ApprovalReasons,
		"estimated_duration": p.EstimatedDuration.String(),
		"warnings":           p.Warnings,
	})
	return &frame.ActionPlan{
		TS:            frame.Now(),
		IncidentID:    p.IncidentID,
		Playbooks:     p.Playbooks,
		ChangeSetJSON: string(changeSet),
		RiskTier:      p.RiskTier,
	}
}
