// Package hypothesis builds attack hypotheses from accumulated triage
// output: it recognizes attack patterns across techniques, sequences them
// along the kill chain, and scores how confident the platform is that the
// activity is one coherent intrusion.
package hypothesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/knowledge"
	"github.com/sentinelops/cybersentinel/internal/retrieval"
	"github.com/sentinelops/cybersentinel/internal/triage"
)

// Recognized attack patterns.
const (
	PatternMultiTactic       = "multi_tactic_attack"
	PatternLateralMovement   = "lateral_movement"
	PatternPersistence       = "persistence_establishment"
	PatternCredentialHarvest = "credential_harvesting"
)

// highImpactPatterns escalate severity when present.
var highImpactPatterns = map[string]bool{
	PatternCredentialHarvest: true,
	PatternLateralMovement:   true,
	PatternMultiTactic:       true,
}

// TimelineEvent is one tagged alert placed on the incident timeline.
type TimelineEvent struct {
	TS         int64             `json:"ts"`
	AlertID    string            `json:"alert_id"`
	Severity   frame.Severity    `json:"severity"`
	Techniques []string          `json:"techniques,omitempty"`
	Entities   []frame.EntityRef `json:"entities,omitempty"`
}

// Hypothesis is the analyst-stage conclusion for one incident.
type Hypothesis struct {
	ID               string                     `json:"id"`
	IncidentID       string                     `json:"incident_id"`
	Summary          string                     `json:"summary"`
	Patterns         []string                   `json:"patterns"`
	KillChain        []string                   `json:"kill_chain"`
	Tactics          []string                   `json:"tactics"`
	Entities         []frame.EntityRef          `json:"entities"`
	Confidence       float64                    `json:"confidence"`
	Severity         frame.Severity             `json:"severity"`
	RequiresResponse bool                       `json:"requires_response"`
	Timeline         []TimelineEvent            `json:"timeline"`
	DraftRules       []DraftRule                `json:"draft_rules,omitempty"`
	Context          []retrieval.RetrievedChunk `json:"context,omitempty"`
}

// ChainExplainer is the slice of the retrieval engine the builder uses to
// attach technique context to a hypothesis. Nil skips enrichment.
type ChainExplainer interface {
	ExplainAttackChain(ctx context.Context, techniqueIDs []string, perTechnique int) (*retrieval.RAGResult, error)
}

// Builder turns triage assessments into hypotheses.
type Builder struct {
	explainer ChainExplainer
	log       *slog.Logger
}

// NewBuilder constructs a hypothesis builder.
func NewBuilder(explainer ChainExplainer, log *slog.Logger) *Builder {
	return &Builder{explainer: explainer, log: log}
}

// Build assembles the hypothesis for one incident from every non-duplicate
// assessment collected so far. It needs at least one attributed technique.
func (b *Builder) Build(ctx context.Context, incidentID string, assessments []*triage.Assessment) (*Hypothesis, error) {
	var techniques []string
	techniqueSeen := make(map[string]bool)
	entitySeen := make(map[string]bool)
	var entities []frame.EntityRef
	var timeline []TimelineEvent
	var confSum float64
	severity := frame.SeverityInfo
	covered := make(map[string]bool)

	for _, a := range assessments {
		if a.Duplicate {
			continue
		}
		confSum += a.Confidence
		severity = frame.MaxSeverity(severity, a.Severity)

		ev := TimelineEvent{
			TS:       a.AlertTS,
			AlertID:  a.AlertID,
			Severity: a.Severity,
			Entities: a.Entities,
		}
		for _, c := range a.Techniques {
			ev.Techniques = append(ev.Techniques, c.TechniqueID)
			if !techniqueSeen[c.TechniqueID] {
				techniqueSeen[c.TechniqueID] = true
				techniques = append(techniques, c.TechniqueID)
			}
		}
		timeline = append(timeline, ev)

		for _, e := range a.Entities {
			if !entitySeen[e.String()] {
				entitySeen[e.String()] = true
				entities = append(entities, e)
			}
		}
		// Techniques the retrieved rule corpus already detects need no draft.
		for _, c := range a.RuleContext {
			for _, id := range knowledge.Metadata(c.Metadata).Strings("attack_techniques") {
				covered[id] = true
			}
		}
	}

	if len(techniques) == 0 {
		return nil, fmt.Errorf("no attributed techniques for incident %s", incidentID)
	}
	sort.Slice(timeline, func(i, j int) bool {
		if timeline[i].TS != timeline[j].TS {
			return timeline[i].TS < timeline[j].TS
		}
		return timeline[i].AlertID < timeline[j].AlertID
	})

	triageConf := confSum / float64(len(timeline))
	chain := OrderByKillChain(techniques)
	tactics := distinctTactics(techniques)
	patterns := recognizePatterns(techniques, tactics)
	confidence := scoreConfidence(triageConf, len(techniques), len(patterns), len(timeline))
	severity = escalateSeverity(severity, patterns, len(tactics), confidence)

	h := &Hypothesis{
		ID:               uuid.NewString(),
		IncidentID:       incidentID,
		Summary:          summarize(patterns, chain),
		Patterns:         patterns,
		KillChain:        chain,
		Tactics:          tactics,
		Entities:         frame.SortEntities(entities),
		Confidence:       confidence,
		Severity:         severity,
		RequiresResponse: requiresResponse(severity, confidence, countHighImpact(patterns), len(tactics)),
		Timeline:         timeline,
	}
	h.DraftRules = DraftGapRules(h, covered)

	if b.explainer != nil {
		res, err := b.explainer.ExplainAttackChain(ctx, chain, 2)
		if err != nil {
			b.log.Warn("attack chain enrichment failed", "incident", incidentID, "error", err)
		} else {
			h.Context = res.Chunks
		}
	}

	b.log.Info("hypothesis built",
		"incident", incidentID, "patterns", patterns,
		"chain", chain, "confidence", confidence, "severity", severity,
		"requires_response", h.RequiresResponse, "draft_rules", len(h.DraftRules))
	return h, nil
}

// requiresResponse decides whether watching remains an acceptable outcome: a
// confident hot-severity hypothesis, a plausible high-impact pattern, or a
// moderately confident campaign spanning many tactics all demand action.
func requiresResponse(sev frame.Severity, conf float64, highImpact, tactics int) bool {
	hot := sev == frame.SeverityHigh || sev == frame.SeverityCritical
	return (conf > 0.7 && hot) ||
		(highImpact > 0 && conf > 0.5) ||
		(tactics > 2 && conf > 0.6)
}

func countHighImpact(patterns []string) int {
	n := 0
	for _, p := range patterns {
		if highImpactPatterns[p] {
			n++
		}
	}
	return n
}

// recognizePatterns matches the technique set against the pattern library.
func recognizePatterns(techniques, tactics []string) []string {
	byTactic := countByTactic(techniques)
	var out []string
	if byTactic["Credential Access"] >= 2 {
		out = append(out, PatternCredentialHarvest)
	}
	if byTactic["Lateral Movement"] >= 1 && len(tactics) >= 2 {
		out = append(out, PatternLateralMovement)
	}
	if byTactic["Persistence"] >= 1 {
		out = append(out, PatternPersistence)
	}
	if len(tactics) >= 3 {
		out = append(out, PatternMultiTactic)
	}
	return out
}

// scoreConfidence combines the evidence signals:
//
//	0.5 base
//	+ 0.3 * mean triage confidence
//	+ 0.1 per technique, at most 0.2
//	+ 0.1 per pattern, at most 0.2
//	+ 0.1 when more than two timeline events corroborate
//
// capped at 0.95 because a hypothesis is never a certainty.
func scoreConfidence(triageConf float64, techniques, patterns, timeline int) float64 {
	conf := 0.5 + 0.3*triageConf
	conf += min(0.1*float64(techniques), 0.2)
	conf += min(0.1*float64(patterns), 0.2)
	if timeline > 2 {
		conf += 0.1
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// escalateSeverity bumps the worst triage severity for corroborating
// signals: a high-impact pattern, breadth across tactics, and very high
// confidence each add one step.
func escalateSeverity(base frame.Severity, patterns []string, tactics int, confidence float64) frame.Severity {
	ord := base.Ordinal()
	for _, p := range patterns {
		if highImpactPatterns[p] {
			ord++
			break
		}
	}
	if tactics > 2 {
		ord++
	}
	if confidence > 0.8 {
		ord++
	}
	return frame.SeverityFromOrdinal(ord)
}

func summarize(patterns, chain []string) string {
	if len(patterns) == 0 {
		return "Uncategorized activity involving " + strings.Join(chain, ", ")
	}
	return fmt.Sprintf("%s across %s", strings.Join(patterns, " + "), strings.Join(chain, " -> "))
}

// ToFinding converts the hypothesis into the finding frame emitted on the
// bus.
func (h *Hypothesis) ToFinding() *frame.Finding {
	rationale, _ := json.Marshal(map[string]interface{}{
		"patterns":          h.Patterns,
		"tactics":           h.Tactics,
		"confidence":        h.Confidence,
		"severity":          h.Severity,
		"requires_response": h.RequiresResponse,
		"timeline":          h.Timeline,
		"draft_rules":       len(h.DraftRules),
	})
	return &frame.Finding{
		TS:            frame.Now(),
		ID:            h.ID,
		Hypothesis:    h.Summary,
		GraphNodes:    h.Entities,
		CandidateTTPs: h.KillChain,
		RationaleJSON: string(rationale),
	}
}
