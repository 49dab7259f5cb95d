// Package triage performs first-pass alert assessment: deduplication inside
// a sliding window, ATT&CK technique mapping from three evidence sources,
// and the decision whether an alert warrants deeper analysis.
package triage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/knowledge"
	"github.com/sentinelops/cybersentinel/internal/retrieval"
)

// Evidence sources, strongest first. A technique named directly by the
// detection outranks one inferred from retrieved rules, which outranks a
// keyword heuristic.
const (
	SourceDirect    = "direct"
	SourceRetrieval = "retrieval"
	SourceHeuristic = "heuristic"

	weightDirect    = 1.0
	weightRetrieval = 0.8
	weightHeuristic = 0.6

	// Techniques sharing a tactic corroborate each other.
	tacticAgreementBoost = 1.2
	maxConfidence        = 1.0

	defaultDedupeWindow = time.Hour
	retrievalRuleK      = 3
)

// Candidate is one technique attribution with its provenance.
type Candidate struct {
	TechniqueID string  `json:"technique_id"`
	Tactic      string  `json:"tactic,omitempty"`
	Confidence  float64 `json:"confidence"`
	Source      string  `json:"source"`
}

// Assessment is the triage verdict for one alert.
type Assessment struct {
	AlertID          string                     `json:"alert_id"`
	AlertTS          int64                      `json:"alert_ts"`
	IncidentID       string                     `json:"incident_id"`
	Duplicate        bool                       `json:"duplicate"`
	Entities         []frame.EntityRef          `json:"entities,omitempty"`
	Techniques       []Candidate                `json:"techniques"`
	Confidence       float64                    `json:"confidence"`
	Severity         frame.Severity             `json:"severity"`
	RequiresAnalysis bool                       `json:"requires_analysis"`
	RuleContext      []retrieval.RetrievedChunk `json:"rule_context,omitempty"`
}

// RuleRetriever is the slice of the retrieval engine triage needs. Nil
// disables the retrieval evidence source.
type RuleRetriever interface {
	QueryForDetectionRules(ctx context.Context, behavior string, k int) (*retrieval.RAGResult, error)
}

// Triager assesses alerts. Safe for concurrent use.
type Triager struct {
	rules  RuleRetriever
	window time.Duration
	now    func() time.Time
	log    *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time // dedup hash → first seen
}

// New builds a triager. A zero window uses the one-hour default.
func New(rules RuleRetriever, window time.Duration, log *slog.Logger) *Triager {
	if window <= 0 {
		window = defaultDedupeWindow
	}
	return &Triager{
		rules:  rules,
		window: window,
		now:    time.Now,
		log:    log,
		seen:   make(map[string]time.Time),
	}
}

// Assess triages one alert. Duplicates within the window come back with
// Duplicate set and no technique analysis.
func (t *Triager) Assess(ctx context.Context, incidentID string, alert *frame.Alert) (*Assessment, error) {
	out := &Assessment{
		AlertID:    alert.ID,
		AlertTS:    alert.TS,
		IncidentID: incidentID,
		Severity:   alert.Severity,
		Entities:   frame.SortEntities(alert.Entities),
	}

	if t.isDuplicate(alert) {
		out.Duplicate = true
		t.log.Debug("triage duplicate suppressed", "incident", incidentID, "alert", alert.ID)
		return out, nil
	}

	candidates := directCandidates(alert.Tags)
	candidates = append(candidates, heuristicCandidates(alert.Summary, alert.Tags)...)

	if t.rules != nil {
		res, err := t.rules.QueryForDetectionRules(ctx, alert.Summary, retrievalRuleK)
		if err != nil {
			// Retrieval is an enrichment source; triage proceeds on the
			// remaining evidence when the index is unreachable.
			t.log.Warn("triage retrieval failed", "incident", incidentID, "error", err)
		} else {
			out.RuleContext = res.Chunks
			candidates = append(candidates, retrievalCandidates(res.Chunks)...)
		}
	}

	out.Techniques = mergeCandidates(candidates)
	out.Confidence = meanConfidence(out.Techniques)
	out.RequiresAnalysis = out.Confidence > 0.3 ||
		alert.Severity == frame.SeverityHigh || alert.Severity == frame.SeverityCritical

	t.log.Info("alert triaged",
		"incident", incidentID, "alert", alert.ID,
		"techniques", len(out.Techniques), "confidence", out.Confidence,
		"requires_analysis", out.RequiresAnalysis)
	return out, nil
}

// isDuplicate records the alert's identity and reports whether an equal
// alert arrived inside the window. Expired entries are pruned on the way.
func (t *Triager) isDuplicate(alert *frame.Alert) bool {
	h := dedupeHash(alert)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, at := range t.seen {
		if now.Sub(at) > t.window {
			delete(t.seen, key)
		}
	}
	if at, ok := t.seen[h]; ok && now.Sub(at) <= t.window {
		return true
	}
	t.seen[h] = now
	return false
}

// dedupeHash fingerprints what makes two alerts "the same event": summary,
// severity and the canonically ordered entity set. Timestamps and alert ids
// are deliberately excluded.
func dedupeHash(alert *frame.Alert) string {
	h := sha256.New()
	h.Write([]byte(alert.Summary))
	h.Write([]byte{0})
	h.Write([]byte(alert.Severity))
	for _, e := range frame.SortEntities(alert.Entities) {
		h.Write([]byte{0})
		h.Write([]byte(e.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// techniqueIDRe matches an ATT&CK technique id, optionally with a
// sub-technique suffix.
var techniqueIDRe = regexp.MustCompile(`^[Tt]\d{4}(\.\d{3})?$`)

// directCandidates reads technique attributions the detection itself made,
// either sigma-style attack.tXXXX tags or bare technique-id tags.
func directCandidates(tags []string) []Candidate {
	var out []Candidate
	for _, tag := range tags {
		raw := tag
		if lower := strings.ToLower(tag); strings.HasPrefix(lower, "attack.") {
			raw = strings.TrimPrefix(lower, "attack.")
		}
		if !techniqueIDRe.MatchString(raw) {
			continue
		}
		id := "T" + raw[1:]
		out = append(out, Candidate{
			TechniqueID: id,
			Tactic:      knowledge.TacticFor(id),
			Confidence:  weightDirect,
			Source:      SourceDirect,
		})
	}
	return out
}

// retrievalCandidates reads techniques off retrieved detection-rule chunks.
func retrievalCandidates(chunks []retrieval.RetrievedChunk) []Candidate {
	var out []Candidate
	for _, c := range chunks {
		meta := knowledge.Metadata(c.Metadata)
		for _, id := range meta.Strings("attack_techniques") {
			out = append(out, Candidate{
				TechniqueID: id,
				Tactic:      knowledge.TacticFor(id),
				Confidence:  weightRetrieval,
				Source:      SourceRetrieval,
			})
		}
	}
	return out
}

// mergeCandidates collapses per-source candidates to one per technique,
// keeping the strongest source, then applies the tactic-agreement boost when
// two or more distinct techniques share a tactic. Output is ordered by
// confidence, then technique id for stability.
func mergeCandidates(in []Candidate) []Candidate {
	byTechnique := make(map[string]Candidate)
	for _, c := range in {
		if best, ok := byTechnique[c.TechniqueID]; !ok || c.Confidence > best.Confidence {
			byTechnique[c.TechniqueID] = c
		}
	}

	tacticCounts := make(map[string]int)
	for _, c := range byTechnique {
		if c.Tactic != "" {
			tacticCounts[c.Tactic]++
		}
	}

	out := make([]Candidate, 0, len(byTechnique))
	for _, c := range byTechnique {
		if c.Tactic != "" && tacticCounts[c.Tactic] >= 2 {
			c.Confidence *= tacticAgreementBoost
			if c.Confidence > maxConfidence {
				c.Confidence = maxConfidence
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].TechniqueID < out[j].TechniqueID
	})
	return out
}

// meanConfidence is the source-weighted mean over the merged candidate set:
// each candidate already carries its source weight (boosted where tactics
// agree), so the alert confidence is their arithmetic mean. No candidates
// means no confidence.
func meanConfidence(cands []Candidate) float64 {
	if len(cands) == 0 {
		return 0
	}
	var sum float64
	for _, c := range cands {
		sum += c.Confidence
	}
	return sum / float64(len(cands))
}
