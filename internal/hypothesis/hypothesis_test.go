package hypothesis

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/retrieval"
	"github.com/sentinelops/cybersentinel/internal/triage"
)

type stubExplainer struct {
	chunks []retrieval.RetrievedChunk
	err    error
}

func (s stubExplainer) ExplainAttackChain(ctx context.Context, ids []string, per int) (*retrieval.RAGResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &retrieval.RAGResult{Chunks: s.chunks}, nil
}

func assessment(alertID string, sev frame.Severity, conf float64, techniques ...string) *triage.Assessment {
	a := &triage.Assessment{
		AlertID:    alertID,
		Severity:   sev,
		Confidence: conf,
		Entities: []frame.EntityRef{
			{Type: frame.EntityHost, ID: "web-01"},
		},
	}
	for _, id := range techniques {
		a.Techniques = append(a.Techniques, triage.Candidate{
			TechniqueID: id, Confidence: conf, Source: triage.SourceDirect,
		})
	}
	return a
}

func TestCredentialHarvestingCampaign(t *testing.T) {
	b := NewBuilder(stubExplainer{chunks: []retrieval.RetrievedChunk{{ChunkID: "attack-T1110::overview"}}}, slog.Default())

	// Brute force, then credential dumping, then SSH lateral movement.
	h, err := b.Build(context.Background(), "inc-9", []*triage.Assessment{
		assessment("a-1", frame.SeverityHigh, 1.0, "T1110"),
		assessment("a-2", frame.SeverityHigh, 1.0, "T1003"),
		assessment("a-3", frame.SeverityMedium, 0.8, "T1021.004"),
	})
	require.NoError(t, err)

	assert.Contains(t, h.Patterns, PatternCredentialHarvest)
	assert.Contains(t, h.Patterns, PatternLateralMovement)
	assert.Equal(t, []string{"T1110", "T1003", "T1021.004"}, h.KillChain)
	assert.Equal(t, []string{"Credential Access", "Lateral Movement"}, h.Tactics)
	assert.GreaterOrEqual(t, h.Confidence, 0.75)
	assert.LessOrEqual(t, h.Confidence, 0.95)
	assert.Equal(t, frame.SeverityCritical, h.Severity)
	assert.True(t, h.RequiresResponse)
	assert.Len(t, h.Timeline, 3)
	assert.NotEmpty(t, h.Context)
}

func TestDuplicatesExcludedFromTimeline(t *testing.T) {
	b := NewBuilder(nil, slog.Default())

	dup := assessment("a-2", frame.SeverityHigh, 1.0, "T1110")
	dup.Duplicate = true
	h, err := b.Build(context.Background(), "inc-1", []*triage.Assessment{
		assessment("a-1", frame.SeverityHigh, 0.6, "T1110"),
		dup,
	})
	require.NoError(t, err)
	assert.Len(t, h.Timeline, 1)
	assert.Equal(t, []string{"T1110"}, h.KillChain)
}

func TestNoTechniquesIsAnError(t *testing.T) {
	b := NewBuilder(nil, slog.Default())
	_, err := b.Build(context.Background(), "inc-1", []*triage.Assessment{
		assessment("a-1", frame.SeverityLow, 0),
	})
	assert.Error(t, err)
}

func TestMultiTacticPattern(t *testing.T) {
	b := NewBuilder(nil, slog.Default())
	h, err := b.Build(context.Background(), "inc-2", []*triage.Assessment{
		assessment("a-1", frame.SeverityMedium, 0.8, "T1566"),
		assessment("a-2", frame.SeverityMedium, 0.8, "T1059"),
		assessment("a-3", frame.SeverityMedium, 0.8, "T1547"),
	})
	require.NoError(t, err)
	assert.Contains(t, h.Patterns, PatternMultiTactic)
	assert.Contains(t, h.Patterns, PatternPersistence)
	// Initial Access -> Execution -> Persistence follows the kill chain.
	assert.Equal(t, []string{"T1566", "T1059", "T1547"}, h.KillChain)
}

func TestConfidenceFormula(t *testing.T) {
	// One technique, no patterns, one event, triage confidence 0.5:
	// 0.5 + 0.3*0.5 + 0.1 + 0 = 0.75.
	b := NewBuilder(nil, slog.Default())
	h, err := b.Build(context.Background(), "inc-3", []*triage.Assessment{
		assessment("a-1", frame.SeverityLow, 0.5, "T1046"),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, h.Confidence, 1e-9)
}

func TestTriageConfidenceIsMeanOfAcceptedAlerts(t *testing.T) {
	// Alert confidences 1.0 and 0.5 average to 0.75; one technique, no
	// patterns, two events: 0.5 + 0.3*0.75 + 0.1 = 0.825.
	b := NewBuilder(nil, slog.Default())
	h, err := b.Build(context.Background(), "inc-6", []*triage.Assessment{
		assessment("a-1", frame.SeverityLow, 1.0, "T1046"),
		assessment("a-2", frame.SeverityLow, 0.5, "T1046"),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.825, h.Confidence, 1e-9)
}

func TestTimelineSortedByTimestamp(t *testing.T) {
	b := NewBuilder(nil, slog.Default())

	first := assessment("a-1", frame.SeverityMedium, 0.6, "T1046")
	first.AlertTS = 3000
	second := assessment("a-2", frame.SeverityMedium, 0.6, "T1046")
	second.AlertTS = 1000
	third := assessment("a-3", frame.SeverityMedium, 0.6, "T1046")
	third.AlertTS = 2000

	h, err := b.Build(context.Background(), "inc-7", []*triage.Assessment{first, second, third})
	require.NoError(t, err)
	require.Len(t, h.Timeline, 3)
	assert.Equal(t, []string{"a-2", "a-3", "a-1"}, []string{
		h.Timeline[0].AlertID, h.Timeline[1].AlertID, h.Timeline[2].AlertID,
	})
	assert.Equal(t, []string{"T1046"}, h.Timeline[0].Techniques)
}

func TestRequiresResponseDisjuncts(t *testing.T) {
	// Confident and hot.
	assert.True(t, requiresResponse(frame.SeverityHigh, 0.75, 0, 1))
	assert.False(t, requiresResponse(frame.SeverityHigh, 0.69, 0, 1))
	// A high-impact pattern lowers the bar even at medium severity.
	assert.True(t, requiresResponse(frame.SeverityMedium, 0.55, 1, 1))
	assert.False(t, requiresResponse(frame.SeverityMedium, 0.45, 1, 1))
	// Breadth across tactics with moderate confidence.
	assert.True(t, requiresResponse(frame.SeverityMedium, 0.65, 0, 3))
	assert.False(t, requiresResponse(frame.SeverityMedium, 0.65, 0, 2))
}

func TestCredentialPatternAtMediumSeverityRequiresResponse(t *testing.T) {
	// Direct-tagged brute force plus credential dumping on a quiet alert:
	// the pattern, not the alert severity, is what demands action.
	b := NewBuilder(nil, slog.Default())
	h, err := b.Build(context.Background(), "inc-8", []*triage.Assessment{
		assessment("a-1", frame.SeverityInfo, 1.0, "T1110", "T1003"),
	})
	require.NoError(t, err)
	assert.Contains(t, h.Patterns, PatternCredentialHarvest)
	assert.Equal(t, frame.SeverityMedium, h.Severity)
	assert.True(t, h.RequiresResponse)
}

func TestOrderByKillChainKeepsObservationOrderWithinTactic(t *testing.T) {
	got := OrderByKillChain([]string{"T1021", "T1110", "T1003", "T9999"})
	assert.Equal(t, []string{"T1110", "T1003", "T1021", "T9999"}, got)
}

func TestToFindingCarriesRationale(t *testing.T) {
	b := NewBuilder(nil, slog.Default())
	h, err := b.Build(context.Background(), "inc-4", []*triage.Assessment{
		assessment("a-1", frame.SeverityHigh, 1.0, "T1110", "T1003"),
	})
	require.NoError(t, err)

	f := h.ToFinding()
	assert.Equal(t, h.ID, f.ID)
	assert.Equal(t, h.KillChain, f.CandidateTTPs)
	assert.NotEmpty(t, f.GraphNodes)

	var rationale map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(f.RationaleJSON), &rationale))
	assert.Contains(t, rationale, "patterns")
	assert.Contains(t, rationale, "confidence")
}

func TestBuildDraftsRulesForUncoveredTechniques(t *testing.T) {
	b := NewBuilder(nil, slog.Default())

	// Retrieved rule context confirms T1110 coverage; T1021 has none and
	// gets a draft attached to the hypothesis.
	a := assessment("a-1", frame.SeverityHigh, 1.0, "T1110", "T1021")
	a.RuleContext = []retrieval.RetrievedChunk{{
		ChunkID: "sigma-ssh-brute::overview",
		Metadata: map[string]interface{}{
			"doc_type":          "sigma_rule",
			"attack_techniques": []string{"T1110"},
		},
	}}
	h, err := b.Build(context.Background(), "inc-10", []*triage.Assessment{a})
	require.NoError(t, err)

	require.Len(t, h.DraftRules, 1)
	assert.Equal(t, "T1021", h.DraftRules[0].TechniqueID)
}

func TestDraftGapRules(t *testing.T) {
	b := NewBuilder(nil, slog.Default())
	h, err := b.Build(context.Background(), "inc-5", []*triage.Assessment{
		assessment("a-1", frame.SeverityHigh, 1.0, "T1110", "T1021"),
	})
	require.NoError(t, err)

	drafts := DraftGapRules(h, map[string]bool{"T1110": true})
	require.Len(t, drafts, 1)
	d := drafts[0]
	assert.Equal(t, "T1021", d.TechniqueID)
	assert.Contains(t, d.LogicYAML, "attack.t1021")
	assert.Equal(t, "high", d.Level)
	assert.NotEmpty(t, d.PositiveEvent)
	assert.NotEmpty(t, d.NegativeEvent)
	assert.NotEqual(t, d.PositiveEvent, d.NegativeEvent)
}
