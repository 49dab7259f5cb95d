package planner

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/hypothesis"
	"github.com/sentinelops/cybersentinel/internal/playbook"
)

func credentialHarvestHypothesis() *hypothesis.Hypothesis {
	return &hypothesis.Hypothesis{
		ID:         "hyp-1",
		IncidentID: "inc-9",
		Summary:    "credential_harvesting + lateral_movement across T1110 -> T1003 -> T1021.004",
		Patterns:   []string{hypothesis.PatternCredentialHarvest, hypothesis.PatternLateralMovement},
		KillChain:  []string{"T1110", "T1003", "T1021.004"},
		Entities: []frame.EntityRef{
			{Type: frame.EntityHost, ID: "bastion-01"},
			{Type: frame.EntityIP, ID: "203.0.113.7"},
			{Type: frame.EntityUser, ID: "root"},
		},
		Confidence: 0.95,
		Severity:   frame.SeverityCritical,
	}
}

func TestPlanCredentialHarvestRequiresApproval(t *testing.T) {
	p := New(nil, slog.Default())

	plan, err := p.Plan(credentialHarvestHypothesis())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"block-attacker-ip",
		"collect-forensic-evidence",
		"isolate-compromised-host",
		"notify-stakeholders",
		"reset-compromised-credentials",
	}, plan.Playbooks)
	assert.Equal(t, playbook.RiskHigh, plan.RiskTier)
	assert.Equal(t, 75*time.Minute, plan.EstimatedDuration)
	assert.True(t, plan.ApprovalRequired)
	assert.NotEmpty(t, plan.ApprovalReasons)
	assert.Equal(t, "bastion-01", plan.Vars["host.id"])
	assert.Equal(t, "203.0.113.7", plan.Vars["attacker.ip"])
	assert.Equal(t, "root", plan.Vars["user.name"])
	assert.Equal(t, "inc-9", plan.Vars["incident.id"])
	assert.Contains(t, plan.Warnings,
		"manual_approval_recommended: plan contains high-risk playbooks")
}

func TestPlanWarnsOnLongDuration(t *testing.T) {
	p := New(nil, slog.Default())

	// Ransomware on a critical host selects the 2h restore plus the generic
	// forensic and notification playbooks: 155 minutes total.
	h := &hypothesis.Hypothesis{
		ID: "hyp-7", IncidentID: "inc-15",
		KillChain:  []string{"T1486"},
		Entities:   []frame.EntityRef{{Type: frame.EntityHost, ID: "files-01"}},
		Confidence: 0.9,
		Severity:   frame.SeverityCritical,
	}
	plan, err := p.Plan(h)
	require.NoError(t, err)
	assert.Contains(t, plan.Playbooks, "restore-from-backup")
	assert.Equal(t, 155*time.Minute, plan.EstimatedDuration)
	assert.Contains(t, plan.Warnings,
		"manual_approval_recommended: plan contains high-risk playbooks")
	assert.Contains(t, plan.Warnings, "estimated duration 2h35m0s exceeds 2h0m0s")
}

func TestPlanLowRiskAutoApproves(t *testing.T) {
	p := New(nil, slog.Default())

	h := &hypothesis.Hypothesis{
		ID: "hyp-2", IncidentID: "inc-10",
		KillChain:  []string{"T1110"},
		Entities:   []frame.EntityRef{{Type: frame.EntityIP, ID: "203.0.113.7"}},
		Confidence: 0.8,
		Severity:   frame.SeverityMedium,
	}
	plan, err := p.Plan(h)
	require.NoError(t, err)

	assert.Equal(t, []string{"block-attacker-ip"}, plan.Playbooks)
	assert.Equal(t, playbook.RiskLow, plan.RiskTier)
	assert.InDelta(t, 0.24, plan.RiskScore, 1e-9)
	assert.False(t, plan.ApprovalRequired)
	assert.Empty(t, plan.ApprovalReasons)
}

func TestPlanSeverityCapsRiskTier(t *testing.T) {
	p := New(nil, slog.Default())

	// Medium severity excludes the high-tier credential reset even though
	// T1003 maps to it.
	h := &hypothesis.Hypothesis{
		ID: "hyp-3", IncidentID: "inc-11",
		KillChain: []string{"T1003"},
		Entities: []frame.EntityRef{
			{Type: frame.EntityUser, ID: "svc-web"},
		},
		Confidence: 0.7,
		Severity:   frame.SeverityMedium,
	}
	_, err := p.Plan(h)
	assert.Error(t, err)
}

func TestPlanSkipsPlaybooksMissingEntities(t *testing.T) {
	p := New(nil, slog.Default())

	// Lateral movement with no host entity: isolation cannot bind its vars.
	h := &hypothesis.Hypothesis{
		ID: "hyp-4", IncidentID: "inc-12",
		KillChain:  []string{"T1021", "T1110"},
		Entities:   []frame.EntityRef{{Type: frame.EntityIP, ID: "198.51.100.9"}},
		Confidence: 0.8,
		Severity:   frame.SeverityMedium,
	}
	plan, err := p.Plan(h)
	require.NoError(t, err)
	assert.Equal(t, []string{"block-attacker-ip"}, plan.Playbooks)
	assert.NotEmpty(t, plan.Warnings)
}

func TestPlanSubTechniqueFallsBackToParent(t *testing.T) {
	p := New(nil, slog.Default())

	h := &hypothesis.Hypothesis{
		ID: "hyp-5", IncidentID: "inc-13",
		KillChain:  []string{"T1021.004"},
		Entities:   []frame.EntityRef{{Type: frame.EntityHost, ID: "db-02"}},
		Confidence: 0.9,
		Severity:   frame.SeverityMedium,
	}
	plan, err := p.Plan(h)
	require.NoError(t, err)
	assert.Contains(t, plan.Playbooks, "isolate-compromised-host")
}

func TestPlanUncoveredTechniqueWarns(t *testing.T) {
	p := New(nil, slog.Default())

	h := &hypothesis.Hypothesis{
		ID: "hyp-6", IncidentID: "inc-14",
		KillChain:  []string{"T1595", "T1110"},
		Entities:   []frame.EntityRef{{Type: frame.EntityIP, ID: "192.0.2.4"}},
		Confidence: 0.8,
		Severity:   frame.SeverityMedium,
	}
	plan, err := p.Plan(h)
	require.NoError(t, err)
	assert.Contains(t, plan.Warnings, "no playbook covers T1595")
}

func TestRiskScoreFormula(t *testing.T) {
	// base 0.7 (high) * 1.2 (high severity) * (2 - 0.9) = 0.924.
	assert.InDelta(t, 0.924, riskScore(playbook.RiskHigh, frame.SeverityHigh, 0.9), 1e-9)
	// Confidence clamps at 0.5: (2 - 0.5) = 1.5.
	assert.InDelta(t, 0.2*1.0*1.5, riskScore(playbook.RiskLow, frame.SeverityMedium, 0.1), 1e-9)
	// Scores clamp to 1.
	assert.Equal(t, 1.0, riskScore(playbook.RiskCritical, frame.SeverityCritical, 0.5))
}

func TestLowConfidenceForcesApproval(t *testing.T) {
	required, reasons := approvalCheck(playbook.RiskLow, 0.2, false, 0.4)
	assert.True(t, required)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "confidence")
}

func TestToPlanFrame(t *testing.T) {
	p := New(nil, slog.Default())
	plan, err := p.Plan(credentialHarvestHypothesis())
	require.NoError(t, err)

	pf := plan.ToPlanFrame()
	assert.Equal(t, "inc-9", pf.IncidentID)
	assert.Equal(t, plan.Playbooks, pf.Playbooks)
	assert.Equal(t, playbook.RiskHigh, pf.RiskTier)

	var changeSet map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(pf.ChangeSetJSON), &changeSet))
	assert.Equal(t, true, changeSet["approval_required"])
}
