package policy

import (
	"context"
	"fmt"

	"github.com/sentinelops/cybersentinel/internal/playbook"
)

// FallbackGate is the deterministic built-in ruleset used when the policy
// engine is down. It is strictly more conservative than any sane deployed
// policy: only low-tier, high-confidence, low-score plans run unattended.
type FallbackGate struct{}

func (FallbackGate) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	v := Verdict{PolicySource: SourceFallback}

	if in.RiskTier == playbook.RiskHigh || in.RiskTier == playbook.RiskCritical {
		v.ApprovalRequired = true
		v.Reasons = append(v.Reasons, "risk tier "+in.RiskTier+" needs approval")
	}
	if in.Irreversible {
		v.ApprovalRequired = true
		v.Reasons = append(v.Reasons, "irreversible actions need approval")
	}
	if in.EstimatedMinutes > 60 {
		v.ApprovalRequired = true
		v.Reasons = append(v.Reasons, fmt.Sprintf("estimated %d minutes exceeds 60", in.EstimatedMinutes))
	}
	if in.Confidence < 0.5 {
		v.ApprovalRequired = true
		v.Reasons = append(v.Reasons, fmt.Sprintf("confidence %.2f below 0.50", in.Confidence))
	}

	v.Allow = !v.ApprovalRequired &&
		in.RiskTier == playbook.RiskLow &&
		in.Confidence >= 0.7 &&
		in.RiskScore <= 0.3
	if !v.Allow && !v.ApprovalRequired {
		v.ApprovalRequired = true
		v.Reasons = append(v.Reasons, "fallback policy only auto-approves low-tier high-confidence plans")
	}
	return v, nil
}

var _ Gate = FallbackGate{}
