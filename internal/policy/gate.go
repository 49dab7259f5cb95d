// Package policy gates response plans: every plan is evaluated against an
// external policy engine before execution, with a conservative built-in
// fallback when the engine is unreachable.
package policy

import (
	"context"
	"errors"
)

// ErrPolicyUnavailable marks a policy engine that could not be reached or
// gave an unusable answer.
var ErrPolicyUnavailable = errors.New("policy engine unavailable")

// Policy sources recorded on verdicts.
const (
	SourceEngine   = "opa"
	SourceFallback = "fallback"
)

// Input is the decision context sent to the policy engine.
type Input struct {
	IncidentID       string   `json:"incident_id"`
	Severity         string   `json:"severity"`
	RiskTier         string   `json:"risk_tier"`
	RiskScore        float64  `json:"risk_score"`
	Confidence       float64  `json:"confidence"`
	Irreversible     bool     `json:"irreversible"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	Playbooks        []string `json:"playbooks"`
}

// Verdict is the gate's answer. Allow false with ApprovalRequired true means
// "hold for a human"; Allow false without it means "never run this".
type Verdict struct {
	Allow            bool     `json:"allow"`
	ApprovalRequired bool     `json:"approval_required"`
	Reasons          []string `json:"reasons,omitempty"`
	PolicySource     string   `json:"policy_source"`
}

// Gate evaluates plans against policy.
type Gate interface {
	Evaluate(ctx context.Context, in Input) (Verdict, error)
}
