// Package frame defines the typed message union carried on the incident bus
// and the codecs that serialize it. Every frame correlates to one incident
// and carries exactly one payload variant.
package frame

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// SEVERITY
// ============================================================================

// Severity is the coarse alert/incident severity scale.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrdinals = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

var severityByOrdinal = []Severity{
	SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical,
}

// Ordinal returns the rank of the severity (info=0 .. critical=4).
// Unknown severities rank as info.
func (s Severity) Ordinal() int {
	return severityOrdinals[s]
}

// SeverityFromOrdinal maps a rank back to a severity, clamping to the scale.
func SeverityFromOrdinal(n int) Severity {
	if n < 0 {
		n = 0
	}
	if n >= len(severityByOrdinal) {
		n = len(severityByOrdinal) - 1
	}
	return severityByOrdinal[n]
}

// MaxSeverity returns the higher of two severities by ordinal.
func MaxSeverity(a, b Severity) Severity {
	if a.Ordinal() >= b.Ordinal() {
		return a
	}
	return b
}

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, ok := severityOrdinals[sev]; !ok {
		return "", fmt.Errorf("%w: unknown severity %q", ErrValidation, s)
	}
	return sev, nil
}

// ============================================================================
// ENTITIES
// ============================================================================

// EntityType classifies an entity referenced by an alert or finding.
// The set is extensible; these are the types the core reasons about.
type EntityType string

const (
	EntityHost   EntityType = "host"
	EntityIP     EntityType = "ip"
	EntityUser   EntityType = "user"
	EntityProc   EntityType = "proc"
	EntityFile   EntityType = "file"
	EntityDomain EntityType = "domain"
)

// EntityRef points at an entity involved in an incident.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

func (e EntityRef) String() string {
	return string(e.Type) + ":" + e.ID
}

// SortEntities orders entity refs by (type, id). Used wherever a canonical
// ordering is needed, e.g. dedup hashing.
func SortEntities(refs []EntityRef) []EntityRef {
	out := make([]EntityRef, len(refs))
	copy(out, refs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ============================================================================
// PAYLOAD VARIANTS
// ============================================================================

// Telemetry is one normalized event from a log source.
type Telemetry struct {
	TS      int64  `json:"ts"`
	Host    string `json:"host"`
	Source  string `json:"source"`
	ECSJSON string `json:"ecs_json"`
}

// Alert is a detection alert raised over telemetry.
type Alert struct {
	TS          int64       `json:"ts"`
	ID          string      `json:"id"`
	Severity    Severity    `json:"severity"`
	Entities    []EntityRef `json:"entities"`
	Tags        []string    `json:"tags"`
	Summary     string      `json:"summary"`
	EvidenceRef string      `json:"evidence_ref"`
}

// Finding is an analyst conclusion about an incident.
type Finding struct {
	TS            int64       `json:"ts"`
	ID            string      `json:"id"`
	Hypothesis    string      `json:"hypothesis"`
	GraphNodes    []EntityRef `json:"graph_nodes"`
	CandidateTTPs []string    `json:"candidate_ttps"`
	RationaleJSON string      `json:"rationale_json"`
}

// ActionPlan is a proposed response for an incident.
type ActionPlan struct {
	TS            int64    `json:"ts"`
	IncidentID    string   `json:"incident_id"`
	Playbooks     []string `json:"playbooks"`
	ChangeSetJSON string   `json:"change_set_json"`
	RiskTier      string   `json:"risk_tier"`
}

// PlaybookRun reports the execution of one playbook.
type PlaybookRun struct {
	TS         int64  `json:"ts"`
	PlaybookID string `json:"playbook_id"`
	Status     string `json:"status"`
	Logs       string `json:"logs"`
}

// ============================================================================
// FRAME
// ============================================================================

// Variant identifies which payload a frame carries.
type Variant string

const (
	VariantTelemetry Variant = "telemetry"
	VariantAlert     Variant = "alert"
	VariantFinding   Variant = "finding"
	VariantPlan      Variant = "plan"
	VariantRun       Variant = "run"
)

// Frame is one message on the bus: a millisecond timestamp, the incident it
// belongs to, and exactly one payload variant.
type Frame struct {
	TS         int64
	IncidentID string

	Telemetry *Telemetry
	Alert     *Alert
	Finding   *Finding
	Plan      *ActionPlan
	Run       *PlaybookRun
}

// Frame validation errors.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrUnknownVariant     = errors.New("unknown frame variant")
)

// NewAlertFrame wraps an alert for transport.
func NewAlertFrame(incidentID string, a *Alert) *Frame {
	return &Frame{TS: a.TS, IncidentID: incidentID, Alert: a}
}

// NewFindingFrame wraps a finding for transport.
func NewFindingFrame(incidentID string, f *Finding) *Frame {
	return &Frame{TS: f.TS, IncidentID: incidentID, Finding: f}
}

// NewPlanFrame wraps an action plan for transport.
func NewPlanFrame(incidentID string, p *ActionPlan) *Frame {
	return &Frame{TS: p.TS, IncidentID: incidentID, Plan: p}
}

// Now returns the current wall clock in the frame timestamp resolution.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Variant returns the active payload variant. Exactly one must be set.
func (f *Frame) Variant() (Variant, error) {
	var v Variant
	n := 0
	if f.Telemetry != nil {
		v, n = VariantTelemetry, n+1
	}
	if f.Alert != nil {
		v, n = VariantAlert, n+1
	}
	if f.Finding != nil {
		v, n = VariantFinding, n+1
	}
	if f.Plan != nil {
		v, n = VariantPlan, n+1
	}
	if f.Run != nil {
		v, n = VariantRun, n+1
	}
	switch n {
	case 1:
		return v, nil
	case 0:
		return "", fmt.Errorf("%w: no payload set", ErrInvariantViolation)
	default:
		return "", fmt.Errorf("%w: %d payloads set", ErrInvariantViolation, n)
	}
}

// Validate checks the frame invariants: exactly one payload variant and a
// non-empty incident id for incident-scoped variants.
func (f *Frame) Validate() error {
	v, err := f.Variant()
	if err != nil {
		return err
	}
	if f.IncidentID == "" && v != VariantTelemetry {
		return fmt.Errorf("%w: missing incident_id for %s frame", ErrValidation, v)
	}
	return nil
}

// DedupID returns the identity used for idempotent consumption: the payload's
// own id where it has one, falling back to (incident, ts).
func (f *Frame) DedupID() string {
	switch {
	case f.Alert != nil:
		return f.Alert.ID
	case f.Finding != nil:
		return f.Finding.ID
	case f.Run != nil:
		return f.Run.PlaybookID
	default:
		return fmt.Sprintf("%s@%d", f.IncidentID, f.TS)
	}
}
