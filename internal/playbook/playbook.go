// Package playbook defines response playbooks as DAGs of parameterized
// actions, loads them from YAML, and executes them with frontier scheduling,
// per-step retries and failure propagation.
package playbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v2"
)

// Playbook validation errors.
var (
	ErrCyclicPlaybook   = errors.New("playbook dependency cycle")
	ErrInvalidPlaybook  = errors.New("invalid playbook")
	ErrUnknownCapability = errors.New("unknown action capability")
)

// Risk tiers, ordered.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskOrdinals = map[string]int{
	RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3,
}

// RiskOrdinal ranks a risk tier; unknown tiers rank as critical so a typo
// can never lower the gate.
func RiskOrdinal(tier string) int {
	if n, ok := riskOrdinals[tier]; ok {
		return n
	}
	return riskOrdinals[RiskCritical]
}

// MaxRiskTier returns the higher of two tiers.
func MaxRiskTier(a, b string) string {
	if RiskOrdinal(a) >= RiskOrdinal(b) {
		return a
	}
	return b
}

// Step is one node of the playbook DAG.
type Step struct {
	ID              string            `yaml:"id" json:"id"`
	Action          string            `yaml:"action" json:"action"`
	Params          map[string]string `yaml:"params" json:"params"`
	DependsOn       []string          `yaml:"depends_on" json:"depends_on,omitempty"`
	Timeout         time.Duration     `yaml:"-" json:"timeout,omitempty"`
	TimeoutSeconds  int               `yaml:"timeout_seconds" json:"-"`
	MaxRetries      int               `yaml:"max_retries" json:"max_retries,omitempty"`
	ContinueOnError bool              `yaml:"continue_on_error" json:"continue_on_error,omitempty"`
}

// Playbook is one response procedure.
type Playbook struct {
	ID                string   `yaml:"id" json:"id"`
	Name              string   `yaml:"name" json:"name"`
	Description       string   `yaml:"description" json:"description"`
	RiskTier          string   `yaml:"risk_tier" json:"risk_tier"`
	Irreversible      bool     `yaml:"irreversible" json:"irreversible"`
	EstimatedDuration time.Duration `yaml:"-" json:"estimated_duration"`
	DurationMinutes   int      `yaml:"duration_minutes" json:"-"`
	Techniques        []string `yaml:"techniques" json:"techniques"`
	Steps             []Step   `yaml:"steps" json:"steps"`
}

// Validate checks structure: ids, capabilities, required params, dependency
// references and acyclicity.
func (p *Playbook) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPlaybook)
	}
	if _, ok := riskOrdinals[p.RiskTier]; !ok {
		return fmt.Errorf("%w: %s has unknown risk tier %q", ErrInvalidPlaybook, p.ID, p.RiskTier)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidPlaybook, p.ID)
	}

	byID := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: %s step %d has no id", ErrInvalidPlaybook, p.ID, i)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("%w: %s has duplicate step id %q", ErrInvalidPlaybook, p.ID, s.ID)
		}
		byID[s.ID] = s
		if err := ValidateAction(s.Action, s.Params); err != nil {
			return fmt.Errorf("%s step %s: %w", p.ID, s.ID, err)
		}
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: %s step %s depends on unknown step %q",
					ErrInvalidPlaybook, p.ID, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("%w: %s step %s depends on itself", ErrCyclicPlaybook, p.ID, s.ID)
			}
		}
	}
	return p.checkAcyclic()
}

// checkAcyclic runs a three-color DFS over the dependency edges.
func (p *Playbook) checkAcyclic() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	deps := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		deps[s.ID] = s.DependsOn
	}

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: %s involves step %q", ErrCyclicPlaybook, p.ID, id)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range p.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// normalize converts the YAML integer durations into time.Durations and
// applies defaults.
func (p *Playbook) normalize() {
	if p.DurationMinutes > 0 {
		p.EstimatedDuration = time.Duration(p.DurationMinutes) * time.Minute
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.TimeoutSeconds > 0 {
			s.Timeout = time.Duration(s.TimeoutSeconds) * time.Second
		}
		if s.Timeout == 0 {
			s.Timeout = 60 * time.Second
		}
	}
}

// LoadFile reads and validates one playbook YAML file.
func LoadFile(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	var p Playbook
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidPlaybook, path, err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadDir loads every *.yaml playbook under dir, sorted by id.
func LoadDir(dir string) ([]*Playbook, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	more, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, err
	}
	matches = append(matches, more...)

	seen := make(map[string]string)
	var out []*Playbook
	for _, path := range matches {
		p, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("%w: playbook id %q defined in both %s and %s",
				ErrInvalidPlaybook, p.ID, prev, path)
		}
		seen[p.ID] = path
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
