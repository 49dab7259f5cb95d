package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelops/cybersentinel/internal/config"
	"github.com/sentinelops/cybersentinel/internal/resilience"
)

// EngineGate queries an OPA-compatible engine at
// POST {endpoint}/v1/data/{policy_path} with {"input": ...} and reads the
// verdict from the "result" document. A circuit breaker keeps a dead engine
// from adding latency to every plan.
type EngineGate struct {
	endpoint   string
	policyPath string
	client     *http.Client
	breaker    *resilience.Breaker
}

// NewEngineGate builds the engine client from config.
func NewEngineGate(cfg config.PolicyConfig) (*EngineGate, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: policy endpoint is required", config.ErrBadConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	path := strings.Trim(cfg.PolicyPath, "/")
	if path == "" {
		path = "cybersentinel/response"
	}
	return &EngineGate{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		policyPath: path,
		client:     &http.Client{Timeout: timeout},
		breaker:    resilience.NewBreaker("policy-engine", 3, 30*time.Second),
	}, nil
}

func (g *EngineGate) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	if err := g.breaker.Allow(); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	verdict, err := g.query(ctx, in)
	g.breaker.Record(err)
	if err != nil {
		return Verdict{}, err
	}
	verdict.PolicySource = SourceEngine
	return verdict, nil
}

func (g *EngineGate) query(ctx context.Context, in Input) (Verdict, error) {
	payload, err := json.Marshal(map[string]interface{}{"input": in})
	if err != nil {
		return Verdict{}, err
	}

	var verdict Verdict
	err = resilience.Retry(ctx,
		resilience.Policy{Attempts: 2, Base: 200 * time.Millisecond, Factor: 2, Cap: time.Second},
		func(ctx context.Context) error {
			url := g.endpoint + "/v1/data/" + g.policyPath
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return resilience.NonRetryable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := g.client.Do(req)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%w: engine returned %d", ErrPolicyUnavailable, resp.StatusCode)
			}

			var body struct {
				Result *Verdict `json:"result"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return resilience.NonRetryable(fmt.Errorf("%w: bad engine response: %v", ErrPolicyUnavailable, err))
			}
			if body.Result == nil {
				// The policy document does not exist on the engine.
				return resilience.NonRetryable(fmt.Errorf("%w: policy %s undefined", ErrPolicyUnavailable, g.policyPath))
			}
			verdict = *body.Result
			return nil
		})
	return verdict, err
}

// GuardedGate evaluates against the engine and degrades to the fallback
// ruleset when the engine is unavailable. The fallback use is logged; a
// plan is never executed without some policy answering for it.
type GuardedGate struct {
	engine   Gate
	fallback Gate
	log      *slog.Logger
}

// NewGuardedGate composes the engine with the fallback. A nil engine means
// fallback-only operation.
func NewGuardedGate(engine Gate, log *slog.Logger) *GuardedGate {
	return &GuardedGate{engine: engine, fallback: FallbackGate{}, log: log}
}

func (g *GuardedGate) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	if g.engine != nil {
		verdict, err := g.engine.Evaluate(ctx, in)
		if err == nil {
			return verdict, nil
		}
		g.log.Warn("policy engine unavailable, using fallback ruleset",
			"incident", in.IncidentID, "error", err)
	}
	return g.fallback.Evaluate(ctx, in)
}

var (
	_ Gate = (*EngineGate)(nil)
	_ Gate = (*GuardedGate)(nil)
)
