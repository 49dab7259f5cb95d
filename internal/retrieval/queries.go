package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentinelops/cybersentinel/internal/vectorstore"
)

// Convenience queries used by triage and hypothesis building. Each starts
// with a strict metadata filter and widens to a plain semantic query when
// the strict pass comes back empty, so a thin corpus still returns context.

// QueryByAttackTechnique fetches the chunks for one ATT&CK technique.
func (e *Engine) QueryByAttackTechnique(ctx context.Context, techniqueID string, k int) (*RAGResult, error) {
	query := "MITRE ATT&CK technique " + techniqueID
	res, err := e.Query(ctx, query, k, vectorstore.Filters{"attack_id": techniqueID})
	if err != nil {
		return nil, err
	}
	if len(res.Chunks) == 0 {
		return e.Query(ctx, query, k, vectorstore.Filters{"doc_type": "attack_technique"})
	}
	return res, nil
}

// QueryByCVE fetches the chunks for one CVE identifier.
func (e *Engine) QueryByCVE(ctx context.Context, cveID string, k int) (*RAGResult, error) {
	res, err := e.Query(ctx, cveID, k, vectorstore.Filters{"cve_id": cveID})
	if err != nil {
		return nil, err
	}
	if len(res.Chunks) == 0 {
		return e.Query(ctx, cveID+" vulnerability", k, vectorstore.Filters{"doc_type": "cve"})
	}
	return res, nil
}

// QueryForDetectionRules finds detection rules matching an observed
// behavior.
func (e *Engine) QueryForDetectionRules(ctx context.Context, behavior string, k int) (*RAGResult, error) {
	res, err := e.Query(ctx, behavior, k, vectorstore.Filters{"doc_type": "sigma_rule"})
	if err != nil {
		return nil, err
	}
	if len(res.Chunks) == 0 {
		return e.Query(ctx, behavior+" detection rule", k, nil)
	}
	return res, nil
}

// QueryForVulnerabilities finds vulnerabilities affecting a product or
// service.
func (e *Engine) QueryForVulnerabilities(ctx context.Context, product string, k int) (*RAGResult, error) {
	res, err := e.Query(ctx, product+" vulnerability", k, vectorstore.Filters{"doc_type": "cve"})
	if err != nil {
		return nil, err
	}
	if len(res.Chunks) == 0 {
		return e.Query(ctx, product+" vulnerability exploit", k, nil)
	}
	return res, nil
}

// ExplainAttackChain gathers context for a sequence of techniques, one
// sub-query per technique, concatenated in chain order.
func (e *Engine) ExplainAttackChain(ctx context.Context, techniqueIDs []string, perTechnique int) (*RAGResult, error) {
	if perTechnique <= 0 {
		perTechnique = 2
	}
	combined := &RAGResult{
		Query:    "attack chain " + strings.Join(techniqueIDs, " -> "),
		Reranker: e.reranker.Name(),
		Model:    e.embedder.ModelName(),
	}
	seen := make(map[string]bool)
	for _, id := range techniqueIDs {
		sub, err := e.QueryByAttackTechnique(ctx, id, perTechnique)
		if err != nil {
			return nil, fmt.Errorf("chain step %s: %w", id, err)
		}
		combined.Retrieved += sub.Retrieved
		combined.Elapsed += sub.Elapsed
		for _, c := range sub.Chunks {
			if seen[c.ChunkID] {
				continue
			}
			seen[c.ChunkID] = true
			combined.Chunks = append(combined.Chunks, c)
		}
	}
	return combined, nil
}

// FindRelatedTechniques finds techniques in the same tactic as the given
// one, excluding the technique itself.
func (e *Engine) FindRelatedTechniques(ctx context.Context, techniqueID string, k int) (*RAGResult, error) {
	anchor, err := e.QueryByAttackTechnique(ctx, techniqueID, 1)
	if err != nil {
		return nil, err
	}

	var tactic string
	if len(anchor.Chunks) > 0 {
		if t, ok := anchor.Chunks[0].Metadata["tactic"].(string); ok {
			tactic = t
		}
	}

	filters := vectorstore.Filters{"doc_type": "attack_technique"}
	query := "techniques related to " + techniqueID
	if tactic != "" {
		filters["tactic"] = tactic
		query = tactic + " techniques"
	}

	// Ask for one extra so dropping the anchor still yields k.
	res, err := e.Query(ctx, query, k+1, filters)
	if err != nil {
		return nil, err
	}
	kept := res.Chunks[:0]
	for _, c := range res.Chunks {
		if id, _ := c.Metadata["attack_id"].(string); id == techniqueID {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) > k {
		kept = kept[:k]
	}
	res.Chunks = kept
	res.Query = query
	return res, nil
}
