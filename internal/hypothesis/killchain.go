package hypothesis

import (
	"sort"

	"github.com/sentinelops/cybersentinel/internal/knowledge"
)

// OrderByKillChain sequences techniques along the canonical tactic order.
// Techniques in the same tactic keep their observation order, and unknown
// techniques sort last.
func OrderByKillChain(techniqueIDs []string) []string {
	out := make([]string, len(techniqueIDs))
	copy(out, techniqueIDs)
	sort.SliceStable(out, func(i, j int) bool {
		return knowledge.TacticRank(knowledge.TacticFor(out[i])) <
			knowledge.TacticRank(knowledge.TacticFor(out[j]))
	})
	return out
}

// distinctTactics returns the tactics covered by the techniques, in
// kill-chain order.
func distinctTactics(techniqueIDs []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range techniqueIDs {
		t := knowledge.TacticFor(id)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return knowledge.TacticRank(out[i]) < knowledge.TacticRank(out[j])
	})
	return out
}

// countByTactic buckets techniques per tactic.
func countByTactic(techniqueIDs []string) map[string]int {
	counts := make(map[string]int)
	for _, id := range techniqueIDs {
		if t := knowledge.TacticFor(id); t != "" {
			counts[t]++
		}
	}
	return counts
}
