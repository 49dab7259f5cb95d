package hypothesis

import (
	"fmt"
	"strings"

	"github.com/sentinelops/cybersentinel/internal/knowledge"
)

// DraftRule is a detection-rule skeleton for a technique the rule corpus
// does not cover yet. Each draft ships a positive and a negative test event
// so detection engineers can validate the logic before promoting it.
type DraftRule struct {
	TechniqueID   string                 `json:"technique_id"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Level         string                 `json:"level"`
	LogicYAML     string                 `json:"logic_yaml"`
	PositiveEvent map[string]interface{} `json:"positive_event"`
	NegativeEvent map[string]interface{} `json:"negative_event"`
}

// draftTemplate holds the per-tactic detection skeleton.
type draftTemplate struct {
	category  string
	condition string
	positive  map[string]interface{}
	negative  map[string]interface{}
}

var draftTemplates = map[string]draftTemplate{
	"Credential Access": {
		category:  "authentication",
		condition: "event.category: authentication and event.outcome: failure",
		positive: map[string]interface{}{
			"event.category": "authentication", "event.outcome": "failure",
			"source.ip": "203.0.113.7", "user.name": "root",
		},
		negative: map[string]interface{}{
			"event.category": "authentication", "event.outcome": "success",
			"source.ip": "198.51.100.10", "user.name": "svc-backup",
		},
	},
	"Lateral Movement": {
		category:  "network",
		condition: "event.category: network and destination.port: (445 or 3389 or 22) and network.direction: internal",
		positive: map[string]interface{}{
			"event.category": "network", "destination.port": 445,
			"network.direction": "internal", "source.ip": "10.0.0.12",
		},
		negative: map[string]interface{}{
			"event.category": "network", "destination.port": 443,
			"network.direction": "outbound", "source.ip": "10.0.0.12",
		},
	},
	"Persistence": {
		category:  "process",
		condition: "event.category: process and registry.path: *\\\\Run\\\\* ",
		positive: map[string]interface{}{
			"event.category": "process", "registry.path": "HKLM\\Software\\Microsoft\\Windows\\CurrentVersion\\Run\\updater",
		},
		negative: map[string]interface{}{
			"event.category": "process", "registry.path": "HKLM\\Software\\Vendor\\Settings",
		},
	},
	"Execution": {
		category:  "process",
		condition: "event.category: process and process.command_line: *-enc*",
		positive: map[string]interface{}{
			"event.category": "process", "process.name": "powershell.exe",
			"process.command_line": "powershell.exe -enc SQBFAFgA",
		},
		negative: map[string]interface{}{
			"event.category": "process", "process.name": "powershell.exe",
			"process.command_line": "powershell.exe Get-Date",
		},
	},
	"Exfiltration": {
		category:  "network",
		condition: "event.category: network and network.bytes > 100000000 and network.direction: outbound",
		positive: map[string]interface{}{
			"event.category": "network", "network.bytes": 500000000, "network.direction": "outbound",
		},
		negative: map[string]interface{}{
			"event.category": "network", "network.bytes": 120000, "network.direction": "outbound",
		},
	},
}

var genericTemplate = draftTemplate{
	category:  "process",
	condition: "event.category: process and event.type: start",
	positive: map[string]interface{}{
		"event.category": "process", "event.type": "start", "process.name": "suspicious.exe",
	},
	negative: map[string]interface{}{
		"event.category": "process", "event.type": "start", "process.name": "explorer.exe",
	},
}

// DraftGapRules drafts a rule skeleton for every kill-chain technique the
// existing corpus does not cover. covered holds technique ids that already
// have at least one detection rule.
func DraftGapRules(h *Hypothesis, covered map[string]bool) []DraftRule {
	var out []DraftRule
	for _, id := range h.KillChain {
		if covered[id] {
			continue
		}
		tactic := knowledge.TacticFor(id)
		tpl, ok := draftTemplates[tactic]
		if !ok {
			tpl = genericTemplate
		}
		level := "medium"
		if h.Severity == "high" || h.Severity == "critical" {
			level = "high"
		}
		out = append(out, DraftRule{
			TechniqueID: id,
			Title:       fmt.Sprintf("Draft: %s activity (%s)", tactic, id),
			Description: fmt.Sprintf("Auto-drafted from incident %s to close a detection gap for %s.", h.IncidentID, id),
			Level:       level,
			LogicYAML: fmt.Sprintf(
				"title: Draft %s detection\nstatus: experimental\ntags:\n  - attack.%s\nlogsource:\n  category: %s\ndetection:\n  selection:\n    %s\n  condition: selection\nlevel: %s\n",
				id, strings.ToLower(id), tpl.category, tpl.condition, level),
			PositiveEvent: tpl.positive,
			NegativeEvent: tpl.negative,
		})
	}
	return out
}
