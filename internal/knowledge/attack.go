package knowledge

import "strings"

// Canonical kill-chain ordering of ATT&CK tactics, used to sequence
// techniques when reconstructing an attack chain.
var TacticOrder = []string{
	"Reconnaissance",
	"Resource Development",
	"Initial Access",
	"Execution",
	"Persistence",
	"Privilege Escalation",
	"Defense Evasion",
	"Credential Access",
	"Discovery",
	"Lateral Movement",
	"Collection",
	"Command and Control",
	"Exfiltration",
	"Impact",
}

var tacticRank = func() map[string]int {
	m := make(map[string]int, len(TacticOrder))
	for i, t := range TacticOrder {
		m[t] = i
	}
	return m
}()

// TacticRank returns the kill-chain position of a tactic, or a rank past the
// end for unknown tactics so they sort last.
func TacticRank(tactic string) int {
	if r, ok := tacticRank[tactic]; ok {
		return r
	}
	return len(TacticOrder)
}

// techniqueTactics maps the techniques the platform reasons about to their
// primary tactic. Sub-techniques fall back to their parent.
var techniqueTactics = map[string]string{
	"T1595": "Reconnaissance",
	"T1190": "Initial Access",
	"T1566": "Initial Access",
	"T1078": "Initial Access",
	"T1059": "Execution",
	"T1204": "Execution",
	"T1053": "Execution",
	"T1547": "Persistence",
	"T1543": "Persistence",
	"T1136": "Persistence",
	"T1505": "Persistence",
	"T1548": "Privilege Escalation",
	"T1068": "Privilege Escalation",
	"T1070": "Defense Evasion",
	"T1027": "Defense Evasion",
	"T1562": "Defense Evasion",
	"T1110": "Credential Access",
	"T1003": "Credential Access",
	"T1555": "Credential Access",
	"T1552": "Credential Access",
	"T1087": "Discovery",
	"T1046": "Discovery",
	"T1018": "Discovery",
	"T1021": "Lateral Movement",
	"T1570": "Lateral Movement",
	"T1005": "Collection",
	"T1560": "Collection",
	"T1071": "Command and Control",
	"T1105": "Command and Control",
	"T1572": "Command and Control",
	"T1041": "Exfiltration",
	"T1567": "Exfiltration",
	"T1486": "Impact",
	"T1489": "Impact",
	"T1490": "Impact",
}

// TacticFor resolves a technique (or sub-technique) to its primary tactic,
// empty when unknown.
func TacticFor(techniqueID string) string {
	id := strings.ToUpper(techniqueID)
	if t, ok := techniqueTactics[id]; ok {
		return t
	}
	// T1021.004 falls back to T1021.
	if dot := strings.Index(id, "."); dot > 0 {
		if t, ok := techniqueTactics[id[:dot]]; ok {
			return t
		}
	}
	return ""
}
