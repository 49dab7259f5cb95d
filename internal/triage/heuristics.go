package triage

import "strings"

// heuristicRule maps alert text to a candidate technique. The table is fixed
// and ordered; matches are case-insensitive substring checks over the alert
// summary and tags.
type heuristicRule struct {
	keywords  []string
	technique string
	tactic    string
}

var heuristicRules = []heuristicRule{
	{[]string{"brute force", "failed login", "failed password", "authentication failure"}, "T1110", "Credential Access"},
	{[]string{"password spray"}, "T1110.003", "Credential Access"},
	{[]string{"mimikatz", "lsass", "credential dump", "sam dump"}, "T1003", "Credential Access"},
	{[]string{"phishing", "malicious attachment", "suspicious link"}, "T1566", "Initial Access"},
	{[]string{"psexec", "smb lateral", "remote service", "winrm", "rdp from"}, "T1021", "Lateral Movement"},
	{[]string{"ssh lateral", "ssh from compromised"}, "T1021.004", "Lateral Movement"},
	{[]string{"powershell encoded", "encoded command", "obfuscated script"}, "T1059.001", "Execution"},
	{[]string{"scheduled task", "cron job created"}, "T1053", "Execution"},
	{[]string{"registry run key", "startup folder", "autorun"}, "T1547", "Persistence"},
	{[]string{"new service installed", "service creation"}, "T1543", "Persistence"},
	{[]string{"new account created", "user added"}, "T1136", "Persistence"},
	{[]string{"web shell"}, "T1505.003", "Persistence"},
	{[]string{"log cleared", "audit log deleted", "history cleared"}, "T1070", "Defense Evasion"},
	{[]string{"defender disabled", "av disabled", "security tool tamper"}, "T1562", "Defense Evasion"},
	{[]string{"port scan", "network scan", "nmap"}, "T1046", "Discovery"},
	{[]string{"beacon", "c2 channel", "command and control"}, "T1071", "Command and Control"},
	{[]string{"dns tunnel"}, "T1572", "Command and Control"},
	{[]string{"exfiltration", "large outbound transfer", "data staged"}, "T1041", "Exfiltration"},
	{[]string{"ransomware", "files encrypted", "encryption of files"}, "T1486", "Impact"},
}

// heuristicCandidates scans alert text against the keyword table.
func heuristicCandidates(summary string, tags []string) []Candidate {
	text := strings.ToLower(summary + " " + strings.Join(tags, " "))
	var out []Candidate
	seen := make(map[string]bool)
	for _, rule := range heuristicRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				if !seen[rule.technique] {
					seen[rule.technique] = true
					out = append(out, Candidate{
						TechniqueID: rule.technique,
						Tactic:      rule.tactic,
						Confidence:  weightHeuristic,
						Source:      SourceHeuristic,
					})
				}
				break
			}
		}
	}
	return out
}
