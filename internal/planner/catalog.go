package planner

import (
	"time"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/playbook"
)

// CatalogEntry binds a playbook to the entity types it needs to run. A
// playbook is only selectable when the incident names at least one entity of
// every required type, since those become the variable bindings.
type CatalogEntry struct {
	Playbook         *playbook.Playbook
	RequiredEntities []frame.EntityType
}

// Catalog maps techniques to response playbooks.
type Catalog struct {
	entries     map[string]*CatalogEntry   // playbook id → entry
	byTechnique map[string][]*CatalogEntry // technique id → entries
}

// NewCatalog builds an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entries:     make(map[string]*CatalogEntry),
		byTechnique: make(map[string][]*CatalogEntry),
	}
}

// Register adds a playbook for the techniques it declares.
func (c *Catalog) Register(entry *CatalogEntry) {
	c.entries[entry.Playbook.ID] = entry
	for _, t := range entry.Playbook.Techniques {
		c.byTechnique[t] = append(c.byTechnique[t], entry)
	}
}

// ForTechnique returns the entries registered for a technique, trying the
// parent technique when a sub-technique has no direct mapping.
func (c *Catalog) ForTechnique(techniqueID string) []*CatalogEntry {
	if entries := c.byTechnique[techniqueID]; len(entries) > 0 {
		return entries
	}
	for i := len(techniqueID) - 1; i > 0; i-- {
		if techniqueID[i] == '.' {
			return c.byTechnique[techniqueID[:i]]
		}
	}
	return nil
}

// Get returns a playbook entry by id.
func (c *Catalog) Get(id string) (*CatalogEntry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// BuiltinCatalog is the default response library.
func BuiltinCatalog() *Catalog {
	c := NewCatalog()

	c.Register(&CatalogEntry{
		RequiredEntities: []frame.EntityType{frame.EntityIP},
		Playbook: &playbook.Playbook{
			ID: "block-attacker-ip", Name: "Block attacker IP",
			Description:       "Blocks the attacking address at the perimeter and logs the change.",
			RiskTier:          playbook.RiskLow,
			EstimatedDuration: 5 * time.Minute,
			Techniques:        []string{"T1110", "T1046", "T1071", "T1041"},
			Steps: []playbook.Step{
				{ID: "block", Action: "block_ip", Params: map[string]string{"ip": "${attacker.ip}"}},
				{ID: "firewall", Action: "update_firewall",
					Params:    map[string]string{"rule": "deny from ${attacker.ip}"},
					DependsOn: []string{"block"}},
				{ID: "log", Action: "log_action",
					Params:    map[string]string{"message": "blocked ${attacker.ip} for incident ${incident.id}"},
					DependsOn: []string{"firewall"}},
			},
		},
	})

	c.Register(&CatalogEntry{
		RequiredEntities: []frame.EntityType{frame.EntityUser},
		Playbook: &playbook.Playbook{
			ID: "reset-compromised-credentials", Name: "Reset compromised credentials",
			Description:       "Disables the account, resets its password and notifies the owner.",
			RiskTier:          playbook.RiskHigh,
			Irreversible:      true,
			EstimatedDuration: 15 * time.Minute,
			Techniques:        []string{"T1110", "T1003", "T1555", "T1552", "T1078"},
			Steps: []playbook.Step{
				{ID: "disable", Action: "disable_user", Params: map[string]string{"user": "${user.name}"}},
				{ID: "reset", Action: "reset_password",
					Params:    map[string]string{"user": "${user.name}"},
					DependsOn: []string{"disable"}},
				{ID: "notify", Action: "notify_stakeholders",
					Params:    map[string]string{"message": "credentials rotated for ${user.name}"},
					DependsOn: []string{"reset"}},
			},
		},
	})

	c.Register(&CatalogEntry{
		RequiredEntities: []frame.EntityType{frame.EntityHost},
		Playbook: &playbook.Playbook{
			ID: "isolate-compromised-host", Name: "Isolate compromised host",
			Description:       "Captures evidence, then removes the host from the network.",
			RiskTier:          playbook.RiskMedium,
			EstimatedDuration: 20 * time.Minute,
			Techniques:        []string{"T1021", "T1570", "T1059", "T1105"},
			Steps: []playbook.Step{
				{ID: "evidence", Action: "collect_evidence", Params: map[string]string{"host": "${host.id}"}},
				{ID: "isolate", Action: "isolate_host",
					Params:    map[string]string{"host": "${host.id}"},
					DependsOn: []string{"evidence"}},
				{ID: "scan", Action: "scan_system",
					Params:    map[string]string{"host": "${host.id}"},
					DependsOn: []string{"isolate"}},
			},
		},
	})

	c.Register(&CatalogEntry{
		RequiredEntities: []frame.EntityType{frame.EntityHost, frame.EntityFile},
		Playbook: &playbook.Playbook{
			ID: "quarantine-malware", Name: "Quarantine malware",
			Description:       "Quarantines the dropped file and kills its process tree.",
			RiskTier:          playbook.RiskMedium,
			EstimatedDuration: 10 * time.Minute,
			Techniques:        []string{"T1204", "T1547", "T1543", "T1505"},
			Steps: []playbook.Step{
				{ID: "quarantine", Action: "quarantine_file",
					Params: map[string]string{"host": "${host.id}", "path": "${file.path}"}},
				{ID: "kill", Action: "kill_process",
					Params:    map[string]string{"host": "${host.id}", "process": "${file.path}"},
					DependsOn: []string{"quarantine"}},
			},
		},
	})

	c.Register(&CatalogEntry{
		RequiredEntities: []frame.EntityType{frame.EntityHost},
		Playbook: &playbook.Playbook{
			ID: "restore-from-backup", Name: "Restore from backup",
			Description:       "Restores an encrypted or corrupted host from the last clean backup.",
			RiskTier:          playbook.RiskCritical,
			Irreversible:      true,
			EstimatedDuration: 120 * time.Minute,
			Techniques:        []string{"T1486", "T1490"},
			Steps: []playbook.Step{
				{ID: "evidence", Action: "collect_evidence", Params: map[string]string{"host": "${host.id}"}},
				{ID: "restore", Action: "restore_from_backup",
					Params:    map[string]string{"host": "${host.id}"},
					DependsOn: []string{"evidence"}},
				{ID: "verify", Action: "scan_system",
					Params:    map[string]string{"host": "${host.id}"},
					DependsOn: []string{"restore"}},
			},
		},
	})

	c.Register(&CatalogEntry{
		RequiredEntities: []frame.EntityType{frame.EntityHost},
		Playbook: &playbook.Playbook{
			ID: "collect-forensic-evidence", Name: "Collect forensic evidence",
			Description:       "Snapshots volatile state and system artifacts before responders act.",
			RiskTier:          playbook.RiskLow,
			EstimatedDuration: 30 * time.Minute,
			Steps: []playbook.Step{
				{ID: "collect", Action: "collect_evidence", Params: map[string]string{"host": "${host.id}"}},
				{ID: "backup", Action: "backup_system",
					Params:    map[string]string{"host": "${host.id}"},
					DependsOn: []string{"collect"}},
			},
		},
	})

	c.Register(&CatalogEntry{
		Playbook: &playbook.Playbook{
			ID: "notify-stakeholders", Name: "Notify stakeholders",
			Description:       "Pages the on-call responder and briefs incident stakeholders.",
			RiskTier:          playbook.RiskLow,
			EstimatedDuration: 5 * time.Minute,
			Steps: []playbook.Step{
				{ID: "notify", Action: "notify_stakeholders",
					Params: map[string]string{"message": "incident ${incident.id}: ${summary}"}},
			},
		},
	})

	return c
}
