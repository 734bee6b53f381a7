package config

import (
	"reflect"
	"slices"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	// CapabilityChanges holds, per changed agent, the capabilities to add
	// and remove. Only capability changes can be applied to a live agent.
	CapabilityChanges map[string]CapabilityChange

	RecurringChanged bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

type CapabilityChange struct {
	Added   []string
	Removed []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.RecurringChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{CapabilityChanges: make(map[string]CapabilityChange)}

	for id := range new.Agents {
		if _, ok := old.Agents[id]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, id)
		}
	}
	for id := range old.Agents {
		if _, ok := new.Agents[id]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, id)
		}
	}
	for id, newDef := range new.Agents {
		oldDef, ok := old.Agents[id]
		if !ok || reflect.DeepEqual(oldDef, newDef) {
			continue
		}
		d.AgentsChanged = append(d.AgentsChanged, id)

		capChange := CapabilityChange{
			Added:   missingFrom(newDef.Capabilities, oldDef.Capabilities),
			Removed: missingFrom(oldDef.Capabilities, newDef.Capabilities),
		}
		if len(capChange.Added) > 0 || len(capChange.Removed) > 0 {
			d.CapabilityChanges[id] = capChange
		}

		oldDef.Capabilities, newDef.Capabilities = nil, nil
		if !reflect.DeepEqual(oldDef, newDef) {
			d.NonReloadable = append(d.NonReloadable, "agents."+id)
		}
	}
	sort.Strings(d.AgentsAdded)
	sort.Strings(d.AgentsRemoved)
	sort.Strings(d.AgentsChanged)

	if !reflect.DeepEqual(old.Recurring, new.Recurring) {
		d.RecurringChanged = true
	}

	if !reflect.DeepEqual(old.NATS, new.NATS) {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if !reflect.DeepEqual(old.Store, new.Store) {
		d.NonReloadable = append(d.NonReloadable, "store")
	}
	if !reflect.DeepEqual(old.Hive, new.Hive) {
		d.NonReloadable = append(d.NonReloadable, "hive")
	}
	if !reflect.DeepEqual(old.Web, new.Web) {
		d.NonReloadable = append(d.NonReloadable, "web")
	}
	if old.Dispatch != new.Dispatch {
		d.NonReloadable = append(d.NonReloadable, "dispatch")
	}

	return d
}

// missingFrom returns the elements of a that are not in b.
func missingFrom(a, b []string) []string {
	var out []string
	for _, v := range a {
		if !slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
