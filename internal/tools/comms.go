package tools

import "strings"

// commSuffix is the naming convention for messaging-skill send tools.
const commSuffix = "_send"

// IsCommTool reports whether name follows the <skillId>_send pattern.
func IsCommTool(name string) bool {
	return strings.HasSuffix(name, commSuffix) && len(name) > len(commSuffix)
}

// CommSkillID extracts the skill id from a communication tool name.
func CommSkillID(name string) string {
	if !IsCommTool(name) {
		return ""
	}
	return strings.TrimSuffix(name, commSuffix)
}

// SelectCommTool picks the communication tool for side-channel notices.
// The configured default skill wins; otherwise the first registered
// _send tool (registry order is sorted, so the pick is deterministic).
// Returns nil when no communication tool is available.
func SelectCommTool(reg *Registry, defaultSkillID string) Tool {
	if defaultSkillID != "" {
		if t, ok := reg.Get(defaultSkillID + commSuffix); ok {
			return t
		}
	}
	for _, name := range reg.Names() {
		if IsCommTool(name) {
			t, _ := reg.Get(name)
			return t
		}
	}
	return nil
}
