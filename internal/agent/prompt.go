package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// Skill is one enabled capability's instruction block, appended to the
// system prompt.
type Skill struct {
	ID           string
	Instructions string
}

// Tier preambles. Worded protocols, not capability lists: the model acts
// on these, the registry decides what it can actually call.
const (
	architectPreamble = `## Role protocol: Architect (tier 1)
You are the strategic root of the swarm. You do not execute leaf work
yourself. Break objectives into missions, spawn a manager per mission,
and delegate to each manager you spawn before ending your turn. Judge
results, re-plan, and report upward to the human.`

	managerPreamble = `## Role protocol: Manager (tier 2)
You own one mission. Split it into tasks, spawn workers for them, and
delegate each task. Collect worker results, resolve conflicts between
them, and return a consolidated result to the architect. Escalate
blockers instead of silently dropping them.`

	workerPreamble = `## Role protocol: Worker (tier 3)
You execute one concrete task with the tools available. Do the work,
verify it, and return the result. You cannot spawn agents; if the task
needs splitting, report that back. You may message peer workers when
coordination is required.`
)

// BuildSystemPrompt assembles the system slot: soul, tier preamble,
// skill instructions, then the memory recall block.
func BuildSystemPrompt(soul string, tier int, skills []Skill, recall []string) string {
	var b strings.Builder

	if soul = strings.TrimSpace(soul); soul != "" {
		b.WriteString(soul)
		b.WriteString("\n\n")
	}

	switch tier {
	case store.TierArchitect:
		b.WriteString(architectPreamble)
	case store.TierManager:
		b.WriteString(managerPreamble)
	default:
		b.WriteString(workerPreamble)
	}

	for _, s := range skills {
		if ins := strings.TrimSpace(s.Instructions); ins != "" {
			fmt.Fprintf(&b, "\n\n## Skill: %s\n%s", s.ID, ins)
		}
	}

	if len(recall) > 0 {
		b.WriteString("\n\n## Recalled memory\n")
		for _, m := range recall {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(m))
			b.WriteString("\n")
		}
	}

	return b.String()
}

// LoadSoul reads a soul file. Missing files yield an empty soul, not an
// error: an agent without a soul still has its tier protocol.
func LoadSoul(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// sanitizeAssistant strips reasoning markup some models leak into content.
func sanitizeAssistant(content string) string {
	for {
		start := strings.Index(content, "<think>")
		if start < 0 {
			break
		}
		end := strings.Index(content[start:], "</think>")
		if end < 0 {
			content = content[:start]
			break
		}
		content = content[:start] + content[start+end+len("</think>"):]
	}
	return strings.TrimSpace(content)
}
