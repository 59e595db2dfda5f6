package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/first-fluke/cratos/internal/agents"
)

// mentionPattern matches "@name " the same way the reference orchestrator's
// MENTION_REGEX does: an @ sigil, a word of identifier characters, and at
// least one trailing space separating it from the prompt text.
var mentionPattern = regexp.MustCompile(`@(\w+)\s+`)

// PersonaTask is one persona's share of a user message: which persona it
// is addressed to, the prompt text that persona should act on, and whether
// the persona was named explicitly with an @mention or inferred.
type PersonaTask struct {
	AgentID         string
	Prompt          string
	ExplicitMention bool
}

// ParsePersonaTasks splits input into one PersonaTask per @mention, mirroring
// the reference orchestrator's parse_input: zero mentions yields a single
// implicit task for defaultAgent, one mention yields a single explicit task,
// and multiple mentions split input into one task per mention, bounded by
// the next mention's start (or end of string for the last one).
func ParsePersonaTasks(input, defaultAgent string) []PersonaTask {
	matches := mentionPattern.FindAllStringSubmatchIndex(input, -1)
	if len(matches) == 0 {
		prompt := strings.TrimSpace(input)
		if prompt == "" {
			return nil
		}
		return []PersonaTask{{AgentID: defaultAgent, Prompt: prompt, ExplicitMention: false}}
	}

	if len(matches) == 1 {
		m := matches[0]
		agentID := input[m[2]:m[3]]
		prompt := strings.TrimSpace(input[m[1]:])
		if prompt == "" {
			return nil
		}
		return []PersonaTask{{AgentID: agentID, Prompt: prompt, ExplicitMention: true}}
	}

	tasks := make([]PersonaTask, 0, len(matches))
	for i, m := range matches {
		agentID := input[m[2]:m[3]]
		start := m[1]
		end := len(input)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		prompt := strings.TrimSpace(input[start:end])
		if prompt == "" {
			continue
		}
		tasks = append(tasks, PersonaTask{AgentID: agentID, Prompt: prompt, ExplicitMention: true})
	}
	return tasks
}

// PersonaPromptBlock renders the active-persona block folded into the
// effective system prompt: the persona's configured identity/description
// (resolved via internal/agents.ResolveAgentIdentity, the same per-agent
// config lookup the channel adapters use) followed by the router's
// matched skill hint, if any.
func PersonaPromptBlock(cfg *agents.Config, agentID, skillHint string) string {
	if agentID == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are acting as the persona \"%s\".", agentID)
	if identity := agents.ResolveAgentIdentity(cfg, agentID); identity != nil {
		if name := strings.TrimSpace(identity.Name); name != "" {
			fmt.Fprintf(&b, " Display name: %s.", name)
		}
		if desc := strings.TrimSpace(identity.Description); desc != "" {
			fmt.Fprintf(&b, " %s", desc)
		}
	}
	if hint := strings.TrimSpace(skillHint); hint != "" {
		fmt.Fprintf(&b, "\n\nMatched skill: %s", hint)
	}
	return b.String()
}

// ComposeSystemPrompt concatenates the base system prompt with an optional
// persona block, per the orchestrator's "effective system prompt is the
// concatenation of the base prompt, the active-persona block, and any
// matched skill hint" resolution step.
func ComposeSystemPrompt(base, personaBlock string) string {
	base = strings.TrimSpace(base)
	personaBlock = strings.TrimSpace(personaBlock)
	switch {
	case base == "":
		return personaBlock
	case personaBlock == "":
		return base
	default:
		return base + "\n\n" + personaBlock
	}
}
