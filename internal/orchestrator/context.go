package orchestrator

import (
	"fmt"
	"strings"

	"github.com/agora-ai/agora/internal/model"
	"github.com/agora-ai/agora/internal/provider"
	"github.com/agora-ai/agora/internal/tokens"
)

// defaultContextTokenCap bounds the prompt input for one turn.
const defaultContextTokenCap = 100_000

// buildPrompt assembles the message list for a participant's turn.
// History must be ordered by sequence number ascending and already
// restricted to the conversation's context window. The result stays
// under tokenCap minus the participant's reserved output budget, with
// one exception: the most recent message is always included.
func buildPrompt(counter *tokens.Counter, conv model.Conversation, history []model.Message, p model.Participant, round, tokenCap int) []provider.Message {
	if tokenCap <= 0 {
		tokenCap = defaultContextTokenCap
	}
	system := systemPreamble(conv, p, round)
	nudge := turnNudge(p, round, len(history) == 0)

	budget := tokenCap - p.MaxTokens
	budget -= counter.CountMessage(string(model.RoleSystem), system)
	budget -= counter.CountMessage(string(model.RoleUser), nudge)

	// Walk newest to oldest, greedily taking whole messages. The newest
	// message is taken unconditionally so the model always sees what it
	// is replying to.
	var picked []provider.Message
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		role, content := historyMessage(m, p)
		cost := counter.CountMessage(role, content)
		if len(picked) > 0 && cost > budget {
			break
		}
		budget -= cost
		picked = append(picked, provider.Message{Role: role, Content: content})
	}

	out := make([]provider.Message, 0, len(picked)+2)
	out = append(out, provider.Message{Role: string(model.RoleSystem), Content: system})
	for i := len(picked) - 1; i >= 0; i-- {
		out = append(out, picked[i])
	}
	out = append(out, provider.Message{Role: string(model.RoleUser), Content: nudge})
	return out
}

// historyMessage maps a prior turn into the current participant's view.
// Own turns stay assistant; everyone else collapses to user with an
// inline name prefix so attribution survives the role collapse.
func historyMessage(m model.Message, p model.Participant) (role, content string) {
	if m.ParticipantIndex == p.Index {
		return string(model.RoleAssistant), m.Content
	}
	return string(model.RoleUser), fmt.Sprintf("%s: %s", m.ParticipantName, m.Content)
}

func systemPreamble(conv model.Conversation, p model.Participant, round int) string {
	names := make([]string, len(conv.Participants))
	for i, part := range conv.Participants {
		names[i] = part.Name
	}

	var b strings.Builder
	if p.SystemPrompt != "" {
		b.WriteString(p.SystemPrompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are %s, a participant in a structured debate on the topic: %q.\n", p.Name, conv.Topic)
	// Rounds are zero-based internally; prompts show them one-based.
	fmt.Fprintf(&b, "The participants are: %s. This is round %d of %d.\n", strings.Join(names, ", "), round+1, conv.MaxRounds)
	b.WriteString("Engage directly with the other participants' arguments. Be substantive and avoid repeating points already made.")
	return b.String()
}

func turnNudge(p model.Participant, round int, opening bool) string {
	if opening {
		return fmt.Sprintf("It is now %s's turn (round %d). Present your opening argument on the topic.", p.Name, round+1)
	}
	return fmt.Sprintf("It is now %s's turn (round %d). Continue the debate.", p.Name, round+1)
}
