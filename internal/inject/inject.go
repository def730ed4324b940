// Package inject renders retrieved memories into the XML memory block and
// splices it, together with the persona's system prompt, into the outbound
// conversation.
package inject

import (
	"fmt"
	"strings"
	"time"

	"github.com/mnemohq/mnemo/internal/retrieval"
	"github.com/mnemohq/mnemo/pkg/types"
)

// Injection modes. ModeMixed behaves identically to ModeSystem; it exists so
// clients migrating from setups that distinguished the two keep working.
const (
	ModeSystem   = "system"
	ModeMessages = "messages"
	ModeMixed    = "mixed"
)

// eventTimeLayout is the timestamp format used inside the memory block.
const eventTimeLayout = "2006-01-02 15:04"

// directive tells the model what to do with the block. It follows the XML so
// that models which skim the tail of the system prompt still see it.
const directive = "Answer the user's question based on the information above."

// RenderBlock renders the XML memory block for the given memories. Indexing
// is 1-based and follows the ranked order. Returns "" for an empty slice so
// callers can skip injection entirely.
//
// Memory content is escaped; the model sees literal text, never markup.
func RenderBlock(memories []retrieval.Scored) string {
	if len(memories) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<memory_context>\n  <related_knowledge>\n")
	for i, m := range memories {
		fmt.Fprintf(&b, "    <memory index=\"%d\">\n", i+1)
		fmt.Fprintf(&b, "      <content>%s</content>\n", escapeXML(m.Memory.Content))
		fmt.Fprintf(&b, "      <event_time>%s</event_time>\n", eventTime(m).Format(eventTimeLayout))
		b.WriteString("    </memory>\n")
	}
	b.WriteString("  </related_knowledge>\n</memory_context>\n\n")
	b.WriteString(directive)
	return b.String()
}

// Apply splices personaPrompt and the retrieved memories into messages
// according to mode, returning a new slice (the input is not mutated).
//
// The persona prompt always lands in the system turn: appended to an
// existing leading system message, or carried by a new one. In system and
// mixed modes the rendered memory block rides along in the same system turn.
// In messages mode each memory becomes its own system-role message, and the
// memory turns are prepended in rank order ahead of the whole conversation.
//
// No memories with an empty personaPrompt returns the input unchanged.
func Apply(messages []types.Message, personaPrompt string, memories []retrieval.Scored, mode string) []types.Message {
	if personaPrompt == "" && len(memories) == 0 {
		return messages
	}

	out := make([]types.Message, len(messages))
	copy(out, messages)

	systemExtra := personaPrompt
	if mode != ModeMessages {
		systemExtra = joinParts(systemExtra, RenderBlock(memories))
	}

	if systemExtra != "" {
		if len(out) > 0 && out[0].Role == "system" {
			out[0].Content = joinParts(out[0].Content, systemExtra)
		} else {
			out = append([]types.Message{{Role: "system", Content: systemExtra}}, out...)
		}
	}

	if mode == ModeMessages && len(memories) > 0 {
		turns := make([]types.Message, 0, len(memories)+len(out))
		for _, m := range memories {
			turns = append(turns, types.Message{Role: "system", Content: memoryTurn(m)})
		}
		out = append(turns, out...)
	}

	return out
}

// memoryTurn renders one memory as a standalone system message for messages
// mode.
func memoryTurn(m retrieval.Scored) string {
	return fmt.Sprintf("[Memory] %s (%s)", m.Memory.Content, eventTime(m).Format(eventTimeLayout))
}

// eventTime falls back to the creation time when no event time was extracted.
func eventTime(m retrieval.Scored) time.Time {
	if m.Memory.EventTime != nil {
		return *m.Memory.EventTime
	}
	return m.Memory.CreatedAt
}

// joinParts concatenates non-empty parts with a blank line between them.
func joinParts(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

// escapeXML escapes the five XML special characters.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
