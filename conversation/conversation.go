// Package conversation maintains the persistent conversation log: ordered
// message transcripts keyed by conversation ID, with titles derived from the
// first user turn and a truncate-and-replace operation backing edit and
// regenerate flows.
package conversation

import (
	"strings"
	"time"

	"github.com/converselab/converse/message"
)

// titleRuneLimit caps auto-derived conversation titles.
const titleRuneLimit = 48

// Conversation is an ordered transcript of messages.
type Conversation struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Messages  []*message.Message `json:"messages"`
	CreatedAt time.Time          `json:"created_at"`
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	return &Conversation{
		ID:        c.ID,
		Title:     c.Title,
		Messages:  message.CloneMessages(c.Messages),
		CreatedAt: c.CreatedAt,
	}
}

// deriveTitle builds a title from the first user message, truncated to a
// fixed rune budget.
func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	title = strings.ReplaceAll(title, "\n", " ")
	runes := []rune(title)
	if len(runes) > titleRuneLimit {
		title = strings.TrimSpace(string(runes[:titleRuneLimit]))
	}
	return title
}
