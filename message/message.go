package message

import (
	"fmt"
	"sync"
	"time"
)

// Role represents the role of the message sender
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// Message represents a single message in a conversation
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Streaming is true while the message is still being appended to by an
	// in-flight generation session.
	Streaming bool `json:"streaming,omitempty"`

	// Error marks a message whose generation ended with a remote failure.
	// The accumulated text is preserved.
	Error bool `json:"error,omitempty"`
}

// NewMessage creates a new message with the given role and content
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        GenerateID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// AppendText appends streamed text to the message content.
func (m *Message) AppendText(text string) {
	m.Content += text
}

// Clone creates a copy of the message.
func Clone(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cloned := *msg
	return &cloned
}

// CloneMessages copies a slice of messages.
func CloneMessages(msgs []*Message) []*Message {
	if len(msgs) == 0 {
		return nil
	}
	clones := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		clones = append(clones, Clone(msg))
	}
	return clones
}

// idGenerator provides ID generation with minimal syscall overhead: time.Now
// is consulted once per call and a counter disambiguates IDs minted within
// the same nanosecond.
type idGenerator struct {
	mu      sync.Mutex
	counter int64
	lastTs  int64
}

var defaultIDGenerator = &idGenerator{}

// GenerateID generates a unique message ID.
func GenerateID() string {
	return defaultIDGenerator.Generate()
}

// Generate creates a unique message ID.
func (g *idGenerator) Generate() string {
	now := time.Now().UnixNano()

	g.mu.Lock()
	if now > g.lastTs {
		g.lastTs = now
		g.counter = 0
		g.mu.Unlock()
		return fmt.Sprintf("msg_%d", now)
	}

	g.counter++
	counter := g.counter
	g.mu.Unlock()

	return fmt.Sprintf("msg_%d_%d", now, counter)
}
