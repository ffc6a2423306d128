package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	stderrors "errors"

	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/kv"
	"github.com/converselab/converse/message"
	"github.com/converselab/converse/pkg/logging"
)

// indexKey lists the IDs of every stored conversation.
const indexKey = "converse:conversations"

func conversationKey(id string) string {
	return "converse:conversation:" + id
}

// Patch describes a partial update to a message. Nil fields are left
// untouched.
type Patch struct {
	Content   *string
	Streaming *bool
	Error     *bool
}

// Log stores conversations in memory and persists them through a key-value
// store. Append, fork, rename and delete persist synchronously; streaming
// content updates stay in memory until Flush, so a crash mid-stream loses at
// most the partial reply text.
type Log struct {
	mu            sync.RWMutex
	store         kv.Store
	conversations map[string]*Conversation
	logger        *slog.Logger
}

// NewLog creates a log backed by the given store.
func NewLog(store kv.Store) *Log {
	return &Log{
		store:         store,
		conversations: make(map[string]*Conversation),
		logger:        logging.WithComponent("conversation_log"),
	}
}

// LoadAll restores every persisted conversation. Conversations listed in the
// index but missing or unreadable are skipped with a warning.
func (l *Log) LoadAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.store.Get(ctx, indexKey)
	if err != nil {
		if stderrors.Is(err, cerrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load conversation index: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		l.logger.Warn("discarding unreadable conversation index", "error", err)
		return nil
	}

	for _, id := range ids {
		data, err := l.store.Get(ctx, conversationKey(id))
		if err != nil {
			l.logger.Warn("skipping missing conversation", "conversation_id", id, "error", err)
			continue
		}
		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			l.logger.Warn("skipping unreadable conversation", "conversation_id", id, "error", err)
			continue
		}
		l.conversations[conv.ID] = &conv
	}

	l.logger.Info("conversations loaded", "count", len(l.conversations))
	return nil
}

// Create starts a new empty conversation. An empty title is derived later
// from the first user message.
func (l *Log) Create(ctx context.Context, title string) (*Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv := &Conversation{
		ID:        message.GenerateID(),
		Title:     title,
		Messages:  []*message.Message{},
		CreatedAt: time.Now(),
	}
	l.conversations[conv.ID] = conv

	if err := l.persistLocked(ctx, conv); err != nil {
		return nil, err
	}
	l.logger.Info("conversation created", "conversation_id", conv.ID)
	return conv.Clone(), nil
}

// Get returns a copy of the conversation.
func (l *Log) Get(id string) (*Conversation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	conv, ok := l.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, cerrors.ErrNotFound)
	}
	return conv.Clone(), nil
}

// List returns copies of all conversations, newest first.
func (l *Log) List() []*Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Conversation, 0, len(l.conversations))
	for _, conv := range l.conversations {
		out = append(out, conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Append adds a message to the end of a conversation and persists it. The
// first user message titles an untitled conversation.
func (l *Log) Append(ctx context.Context, convID string, msg *message.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv, ok := l.conversations[convID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", convID, cerrors.ErrNotFound)
	}

	conv.Messages = append(conv.Messages, message.Clone(msg))
	if conv.Title == "" && msg.Role == message.RoleUser {
		conv.Title = deriveTitle(msg.Content)
	}

	return l.persistLocked(ctx, conv)
}

// Update applies a patch to a message in memory only. Streamed fragments
// arrive through here; call Flush once the stream settles.
func (l *Log) Update(convID, msgID string, patch Patch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv, ok := l.conversations[convID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", convID, cerrors.ErrNotFound)
	}

	for _, msg := range conv.Messages {
		if msg.ID != msgID {
			continue
		}
		if patch.Content != nil {
			msg.Content = *patch.Content
		}
		if patch.Streaming != nil {
			msg.Streaming = *patch.Streaming
		}
		if patch.Error != nil {
			msg.Error = *patch.Error
		}
		return nil
	}
	return fmt.Errorf("message %s in conversation %s: %w", msgID, convID, cerrors.ErrNotFound)
}

// Flush persists the current in-memory state of a conversation.
func (l *Log) Flush(ctx context.Context, convID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv, ok := l.conversations[convID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", convID, cerrors.ErrNotFound)
	}
	return l.persistLocked(ctx, conv)
}

// TruncateAndReplace discards the message with msgID and everything after it,
// then appends a fresh message with the same role and the given text. This is
// the destructive fork behind editing a past turn; the discarded suffix is
// not recoverable.
func (l *Log) TruncateAndReplace(ctx context.Context, convID, msgID, newText string) (*message.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv, ok := l.conversations[convID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", convID, cerrors.ErrNotFound)
	}

	idx := -1
	for i, msg := range conv.Messages {
		if msg.ID == msgID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("message %s in conversation %s: %w", msgID, convID, cerrors.ErrNotFound)
	}

	replacement := message.NewMessage(conv.Messages[idx].Role, newText)
	conv.Messages = append(conv.Messages[:idx], replacement)

	if err := l.persistLocked(ctx, conv); err != nil {
		return nil, err
	}
	l.logger.Info("conversation forked", "conversation_id", convID, "dropped_after", idx)
	return message.Clone(replacement), nil
}

// Rename sets a conversation title and persists it.
func (l *Log) Rename(ctx context.Context, convID, title string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv, ok := l.conversations[convID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", convID, cerrors.ErrNotFound)
	}
	conv.Title = title
	return l.persistLocked(ctx, conv)
}

// Delete removes a conversation and its persisted record.
func (l *Log) Delete(ctx context.Context, convID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.conversations[convID]; !ok {
		return fmt.Errorf("conversation %s: %w", convID, cerrors.ErrNotFound)
	}
	delete(l.conversations, convID)

	if err := l.store.Delete(ctx, conversationKey(convID)); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if err := l.persistIndexLocked(ctx); err != nil {
		return err
	}
	l.logger.Info("conversation deleted", "conversation_id", convID)
	return nil
}

func (l *Log) persistLocked(ctx context.Context, conv *Conversation) error {
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := l.store.Set(ctx, conversationKey(conv.ID), raw); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	return l.persistIndexLocked(ctx)
}

func (l *Log) persistIndexLocked(ctx context.Context) error {
	ids := make([]string, 0, len(l.conversations))
	for id := range l.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation index: %w", err)
	}
	if err := l.store.Set(ctx, indexKey, raw); err != nil {
		return fmt.Errorf("failed to persist conversation index: %w", err)
	}
	return nil
}
