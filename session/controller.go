// Package session drives streaming generation turns against a conversation:
// starting a reply, stopping it mid-stream, continuing a stopped reply in
// place, regenerating a reply, and editing a past user turn to fork the
// conversation. One generation runs at a time per controller.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/converselab/converse/conversation"
	"github.com/converselab/converse/directive"
	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/message"
	"github.com/converselab/converse/pkg/logging"
	"github.com/converselab/converse/pkg/telemetry"
	"github.com/converselab/converse/relay"
	"github.com/converselab/converse/tokenizer"
)

// State describes what the controller is doing.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateErrored   State = "errored"
)

// continueInstruction asks the model to resume a reply that was stopped
// mid-stream.
const continueInstruction = "Continue your previous reply exactly where it stopped. Do not repeat text you already produced."

// errorSuffix is appended to the partial reply when a stream fails.
const errorSuffix = "\n\n[reply interrupted by a service error]"

// Publisher receives message snapshots as streamed text accumulates.
type Publisher func(conversationID string, msg *message.Message)

// Option configures a Controller.
type Option func(*Controller)

// WithSystemPrompt sets the system prompt sent with every generation.
func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) { c.system = prompt }
}

// WithPublisher sets the callback invoked with message snapshots during
// streaming.
func WithPublisher(publish Publisher) Option {
	return func(c *Controller) { c.publish = publish }
}

// WithHistoryBudget caps the token count of history sent to the model,
// dropping oldest turns first. A nil counter falls back to the byte
// heuristic.
func WithHistoryBudget(budget int, counter tokenizer.Counter) Option {
	return func(c *Controller) {
		c.historyBudget = budget
		if counter != nil {
			c.counter = counter
		}
	}
}

// Controller orchestrates one generation at a time over a conversation log.
type Controller struct {
	mu        sync.Mutex
	relay     *relay.Relay
	log       *conversation.Log
	extractor *directive.Extractor

	system        string
	publish       Publisher
	historyBudget int
	counter       tokenizer.Counter

	state         State
	stopRequested atomic.Bool
	// interruptedID is the model message a stopped stream was writing to;
	// only that message can be continued.
	interruptedID string

	logger *slog.Logger
	tracer trace.Tracer
}

// NewController creates a controller over the given relay, log and extractor.
func NewController(r *relay.Relay, log *conversation.Log, ext *directive.Extractor, opts ...Option) *Controller {
	c := &Controller{
		relay:     r,
		log:       log,
		extractor: ext,
		state:     StateIdle,
		counter:   tokenizer.Heuristic{},
		logger:    logging.WithComponent("session"),
		tracer:    otel.Tracer("converse/session"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// begin transitions into streaming, rejecting the call if a stream is
// already running.
func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStreaming {
		return fmt.Errorf("a generation is already in progress: %w", cerrors.ErrInvalidInput)
	}
	c.state = StateStreaming
	c.stopRequested.Store(false)
	c.interruptedID = ""
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Start appends the user input to the conversation and streams a reply. It
// returns once the stream settles; stream failures are recorded on the reply
// message rather than returned.
func (c *Controller) Start(ctx context.Context, convID, input string) error {
	if err := c.begin(); err != nil {
		return err
	}

	userMsg := message.NewMessage(message.RoleUser, input)
	if err := c.log.Append(ctx, convID, userMsg); err != nil {
		c.setState(StateIdle)
		return err
	}
	c.publishSnapshot(convID, userMsg)

	return c.streamReply(ctx, convID, "", false)
}

// Stop requests that the running stream halt at the next fragment boundary.
// It is safe to call from another goroutine; calling it with no stream
// running has no effect.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStreaming {
		c.stopRequested.Store(true)
	}
}

// Continue resumes a stopped reply, appending new text to the same message.
// Only the message the stopped stream was writing to can be continued.
func (c *Controller) Continue(ctx context.Context, convID, msgID string) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return fmt.Errorf("nothing to continue in state %s: %w", c.state, cerrors.ErrInvalidInput)
	}
	if msgID != c.interruptedID {
		c.mu.Unlock()
		return fmt.Errorf("message %s was not interrupted: %w", msgID, cerrors.ErrInvalidInput)
	}
	c.mu.Unlock()

	if err := c.begin(); err != nil {
		return err
	}
	return c.streamReply(ctx, convID, msgID, true)
}

// Regenerate replaces a model reply with a freshly generated one. The
// conversation is forked at the user turn that produced the reply; the old
// reply and everything after it are discarded.
func (c *Controller) Regenerate(ctx context.Context, convID, modelMsgID string) error {
	conv, err := c.log.Get(convID)
	if err != nil {
		return err
	}

	idx := -1
	for i, msg := range conv.Messages {
		if msg.ID == modelMsgID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("message %s: %w", modelMsgID, cerrors.ErrNotFound)
	}

	var userMsg *message.Message
	for i := idx - 1; i >= 0; i-- {
		if conv.Messages[i].Role == message.RoleUser {
			userMsg = conv.Messages[i]
			break
		}
	}
	if userMsg == nil {
		return fmt.Errorf("no user turn precedes message %s: %w", modelMsgID, cerrors.ErrInvalidInput)
	}

	return c.EditAndFork(ctx, convID, userMsg.ID, userMsg.Content)
}

// EditAndFork rewrites a past user turn and regenerates from there. The
// edited turn and everything after it are discarded and replaced.
func (c *Controller) EditAndFork(ctx context.Context, convID, userMsgID, newText string) error {
	if err := c.begin(); err != nil {
		return err
	}

	replacement, err := c.log.TruncateAndReplace(ctx, convID, userMsgID, newText)
	if err != nil {
		c.setState(StateIdle)
		return err
	}
	c.publishSnapshot(convID, replacement)

	return c.streamReply(ctx, convID, "", false)
}

// streamReply runs one generation stream against the conversation tail. For
// a fresh reply it creates a new model message; for a continuation it appends
// to the message identified by reuseMsgID.
func (c *Controller) streamReply(ctx context.Context, convID, reuseMsgID string, contin bool) (err error) {
	ctx, span := c.tracer.Start(ctx, "session.stream",
		trace.WithAttributes(
			attribute.String("conversation.id", convID),
			attribute.Bool("continue", contin),
		))
	defer func() { telemetry.End(span, err) }()

	conv, err := c.log.Get(convID)
	if err != nil {
		c.setState(StateIdle)
		return err
	}

	var modelMsg *message.Message
	var req *relay.Request

	if contin {
		for _, msg := range conv.Messages {
			if msg.ID == reuseMsgID {
				modelMsg = msg
				break
			}
		}
		if modelMsg == nil {
			c.setState(StateIdle)
			return fmt.Errorf("message %s: %w", reuseMsgID, cerrors.ErrNotFound)
		}
		streaming := true
		if uerr := c.log.Update(convID, modelMsg.ID, conversation.Patch{Streaming: &streaming}); uerr != nil {
			c.setState(StateIdle)
			return uerr
		}
		// The partial reply stays in history so the model can pick up
		// where it left off.
		req = &relay.Request{
			System:  c.system,
			History: conv.Messages,
			Input:   continueInstruction,
		}
	} else {
		if len(conv.Messages) == 0 || conv.Messages[len(conv.Messages)-1].Role != message.RoleUser {
			c.setState(StateIdle)
			return fmt.Errorf("conversation does not end with a user turn: %w", cerrors.ErrInvalidInput)
		}
		last := conv.Messages[len(conv.Messages)-1]
		req = &relay.Request{
			System:  c.system,
			History: conv.Messages[:len(conv.Messages)-1],
			Input:   last.Content,
		}

		modelMsg = message.NewMessage(message.RoleModel, "")
		modelMsg.Streaming = true
		if aerr := c.log.Append(ctx, convID, modelMsg); aerr != nil {
			c.setState(StateIdle)
			return aerr
		}
	}
	c.publishSnapshot(convID, modelMsg)

	req.History = c.trimHistory(req.History)

	stream, openErr := c.relay.OpenStream(ctx, req)
	if openErr != nil {
		c.failStream(ctx, convID, modelMsg, openErr)
		return nil
	}
	defer stream.Close()

	for stream.Next() {
		if c.stopRequested.Load() {
			break
		}

		visible := c.extractor.Apply(ctx, stream.Current())
		if visible == "" {
			continue
		}

		modelMsg.AppendText(visible)
		content := modelMsg.Content
		if uerr := c.log.Update(convID, modelMsg.ID, conversation.Patch{Content: &content}); uerr != nil {
			c.failStream(ctx, convID, modelMsg, uerr)
			return nil
		}
		c.publishSnapshot(convID, modelMsg)
	}

	if c.stopRequested.Load() {
		c.settleStream(ctx, convID, modelMsg)
		c.mu.Lock()
		c.state = StateStopped
		c.interruptedID = modelMsg.ID
		c.mu.Unlock()
		c.logger.Info("stream stopped", "conversation_id", convID, "message_id", modelMsg.ID)
		return nil
	}

	if serr := stream.Err(); serr != nil {
		c.failStream(ctx, convID, modelMsg, serr)
		return nil
	}

	c.settleStream(ctx, convID, modelMsg)
	c.setState(StateCompleted)
	c.logger.Info("stream completed", "conversation_id", convID, "message_id", modelMsg.ID)
	return nil
}

// failStream records a stream failure on the reply message: the partial text
// is kept, an error notice is appended, and the error flag is set. Stream
// failures never propagate as errors from the controller.
func (c *Controller) failStream(ctx context.Context, convID string, msg *message.Message, cause error) {
	c.logger.Error("stream failed", "conversation_id", convID, "message_id", msg.ID, "error", cause)

	msg.Content += errorSuffix
	msg.Error = true
	content := msg.Content
	if err := c.log.Update(convID, msg.ID, conversation.Patch{Content: &content, Error: &msg.Error}); err != nil {
		c.logger.Error("failed to record stream error", "message_id", msg.ID, "error", err)
	}
	c.settleStream(ctx, convID, msg)
	c.setState(StateErrored)
}

// settleStream clears the streaming flag, flushes the conversation and
// publishes the final snapshot.
func (c *Controller) settleStream(ctx context.Context, convID string, msg *message.Message) {
	streaming := false
	msg.Streaming = false
	if err := c.log.Update(convID, msg.ID, conversation.Patch{Streaming: &streaming}); err != nil {
		c.logger.Error("failed to clear streaming flag", "message_id", msg.ID, "error", err)
	}
	if err := c.log.Flush(ctx, convID); err != nil {
		c.logger.Error("failed to flush conversation", "conversation_id", convID, "error", err)
	}
	c.publishSnapshot(convID, msg)
}

// trimHistory drops oldest turns until the history fits the token budget.
// A zero budget means unlimited.
func (c *Controller) trimHistory(history []*message.Message) []*message.Message {
	if c.historyBudget <= 0 || len(history) == 0 {
		return history
	}

	total := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += c.counter.Count(history[i].Content)
		if total > c.historyBudget {
			break
		}
		cut = i
	}
	if cut == 0 {
		return history
	}

	c.logger.Debug("history trimmed", "dropped", cut, "kept", len(history)-cut)
	return history[cut:]
}

func (c *Controller) publishSnapshot(convID string, msg *message.Message) {
	if c.publish == nil {
		return
	}
	c.publish(convID, message.Clone(msg))
}
