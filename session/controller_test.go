package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/converselab/converse/conversation"
	"github.com/converselab/converse/credential"
	"github.com/converselab/converse/directive"
	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/kv"
	"github.com/converselab/converse/memory"
	"github.com/converselab/converse/message"
	"github.com/converselab/converse/relay"
	"github.com/converselab/converse/tokenizer"
)

// scriptedStream emits a fixed list of fragments. onFragment runs before each
// fragment is handed out, letting tests interleave controller calls with the
// stream. A non-nil failErr surfaces through Err once the fragments run out.
type scriptedStream struct {
	fragments  []string
	pos        int
	failErr    error
	onFragment func(i int)
	closed     bool
}

func (s *scriptedStream) Next() bool {
	if s.pos >= len(s.fragments) {
		return false
	}
	if s.onFragment != nil {
		s.onFragment(s.pos)
	}
	s.pos++
	return true
}

func (s *scriptedStream) Current() string { return s.fragments[s.pos-1] }
func (s *scriptedStream) Err() error      { return s.failErr }
func (s *scriptedStream) Close() error    { s.closed = true; return nil }

// scriptedClient hands out streams in order and records every request.
type scriptedClient struct {
	mu       sync.Mutex
	streams  []*scriptedStream
	requests []*relay.Request
	onOpen   func()
}

func (c *scriptedClient) OpenStream(ctx context.Context, cred string, req *relay.Request) (relay.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, req)
	if c.onOpen != nil {
		c.onOpen()
	}
	if len(c.streams) == 0 {
		return nil, errors.New("no scripted stream")
	}
	st := c.streams[0]
	c.streams = c.streams[1:]
	return st, nil
}

func (c *scriptedClient) Generate(ctx context.Context, cred string, req *relay.Request) (string, error) {
	return "", errors.New("not implemented")
}

func (c *scriptedClient) push(st *scriptedStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = append(c.streams, st)
}

func newTestController(t *testing.T, client *scriptedClient, opts ...Option) (*Controller, *conversation.Log, string) {
	t.Helper()

	store := kv.NewInMemoryStore()
	pool := credential.NewPool(store)
	if err := pool.Initialize(context.Background(), "test-key"); err != nil {
		t.Fatalf("Failed to initialize pool: %v", err)
	}

	log := conversation.NewLog(store)
	conv, err := log.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}

	ext := directive.NewExtractor(memory.NewStore(store))
	ctrl := NewController(relay.New(pool, client), log, ext, opts...)
	return ctrl, log, conv.ID
}

func lastMessage(t *testing.T, log *conversation.Log, convID string) *message.Message {
	t.Helper()
	conv, err := log.Get(convID)
	if err != nil {
		t.Fatalf("Failed to get conversation: %v", err)
	}
	if len(conv.Messages) == 0 {
		t.Fatal("Conversation is empty")
	}
	return conv.Messages[len(conv.Messages)-1]
}

func TestStartStreamsToCompletion(t *testing.T) {
	client := &scriptedClient{}
	client.push(&scriptedStream{fragments: []string{"The answer", " is 42."}})
	ctrl, log, convID := newTestController(t, client)

	if err := ctrl.Start(context.Background(), convID, "What is the answer?"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if ctrl.State() != StateCompleted {
		t.Errorf("Expected StateCompleted, got %s", ctrl.State())
	}

	conv, _ := log.Get(convID)
	if len(conv.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(conv.Messages))
	}
	reply := conv.Messages[1]
	if reply.Role != message.RoleModel {
		t.Errorf("Expected model reply, got %s", reply.Role)
	}
	if reply.Content != "The answer is 42." {
		t.Errorf("Expected full reply, got %q", reply.Content)
	}
	if reply.Streaming {
		t.Error("Expected streaming flag cleared")
	}

	// The request carried the user text as input, not as history.
	req := client.requests[0]
	if req.Input != "What is the answer?" {
		t.Errorf("Expected user text as input, got %q", req.Input)
	}
	if len(req.History) != 0 {
		t.Errorf("Expected empty history for first turn, got %d", len(req.History))
	}
}

func TestStartRejectsConcurrentStream(t *testing.T) {
	client := &scriptedClient{}
	var second error
	client.push(&scriptedStream{
		fragments: []string{"a", "b"},
	})
	ctrl, _, convID := newTestController(t, client)

	client.streams[0].onFragment = func(i int) {
		if i == 0 {
			second = ctrl.Start(context.Background(), convID, "again")
		}
	}

	if err := ctrl.Start(context.Background(), convID, "first"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !errors.Is(second, cerrors.ErrInvalidInput) {
		t.Errorf("Expected concurrent start rejected, got %v", second)
	}
}

func TestStopBeforeFirstFragment(t *testing.T) {
	client := &scriptedClient{}
	client.push(&scriptedStream{fragments: []string{"never shown"}})
	ctrl, log, convID := newTestController(t, client)

	client.onOpen = ctrl.Stop

	if err := ctrl.Start(context.Background(), convID, "hello"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if ctrl.State() != StateStopped {
		t.Errorf("Expected StateStopped, got %s", ctrl.State())
	}
	reply := lastMessage(t, log, convID)
	if reply.Content != "" {
		t.Errorf("Expected empty reply, got %q", reply.Content)
	}
	if reply.Streaming {
		t.Error("Expected streaming flag cleared")
	}
}

func TestStopMidStreamKeepsPartialText(t *testing.T) {
	client := &scriptedClient{}
	st := &scriptedStream{fragments: []string{"The answer is", " 42."}}
	client.push(st)
	ctrl, log, convID := newTestController(t, client)

	st.onFragment = func(i int) {
		if i == 1 {
			ctrl.Stop()
		}
	}

	if err := ctrl.Start(context.Background(), convID, "question"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if ctrl.State() != StateStopped {
		t.Errorf("Expected StateStopped, got %s", ctrl.State())
	}
	reply := lastMessage(t, log, convID)
	if reply.Content != "The answer is" {
		t.Errorf("Expected partial text preserved, got %q", reply.Content)
	}
	if !st.closed {
		t.Error("Expected stream closed after stop")
	}
}

func TestContinueExtendsStoppedReply(t *testing.T) {
	client := &scriptedClient{}
	st := &scriptedStream{fragments: []string{"The answer is", " never"}}
	client.push(st)
	ctrl, log, convID := newTestController(t, client)

	st.onFragment = func(i int) {
		if i == 1 {
			ctrl.Stop()
		}
	}
	if err := ctrl.Start(context.Background(), convID, "question"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stopped := lastMessage(t, log, convID)

	client.push(&scriptedStream{fragments: []string{" 42."}})
	if err := ctrl.Continue(context.Background(), convID, stopped.ID); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	if ctrl.State() != StateCompleted {
		t.Errorf("Expected StateCompleted, got %s", ctrl.State())
	}
	reply := lastMessage(t, log, convID)
	if reply.ID != stopped.ID {
		t.Errorf("Expected continuation in the same message, got %s vs %s", reply.ID, stopped.ID)
	}
	if !strings.HasPrefix(reply.Content, "The answer is") {
		t.Errorf("Expected strict extension of partial text, got %q", reply.Content)
	}
	if reply.Content != "The answer is 42." {
		t.Errorf("Expected extended reply, got %q", reply.Content)
	}

	// The continuation request carried the partial reply in history and the
	// resume instruction as input.
	req := client.requests[1]
	if req.Input != continueInstruction {
		t.Errorf("Expected resume instruction, got %q", req.Input)
	}
	foundPartial := false
	for _, m := range req.History {
		if m.ID == stopped.ID {
			foundPartial = true
		}
	}
	if !foundPartial {
		t.Error("Expected partial reply in continuation history")
	}
}

func TestContinueRejectedWhenNotStopped(t *testing.T) {
	client := &scriptedClient{}
	client.push(&scriptedStream{fragments: []string{"done"}})
	ctrl, log, convID := newTestController(t, client)

	if err := ctrl.Start(context.Background(), convID, "q"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	reply := lastMessage(t, log, convID)
	if err := ctrl.Continue(context.Background(), convID, reply.ID); !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestStreamErrorPreservesPartialText(t *testing.T) {
	client := &scriptedClient{}
	client.push(&scriptedStream{
		fragments: []string{"partial reply"},
		failErr:   errors.New("connection reset"),
	})
	ctrl, log, convID := newTestController(t, client)

	// Stream failures attach to the message; the call itself succeeds.
	if err := ctrl.Start(context.Background(), convID, "q"); err != nil {
		t.Fatalf("Start returned error for stream failure: %v", err)
	}

	if ctrl.State() != StateErrored {
		t.Errorf("Expected StateErrored, got %s", ctrl.State())
	}
	reply := lastMessage(t, log, convID)
	if !reply.Error {
		t.Error("Expected error flag on reply")
	}
	if !strings.HasPrefix(reply.Content, "partial reply") {
		t.Errorf("Expected partial text preserved, got %q", reply.Content)
	}
	if !strings.HasSuffix(reply.Content, errorSuffix) {
		t.Errorf("Expected error suffix, got %q", reply.Content)
	}
	if reply.Streaming {
		t.Error("Expected streaming flag cleared")
	}
}

func TestOpenFailureAttachesToReply(t *testing.T) {
	client := &scriptedClient{} // no scripted streams: open fails
	ctrl, log, convID := newTestController(t, client)

	if err := ctrl.Start(context.Background(), convID, "q"); err != nil {
		t.Fatalf("Start returned error for open failure: %v", err)
	}

	if ctrl.State() != StateErrored {
		t.Errorf("Expected StateErrored, got %s", ctrl.State())
	}
	reply := lastMessage(t, log, convID)
	if !reply.Error {
		t.Error("Expected error flag on reply")
	}
}

func TestRegenerateDiscardsOldReply(t *testing.T) {
	client := &scriptedClient{}
	client.push(&scriptedStream{fragments: []string{"first version"}})
	ctrl, log, convID := newTestController(t, client)

	if err := ctrl.Start(context.Background(), convID, "question"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	oldReply := lastMessage(t, log, convID)

	client.push(&scriptedStream{fragments: []string{"second version"}})
	if err := ctrl.Regenerate(context.Background(), convID, oldReply.ID); err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}

	conv, _ := log.Get(convID)
	if len(conv.Messages) != 2 {
		t.Fatalf("Expected 2 messages after regenerate, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Content != "question" {
		t.Errorf("Expected user turn preserved, got %q", conv.Messages[0].Content)
	}
	reply := conv.Messages[1]
	if reply.Content != "second version" {
		t.Errorf("Expected fresh reply only, got %q", reply.Content)
	}
	if reply.ID == oldReply.ID {
		t.Error("Expected regenerated reply to get a fresh ID")
	}
}

func TestEditAndForkReplacesSuffix(t *testing.T) {
	client := &scriptedClient{}
	client.push(&scriptedStream{fragments: []string{"about cats"}})
	ctrl, log, convID := newTestController(t, client)

	if err := ctrl.Start(context.Background(), convID, "tell me about cats"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conv, _ := log.Get(convID)
	userMsg := conv.Messages[0]

	client.push(&scriptedStream{fragments: []string{"about dogs"}})
	if err := ctrl.EditAndFork(context.Background(), convID, userMsg.ID, "tell me about dogs"); err != nil {
		t.Fatalf("EditAndFork failed: %v", err)
	}

	conv, _ = log.Get(convID)
	if len(conv.Messages) != 2 {
		t.Fatalf("Expected 2 messages after fork, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Content != "tell me about dogs" {
		t.Errorf("Expected edited user turn, got %q", conv.Messages[0].Content)
	}
	if conv.Messages[0].ID == userMsg.ID {
		t.Error("Expected edited turn to get a fresh ID")
	}
	if conv.Messages[1].Content != "about dogs" {
		t.Errorf("Expected regenerated reply, got %q", conv.Messages[1].Content)
	}
}

func TestDirectivesStrippedFromStream(t *testing.T) {
	client := &scriptedClient{}
	client.push(&scriptedStream{fragments: []string{
		`Hi [SAVE_MEMORY:{"key":"name","value":"Sam"}] there`,
		"!",
	}})
	ctrl, log, convID := newTestController(t, client)

	if err := ctrl.Start(context.Background(), convID, "my name is Sam"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	reply := lastMessage(t, log, convID)
	if reply.Content != "Hi  there!" {
		t.Errorf("Expected directive stripped from reply, got %q", reply.Content)
	}
}

func TestHistoryBudgetDropsOldestTurns(t *testing.T) {
	client := &scriptedClient{}
	// One token per 4 bytes: each 40-byte turn costs 10 tokens.
	ctrl, log, convID := newTestController(t, client,
		WithHistoryBudget(25, tokenizer.Heuristic{}))

	turn := strings.Repeat("x", 40)
	for i := 0; i < 3; i++ {
		client.push(&scriptedStream{fragments: []string{turn}})
		if err := ctrl.Start(context.Background(), convID, turn); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}

	conv, _ := log.Get(convID)
	if len(conv.Messages) != 6 {
		t.Fatalf("Expected 6 messages, got %d", len(conv.Messages))
	}

	// The final request had 5 history turns available but only 2 fit the
	// 25-token budget.
	last := client.requests[len(client.requests)-1]
	if len(last.History) != 2 {
		t.Errorf("Expected 2 history turns within budget, got %d", len(last.History))
	}
}

func TestPublisherReceivesSnapshots(t *testing.T) {
	client := &scriptedClient{}
	client.push(&scriptedStream{fragments: []string{"a", "b"}})

	var mu sync.Mutex
	var contents []string
	publish := func(convID string, msg *message.Message) {
		mu.Lock()
		defer mu.Unlock()
		if msg.Role == message.RoleModel {
			contents = append(contents, msg.Content)
		}
	}

	ctrl, _, convID := newTestController(t, client, WithPublisher(publish))
	if err := ctrl.Start(context.Background(), convID, "q"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// Empty placeholder, two accumulations, final settle snapshot.
	want := []string{"", "a", "ab", "ab"}
	if len(contents) != len(want) {
		t.Fatalf("Expected %d snapshots, got %d: %v", len(want), len(contents), contents)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("Snapshot %d: expected %q, got %q", i, want[i], contents[i])
		}
	}
}
