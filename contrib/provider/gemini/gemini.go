// Package gemini backs the relay with Google Gemini. A fresh SDK client is
// built per call from the credential the relay supplies, so rotation takes
// effect immediately.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/message"
	"github.com/converselab/converse/relay"
)

// Config holds Gemini provider configuration
type Config struct {
	Model       string
	MaxTokens   int32
	Temperature float32
}

// DefaultConfig returns default Gemini configuration
func DefaultConfig() *Config {
	return &Config{
		Model:       "gemini-1.5-flash",
		MaxTokens:   2048,
		Temperature: 0.7,
	}
}

// Client implements relay.Client for Gemini.
type Client struct {
	config *Config
}

// New creates a new Gemini client
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		config.Model = "gemini-1.5-flash"
	}
	return &Client{config: config}
}

// OpenStream implements relay.Client.
func (c *Client) OpenStream(ctx context.Context, credential string, req *relay.Request) (relay.Stream, error) {
	client, chat, err := c.startChat(ctx, credential, req)
	if err != nil {
		return nil, err
	}
	it := chat.SendMessageStream(ctx, genai.Text(req.Input))

	// SendMessageStream defers the RPC: open-time failures, rate limits
	// included, only surface from the first iterator pull. Prime it here so
	// the caller can still rotate credentials, and replay the primed
	// response from the stream.
	first, err := it.Next()
	if err == iterator.Done {
		return &stream{client: client, it: it, exhausted: true}, nil
	}
	if err != nil {
		client.Close()
		return nil, classify(err)
	}
	return &stream{client: client, it: it, pending: textOf(first)}, nil
}

// Generate implements relay.Client.
func (c *Client) Generate(ctx context.Context, credential string, req *relay.Request) (string, error) {
	client, chat, err := c.startChat(ctx, credential, req)
	if err != nil {
		return "", err
	}
	defer client.Close()

	resp, err := chat.SendMessage(ctx, genai.Text(req.Input))
	if err != nil {
		return "", classify(err)
	}
	return textOf(resp), nil
}

func (c *Client) startChat(ctx context.Context, credential string, req *relay.Request) (*genai.Client, *genai.ChatSession, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(credential))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(c.config.Model)
	if c.config.MaxTokens > 0 {
		model.SetMaxOutputTokens(c.config.MaxTokens)
	}
	model.SetTemperature(c.config.Temperature)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	chat := model.StartChat()
	chat.History = convertHistory(req.History)
	return client, chat, nil
}

func convertHistory(history []*message.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := "user"
		if msg.Role == message.RoleModel {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return out
}

func textOf(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	return text
}

// classify maps provider rate limiting onto the shared error kinds so the
// relay can rotate credentials.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return fmt.Errorf("%w: %v", cerrors.ErrRateLimited, err)
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		return fmt.Errorf("%w: %v", cerrors.ErrRateLimited, err)
	}
	return err
}

type stream struct {
	client *genai.Client
	it     *genai.GenerateContentResponseIterator

	// pending holds the text of the response consumed while priming the
	// iterator at open time; Next replays it before pulling further.
	pending   string
	replayed  bool
	exhausted bool

	current string
	err     error
}

func (s *stream) Next() bool {
	if s.exhausted {
		return false
	}
	if !s.replayed {
		s.replayed = true
		if s.pending != "" {
			s.current = s.pending
			return true
		}
	}
	for {
		resp, err := s.it.Next()
		if err == iterator.Done {
			return false
		}
		if err != nil {
			s.err = classify(err)
			return false
		}
		if text := textOf(resp); text != "" {
			s.current = text
			return true
		}
	}
}

func (s *stream) Current() string { return s.current }
func (s *stream) Err() error      { return s.err }

func (s *stream) Close() error {
	s.client.Close()
	return nil
}
