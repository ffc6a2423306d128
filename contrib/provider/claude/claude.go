// Package claude backs the relay with the Anthropic Messages API. A fresh
// SDK client is built per call from the credential the relay supplies, so
// rotation takes effect immediately.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/message"
	"github.com/converselab/converse/relay"
)

// Config holds Claude provider configuration
type Config struct {
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// DefaultConfig returns default Claude configuration
func DefaultConfig() *Config {
	return &Config{
		Model:       "claude-3-5-sonnet-20241022",
		MaxTokens:   4096,
		Temperature: 0.7,
	}
}

// Client implements relay.Client for Claude.
type Client struct {
	config *Config
}

// New creates a new Claude client
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		config.Model = "claude-3-5-sonnet-20241022"
	}
	return &Client{config: config}
}

// OpenStream implements relay.Client.
func (c *Client) OpenStream(ctx context.Context, credential string, req *relay.Request) (relay.Stream, error) {
	client := c.newSDKClient(credential)
	sse := client.Messages.NewStreaming(ctx, c.buildParams(req))
	if err := sse.Err(); err != nil {
		return nil, classify(err)
	}
	return &stream{sse: sse}, nil
}

// Generate implements relay.Client.
func (c *Client) Generate(ctx context.Context, credential string, req *relay.Request) (string, error) {
	client := c.newSDKClient(credential)
	apiMessage, err := client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return "", classify(err)
	}

	var text string
	for _, content := range apiMessage.Content {
		if content.Type == "text" {
			text += content.Text
		}
	}
	return text, nil
}

func (c *Client) newSDKClient(credential string) anthropic.Client {
	options := []option.RequestOption{option.WithAPIKey(credential)}
	if c.config.BaseURL != "" {
		options = append(options, option.WithBaseURL(c.config.BaseURL))
	}
	return anthropic.NewClient(options...)
}

func (c *Client) buildParams(req *relay.Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, msg := range req.History {
		switch msg.Role {
		case message.RoleModel:
			messages = append(messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		Messages:  messages,
		MaxTokens: c.config.MaxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if c.config.Temperature > 0 {
		params.Temperature = param.NewOpt(c.config.Temperature)
	}
	return params
}

// classify maps provider rate limiting onto the shared error kinds so the
// relay can rotate credentials.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", cerrors.ErrRateLimited, err)
	}
	return err
}

type stream struct {
	sse     *ssestream.Stream[anthropic.MessageStreamEventUnion]
	current string
}

func (s *stream) Next() bool {
	for s.sse.Next() {
		event := s.sse.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta()
		if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
			s.current = delta.Delta.Text
			return true
		}
	}
	return false
}

func (s *stream) Current() string { return s.current }

func (s *stream) Err() error {
	if err := s.sse.Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *stream) Close() error { return s.sse.Close() }
