// Package openai backs the relay with the OpenAI chat completion API. A
// fresh SDK client is built per call from the credential the relay supplies,
// so rotation takes effect immediately.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/packages/ssestream"

	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/message"
	"github.com/converselab/converse/relay"
)

// Config holds OpenAI provider configuration
type Config struct {
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// DefaultConfig returns default OpenAI configuration
func DefaultConfig() *Config {
	return &Config{
		Model:       "gpt-4o-mini",
		MaxTokens:   2000,
		Temperature: 0.7,
	}
}

// Client implements relay.Client for OpenAI.
type Client struct {
	config *Config
}

// New creates a new OpenAI client
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	return &Client{config: config}
}

// OpenStream implements relay.Client.
func (c *Client) OpenStream(ctx context.Context, credential string, req *relay.Request) (relay.Stream, error) {
	client := c.newSDKClient(credential)
	sse := client.Chat.Completions.NewStreaming(ctx, c.buildParams(req))
	if err := sse.Err(); err != nil {
		return nil, classify(err)
	}
	return &stream{sse: sse}, nil
}

// Generate implements relay.Client.
func (c *Client) Generate(ctx context.Context, credential string, req *relay.Request) (string, error) {
	client := c.newSDKClient(credential)
	completion, err := client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return "", classify(err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}

func (c *Client) newSDKClient(credential string) openai.Client {
	options := []option.RequestOption{option.WithAPIKey(credential)}
	if c.config.BaseURL != "" {
		options = append(options, option.WithBaseURL(c.config.BaseURL))
	}
	return openai.NewClient(options...)
}

func (c *Client) buildParams(req *relay.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.History {
		switch msg.Role {
		case message.RoleModel:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case message.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Input))

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(c.config.Model),
	}
	if c.config.Temperature > 0 {
		params.Temperature = param.NewOpt(c.config.Temperature)
	}
	if c.config.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(c.config.MaxTokens)
	}
	return params
}

// classify maps provider rate limiting onto the shared error kinds so the
// relay can rotate credentials.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", cerrors.ErrRateLimited, err)
	}
	return err
}

type stream struct {
	sse     *ssestream.Stream[openai.ChatCompletionChunk]
	current string
}

func (s *stream) Next() bool {
	for s.sse.Next() {
		chunk := s.sse.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			s.current = delta
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
