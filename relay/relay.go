// Package relay sits between the session controller and a concrete provider
// client. It supplies the current credential on every call and rotates
// through the pool on rate limits, bounding the retry loop to one attempt
// per credential.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	stderrors "errors"

	"github.com/converselab/converse/credential"
	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/message"
	"github.com/converselab/converse/pkg/logging"
)

// Stream yields reply text incrementally. Next reports whether another
// fragment is available; Current returns it. After Next returns false, Err
// distinguishes a service failure from natural end of stream.
type Stream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Request describes one generation call.
type Request struct {
	// System is the system prompt, empty for none.
	System string
	// History is the prior conversation, oldest first.
	History []*message.Message
	// Input is the text the model should respond to.
	Input string
}

// Client is a provider-specific backend. Implementations classify provider
// rate-limit responses as errors wrapping ErrRateLimited.
type Client interface {
	// OpenStream starts a streaming generation using the given credential.
	OpenStream(ctx context.Context, credential string, req *Request) (Stream, error)
	// Generate performs a non-streaming generation.
	Generate(ctx context.Context, credential string, req *Request) (string, error)
}

// Relay wraps a Client with credential rotation.
type Relay struct {
	pool   *credential.Pool
	client Client
	logger *slog.Logger
}

// New creates a relay over the given pool and client.
func New(pool *credential.Pool, client Client) *Relay {
	return &Relay{
		pool:   pool,
		client: client,
		logger: logging.WithComponent("relay"),
	}
}

// do runs op with the current credential, rotating on rate limits. With n
// credentials it makes at most n attempts; if every attempt is rate limited
// it returns ErrCredentialsExhausted. Any other failure aborts immediately,
// wrapped as ErrService.
func (r *Relay) do(ctx context.Context, op func(cred string) error) error {
	n := r.pool.Size()
	if n == 0 {
		return cerrors.ErrNoCredentials
	}

	for attempt := 0; attempt < n; attempt++ {
		cred, ok := r.pool.Current()
		if !ok {
			return cerrors.ErrNoCredentials
		}

		err := op(cred)
		if err == nil {
			return nil
		}

		if stderrors.Is(err, cerrors.ErrRateLimited) {
			r.logger.Warn("credential rate limited, rotating", "attempt", attempt+1, "pool_size", n)
			if _, rerr := r.pool.Rotate(ctx); rerr != nil {
				return fmt.Errorf("%w: failed to rotate credentials: %v", cerrors.ErrInternal, rerr)
			}
			continue
		}

		return fmt.Errorf("%w: %v", cerrors.ErrService, err)
	}

	return cerrors.ErrCredentialsExhausted
}

// OpenStream starts a streaming generation, rotating credentials as needed to
// get the stream open. Errors after the stream is open surface through the
// stream itself.
func (r *Relay) OpenStream(ctx context.Context, req *Request) (Stream, error) {
	var stream Stream
	err := r.do(ctx, func(cred string) error {
		st, err := r.client.OpenStream(ctx, cred, req)
		if err != nil {
			return err
		}
		stream = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Generate performs a non-streaming generation with credential rotation.
func (r *Relay) Generate(ctx context.Context, req *Request) (string, error) {
	var out string
	err := r.do(ctx, func(cred string) error {
		text, err := r.client.Generate(ctx, cred, req)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// GenerateJSON performs a non-streaming generation and unmarshals the reply
// into out, tolerating a markdown code fence around the JSON.
func (r *Relay) GenerateJSON(ctx context.Context, req *Request, out any) error {
	text, err := r.Generate(ctx, req)
	if err != nil {
		return err
	}

	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("failed to parse model JSON: %w", err)
	}
	return nil
}
