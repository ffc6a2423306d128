// Package directive recognizes inline control tokens embedded in streamed
// model output. Memory directives are executed and stripped before text
// reaches the caller; tool markers are left in place for display. Detection
// is fragment-local: a directive split across two fragments is not
// recognized and passes through as plain text.
package directive

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/converselab/converse/memory"
	"github.com/converselab/converse/pkg/logging"
)

var (
	saveRe   = regexp.MustCompile(`\[SAVE_MEMORY:(\{.*?\})\]`)
	deleteRe = regexp.MustCompile(`\[DELETE_MEMORY:(\{.*?\})\]`)
	toolRe   = regexp.MustCompile(`\[TOOL:([A-Za-z0-9_.-]+)\]`)
)

type savePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type deletePayload struct {
	Key string `json:"key"`
}

// Extractor applies memory directives found in text fragments.
type Extractor struct {
	memory *memory.Store
	logger *slog.Logger
}

// NewExtractor creates an extractor writing to the given memory store.
func NewExtractor(store *memory.Store) *Extractor {
	return &Extractor{
		memory: store,
		logger: logging.WithComponent("directive"),
	}
}

// Apply executes and strips memory directives in the fragment and returns the
// remaining visible text. Directives with malformed payloads are stripped
// without side effects. The fragment is whitespace-trimmed only when at least
// one directive was stripped; untouched fragments pass through verbatim.
func (e *Extractor) Apply(ctx context.Context, fragment string) string {
	stripped := false

	out := saveRe.ReplaceAllStringFunc(fragment, func(match string) string {
		stripped = true
		payload := saveRe.FindStringSubmatch(match)[1]
		var p savePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Key == "" {
			e.logger.Debug("ignoring malformed save directive", "payload", payload)
			return ""
		}
		if err := e.memory.Set(ctx, p.Key, p.Value); err != nil {
			e.logger.Error("failed to save memory", "key", p.Key, "error", err)
		}
		return ""
	})

	out = deleteRe.ReplaceAllStringFunc(out, func(match string) string {
		stripped = true
		payload := deleteRe.FindStringSubmatch(match)[1]
		var p deletePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Key == "" {
			e.logger.Debug("ignoring malformed delete directive", "payload", payload)
			return ""
		}
		if _, err := e.memory.Delete(ctx, p.Key); err != nil {
			e.logger.Error("failed to delete memory", "key", p.Key, "error", err)
		}
		return ""
	})

	if stripped {
		return strings.TrimSpace(out)
	}
	return out
}

// ToolMarkers returns the tool identifiers referenced by [TOOL:id] markers in
// the text, in order of appearance. The markers themselves are not removed.
func ToolMarkers(text string) []string {
	matches := toolRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	return ids
}
