package directive

import (
	"context"
	"testing"

	"github.com/converselab/converse/kv"
	"github.com/converselab/converse/memory"
)

func newTestExtractor(t *testing.T) (*Extractor, *memory.Store) {
	t.Helper()
	store := memory.NewStore(kv.NewInMemoryStore())
	return NewExtractor(store), store
}

func TestApplySaveDirective(t *testing.T) {
	ext, store := newTestExtractor(t)

	fragments := []string{
		`Hi [SAVE_MEMORY:{"key":"name","value":"Sam"}] there`,
		"!",
	}
	var visible []string
	for _, f := range fragments {
		visible = append(visible, ext.Apply(context.Background(), f))
	}

	if visible[0] != "Hi  there" {
		t.Errorf("Expected %q, got %q", "Hi  there", visible[0])
	}
	if visible[1] != "!" {
		t.Errorf("Expected pass-through fragment, got %q", visible[1])
	}

	if value, ok := store.Get("name"); !ok || value != "Sam" {
		t.Errorf("Expected memory name=Sam, got %q (ok=%v)", value, ok)
	}
}

func TestApplyDeleteDirective(t *testing.T) {
	ext, store := newTestExtractor(t)
	store.Set(context.Background(), "name", "Sam")

	out := ext.Apply(context.Background(), `Forgotten. [DELETE_MEMORY:{"key":"name"}]`)
	if out != "Forgotten." {
		t.Errorf("Expected %q, got %q", "Forgotten.", out)
	}
	if _, ok := store.Get("name"); ok {
		t.Error("Expected memory entry to be deleted")
	}
}

func TestApplyMalformedPayloadStripped(t *testing.T) {
	ext, store := newTestExtractor(t)

	out := ext.Apply(context.Background(), `Sure. [SAVE_MEMORY:{"key":}] Done.`)
	if out != "Sure.  Done." {
		t.Errorf("Expected malformed directive stripped, got %q", out)
	}
	if store.Len() != 0 {
		t.Errorf("Expected no memory side effect, got %d entries", store.Len())
	}
}

func TestApplyPlainTextUntouched(t *testing.T) {
	ext, _ := newTestExtractor(t)

	// Fragments without directives keep their exact whitespace.
	in := "  leading and trailing  "
	if out := ext.Apply(context.Background(), in); out != in {
		t.Errorf("Expected fragment untouched, got %q", out)
	}
}

func TestApplyToolMarkerPassesThrough(t *testing.T) {
	ext, _ := newTestExtractor(t)

	in := "Running it now. [TOOL:web_search]"
	if out := ext.Apply(context.Background(), in); out != in {
		t.Errorf("Expected tool marker preserved, got %q", out)
	}
}

func TestApplySplitDirectiveNotRecognized(t *testing.T) {
	ext, store := newTestExtractor(t)

	// A directive split across fragment boundaries is plain text.
	first := ext.Apply(context.Background(), `[SAVE_MEMORY:{"key":"na`)
	second := ext.Apply(context.Background(), `me","value":"Sam"}]`)

	if first+second != `[SAVE_MEMORY:{"key":"name","value":"Sam"}]` {
		t.Errorf("Expected split directive to pass through, got %q", first+second)
	}
	if store.Len() != 0 {
		t.Errorf("Expected no memory side effect, got %d entries", store.Len())
	}
}

func TestApplyMultipleDirectives(t *testing.T) {
	ext, store := newTestExtractor(t)

	out := ext.Apply(context.Background(),
		`[SAVE_MEMORY:{"key":"a","value":"1"}][SAVE_MEMORY:{"key":"b","value":"2"}] noted`)
	if out != "noted" {
		t.Errorf("Expected %q, got %q", "noted", out)
	}
	if store.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", store.Len())
	}
}

func TestToolMarkers(t *testing.T) {
	ids := ToolMarkers("first [TOOL:web_search] then [TOOL:calc.eval]")
	if len(ids) != 2 || ids[0] != "web_search" || ids[1] != "calc.eval" {
		t.Errorf("Expected [web_search calc.eval], got %v", ids)
	}

	if ids := ToolMarkers("no markers here"); ids != nil {
		t.Errorf("Expected nil, got %v", ids)
	}
}
