package memory

import (
	"context"
	"errors"
	"testing"

	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/kv"
)

func TestSetGet(t *testing.T) {
	store := NewStore(kv.NewInMemoryStore())

	if err := store.Set(context.Background(), "name", "Sam"); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}

	value, ok := store.Get("name")
	if !ok {
		t.Fatal("Expected key to exist")
	}
	if value != "Sam" {
		t.Errorf("Expected Sam, got %q", value)
	}
}

func TestSetOverwrites(t *testing.T) {
	store := NewStore(kv.NewInMemoryStore())

	store.Set(context.Background(), "name", "Sam")
	store.Set(context.Background(), "name", "Alex")

	if value, _ := store.Get("name"); value != "Alex" {
		t.Errorf("Expected Alex, got %q", value)
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", store.Len())
	}
}

func TestSetEmptyKeyRejected(t *testing.T) {
	store := NewStore(kv.NewInMemoryStore())

	if err := store.Set(context.Background(), "", "value"); !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := NewStore(kv.NewInMemoryStore())
	store.Set(context.Background(), "name", "Sam")

	existed, err := store.Delete(context.Background(), "name")
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if !existed {
		t.Error("Expected delete to report the key existed")
	}
	if _, ok := store.Get("name"); ok {
		t.Error("Expected key to be gone")
	}

	existed, err = store.Delete(context.Background(), "name")
	if err != nil {
		t.Fatalf("Delete of absent key returned error: %v", err)
	}
	if existed {
		t.Error("Expected delete of absent key to report false")
	}
}

func TestLoadRestoresEntries(t *testing.T) {
	backing := kv.NewInMemoryStore()

	first := NewStore(backing)
	first.Set(context.Background(), "name", "Sam")
	first.Set(context.Background(), "city", "Oslo")

	second := NewStore(backing)
	if err := second.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	if second.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", second.Len())
	}
	if value, _ := second.Get("city"); value != "Oslo" {
		t.Errorf("Expected Oslo, got %q", value)
	}
}

func TestLoadMissingRecord(t *testing.T) {
	store := NewStore(kv.NewInMemoryStore())

	if err := store.Load(context.Background()); err != nil {
		t.Errorf("Expected missing record to be tolerated, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Expected empty store, got %d entries", store.Len())
	}
}

func TestAllReturnsCopy(t *testing.T) {
	store := NewStore(kv.NewInMemoryStore())
	store.Set(context.Background(), "name", "Sam")

	all := store.All()
	all["name"] = "mutated"

	if value, _ := store.Get("name"); value != "Sam" {
		t.Errorf("All() aliased internal map: %q", value)
	}
}
