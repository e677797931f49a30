package storage

import (
	"path/filepath"
	"testing"
)

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestNewStoreSQLiteAndBadger(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore("sqlite", filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if _, err := NewStore("sqlite", ""); err == nil {
		t.Fatal("expected sqlite path error")
	}

	store, err = NewStore("badger", filepath.Join(dir, "badger"))
	if err != nil {
		t.Fatalf("new badger store: %v", err)
	}
	if _, ok := store.(*BadgerStore); !ok {
		t.Fatalf("expected badger store, got %T", store)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestCloseIfSupported(t *testing.T) {
	if err := CloseIfSupported(NewMemoryStore()); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
	if err := CloseIfSupported(NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))); err != nil {
		t.Fatalf("close uninitialized sqlite store: %v", err)
	}
}
