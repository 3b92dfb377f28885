package opstate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get(context.Background(), "ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ns", "key", "v1"); err != nil {
		t.Fatalf("Set(v1) error: %v", err)
	}
	if err := s.Set(ctx, "ns", "key", "v2"); err != nil {
		t.Fatalf("Set(v2) error: %v", err)
	}

	val, err := s.Get(ctx, "ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want %q after upsert", val, "v2")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "alpha", "key", "a-val"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "beta", "key"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
	if val, _ := s.Get(ctx, "beta", "key"); val != "" {
		t.Errorf("beta/key = %q, want empty", val)
	}
	if val, _ := s.Get(ctx, "alpha", "key"); val != "a-val" {
		t.Errorf("alpha/key = %q, want a-val", val)
	}
}

func TestDefaultPersona(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if key, err := s.DefaultPersona(ctx); err != nil || key != "" {
		t.Fatalf("DefaultPersona() = %q, %v; want empty", key, err)
	}
	if err := s.SaveDefaultPersona(ctx, "concise"); err != nil {
		t.Fatalf("SaveDefaultPersona: %v", err)
	}
	if key, _ := s.DefaultPersona(ctx); key != "concise" {
		t.Errorf("DefaultPersona() = %q, want concise", key)
	}
	if err := s.SaveDefaultPersona(ctx, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if key, _ := s.DefaultPersona(ctx); key != "" {
		t.Errorf("DefaultPersona() = %q after clear, want empty", key)
	}
}

func TestOpen_PersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	if err := s1.SaveDefaultPersona(ctx, "companion"); err != nil {
		t.Fatalf("save: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open(2): %v", err)
	}
	defer s2.Close()

	if key, _ := s2.DefaultPersona(ctx); key != "companion" {
		t.Errorf("DefaultPersona() = %q after reopen, want companion", key)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/path/state.db"); err == nil {
		t.Error("Open() should fail for an invalid path")
	}
}
