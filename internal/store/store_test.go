package store

import (
	"testing"
	"time"

	"github.com/runlocal/infergate/internal/domain"
)

func TestOpenCreatesSchema(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Ping(); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestUpsertAndGet(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rec := domain.ModelFileRecord{
		Name:      "llama",
		Path:      "/models/llama.gguf",
		SizeBytes: 4096,
		PulledAt:  time.Now().Truncate(time.Second),
	}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get("llama")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for a record that was upserted")
	}
	if got.Path != rec.Path || got.SizeBytes != rec.SizeBytes {
		t.Errorf("got = %+v, want path/size to match %+v", got, rec)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.Get("nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("got = %+v, want nil for unknown model", got)
	}
}

func TestUpsertReplacesExistingRow(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := domain.ModelFileRecord{Name: "llama", Path: "/v1/llama.gguf", SizeBytes: 100, PulledAt: time.Now()}
	if err := s.Upsert(base); err != nil {
		t.Fatalf("Upsert base: %v", err)
	}
	updated := base
	updated.Path = "/v2/llama.gguf"
	updated.SizeBytes = 200
	if err := s.Upsert(updated); err != nil {
		t.Fatalf("Upsert updated: %v", err)
	}

	got, err := s.Get("llama")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Path != "/v2/llama.gguf" || got.SizeBytes != 200 {
		t.Errorf("got = %+v, want updated record", got)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List() = %d rows, want 1 (upsert should replace, not duplicate)", len(all))
	}
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rec := domain.ModelFileRecord{Name: "llama", Path: "/models/llama.gguf", SizeBytes: 1, PulledAt: time.Now()}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Touch("llama"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := s.Get("llama")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastUsed.IsZero() {
		t.Error("expected LastUsed to be set after Touch")
	}
}

func TestListOrdersByLastUsedThenPulledAt(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	if err := s.Upsert(domain.ModelFileRecord{Name: "old", Path: "/old.gguf", SizeBytes: 1, PulledAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("Upsert old: %v", err)
	}
	if err := s.Upsert(domain.ModelFileRecord{Name: "new", Path: "/new.gguf", SizeBytes: 1, PulledAt: now}); err != nil {
		t.Fatalf("Upsert new: %v", err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].Name != "new" {
		t.Errorf("List() = %+v, want newest record first", all)
	}
}
