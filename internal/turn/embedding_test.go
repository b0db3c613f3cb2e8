package turn

import (
	"context"
	"testing"

	"github.com/runlocal/infergate/internal/domain"
)

func TestEmbeddingReturnsVectorsForStringsOnly(t *testing.T) {
	inst, _ := newTestInstance(t, domain.ModelConfig{Name: "e1", ContextSize: 1024})

	result, err := Embedding(context.Background(), inst, domain.EmbeddingRequest{
		Input: []any{"first string", 42, "second string", nil},
	})
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if len(result.Vectors) != 2 {
		t.Fatalf("Vectors = %d, want 2 (non-string entries dropped)", len(result.Vectors))
	}
	if result.PromptTokens == 0 {
		t.Error("expected non-zero PromptTokens")
	}
}

func TestEmbeddingContextReusedAcrossCalls(t *testing.T) {
	inst, _ := newTestInstance(t, domain.ModelConfig{Name: "e2", ContextSize: 1024})

	if _, err := Embedding(context.Background(), inst, domain.EmbeddingRequest{Input: []any{"a"}}); err != nil {
		t.Fatalf("first Embedding: %v", err)
	}
	first, err := inst.EmbeddingContext(context.Background())
	if err != nil {
		t.Fatalf("EmbeddingContext: %v", err)
	}
	if _, err := Embedding(context.Background(), inst, domain.EmbeddingRequest{Input: []any{"b"}}); err != nil {
		t.Fatalf("second Embedding: %v", err)
	}
	second, err := inst.EmbeddingContext(context.Background())
	if err != nil {
		t.Fatalf("EmbeddingContext (second call): %v", err)
	}
	if second != first {
		t.Error("embedding context should not change across embedding calls")
	}
}
