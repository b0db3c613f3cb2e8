package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers. Infrastructure
// implements them; application layers (pool, turn engine, http adapter)
// depend on them, never the reverse.

// Runtime is the inference runtime adapter: an opaque facade over the underlying LLM engine. It never exposes tensor
// math, tokenizer internals, or GPU scheduling — those are the engine's
// business.
type Runtime interface {
	// LoadModel loads model weights from path and returns a handle to the
	// loaded model. It does not yet bind a context/sequence.
	LoadModel(ctx context.Context, path string, opts EngineOptions) (ModelHandle, error)
}

// ModelHandle is a loaded model, capable of producing generation
// contexts, embedding contexts, and tokenizing text on its behalf.
type ModelHandle interface {
	// NewContext creates a context with one sequence bound to it.
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	// NewEmbeddingContext lazily creates an embedding-capable context.
	NewEmbeddingContext(ctx context.Context) (EmbeddingContext, error)
	// Tokenize/Detokenize are synchronous — no suspension point.
	Tokenize(text string) ([]int32, error)
	Detokenize(tokens []int32) (string, error)
	// MemoryBytes estimates the resident memory footprint, used by the
	// pool only for diagnostics (the concurrency cap is instance-count
	// based, not memory based).
	MemoryBytes() uint64
	// Dispose releases the model.
	Dispose()
}

// Context is one decoding stream (a Sequence) inside a model — exactly
// one per Instance.
type Context interface {
	// GenerateResponse drives one chat-completion generation round. It
	// streams tokens via opts.OnChunk and
	// returns any function calls the model emitted, the updated
	// LastEvaluation handle, and finish metadata.
	GenerateResponse(ctx context.Context, history []ChatHistoryItem, opts GenerateOptions) (GenerateResult, error)
	// GenerateCompletion drives the simpler text-completion path: no
	// chat history, no function machinery.
	GenerateCompletion(ctx context.Context, prompt string, opts CompletionOptions) (CompletionResult, error)
	// CompileGrammar compiles a grammar source once; the Instance caches
	// the returned handle.
	CompileGrammar(name, source string) (Grammar, error)
	// TokenMeter exposes cumulative input/output token counts for this
	// sequence.
	TokenMeter() (inputTokens, outputTokens int)
	// Dispose releases the context and its sequence.
	Dispose()
}

// EmbeddingContext produces embedding vectors.
type EmbeddingContext interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dispose()
}

// Grammar is an opaque compiled grammar handle.
type Grammar interface {
	Name() string
}

// Downloader fetches missing model weight files before an Instance is
// constructed.
type Downloader interface {
	// Ensure blocks until the file at dest exists, downloading from url
	// if necessary. Concurrent calls for the same url are deduplicated.
	Ensure(ctx context.Context, url, dest string, progress func(status string, pct float64)) error
}

// ModelFileStore persists the model-file cache index: which model
// files are
// present on disk, their size, and when they were last used. It never
// stores chat history or session state.
type ModelFileStore interface {
	Upsert(rec ModelFileRecord) error
	Get(name string) (*ModelFileRecord, error)
	List() ([]ModelFileRecord, error)
	Touch(name string) error
}
