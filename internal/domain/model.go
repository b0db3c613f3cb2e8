// Package domain holds the pure data model shared by the pool, the turn
// engine, and the HTTP adapters. No infrastructure dependency belongs
// here.
package domain

import "context"

// GPUMode selects the acceleration backend the runtime adapter should
// request when loading a model.
type GPUMode string

const (
	GPUAuto   GPUMode = "auto"
	GPUMetal  GPUMode = "metal"
	GPUCUDA   GPUMode = "cuda"
	GPUVulkan GPUMode = "vulkan"
)

// EngineOptions configures how a model is loaded into the runtime.
type EngineOptions struct {
	GPUMode    GPUMode
	GPULayers  int // -1 = auto, 0 = CPU only, N = specific layer count
	CPUThreads int // 0 = auto
	BatchSize  int
	MemLock    bool
}

// ContextOptions parameterizes Context creation.
type ContextOptions struct {
	ContextSize int
	Seed        int64
	CPUThreads  int
	BatchSize   int
}

// SamplingDefaults are the sampling parameters a ModelConfig may pin as
// defaults for completion requests.
type SamplingDefaults struct {
	Temperature      float32
	TopP             float32
	TopK             int
	MinP             float32
	MaxTokens        int
	RepeatLastTokens int
	FrequencyPenalty float32
	PresencePenalty  float32
}

// PreloadKind distinguishes the two preload variants. Prefix preload
// is declared but not yet wired to a backend.
type PreloadKind string

const (
	PreloadMessages PreloadKind = "messages"
	PreloadPrefix   PreloadKind = "prefix"
)

// Preload seeds an Instance's warm state at construction time.
type Preload struct {
	Kind     PreloadKind
	Messages []ChatMessage // used when Kind == PreloadMessages
	Prefix   string        // used when Kind == PreloadPrefix (not required in v1)
}

// FunctionHandler resolves a host-side function call. It receives the
// JSON-schema-validated parameters and returns the textual result fed
// back to the model.
type FunctionHandler func(ctx context.Context, params map[string]any) (string, error)

// FunctionDef describes one callable function a model may invoke. A
// FunctionDef with a non-nil Handler is *evocable* — resolvable
// host-side within the current generation round; one without must be
// surfaced to the caller.
type FunctionDef struct {
	Description string
	Parameters  map[string]any // JSON Schema, validated via internal/schema
	Handler     FunctionHandler
}

// Evocable reports whether this function can be resolved host-side
// within the current request.
func (f FunctionDef) Evocable() bool { return f.Handler != nil }

// ModelConfig is an immutable named model configuration.
type ModelConfig struct {
	Name               string
	File               string // absolute path
	URL                string // optional source URL for the Downloader
	ContextSize        int
	EngineOptions      EngineOptions
	Grammars           map[string]string // name -> grammar source text
	Functions          map[string]FunctionDef
	Preload            *Preload
	CompletionDefaults SamplingDefaults
}
