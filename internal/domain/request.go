package domain

import "time"

// FinishReason is the normalized finish code returned to callers.
type FinishReason string

const (
	FinishStopTrigger  FinishReason = "stopTrigger"
	FinishFunctionCall FinishReason = "functionCall"
	FinishMaxTokens    FinishReason = "maxTokens"
	FinishEOGToken     FinishReason = "eogToken"
	FinishAbort        FinishReason = "abort"
	FinishError        FinishReason = "error"
)

// ChatRequest is one chat-completion request against a named model.
// The caller's context carries the abort signal.
type ChatRequest struct {
	ModelName    string
	Messages     []ChatMessage
	Functions    map[string]FunctionDef // overrides modelConfig.functions by name
	Grammar      string                 // mutually exclusive with Functions; grammar wins
	Sampling     SamplingDefaults
	StopTriggers []string
	TokenBias    map[int32]float32
	ResetContext bool
	OnChunk      func(tokens []int32, text string)
}

// CompletionRequest is one text-completion request.
type CompletionRequest struct {
	ModelName string
	Prompt    string
	Sampling  SamplingDefaults
	Seed      int64
	OnChunk   func(tokens []int32, text string)
}

// EmbeddingRequest is one embedding request.
type EmbeddingRequest struct {
	ModelName string
	Input     []any // heterogeneous; non-string entries are dropped
}

// ChatResult is returned by requestChat.
type ChatResult struct {
	Message          ChatMessage
	FinishReason     FinishReason
	PromptTokens     int
	CompletionTokens int
}

// CompletionResult is returned by requestCompletion.
type CompletionResult struct {
	Text             string
	FinishReason     FinishReason
	PromptTokens     int
	CompletionTokens int
}

// GenerateResult is returned by Context.GenerateResponse.
type GenerateResult struct {
	FunctionCalls  []ModelFunctionCall
	CleanHistory   []ChatHistoryItem
	ContextWindow  []ChatHistoryItem
	LastEvaluation LastEvaluation
	StopReason     string
}

// EmbeddingResult is returned by requestEmbedding.
type EmbeddingResult struct {
	Vectors      [][]float32
	PromptTokens int
}

// ModelFunctionCall is a function call as emitted by the runtime, before
// the turn engine partitions it into evocable/non-evocable.
type ModelFunctionCall struct {
	Name   string
	Params map[string]any
}

// GenerateOptions bundles the sampling/control parameters passed into
// Context.GenerateResponse.
type GenerateOptions struct {
	Sampling                                      SamplingDefaults
	TokenBias                                     map[int32]float32
	StopTriggers                                  []string
	TrimWhitespaceSuffix                          bool
	StopOnAbortSignal                             bool
	PriorEvaluation                               LastEvaluation
	MinimumOverlapPercentageToPreventContextShift float64

	Grammar                  Grammar                // set iff request.Grammar was resolved
	Functions                map[string]FunctionDef // set iff Grammar == nil
	DocumentFunctionParams   bool
	MaxParallelFunctionCalls int

	OnChunk func(tokens []int32, text string)
}

// CompletionOptions bundles sampling/control parameters for
// Context.GenerateCompletion.
type CompletionOptions struct {
	Sampling SamplingDefaults
	Seed     int64
	OnChunk  func(tokens []int32, text string)
}

// LastEvaluation is an opaque adapter-owned handle letting the next
// generation call resume the prefix KV cache. The core
// must never inspect its contents — it only threads it back into the
// next GenerateOptions.PriorEvaluation.
type LastEvaluation struct {
	opaque any
}

// NewLastEvaluation wraps an adapter-defined value. Only adapters call this.
func NewLastEvaluation(v any) LastEvaluation { return LastEvaluation{opaque: v} }

// Raw returns the adapter-defined value. Only adapters call this.
func (l LastEvaluation) Raw() any { return l.opaque }

// IsZero reports whether this handle has ever been set.
func (l LastEvaluation) IsZero() bool { return l.opaque == nil }

// SlotState enumerates a PoolSlot's lifecycle state.
type SlotState string

const (
	SlotLoading  SlotState = "loading"
	SlotIdle     SlotState = "idle"
	SlotBusy     SlotState = "busy"
	SlotEvicting SlotState = "evicting"
)

// ModelSlotStatus is one row of the pool status snapshot.
type ModelSlotStatus struct {
	ModelName string
	State     SlotState
	LastUse   time.Time
}

// PoolStatus is the snapshot returned by Pool.GetStatus.
type PoolStatus struct {
	Slots      []ModelSlotStatus
	QueueDepth int
	InFlight   int
}

// ModelFileRecord backs the model-file cache index.
type ModelFileRecord struct {
	Name      string
	Path      string
	SizeBytes int64
	PulledAt  time.Time
	LastUsed  time.Time
}
