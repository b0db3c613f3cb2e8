package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/runlocal/infergate/internal/domain"
)

// statusForError maps a domain.GatewayError's Kind to an HTTP status
// code. Errors that aren't a *domain.GatewayError (a
// programming mistake, not a modeled failure) map to 500.
func statusForError(err error) (int, string) {
	var ge *domain.GatewayError
	if !errors.As(err, &ge) {
		return http.StatusInternalServerError, "internal_error"
	}
	switch ge.Kind {
	case domain.KindConfiguration:
		return http.StatusBadRequest, "configuration_error"
	case domain.KindResource:
		return http.StatusServiceUnavailable, "resource_error"
	case domain.KindRuntime:
		return http.StatusInternalServerError, "runtime_error"
	case domain.KindProtocol:
		return http.StatusBadGateway, "protocol_error"
	case domain.KindCancellation:
		return 499, "cancelled"
	case domain.KindShutdown:
		return http.StatusServiceUnavailable, "shutdown"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// ─── /v1/chat/completions ───────────────────────────────────────────────────

type wireChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function wireToolCallFn `json:"function"`
}

type wireToolCallFn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatCompletionRequest struct {
	Model        string            `json:"model"`
	Messages     []wireChatMessage `json:"messages"`
	Tools        []wireTool        `json:"tools,omitempty"`
	Grammar      string            `json:"grammar,omitempty"`
	Temperature  *float32          `json:"temperature,omitempty"`
	TopP         *float32          `json:"top_p,omitempty"`
	TopK         *int              `json:"top_k,omitempty"`
	MinP         *float32          `json:"min_p,omitempty"`
	MaxTokens    *int              `json:"max_tokens,omitempty"`
	Stop         []string          `json:"stop,omitempty"`
	ResetContext bool              `json:"reset_context,omitempty"`
	Stream       bool              `json:"stream,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "invalid request body: " + err.Error()}})
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "model is required"}})
		return
	}

	messages := make([]domain.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "tool":
			messages = append(messages, domain.ChatMessage{Role: domain.RoleFunction, Content: m.Content, CallID: m.ToolCallID, Name: m.Name})
		default:
			messages = append(messages, domain.ChatMessage{Role: domain.Role(m.Role), Content: m.Content})
		}
	}

	functions := make(map[string]domain.FunctionDef, len(req.Tools))
	for _, t := range req.Tools {
		functions[t.Function.Name] = domain.FunctionDef{
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		}
	}

	chatReq := domain.ChatRequest{
		ModelName:    req.Model,
		Messages:     messages,
		Functions:    functions,
		Grammar:      req.Grammar,
		Sampling:     samplingFromRequest(req.Temperature, req.TopP, req.TopK, req.MinP, req.MaxTokens),
		StopTriggers: req.Stop,
		ResetContext: req.ResetContext,
	}

	completionID := "chatcmpl-" + uuid.NewString()[:8]

	if req.Stream {
		s.streamChat(w, r, chatReq, req.Model, completionID)
		return
	}
	s.nonStreamChat(w, r, chatReq, req.Model, completionID)
}

func (s *Server) nonStreamChat(w http.ResponseWriter, r *http.Request, chatReq domain.ChatRequest, model, completionID string) {
	result, err := s.pool.RequestChat(r.Context(), model, chatReq)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	s.touchModel(model)

	msg := map[string]any{"role": "assistant", "content": result.Message.Content}
	if len(result.Message.FunctionCalls) > 0 {
		msg["content"] = nil
		msg["tool_calls"] = toWireToolCalls(result.Message.FunctionCalls)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      completionID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       msg,
				"finish_reason": wireFinishReason(result.FinishReason),
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     result.PromptTokens,
			"completion_tokens": result.CompletionTokens,
			"total_tokens":      result.PromptTokens + result.CompletionTokens,
		},
	})
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, chatReq domain.ChatRequest, model, completionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{"message": "streaming not supported"}})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)

	chatReq.OnChunk = func(tokens []int32, text string) {
		chunk := map[string]any{
			"id":      completionID,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": map[string]any{"content": text}, "finish_reason": nil},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(bw, "data: %s\n\n", data)
		bw.Flush()
		flusher.Flush()
	}

	result, err := s.pool.RequestChat(r.Context(), model, chatReq)
	if err != nil {
		errChunk := map[string]any{"error": map[string]any{"message": err.Error()}}
		data, _ := json.Marshal(errChunk)
		fmt.Fprintf(bw, "data: %s\n\n", data)
		bw.Flush()
		flusher.Flush()
		return
	}
	s.touchModel(model)

	finalDelta := map[string]any{}
	if len(result.Message.FunctionCalls) > 0 {
		finalDelta["tool_calls"] = toWireToolCalls(result.Message.FunctionCalls)
	}
	finalChunk := map[string]any{
		"id":      completionID,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "delta": finalDelta, "finish_reason": wireFinishReason(result.FinishReason)},
		},
	}
	data, _ := json.Marshal(finalChunk)
	fmt.Fprintf(bw, "data: %s\n\n", data)
	fmt.Fprint(bw, "data: [DONE]\n\n")
	bw.Flush()
	flusher.Flush()
}

func toWireToolCalls(calls []domain.SurfacedCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		args, _ := json.Marshal(c.Parameters)
		out = append(out, map[string]any{
			"id":   c.ID,
			"type": "function",
			"function": map[string]any{
				"name":      c.Name,
				"arguments": string(args),
			},
		})
	}
	return out
}

func wireFinishReason(fr domain.FinishReason) string {
	switch fr {
	case domain.FinishFunctionCall:
		return "tool_calls"
	case domain.FinishStopTrigger:
		return "stop"
	case domain.FinishMaxTokens:
		return "length"
	case domain.FinishEOGToken:
		return "stop"
	case domain.FinishAbort:
		return "abort"
	case domain.FinishError:
		return "error"
	default:
		return string(fr)
	}
}

func samplingFromRequest(temp, topP *float32, topK *int, minP *float32, maxTokens *int) domain.SamplingDefaults {
	var s domain.SamplingDefaults
	if temp != nil {
		s.Temperature = *temp
	}
	if topP != nil {
		s.TopP = *topP
	}
	if topK != nil {
		s.TopK = *topK
	}
	if minP != nil {
		s.MinP = *minP
	}
	if maxTokens != nil {
		s.MaxTokens = *maxTokens
	}
	return s
}

// ─── /v1/completions ─────────────────────────────────────────────────────────

type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "invalid request body: " + err.Error()}})
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "model is required"}})
		return
	}

	result, err := s.pool.RequestCompletion(r.Context(), req.Model, domain.CompletionRequest{
		ModelName: req.Model,
		Prompt:    req.Prompt,
		Sampling:  samplingFromRequest(req.Temperature, req.TopP, nil, nil, req.MaxTokens),
		Seed:      req.Seed,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	s.touchModel(req.Model)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "cmpl-" + uuid.NewString()[:8],
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{
			{"index": 0, "text": result.Text, "finish_reason": wireFinishReason(result.FinishReason)},
		},
		"usage": map[string]any{
			"prompt_tokens":     result.PromptTokens,
			"completion_tokens": result.CompletionTokens,
			"total_tokens":      result.PromptTokens + result.CompletionTokens,
		},
	})
}

// ─── /v1/embeddings ──────────────────────────────────────────────────────────

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "invalid request body: " + err.Error()}})
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "model is required"}})
		return
	}

	var inputs []any
	switch v := req.Input.(type) {
	case string:
		inputs = []any{v}
	case []any:
		inputs = v
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "input must be a string or array"}})
		return
	}

	result, err := s.pool.RequestEmbedding(r.Context(), req.Model, domain.EmbeddingRequest{
		ModelName: req.Model,
		Input:     inputs,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	s.touchModel(req.Model)

	data := make([]map[string]any, len(result.Vectors))
	for i, v := range result.Vectors {
		data[i] = map[string]any{"object": "embedding", "embedding": v, "index": i}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage": map[string]any{
			"prompt_tokens": result.PromptTokens,
			"total_tokens":  result.PromptTokens,
		},
	})
}
