// Package llmruntime implements the Inference Runtime Adapter
// behind domain.Runtime: a subprocess-managed llama-server backend for
// real inference, and a scripted mock for tests (mock.go).
//
// Architecture:
//
//	Pool acquires a slot → SubprocessRuntime.LoadModel(path, engineOpts)
//	  → records the weight path; does not yet start a process
//	  → Context creation (ModelHandle.NewContext) spawns llama-server
//	    with the context size known at that point
//	    → GenerateResponse() calls POST /v1/chat/completions
//	    → GenerateCompletion() calls POST /completion
//	  → EmbeddingContext spawns a second llama-server in --embedding mode
//	  → ModelHandle.Dispose() kills every subprocess it started
package llmruntime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/runlocal/infergate/internal/domain"
)

// SubprocessRuntime is the real domain.Runtime implementation: it shells
// out to llama-server per loaded model.
type SubprocessRuntime struct {
	llamaServerPath string
	// ProgressFunc is called during model loading to show feedback. Set
	// by the daemon before the pool starts acquiring slots.
	ProgressFunc func(status string)
}

// NewSubprocessRuntime locates the llama-server binary in PATH, in
// gatewayHome/bin, or returns an error with download instructions.
func NewSubprocessRuntime(gatewayHome string) (*SubprocessRuntime, error) {
	path, err := findLlamaServer(gatewayHome)
	if err != nil {
		return nil, err
	}
	// Sweep leftovers from a previous crashed run once, before any of
	// this process's own servers exist. Doing it per spawn would kill
	// the live servers backing other pool slots.
	killStrayServers()
	time.Sleep(500 * time.Millisecond)
	return &SubprocessRuntime{llamaServerPath: path}, nil
}

// SetProgress sets the progress callback for model-loading status.
func (r *SubprocessRuntime) SetProgress(fn func(string)) { r.ProgressFunc = fn }

func (r *SubprocessRuntime) progress(msg string) {
	if r.ProgressFunc != nil {
		r.ProgressFunc(msg)
	}
}

// findLlamaServer searches for the llama-server binary.
func findLlamaServer(gatewayHome string) (string, error) {
	exe := "llama-server" + exeSuffix

	binPath := filepath.Join(gatewayHome, "bin", exe)
	if _, err := os.Stat(binPath); err == nil {
		return binPath, nil
	}

	if path, err := exec.LookPath(exe); err == nil {
		return path, nil
	}

	for _, alt := range []string{"llama-cli", "llama"} {
		altExe := alt + exeSuffix
		altPath := filepath.Join(gatewayHome, "bin", altExe)
		if _, err := os.Stat(altPath); err == nil {
			return altPath, nil
		}
		if path, err := exec.LookPath(altExe); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf(`llama-server not found

Infergate needs llama-server (from llama.cpp) to run AI models.

Install it:
  1. Download from: https://github.com/ggml-org/llama.cpp/releases
     → Download the file for your OS (e.g., llama-*-bin-win-*.zip)
     → Extract llama-server.exe (or llama-server on Mac/Linux)

  2. Place it in one of:
     → %s
     → Or any folder in your system PATH

  3. Then run: infergate pull <model> && infergate serve

Alternative: Install via package manager:
  → Windows (winget): winget install ggml-org.llama-server
  → macOS (brew):     brew install llama.cpp
  → Linux:            see https://github.com/ggml-org/llama.cpp#build
`, filepath.Join(gatewayHome, "bin"))
}

// LoadModel records the weight file location; spawning the backing
// process is deferred to NewContext/NewEmbeddingContext, which is the
// point EngineOptions combine with the ContextOptions the caller wants.
func (r *SubprocessRuntime) LoadModel(ctx context.Context, path string, opts domain.EngineOptions) (domain.ModelHandle, error) {
	if path == "" {
		return nil, fmt.Errorf("empty model path")
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}
	return &subprocessModel{
		runtime: r,
		path:    path,
		opts:    opts,
		memSize: uint64(stat.Size()),
	}, nil
}

// subprocessModel is a domain.ModelHandle backed by zero, one, or two
// llama-server processes (a generation context and, lazily, a separate
// embedding context).
type subprocessModel struct {
	runtime *SubprocessRuntime
	path    string
	opts    domain.EngineOptions
	memSize uint64

	mu      sync.Mutex
	genProc *subprocessServer
	embProc *subprocessServer
}

func (m *subprocessModel) NewContext(ctx context.Context, opts domain.ContextOptions) (domain.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genProc != nil {
		return nil, fmt.Errorf("subprocess model already has a generation context bound")
	}
	srv, err := startLlamaServer(m.runtime, m.path, m.opts, opts, false)
	if err != nil {
		return nil, err
	}
	m.genProc = srv
	return &subprocessContext{model: m, srv: srv}, nil
}

func (m *subprocessModel) NewEmbeddingContext(ctx context.Context) (domain.EmbeddingContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.embProc != nil {
		return &subprocessEmbeddingContext{srv: m.embProc}, nil
	}
	srv, err := startLlamaServer(m.runtime, m.path, m.opts, domain.ContextOptions{}, true)
	if err != nil {
		return nil, err
	}
	m.embProc = srv
	return &subprocessEmbeddingContext{srv: srv}, nil
}

func (m *subprocessModel) Tokenize(text string) ([]int32, error) {
	srv := m.anyServer()
	if srv == nil {
		return nil, fmt.Errorf("no running llama-server to tokenize against")
	}
	return srv.tokenize(context.Background(), text)
}

func (m *subprocessModel) Detokenize(tokens []int32) (string, error) {
	srv := m.anyServer()
	if srv == nil {
		return "", fmt.Errorf("no running llama-server to detokenize against")
	}
	return srv.detokenize(context.Background(), tokens)
}

func (m *subprocessModel) anyServer() *subprocessServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genProc != nil {
		return m.genProc
	}
	return m.embProc
}

func (m *subprocessModel) MemoryBytes() uint64 { return m.memSize }

func (m *subprocessModel) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genProc != nil {
		m.genProc.close()
		m.genProc = nil
	}
	if m.embProc != nil {
		m.embProc.close()
		m.embProc = nil
	}
}

// ─── subprocessServer: one running llama-server process ────────────────────

type subprocessServer struct {
	cmd     *exec.Cmd
	addr    string
	client  *http.Client
	closed  bool
	mu      sync.Mutex
	inputTk int
	outTk   int
}

func startLlamaServer(r *SubprocessRuntime, path string, eng domain.EngineOptions, ctxOpts domain.ContextOptions, embedding bool) (*subprocessServer, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}

	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("find free port: %w", err)
	}

	ctxSize := coalesce(ctxOpts.ContextSize, 4096)
	args := []string{
		"--model", path,
		"--host", "127.0.0.1",
		"--port", fmt.Sprintf("%d", port),
		"--ctx-size", fmt.Sprintf("%d", ctxSize),
		"--no-mmap",
	}

	if eng.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", fmt.Sprintf("%d", eng.GPULayers))
	} else if eng.GPUMode != domain.GPUMode("") && eng.GPUMode != "cpu" {
		args = append(args, "--n-gpu-layers", "99")
	}

	threads := coalesce(ctxOpts.CPUThreads, eng.CPUThreads)
	if threads > 0 {
		args = append(args, "--threads", fmt.Sprintf("%d", threads))
	}

	batch := coalesce(ctxOpts.BatchSize, eng.BatchSize)
	if batch > 0 {
		args = append(args, "--batch-size", fmt.Sprintf("%d", batch))
	}

	if eng.MemLock {
		args = append(args, "--mlock")
	}

	if embedding {
		args = append(args, "--embedding", "--pooling", "mean")
	}

	r.progress("starting llama-server...")

	stderrBuf := &limitedBuffer{max: 8192}

	cmd := newServerCommand(r.llamaServerPath, args)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d", port)

	earlyExit := make(chan error, 1)
	go func() {
		earlyExit <- cmd.Wait()
	}()

	modelMB := float64(stat.Size()) / (1024 * 1024)
	r.progress(fmt.Sprintf("loading model (%.0f MB)...", modelMB))

	if err := waitForServerWithFeedback(addr, 5*time.Minute, earlyExit, stderrBuf, r.ProgressFunc); err != nil {
		cmd.Process.Kill()
		stderr := strings.TrimSpace(stderrBuf.String())
		if stderr != "" {
			lines := strings.Split(stderr, "\n")
			if len(lines) > 10 {
				lines = lines[len(lines)-10:]
			}
			return nil, fmt.Errorf("llama-server failed to start (model: %s): %w\n\noutput:\n%s",
				filepath.Base(path), err, strings.Join(lines, "\n"))
		}
		return nil, fmt.Errorf("llama-server failed to start (model: %s): %w", filepath.Base(path), err)
	}

	r.progress("model loaded — ready")

	return &subprocessServer{
		cmd:    cmd,
		addr:   addr,
		client: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (s *subprocessServer) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if req, err := http.NewRequestWithContext(ctx, "POST", s.addr+"/shutdown", nil); err == nil {
		s.client.Do(req) //nolint:errcheck
	}

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill() //nolint:errcheck
		done := make(chan struct{})
		go func() {
			s.cmd.Wait() //nolint:errcheck
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *subprocessServer) tokenize(ctx context.Context, text string) ([]int32, error) {
	body, _ := json.Marshal(map[string]any{"content": text})
	req, err := http.NewRequestWithContext(ctx, "POST", s.addr+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Tokens []int32 `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

func (s *subprocessServer) detokenize(ctx context.Context, tokens []int32) (string, error) {
	body, _ := json.Marshal(map[string]any{"tokens": tokens})
	req, err := http.NewRequestWithContext(ctx, "POST", s.addr+"/detokenize", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// ─── subprocessContext: domain.Context over one llama-server process ───────

type subprocessContext struct {
	model *subprocessModel
	srv   *subprocessServer

	mu       sync.Mutex
	grammars map[string]*subprocessGrammar
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// historyToMessages flattens the canonical chat history into the
// OpenAI-shaped message array llama-server's /v1/chat/completions
// expects. Each function-call segment becomes a tool_calls entry
// synthesized from its Name/Params, followed by a tool message carrying
// its Result; the segment's Raw form is not used.
func historyToMessages(history []domain.ChatHistoryItem) []wireMessage {
	msgs := make([]wireMessage, 0, len(history))
	for _, item := range history {
		switch item.Kind {
		case domain.HistorySystem:
			msgs = append(msgs, wireMessage{Role: "system", Content: item.Text})
		case domain.HistoryUser:
			msgs = append(msgs, wireMessage{Role: "user", Content: item.Text})
		case domain.HistoryModel:
			if len(item.Response) == 0 {
				// Trailing placeholder the generation round fills in; not a
				// turn the backend should see.
				continue
			}
			var text strings.Builder
			var calls []wireToolCall
			var results []wireMessage
			for _, seg := range item.Response {
				switch seg.Kind {
				case domain.SegmentText:
					text.WriteString(seg.Text)
				case domain.SegmentFunctionCall:
					args, _ := json.Marshal(seg.Call.Params)
					tc := wireToolCall{ID: seg.Call.Name, Type: "function"}
					tc.Function.Name = seg.Call.Name
					tc.Function.Arguments = string(args)
					calls = append(calls, tc)
					results = append(results, wireMessage{
						Role:       "tool",
						Content:    seg.Call.Result,
						Name:       seg.Call.Name,
						ToolCallID: tc.ID,
					})
				}
			}
			msgs = append(msgs, wireMessage{Role: "assistant", Content: text.String(), ToolCalls: calls})
			msgs = append(msgs, results...)
		}
	}
	return msgs
}

func functionsToTools(fns map[string]domain.FunctionDef) []map[string]any {
	if len(fns) == 0 {
		return nil
	}
	tools := make([]map[string]any, 0, len(fns))
	for name, def := range fns {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        name,
				"description": def.Description,
				"parameters":  params,
			},
		})
	}
	return tools
}

func samplingToBody(body map[string]any, s domain.SamplingDefaults) {
	if s.Temperature != 0 {
		body["temperature"] = s.Temperature
	}
	if s.TopP != 0 {
		body["top_p"] = s.TopP
	}
	if s.TopK != 0 {
		body["top_k"] = s.TopK
	}
	if s.MinP != 0 {
		body["min_p"] = s.MinP
	}
	if s.MaxTokens > 0 {
		body["max_tokens"] = s.MaxTokens
	} else {
		body["max_tokens"] = 1024
	}
	if s.RepeatLastTokens != 0 {
		body["repeat_last_n"] = s.RepeatLastTokens
	}
	if s.FrequencyPenalty != 0 {
		body["frequency_penalty"] = s.FrequencyPenalty
	}
	if s.PresencePenalty != 0 {
		body["presence_penalty"] = s.PresencePenalty
	}
}

func (c *subprocessContext) GenerateResponse(ctx context.Context, history []domain.ChatHistoryItem, opts domain.GenerateOptions) (domain.GenerateResult, error) {
	if c.srv.closed {
		return domain.GenerateResult{}, fmt.Errorf("context is closed")
	}

	body := map[string]any{
		"messages":     historyToMessages(history),
		"stream":       true,
		"cache_prompt": true,
	}
	samplingToBody(body, opts.Sampling)
	if len(opts.StopTriggers) > 0 {
		body["stop"] = opts.StopTriggers
	}

	// Grammar wins over functions when both are set.
	if opts.Grammar != nil {
		if g, ok := opts.Grammar.(*subprocessGrammar); ok {
			body["grammar"] = g.source
		}
	} else if len(opts.Functions) > 0 {
		body["tools"] = functionsToTools(opts.Functions)
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return domain.GenerateResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.srv.addr+"/v1/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return domain.GenerateResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.srv.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.GenerateResult{}, ctx.Err()
		}
		return domain.GenerateResult{}, fmt.Errorf("llama-server chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.GenerateResult{}, fmt.Errorf("llama-server chat error %d: %s", resp.StatusCode, string(respBody))
	}

	var text strings.Builder
	var calls []domain.ModelFunctionCall
	finishReason := ""
	aborted := false
	promptTokens, completionTokens := 0, 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	toolArgsByName := map[string]*strings.Builder{}
	toolOrder := []string{}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")
		if jsonData == "" || jsonData == "[DONE]" {
			continue
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string         `json:"content"`
					ToolCalls []wireToolCall `json:"tool_calls"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			promptTokens = chunk.Usage.PromptTokens
			completionTokens = chunk.Usage.CompletionTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if opts.OnChunk != nil {
				opts.OnChunk(nil, delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			name := tc.Function.Name
			if name == "" {
				// Streamed argument continuation without a repeated name —
				// attribute to the most recently seen tool.
				if len(toolOrder) > 0 {
					name = toolOrder[len(toolOrder)-1]
				} else {
					continue
				}
			}
			if _, ok := toolArgsByName[name]; !ok {
				toolArgsByName[name] = &strings.Builder{}
				toolOrder = append(toolOrder, name)
			}
			toolArgsByName[name].WriteString(tc.Function.Arguments)
		}

		if chunk.Choices[0].FinishReason != nil {
			finishReason = *chunk.Choices[0].FinishReason
		}

		if ctx.Err() != nil {
			aborted = true
			break
		}
	}
	if aborted || ctx.Err() != nil {
		// The partial text streamed so far goes back as an abort
		// result; half-received tool calls are dropped.
		finishReason = "abort"
		toolOrder = nil
	}

	for _, name := range toolOrder {
		var params map[string]any
		raw := toolArgsByName[name].String()
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &params); err != nil {
				params = map[string]any{}
			}
		}
		calls = append(calls, domain.ModelFunctionCall{Name: name, Params: params})
	}

	c.srv.mu.Lock()
	c.srv.inputTk += promptTokens
	c.srv.outTk += completionTokens
	c.srv.mu.Unlock()

	result := domain.GenerateResult{
		FunctionCalls:  calls,
		LastEvaluation: domain.NewLastEvaluation(time.Now()),
		StopReason:     finishReason,
	}
	result.CleanHistory = append([]domain.ChatHistoryItem{}, history...)
	if n := len(result.CleanHistory); n > 0 && result.CleanHistory[n-1].Kind == domain.HistoryModel {
		last := &result.CleanHistory[n-1]
		last.Response = append(last.Response, domain.Segment{Kind: domain.SegmentText, Text: text.String()})
	} else {
		result.CleanHistory = append(result.CleanHistory, domain.ChatHistoryItem{
			Kind:     domain.HistoryModel,
			Response: []domain.Segment{{Kind: domain.SegmentText, Text: text.String()}},
		})
	}
	result.ContextWindow = result.CleanHistory
	return result, nil
}

func (c *subprocessContext) GenerateCompletion(ctx context.Context, prompt string, opts domain.CompletionOptions) (domain.CompletionResult, error) {
	if c.srv.closed {
		return domain.CompletionResult{}, fmt.Errorf("context is closed")
	}

	body := map[string]any{
		"prompt":       prompt,
		"stream":       true,
		"cache_prompt": true,
	}
	samplingToBody(body, opts.Sampling)
	if opts.Seed != 0 {
		body["seed"] = opts.Seed
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return domain.CompletionResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.srv.addr+"/completion", bytes.NewReader(jsonBody))
	if err != nil {
		return domain.CompletionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.srv.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.CompletionResult{}, ctx.Err()
		}
		return domain.CompletionResult{}, fmt.Errorf("llama-server request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.CompletionResult{}, fmt.Errorf("llama-server error %d: %s", resp.StatusCode, string(respBody))
	}

	var text strings.Builder
	stop := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")
		if jsonData == "" || jsonData == "[DONE]" {
			continue
		}
		var chunk struct {
			Content         string `json:"content"`
			Stop            bool   `json:"stop"`
			StoppingWord    string `json:"stopping_word"`
			TokensPredicted int    `json:"tokens_predicted"`
			TokensEvaluated int    `json:"tokens_evaluated"`
		}
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			continue
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			if opts.OnChunk != nil {
				opts.OnChunk(nil, chunk.Content)
			}
		}
		if chunk.Stop {
			if chunk.StoppingWord != "" {
				stop = "stopTrigger"
			} else {
				stop = "eogToken"
			}
			c.srv.mu.Lock()
			c.srv.inputTk += chunk.TokensEvaluated
			c.srv.outTk += chunk.TokensPredicted
			c.srv.mu.Unlock()
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		stop = "abort"
	}

	return domain.CompletionResult{
		Text:         text.String(),
		FinishReason: domain.FinishReason(stop),
	}, nil
}

func (c *subprocessContext) CompileGrammar(name, source string) (domain.Grammar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grammars == nil {
		c.grammars = map[string]*subprocessGrammar{}
	}
	g := &subprocessGrammar{name: name, source: source}
	c.grammars[name] = g
	return g, nil
}

func (c *subprocessContext) TokenMeter() (int, int) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.srv.inputTk, c.srv.outTk
}

func (c *subprocessContext) Dispose() {
	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	if c.model.genProc == c.srv {
		c.srv.close()
		c.model.genProc = nil
	}
}

// subprocessGrammar is a compiled (in practice, merely retained — llama-server
// compiles GBNF server-side per request) grammar handle.
type subprocessGrammar struct {
	name   string
	source string
}

func (g *subprocessGrammar) Name() string { return g.name }

// ─── subprocessEmbeddingContext ─────────────────────────────────────────────

type subprocessEmbeddingContext struct {
	srv *subprocessServer
}

func (e *subprocessEmbeddingContext) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.srv.closed {
		return nil, fmt.Errorf("embedding context is closed")
	}
	body, _ := json.Marshal(map[string]any{"content": text})
	req, err := http.NewRequestWithContext(ctx, "POST", e.srv.addr+"/embedding", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.srv.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// llama-server's /embedding returns either a flat object or an array of
	// one result per prompt part, depending on version; handle both.
	var arr []struct {
		Embedding json.RawMessage `json:"embedding"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return decodeEmbedding(arr[0].Embedding)
	}
	var single struct {
		Embedding json.RawMessage `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	return decodeEmbedding(single.Embedding)
}

func decodeEmbedding(raw json.RawMessage) ([]float32, error) {
	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var nested [][]float32
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 {
		return nested[0], nil
	}
	return nil, fmt.Errorf("unrecognized embedding shape")
}

func (e *subprocessEmbeddingContext) Dispose() {}

// ─── Helpers ────────────────────────────────────────────────────────────────

func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

func waitForServerWithFeedback(addr string, timeout time.Duration, earlyExit <-chan error, stderrBuf *limitedBuffer, progressFn func(string)) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	start := time.Now()
	lastMsg := time.Time{}

	for time.Now().Before(deadline) {
		select {
		case err := <-earlyExit:
			stderr := strings.TrimSpace(stderrBuf.String())
			if stderr != "" {
				return fmt.Errorf("llama-server exited unexpectedly (exit: %v)\n\noutput:\n%s", err, stderr)
			}
			return fmt.Errorf("llama-server exited unexpectedly (exit: %v)", err)
		default:
		}

		resp, err := client.Get(addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if progressFn != nil && time.Since(lastMsg) > 5*time.Second {
			elapsed := int(time.Since(start).Seconds())
			progressFn(fmt.Sprintf("loading model... (%ds elapsed)", elapsed))
			lastMsg = time.Now()
		}

		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("server at %s did not become ready within %v", addr, timeout)
}

// limitedBuffer is a thread-safe buffer that keeps only the last N bytes,
// used to capture llama-server stderr without unbounded memory use.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		b.buf.Reset()
		b.buf.Write(data[len(data)-b.max:])
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func coalesce(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
