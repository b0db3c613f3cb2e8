// Package pool implements admission, affinity routing, and
// concurrency-bounded dispatch — the other half of the system's core
// engineering challenge alongside internal/turn. It owns every
// instance.Instance, satisfies incoming requests by selecting or
// spawning one, and drains cleanly on shutdown.
//
// The wait queue is channel-based rather than built on sync.Cond, the
// same shape Docker Model Runner's model-runner scheduler uses for its
// slot waiters: a queued request blocks on a private channel it owns,
// which lets admission compose with ctx.Done() in one select instead of
// a condition-variable loop that can't observe cancellation.
package pool

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/runlocal/infergate/internal/domain"
	"github.com/runlocal/infergate/internal/instance"
	"github.com/runlocal/infergate/internal/metrics"
	"github.com/runlocal/infergate/internal/turn"
)

// Slot is one pool entry owning an Instance and its lease state.
type Slot struct {
	ID        string
	ModelName string
	State     domain.SlotState
	Instance  *instance.Instance
	LastUse   time.Time
}

type waitEntry struct {
	modelName string
	ch        chan dispatchOutcome
}

type dispatchOutcome struct {
	slot *Slot
	err  error
}

// Pool manages loaded instances with affinity routing, bounded
// concurrency, and a FIFO admission queue.
type Pool struct {
	mu          sync.Mutex
	runtime     domain.Runtime
	downloader  domain.Downloader
	configs     map[string]domain.ModelConfig
	concurrency int
	slots       []*Slot
	waiters     []*waitEntry
	draining    bool

	drainCtx    context.Context
	drainCancel context.CancelFunc

	logger  zerolog.Logger
	metrics *metrics.Metrics
	files   domain.ModelFileStore
}

// New builds a Pool over the given model configurations. downloader may
// be nil if no configured model names a URL.
func New(runtime domain.Runtime, downloader domain.Downloader, configs map[string]domain.ModelConfig, concurrency int, logger zerolog.Logger, m *metrics.Metrics) *Pool {
	drainCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runtime:     runtime,
		downloader:  downloader,
		configs:     configs,
		concurrency: concurrency,
		drainCtx:    drainCtx,
		drainCancel: cancel,
		logger:      logger,
		metrics:     m,
	}
}

// SetFileStore attaches the model-file cache index so model files the
// pool downloads on demand are recorded in it. Optional; a nil store
// disables the bookkeeping.
func (p *Pool) SetFileStore(st domain.ModelFileStore) { p.files = st }

// RequestChat runs a chat-completion request against an acquired slot.
func (p *Pool) RequestChat(ctx context.Context, modelName string, req domain.ChatRequest) (domain.ChatResult, error) {
	ctx, cancel := p.mergeDrain(ctx)
	defer cancel()

	slot, err := p.acquire(ctx, modelName, req.Messages, req.ResetContext)
	if err != nil {
		return domain.ChatResult{}, err
	}
	defer p.release(slot)

	slot.Instance.Lock()
	defer slot.Instance.Unlock()

	start := time.Now()
	result, err := turn.Chat(ctx, slot.Instance, req)
	if p.metrics != nil {
		p.metrics.ObserveChat(modelName, err == nil, time.Since(start))
	}
	return result, err
}

// RequestCompletion runs a text-completion request.
func (p *Pool) RequestCompletion(ctx context.Context, modelName string, req domain.CompletionRequest) (domain.CompletionResult, error) {
	ctx, cancel := p.mergeDrain(ctx)
	defer cancel()

	slot, err := p.acquire(ctx, modelName, nil, false)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	defer p.release(slot)

	slot.Instance.Lock()
	defer slot.Instance.Unlock()

	start := time.Now()
	result, err := turn.Completion(ctx, slot.Instance, req)
	if p.metrics != nil {
		p.metrics.ObserveCompletion(modelName, err == nil, time.Since(start))
	}
	return result, err
}

// RequestEmbedding runs an embedding request.
func (p *Pool) RequestEmbedding(ctx context.Context, modelName string, req domain.EmbeddingRequest) (domain.EmbeddingResult, error) {
	ctx, cancel := p.mergeDrain(ctx)
	defer cancel()

	slot, err := p.acquire(ctx, modelName, nil, false)
	if err != nil {
		return domain.EmbeddingResult{}, err
	}
	defer p.release(slot)

	slot.Instance.Lock()
	defer slot.Instance.Unlock()

	start := time.Now()
	result, err := turn.Embedding(ctx, slot.Instance, req)
	if p.metrics != nil {
		p.metrics.ObserveEmbedding(modelName, err == nil, time.Since(start))
	}
	return result, err
}

// GetStatus returns a snapshot of slot state, queue depth, and in-flight
// count.
func (p *Pool) GetStatus() domain.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := domain.PoolStatus{QueueDepth: len(p.waiters)}
	for _, s := range p.slots {
		status.Slots = append(status.Slots, domain.ModelSlotStatus{
			ModelName: s.ModelName,
			State:     s.State,
			LastUse:   s.LastUse,
		})
		if s.State == domain.SlotBusy {
			status.InFlight++
		}
	}
	return status
}

// ModelNames returns the configured model names, sorted, for the HTTP
// adapter's GET /v1/models.
func (p *Pool) ModelNames() []string {
	names := make([]string, 0, len(p.configs))
	for name := range p.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispose drains the pool: no new admissions,
// queued requests fail with a shutdown error, in-flight requests are
// cancelled via the shared drain context, and every Instance is
// disposed once its slot returns to idle.
func (p *Pool) Dispose() {
	p.mu.Lock()
	p.draining = true
	shutdownErr := domain.NewError(domain.KindShutdown, "pool is shutting down", domain.ErrPoolDraining)
	for _, w := range p.waiters {
		w.ch <- dispatchOutcome{err: shutdownErr}
	}
	p.waiters = nil
	p.mu.Unlock()

	p.logger.Info().Msg("pool draining")
	p.drainCancel()

	for {
		p.mu.Lock()
		remaining := p.slots[:0]
		for _, s := range p.slots {
			if s.State == domain.SlotIdle {
				s.Instance.Dispose()
				continue
			}
			remaining = append(remaining, s)
		}
		p.slots = remaining
		done := len(p.slots) == 0
		p.syncGaugesLocked()
		p.mu.Unlock()
		if done {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// syncGaugesLocked pushes the current queue depth and live-instance
// count to the metrics gauges. Must be called with p.mu held.
func (p *Pool) syncGaugesLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.SetQueueDepth(len(p.waiters))
	p.metrics.SetLiveInstances(len(p.slots))
}

func (p *Pool) mergeDrain(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-p.drainCtx.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged, cancel
}

// acquire selects an idle slot, spawns a new one under the
// concurrency cap, or queues the request until a slot frees up.
func (p *Pool) acquire(ctx context.Context, modelName string, messages []domain.ChatMessage, resetContext bool) (*Slot, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, domain.NewError(domain.KindShutdown, "pool is shutting down", domain.ErrPoolDraining)
	}

	if slot := p.pickIdleSlotLocked(modelName, messages); slot != nil {
		slot.State = domain.SlotBusy
		p.mu.Unlock()
		if err := p.reconcileWarmState(ctx, slot, messages, resetContext); err != nil {
			p.release(slot)
			return nil, err
		}
		return slot, nil
	}

	if len(p.slots) < p.concurrency {
		slot := &Slot{ID: uuid.NewString(), ModelName: modelName, State: domain.SlotLoading}
		p.slots = append(p.slots, slot)
		p.syncGaugesLocked()
		p.mu.Unlock()

		inst, err := p.spawnInstance(ctx, modelName)
		p.mu.Lock()
		if err != nil {
			p.removeSlotLocked(slot)
			p.syncGaugesLocked()
			p.mu.Unlock()
			return nil, err
		}
		slot.Instance = inst
		slot.State = domain.SlotBusy
		slot.LastUse = time.Now()
		p.mu.Unlock()
		p.logger.Info().Str("model", modelName).Str("slot", slot.ID).Msg("spawned instance")
		return slot, nil
	}

	entry := &waitEntry{modelName: modelName, ch: make(chan dispatchOutcome, 1)}
	p.waiters = append(p.waiters, entry)
	p.syncGaugesLocked()
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiterLocked(entry)
		p.syncGaugesLocked()
		p.mu.Unlock()
		return nil, domain.NewError(domain.KindCancellation, "aborted while queued", domain.ErrAborted)
	case outcome := <-entry.ch:
		return outcome.slot, outcome.err
	}
}

// reconcileWarmState disposes and recreates the Context when the
// request's prefix does not overlap the leased slot's chatHistory, or
// when the caller asks for a reset; an overlapping prefix keeps the
// warm context alive.
func (p *Pool) reconcileWarmState(ctx context.Context, slot *Slot, messages []domain.ChatMessage, resetContext bool) error {
	if resetContext {
		return slot.Instance.ResetChat(ctx)
	}
	if len(messages) == 0 {
		return nil
	}
	if affinityScore(slot.Instance.ChatHistory, messages) >= 1 {
		return nil
	}
	return slot.Instance.ResetChat(ctx)
}

// release returns a slot to idle and dispatches a queued waiter: the
// oldest waiter for this slot's model if one exists, else the oldest
// waiter overall via evict-and-replace.
func (p *Pool) release(slot *Slot) {
	p.mu.Lock()

	slot.State = domain.SlotIdle
	slot.LastUse = time.Now()

	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}

	for idx, w := range p.waiters {
		if w.modelName == slot.ModelName {
			p.waiters = append(p.waiters[:idx], p.waiters[idx+1:]...)
			slot.State = domain.SlotBusy
			slot.LastUse = time.Now()
			p.syncGaugesLocked()
			p.mu.Unlock()
			w.ch <- dispatchOutcome{slot: slot}
			return
		}
	}

	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	slot.State = domain.SlotEvicting
	p.syncGaugesLocked()
	p.mu.Unlock()

	go p.evictAndReplace(slot, w)
}

// evictAndReplace disposes slot's current Instance and spawns a fresh
// one for w's model, reusing the Slot object.
func (p *Pool) evictAndReplace(slot *Slot, w *waitEntry) {
	p.logger.Info().Str("evicted_model", slot.ModelName).Str("for_model", w.modelName).Str("slot", slot.ID).Msg("evicting instance for queued request")
	slot.Instance.Dispose()

	inst, err := p.spawnInstance(context.Background(), w.modelName)
	p.mu.Lock()
	if err != nil {
		p.removeSlotLocked(slot)
		p.syncGaugesLocked()
		p.mu.Unlock()
		w.ch <- dispatchOutcome{err: err}
		return
	}
	slot.ModelName = w.modelName
	slot.Instance = inst
	slot.State = domain.SlotBusy
	slot.LastUse = time.Now()
	p.mu.Unlock()
	w.ch <- dispatchOutcome{slot: slot}
}

func (p *Pool) spawnInstance(ctx context.Context, modelName string) (*instance.Instance, error) {
	cfg, ok := p.configs[modelName]
	if !ok {
		return nil, domain.NewError(domain.KindConfiguration, fmt.Sprintf("unknown model %q", modelName), domain.ErrModelNotFound)
	}

	if err := p.ensureModelFile(ctx, cfg); err != nil {
		return nil, err
	}

	inst, err := instance.New(ctx, p.runtime, cfg)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.InstanceSpawned(modelName)
	}
	return inst, nil
}

func (p *Pool) removeSlotLocked(slot *Slot) {
	for i, s := range p.slots {
		if s == slot {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return
		}
	}
}

func (p *Pool) removeWaiterLocked(entry *waitEntry) {
	for i, w := range p.waiters {
		if w == entry {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// pickIdleSlotLocked returns the affinity-scored idle slot if any
// overlap exists, else the least-recently-used idle slot for the
// model. Must be called with p.mu held.
func (p *Pool) pickIdleSlotLocked(modelName string, messages []domain.ChatMessage) *Slot {
	var candidates []*Slot
	for _, s := range p.slots {
		if s.ModelName == modelName && s.State == domain.SlotIdle {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	if len(messages) > 0 {
		bestScore := -1
		var best *Slot
		for _, s := range candidates {
			score := affinityScore(s.Instance.ChatHistory, messages)
			if score > bestScore || (score == bestScore && best != nil && s.LastUse.After(best.LastUse)) {
				bestScore = score
				best = s
			}
		}
		if bestScore >= 1 {
			return best
		}
	}

	var lru *Slot
	for _, s := range candidates {
		if lru == nil || s.LastUse.Before(lru.LastUse) {
			lru = s
		}
	}
	return lru
}

// affinityScore is the length, in messages, of the longest common
// prefix between a slot's canonical chatHistory and an incoming
// request's wire-level messages.
func affinityScore(history []domain.ChatHistoryItem, messages []domain.ChatMessage) int {
	n := len(history)
	if len(messages) < n {
		n = len(messages)
	}
	score := 0
	for i := 0; i < n; i++ {
		hRole, hText := canonicalRoleText(history[i])
		mRole, mText := string(messages[i].Role), messages[i].Content
		if hRole != mRole || hText != mText {
			break
		}
		score++
	}
	return score
}

func canonicalRoleText(item domain.ChatHistoryItem) (string, string) {
	switch item.Kind {
	case domain.HistorySystem:
		return "system", item.Text
	case domain.HistoryUser:
		return "user", item.Text
	case domain.HistoryModel:
		text := ""
		for _, seg := range item.Response {
			if seg.Kind == domain.SegmentText {
				text += seg.Text
			}
		}
		return "assistant", text
	default:
		return "", ""
	}
}

func (p *Pool) ensureModelFile(ctx context.Context, cfg domain.ModelConfig) error {
	if fileExists(cfg.File) {
		return nil
	}
	if cfg.URL == "" {
		return domain.NewError(domain.KindResource, fmt.Sprintf("model %q file missing and no url configured", cfg.Name), domain.ErrModelFileMissing)
	}
	if p.downloader == nil {
		return domain.NewError(domain.KindResource, fmt.Sprintf("model %q file missing; no downloader configured", cfg.Name), domain.ErrModelFileMissing)
	}
	if err := p.downloader.Ensure(ctx, cfg.URL, cfg.File, nil); err != nil {
		return domain.NewError(domain.KindResource, fmt.Sprintf("download model %q", cfg.Name), domain.ErrDownloadFailed)
	}
	p.recordModelFile(cfg)
	return nil
}

// recordModelFile writes a freshly downloaded weight file into the
// cache index so /v1/models and the CLI can report it without
// re-statting configured paths.
func (p *Pool) recordModelFile(cfg domain.ModelConfig) {
	if p.files == nil {
		return
	}
	stat, err := os.Stat(cfg.File)
	if err != nil {
		return
	}
	if err := p.files.Upsert(domain.ModelFileRecord{
		Name:      cfg.Name,
		Path:      cfg.File,
		SizeBytes: stat.Size(),
		PulledAt:  time.Now(),
	}); err != nil {
		p.logger.Debug().Err(err).Str("model", cfg.Name).Msg("record model file")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
