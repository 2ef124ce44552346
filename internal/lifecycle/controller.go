// Package lifecycle wires the chunk state machine, fetch coordinator,
// hydration registry, manager orchestrator and spatial index into one
// controller driven by camera movement and a per-frame update.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/udisondev/chunkflow/internal/chunkstate"
	"github.com/udisondev/chunkflow/internal/config"
	"github.com/udisondev/chunkflow/internal/event"
	"github.com/udisondev/chunkflow/internal/fetch"
	"github.com/udisondev/chunkflow/internal/hydration"
	"github.com/udisondev/chunkflow/internal/model"
	"github.com/udisondev/chunkflow/internal/orchestrator"
	"github.com/udisondev/chunkflow/internal/spatial"
)

var (
	// ErrCurrentChunk is returned when unloading the chunk the camera is on.
	ErrCurrentChunk = errors.New("chunk is current")

	// ErrChunkBusy is returned when unloading a chunk that is still loading.
	ErrChunkBusy = errors.New("chunk is loading")

	// ErrDestroyed is returned by operations on a destroyed controller.
	ErrDestroyed = errors.New("controller destroyed")
)

// PrefetchStage is the stage reported by a PrefetchEvent.
type PrefetchStage uint8

const (
	PrefetchStarted PrefetchStage = iota
	PrefetchCompleted
)

func (s PrefetchStage) String() string {
	if s == PrefetchStarted {
		return "started"
	}
	return "completed"
}

// PrefetchEvent reports background loading of a neighbouring chunk.
type PrefetchEvent struct {
	ChunkKey string
	Stage    PrefetchStage
	Err      error // set on a failed completion
}

// Stats is a snapshot of the controller and its components.
type Stats struct {
	ActiveChunk   string
	State         chunkstate.Stats
	Fetch         fetch.Stats
	Hydration     hydration.Stats
	Orchestrator  orchestrator.Stats
	Spatial       spatial.Stats
	LoadingChunks []string
	PrefetchQueue []string
	CameraPasses  int
}

// pendingLoad is the shared future of one load pipeline run.
type pendingLoad struct {
	done chan struct{}
	err  error
}

func (l *pendingLoad) wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller is the single entry point of the chunk lifecycle system.
type Controller struct {
	cfg config.Chunks

	state   *chunkstate.Manager
	fetcher *fetch.Coordinator
	hydra   *hydration.Registry
	orch    *orchestrator.Orchestrator
	spatial *spatial.Index

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	prefetchSlots *semaphore.Weighted
	prefetch      *event.Topic[PrefetchEvent]

	mu            sync.Mutex
	current       string
	loads         map[string]*pendingLoad
	unloading     map[string]chan struct{} // evicted chunks whose manager unload is running
	prefetchQueue []string
	pendingCamera *model.Vec3
	cameraTimer   *time.Timer
	cameraBusy    bool
	cameraPasses  int
	destroyed     bool
}

// New creates a controller and every component it owns.
func New(cfg config.Chunks) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunk config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg: cfg,
		state: chunkstate.NewManager(chunkstate.Config{
			RenderChunkWidth:  cfg.RenderChunkWidth,
			RenderChunkHeight: cfg.RenderChunkHeight,
			MaxCachedChunks:   cfg.MaxCachedChunks,
			Debug:             cfg.Debug,
		}),
		fetcher: fetch.NewCoordinator(fetch.Config{
			BatchDelay:   cfg.FetchBatchDelay,
			MaxBatchSize: cfg.FetchMaxBatch,
			FetchTimeout: cfg.FetchTimeout,
			Debug:        cfg.Debug,
		}),
		hydra: hydration.NewRegistry(cfg.HydrationTimeout, cfg.Debug),
		orch: orchestrator.New(orchestrator.Config{
			IncrementalRenderBudget: cfg.IncrementalRenderBudget,
			Debug:                   cfg.Debug,
		}),
		spatial:       spatial.New(cfg.SpatialBucketSize, cfg.RenderChunkWidth, cfg.RenderChunkHeight),
		ctx:           ctx,
		cancel:        cancel,
		prefetchSlots: semaphore.NewWeighted(int64(cfg.MaxConcurrentPrefetch)),
		prefetch:      event.NewTopic[PrefetchEvent]("chunk:prefetch"),
		loads:         make(map[string]*pendingLoad, cfg.MaxConcurrentPrefetch+1),
		unloading:     make(map[string]chan struct{}),
	}

	if cfg.Debug {
		slog.Debug("chunk lifecycle: initialized",
			"renderChunk", fmt.Sprintf("%dx%d", cfg.RenderChunkWidth, cfg.RenderChunkHeight),
			"maxCached", cfg.MaxCachedChunks,
			"prefetch", cfg.MaxConcurrentPrefetch)
	}
	return c, nil
}

// SetFetchFunc sets the function used to retrieve chunk data.
func (c *Controller) SetFetchFunc(fn fetch.FetchFunc) {
	c.fetcher.SetFetchFunc(fn)
}

// SetStructurePositions sets the known structure positions passed to fetches.
func (c *Controller) SetStructurePositions(positions map[model.EntityID]model.HexPosition) {
	c.fetcher.SetStructurePositions(positions)
}

// RegisterManager registers an entity manager with the orchestrator.
func (c *Controller) RegisterManager(m orchestrator.EntityManager, opts orchestrator.Options) {
	c.orch.RegisterManager(m, opts)
}

// UnregisterManager drops the manager of typ.
func (c *Controller) UnregisterManager(typ model.EntityType) {
	c.orch.UnregisterManager(typ)
}

// HydrateEntity hands a hydrated entity to its manager and then records it
// with NotifyEntityHydrated.
func (c *Controller) HydrateEntity(id model.EntityID, typ model.EntityType, key string, data any) {
	c.orch.NotifyEntityHydrated(id, typ, data)
	c.NotifyEntityHydrated(id, typ, key)
}

// NotifyEntityHydrated records that an entity arrived. An empty key is
// resolved through the ids expected by loading chunks. The entity is
// indexed when its manager reports a position. The registry is notified
// last so a completed wait observes the record and the index.
func (c *Controller) NotifyEntityHydrated(id model.EntityID, typ model.EntityType, key string) {
	if pos, found := c.orch.EntityPosition(id, typ); found {
		c.spatial.Insert(id, typ, pos.Col, pos.Row)
	}

	resolved := key
	if resolved == "" {
		resolved, _ = c.hydra.EntityChunk(id)
	}
	if resolved != "" {
		c.state.RecordHydrated(resolved, typ, id)
	}
	c.hydra.NotifyEntityHydrated(id, typ, key)
}

// NotifyEntityRemoved drops an entity from hydration tracking, the spatial
// index and its manager.
func (c *Controller) NotifyEntityRemoved(id model.EntityID, typ model.EntityType) {
	c.hydra.NotifyEntityRemoved(id)
	c.spatial.Remove(id)
	c.orch.NotifyEntityRemoved(id, typ)
}

// Update runs the per-frame tick: manager updates, incremental render work
// within the frame budget, and LRU eviction.
func (c *Controller) Update(dt time.Duration) {
	c.orch.Update(dt)

	if c.orch.HasPendingRenderWork() {
		c.orch.RenderIncremental(c.cfg.IncrementalRenderBudget)
	}

	for _, key := range c.state.EvictLRU() {
		removed := c.spatial.RemoveChunk(key)
		c.hydra.ClearExpectations(key)

		if c.cfg.Debug {
			slog.Debug("chunk lifecycle: evicted chunk", "chunk", key, "entities", removed)
		}
		c.unloadEvicted(key)
	}
}

// unloadEvicted runs the manager unload of an evicted chunk in the
// background. A reload of key waits for it in waitUnloaded.
func (c *Controller) unloadEvicted(key string) {
	done := make(chan struct{})

	c.mu.Lock()
	prev := c.unloading[key]
	c.unloading[key] = done
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		if c.unloading[key] == done {
			delete(c.unloading, key)
		}
		c.mu.Unlock()
		close(done)
	}

	started := c.goBackground(func() {
		defer release()
		if prev != nil {
			<-prev
		}
		c.orch.UnloadChunk(c.ctx, key)
	})
	if !started {
		release()
	}
}

// waitUnloaded blocks until a running eviction unload of key finishes.
func (c *Controller) waitUnloaded(key string) error {
	c.mu.Lock()
	done := c.unloading[key]
	c.mu.Unlock()
	if done == nil {
		return nil
	}

	if c.cfg.Debug {
		slog.Debug("chunk lifecycle: waiting for eviction unload", "chunk", key)
	}
	select {
	case <-done:
		return nil
	case <-c.ctx.Done():
		return ErrDestroyed
	}
}

// WorldPositionToChunkKey maps a world position to the key of its render chunk.
func (c *Controller) WorldPositionToChunkKey(pos model.Vec3) string {
	col, row := worldToHex(pos)
	startRow, startCol := model.ChunkAnchor(col, row, c.cfg.RenderChunkWidth, c.cfg.RenderChunkHeight)
	return model.ChunkKey(startRow, startCol)
}

// ChunkBounds returns the bounds of the render chunk key.
func (c *Controller) ChunkBounds(key string) (model.Bounds, error) {
	return model.BoundsForKey(key, c.cfg.RenderChunkWidth, c.cfg.RenderChunkHeight)
}

// CurrentChunk returns the chunk the camera is on, empty before the first switch.
func (c *Controller) CurrentChunk() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// IsChunkReady reports whether key is ACTIVE.
func (c *Controller) IsChunkReady(key string) bool {
	return c.state.IsReady(key)
}

// IsChunkLoading reports whether key is in a loading phase or has a pending load.
func (c *Controller) IsChunkLoading(key string) bool {
	if c.state.IsLoading(key) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loads[key]
	return ok
}

// ChunkState returns a copy of the lifecycle record of key.
func (c *Controller) ChunkState(key string) (chunkstate.State, bool) {
	return c.state.State(key)
}

// HydrationProgress returns hydration progress of key.
func (c *Controller) HydrationProgress(key string) hydration.Progress {
	return c.hydra.Progress(key)
}

// Spatial returns the shared spatial index.
func (c *Controller) Spatial() *spatial.Index {
	return c.spatial
}

// Orchestrator returns the manager orchestrator.
func (c *Controller) Orchestrator() *orchestrator.Orchestrator {
	return c.orch
}

// OnPhaseChange subscribes to chunk phase changes.
func (c *Controller) OnPhaseChange(fn func(chunkstate.PhaseChangeEvent)) (unsubscribe func()) {
	return c.state.OnPhaseChange(fn)
}

// OnActivated subscribes to chunks becoming ACTIVE.
func (c *Controller) OnActivated(fn func(chunkstate.ActivatedEvent)) (unsubscribe func()) {
	return c.state.OnActivated(fn)
}

// OnDeactivated subscribes to chunks leaving ACTIVE.
func (c *Controller) OnDeactivated(fn func(chunkstate.DeactivatedEvent)) (unsubscribe func()) {
	return c.state.OnDeactivated(fn)
}

// OnError subscribes to chunk failures.
func (c *Controller) OnError(fn func(chunkstate.ErrorEvent)) (unsubscribe func()) {
	return c.state.OnError(fn)
}

// OnHydrationProgress subscribes to hydration progress.
func (c *Controller) OnHydrationProgress(fn func(hydration.ProgressEvent)) (unsubscribe func()) {
	return c.hydra.OnProgress(fn)
}

// OnPrefetch subscribes to prefetch start and completion.
func (c *Controller) OnPrefetch(fn func(PrefetchEvent)) (unsubscribe func()) {
	return c.prefetch.Subscribe(fn)
}

// Stats returns a snapshot of the controller and its components.
func (c *Controller) Stats() Stats {
	st := Stats{
		State:        c.state.Stats(),
		Fetch:        c.fetcher.Stats(),
		Hydration:    c.hydra.Stats(),
		Orchestrator: c.orch.Stats(),
		Spatial:      c.spatial.Stats(),
	}

	c.mu.Lock()
	st.ActiveChunk = c.current
	for key := range c.loads {
		st.LoadingChunks = append(st.LoadingChunks, key)
	}
	st.PrefetchQueue = append([]string(nil), c.prefetchQueue...)
	st.CameraPasses = c.cameraPasses
	c.mu.Unlock()

	return st
}

// Clear drops all chunk state, pending fetches, expectations and indexed
// entities. Registered managers are kept.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.current = ""
	c.prefetchQueue = nil
	c.pendingCamera = nil
	if c.cameraTimer != nil {
		c.cameraTimer.Stop()
		c.cameraTimer = nil
	}
	c.mu.Unlock()

	c.fetcher.CancelAll()
	c.hydra.Clear()
	c.spatial.Clear()
	c.state.Clear()
}

// Destroy stops background work and destroys every component.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.Clear()
	c.cancel()
	c.bg.Wait()

	c.orch.Destroy()
	c.fetcher.Destroy()
	c.hydra.Destroy()
	c.state.Destroy()
	c.prefetch.Reset()

	if c.cfg.Debug {
		slog.Debug("chunk lifecycle: destroyed")
	}
}

// goBackground runs fn on a tracked goroutine. Nothing starts once Destroy began.
func (c *Controller) goBackground(fn func()) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	c.bg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.bg.Done()
		fn()
	}()
	return true
}
