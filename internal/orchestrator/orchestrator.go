package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/chunkflow/internal/model"
)

const (
	stagePrepare = "prepare"
	stageRender  = "render"
	stageUnload  = "unload"
)

// Config tunes the orchestrator.
type Config struct {
	IncrementalRenderBudget time.Duration
	Debug                   bool
}

// Stats describes registered managers.
type Stats struct {
	ManagerCount     int
	RenderOrder      []model.EntityType
	EntityCounts     map[model.EntityType]int
	ProcessingChunks []string
}

// Orchestrator dispatches chunk lifecycle hooks to registered entity
// managers in dependency-respecting render order.
type Orchestrator struct {
	cfg Config

	mu         sync.RWMutex
	managers   map[model.EntityType]*Registration
	order      []model.EntityType
	processing map[string]struct{}
}

// New creates an orchestrator without managers.
func New(cfg Config) *Orchestrator {
	if cfg.IncrementalRenderBudget <= 0 {
		cfg.IncrementalRenderBudget = 8 * time.Millisecond
	}
	return &Orchestrator{
		cfg:        cfg,
		managers:   make(map[model.EntityType]*Registration, len(model.EntityTypes)),
		processing: make(map[string]struct{}),
	}
}

// RegisterManager registers m for its entity type, replacing any previous one.
func (o *Orchestrator) RegisterManager(m EntityManager, opts Options) {
	reg := newRegistration(m, opts)

	o.mu.Lock()
	o.managers[reg.Type] = &reg
	o.rebuildOrderLocked()
	o.mu.Unlock()

	if o.cfg.Debug {
		slog.Debug("orchestrator: registered manager", "type", reg.Type, "renderOrder", reg.RenderOrder, "required", reg.Required)
	}
}

// UnregisterManager drops the manager of typ.
func (o *Orchestrator) UnregisterManager(typ model.EntityType) {
	o.mu.Lock()
	delete(o.managers, typ)
	o.rebuildOrderLocked()
	o.mu.Unlock()

	if o.cfg.Debug {
		slog.Debug("orchestrator: unregistered manager", "type", typ)
	}
}

// Manager returns the manager registered for typ.
func (o *Orchestrator) Manager(typ model.EntityType) (EntityManager, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	reg, ok := o.managers[typ]
	if !ok {
		return nil, false
	}
	return reg.Manager, true
}

// Registration returns a copy of the registration for typ.
func (o *Orchestrator) Registration(typ model.EntityType) (Registration, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	reg, ok := o.managers[typ]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// HasManager reports whether a manager is registered for typ.
func (o *Orchestrator) HasManager(typ model.EntityType) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.managers[typ]
	return ok
}

// Order returns the current render order.
func (o *Orchestrator) Order() []model.EntityType {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.order)
}

// rebuildOrderLocked sorts types by render order and then places every
// dependency before its dependents. A cycle falls back to the plain sort.
func (o *Orchestrator) rebuildOrderLocked() {
	byOrder := make([]model.EntityType, 0, len(o.managers))
	for typ := range o.managers {
		byOrder = append(byOrder, typ)
	}
	sort.Slice(byOrder, func(i, j int) bool {
		a, b := o.managers[byOrder[i]], o.managers[byOrder[j]]
		if a.RenderOrder != b.RenderOrder {
			return a.RenderOrder < b.RenderOrder
		}
		return a.Type < b.Type
	})

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[model.EntityType]int, len(byOrder))
	sorted := make([]model.EntityType, 0, len(byOrder))
	cycle := false

	var visit func(typ model.EntityType)
	visit = func(typ model.EntityType) {
		switch state[typ] {
		case done:
			return
		case visiting:
			cycle = true
			slog.Warn("orchestrator: circular manager dependency", "type", typ)
			return
		}
		state[typ] = visiting
		for _, dep := range o.managers[typ].Dependencies {
			if _, ok := o.managers[dep]; ok {
				visit(dep)
			}
		}
		state[typ] = done
		sorted = append(sorted, typ)
	}
	for _, typ := range byOrder {
		visit(typ)
	}

	if cycle {
		o.order = byOrder
	} else {
		o.order = sorted
	}

	if o.cfg.Debug {
		slog.Debug("orchestrator: render order", "order", o.order)
	}
}

// snapshot returns the registrations in render order.
func (o *Orchestrator) snapshot() []Registration {
	o.mu.RLock()
	defer o.mu.RUnlock()

	regs := make([]Registration, 0, len(o.order))
	for _, typ := range o.order {
		if reg, ok := o.managers[typ]; ok {
			regs = append(regs, *reg)
		}
	}
	return regs
}

// PrepareChunk runs every manager's prepare hook in render order. A failing
// required manager aborts with a *ManagerHookError; optional failures are logged.
func (o *Orchestrator) PrepareChunk(ctx context.Context, key string, bounds model.Bounds) error {
	o.mu.Lock()
	if _, busy := o.processing[key]; busy {
		o.mu.Unlock()
		slog.Warn("orchestrator: chunk already being prepared", "chunk", key)
		return nil
	}
	o.processing[key] = struct{}{}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.processing, key)
		o.mu.Unlock()
	}()

	if o.cfg.Debug {
		slog.Debug("orchestrator: preparing chunk", "chunk", key)
	}

	for _, reg := range o.snapshot() {
		err := safeCall(func() error { return reg.Manager.PrepareForChunk(ctx, key, bounds) })
		if err := o.hookFailed(reg, stagePrepare, key, err); err != nil {
			return err
		}
	}
	return nil
}

// RenderChunk runs every manager's render hook in render order.
func (o *Orchestrator) RenderChunk(ctx context.Context, key string) error {
	start := time.Now()

	for _, reg := range o.snapshot() {
		managerStart := time.Now()
		err := safeCall(func() error { return reg.Manager.RenderChunk(ctx, key) })
		if err := o.hookFailed(reg, stageRender, key, err); err != nil {
			return err
		}
		if o.cfg.Debug {
			slog.Debug("orchestrator: manager rendered", "type", reg.Type, "chunk", key, "took", time.Since(managerStart))
		}
	}

	if o.cfg.Debug {
		slog.Debug("orchestrator: chunk rendered", "chunk", key, "took", time.Since(start))
	}
	return nil
}

// UnloadChunk runs every manager's unload hook in reverse render order.
// Failures are logged and never stop the remaining managers.
func (o *Orchestrator) UnloadChunk(ctx context.Context, key string) {
	regs := o.snapshot()
	for i := len(regs) - 1; i >= 0; i-- {
		reg := regs[i]
		if err := safeCall(func() error { return reg.Manager.UnloadChunk(ctx, key) }); err != nil {
			slog.Error("orchestrator: manager hook failed", "type", reg.Type, "stage", stageUnload, "chunk", key, "err", err)
		}
	}
}

func (o *Orchestrator) hookFailed(reg Registration, stage, key string, err error) error {
	if err == nil {
		return nil
	}
	hookErr := &ManagerHookError{Type: reg.Type, Stage: stage, ChunkKey: key, Err: err}
	if reg.Required {
		slog.Error("orchestrator: required manager failed", "type", reg.Type, "stage", stage, "chunk", key, "err", err)
		return hookErr
	}
	slog.Warn("orchestrator: optional manager failed, skipping", "type", reg.Type, "stage", stage, "chunk", key, "err", err)
	return nil
}

// PrefetchChunk runs every prefetch-capable manager concurrently. Failures are logged.
func (o *Orchestrator) PrefetchChunk(ctx context.Context, key string, bounds model.Bounds) {
	var g errgroup.Group
	for _, reg := range o.snapshot() {
		if reg.Prefetch == nil {
			continue
		}
		g.Go(func() error {
			if err := safeCall(func() error { return reg.Prefetch.Prefetch(ctx, key, bounds) }); err != nil {
				slog.Warn("orchestrator: prefetch failed", "type", reg.Type, "chunk", key, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// CancelPrefetch cancels manager-side prefetch for key.
func (o *Orchestrator) CancelPrefetch(key string) {
	for _, reg := range o.snapshot() {
		if reg.Prefetch != nil {
			reg.Prefetch.CancelPrefetch(key)
		}
	}
}

// HasPendingRenderWork reports whether any incremental renderer has work left.
func (o *Orchestrator) HasPendingRenderWork() bool {
	for _, reg := range o.snapshot() {
		if reg.Incremental != nil && reg.Incremental.HasPendingRenderWork() {
			return true
		}
	}
	return false
}

// RenderIncremental drains incremental render work within budget (the
// configured budget when zero). Returns true if work remains.
func (o *Orchestrator) RenderIncremental(budget time.Duration) bool {
	if budget <= 0 {
		budget = o.cfg.IncrementalRenderBudget
	}
	start := time.Now()

	for _, reg := range o.snapshot() {
		if reg.Incremental == nil || !reg.Incremental.HasPendingRenderWork() {
			continue
		}
		remaining := budget - time.Since(start)
		if remaining <= 0 {
			return true
		}
		if reg.Incremental.RenderIncremental(remaining) {
			return true
		}
	}
	return false
}

// NotifyEntityHydrated forwards a hydrated entity to the manager of typ.
func (o *Orchestrator) NotifyEntityHydrated(id model.EntityID, typ model.EntityType, data any) {
	if m, ok := o.Manager(typ); ok {
		m.OnEntityHydrated(id, data)
	}
}

// NotifyEntityRemoved forwards an entity removal to the manager of typ.
func (o *Orchestrator) NotifyEntityRemoved(id model.EntityID, typ model.EntityType) {
	if m, ok := o.Manager(typ); ok {
		m.OnEntityRemoved(id)
	}
}

// EntityPosition asks the manager of typ for the grid position of id.
func (o *Orchestrator) EntityPosition(id model.EntityID, typ model.EntityType) (model.HexPosition, bool) {
	reg, ok := o.Registration(typ)
	if !ok || reg.Spatial == nil {
		return model.HexPosition{}, false
	}
	return reg.Spatial.EntityPosition(id)
}

// Update ticks every manager. A failing or panicking manager is logged and
// does not stop the others.
func (o *Orchestrator) Update(dt time.Duration) {
	for _, reg := range o.snapshot() {
		if err := safeCall(func() error { return reg.Manager.Update(dt) }); err != nil {
			slog.Error("orchestrator: manager update failed", "type", reg.Type, "err", err)
		}
	}
}

// Stats returns registration statistics.
func (o *Orchestrator) Stats() Stats {
	regs := o.snapshot()

	st := Stats{
		ManagerCount: len(regs),
		RenderOrder:  make([]model.EntityType, 0, len(regs)),
		EntityCounts: make(map[model.EntityType]int, len(regs)),
	}
	for _, reg := range regs {
		st.RenderOrder = append(st.RenderOrder, reg.Type)
		st.EntityCounts[reg.Type] = reg.Manager.EntityCount()
	}

	o.mu.RLock()
	for key := range o.processing {
		st.ProcessingChunks = append(st.ProcessingChunks, key)
	}
	o.mu.RUnlock()
	return st
}

// Destroy destroys every manager and drops the registrations.
func (o *Orchestrator) Destroy() {
	for _, reg := range o.snapshot() {
		if err := safeCall(func() error { reg.Manager.Destroy(); return nil }); err != nil {
			slog.Error("orchestrator: manager destroy failed", "type", reg.Type, "err", err)
		}
	}

	o.mu.Lock()
	clear(o.managers)
	clear(o.processing)
	o.order = nil
	o.mu.Unlock()

	if o.cfg.Debug {
		slog.Debug("orchestrator: destroyed")
	}
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
