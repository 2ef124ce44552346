package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/udisondev/chunkflow/internal/model"
)

// EntityManager is the narrow contract a per-type entity consumer implements.
type EntityManager interface {
	EntityType() model.EntityType

	PrepareForChunk(ctx context.Context, key string, bounds model.Bounds) error
	RenderChunk(ctx context.Context, key string) error
	UnloadChunk(ctx context.Context, key string) error

	OnEntityHydrated(id model.EntityID, data any)
	OnEntityRemoved(id model.EntityID)

	EntitiesInChunk(key string) []model.EntityID
	HasEntity(id model.EntityID) bool
	EntityCount() int

	Update(dt time.Duration) error
	Destroy()
}

// IncrementalRenderer spreads render work across frames.
type IncrementalRenderer interface {
	HasPendingRenderWork() bool
	// RenderIncremental does at most budget worth of work and reports whether work remains.
	RenderIncremental(budget time.Duration) bool
}

// Prefetcher warms manager-side resources for a chunk ahead of time.
type Prefetcher interface {
	Prefetch(ctx context.Context, key string, bounds model.Bounds) error
	CancelPrefetch(key string)
}

// SpatialReporter exposes the grid position of hydrated entities.
type SpatialReporter interface {
	EntityPosition(id model.EntityID) (model.HexPosition, bool)
}

// Options tune a registration. Nil fields take defaults; capability fields
// override the interfaces the manager itself implements.
type Options struct {
	RenderOrder  *int
	Required     *bool
	Dependencies []model.EntityType

	Incremental IncrementalRenderer
	Prefetch    Prefetcher
	Spatial     SpatialReporter
}

// Registration is a registered manager with its resolved options and capabilities.
type Registration struct {
	Manager      EntityManager
	Type         model.EntityType
	RenderOrder  int
	Required     bool
	Dependencies []model.EntityType

	Incremental IncrementalRenderer
	Prefetch    Prefetcher
	Spatial     SpatialReporter
}

// DefaultRenderOrder is the render order of a type without an explicit one.
func DefaultRenderOrder(typ model.EntityType) int {
	return int(typ) * 10
}

// Int returns a pointer to v, for Options.RenderOrder.
func Int(v int) *int { return &v }

// Bool returns a pointer to v, for Options.Required.
func Bool(v bool) *bool { return &v }

func newRegistration(m EntityManager, opts Options) Registration {
	reg := Registration{
		Manager:      m,
		Type:         m.EntityType(),
		RenderOrder:  DefaultRenderOrder(m.EntityType()),
		Required:     true,
		Dependencies: append([]model.EntityType(nil), opts.Dependencies...),
		Incremental:  opts.Incremental,
		Prefetch:     opts.Prefetch,
		Spatial:      opts.Spatial,
	}
	if opts.RenderOrder != nil {
		reg.RenderOrder = *opts.RenderOrder
	}
	if opts.Required != nil {
		reg.Required = *opts.Required
	}

	if reg.Incremental == nil {
		if ir, ok := m.(IncrementalRenderer); ok {
			reg.Incremental = ir
		}
	}
	if reg.Prefetch == nil {
		if p, ok := m.(Prefetcher); ok {
			reg.Prefetch = p
		}
	}
	if reg.Spatial == nil {
		if sr, ok := m.(SpatialReporter); ok {
			reg.Spatial = sr
		}
	}
	return reg
}

// ManagerHookError is a failed prepare or render hook of a required manager.
type ManagerHookError struct {
	Type     model.EntityType
	Stage    string
	ChunkKey string
	Err      error
}

func (e *ManagerHookError) Error() string {
	return fmt.Sprintf("%s manager %s chunk %s: %v", e.Type, e.Stage, e.ChunkKey, e.Err)
}

func (e *ManagerHookError) Unwrap() error {
	return e.Err
}
