package chunkstate

import (
	"errors"
	"time"

	"github.com/udisondev/chunkflow/internal/model"
)

var (
	// ErrInvalidTransition is returned for a phase change the FSM does not allow.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrUnknownChunk is returned when the chunk has no state record.
	ErrUnknownChunk = errors.New("unknown chunk")
)

// transitions lists the legal edges. Every phase may additionally enter PhaseError.
var transitions = map[model.Phase]model.Phase{
	model.PhaseIdle:      model.PhaseFetching,
	model.PhaseFetching:  model.PhaseHydrating,
	model.PhaseHydrating: model.PhaseRendering,
	model.PhaseRendering: model.PhaseActive,
	model.PhaseActive:    model.PhaseUnloading,
	model.PhaseUnloading: model.PhaseIdle,
	model.PhaseError:     model.PhaseIdle,
}

// IsValidTransition reports whether from → to is a legal edge.
func IsValidTransition(from, to model.Phase) bool {
	if to == model.PhaseError {
		return true
	}
	next, ok := transitions[from]
	return ok && next == to
}

// State is the lifecycle record of one chunk.
type State struct {
	Key      string
	Phase    model.Phase
	Bounds   model.Bounds
	Priority model.Priority

	PhaseStartedAt time.Time
	LastTransition time.Time
	LoadStartedAt  time.Time // entry into FETCHING, zero when idle

	Expected map[model.EntityType]int
	Hydrated map[model.EntityType]map[model.EntityID]struct{}

	Rendered       bool
	Err            error
	RenderDuration time.Duration
	LoadDuration   time.Duration // FETCHING start to ACTIVE
}

func newState(key string, bounds model.Bounds, now time.Time) *State {
	return &State{
		Key:            key,
		Phase:          model.PhaseIdle,
		Bounds:         bounds,
		Priority:       model.PriorityNormal,
		PhaseStartedAt: now,
		LastTransition: now,
		Expected:       make(map[model.EntityType]int, 4),
		Hydrated:       make(map[model.EntityType]map[model.EntityID]struct{}, 4),
	}
}

// HydratedCount returns the number of hydrated entities of one type.
func (s *State) HydratedCount(typ model.EntityType) int {
	return len(s.Hydrated[typ])
}

// HydratedCounts returns hydrated entity counts per type.
func (s *State) HydratedCounts() map[model.EntityType]int {
	out := make(map[model.EntityType]int, len(s.Hydrated))
	for typ, ids := range s.Hydrated {
		out[typ] = len(ids)
	}
	return out
}

func (s *State) clone() State {
	cp := *s
	cp.Expected = make(map[model.EntityType]int, len(s.Expected))
	for typ, n := range s.Expected {
		cp.Expected[typ] = n
	}
	cp.Hydrated = make(map[model.EntityType]map[model.EntityID]struct{}, len(s.Hydrated))
	for typ, ids := range s.Hydrated {
		set := make(map[model.EntityID]struct{}, len(ids))
		for id := range ids {
			set[id] = struct{}{}
		}
		cp.Hydrated[typ] = set
	}
	return cp
}

func (s *State) reset(now time.Time) {
	s.Phase = model.PhaseIdle
	s.PhaseStartedAt = now
	s.LastTransition = now
	s.LoadStartedAt = time.Time{}
	s.Err = nil
	s.Rendered = false
	s.RenderDuration = 0
	s.LoadDuration = 0
	clear(s.Expected)
	clear(s.Hydrated)
}

// PhaseChangeEvent is published on every phase change.
type PhaseChangeEvent struct {
	ChunkKey string
	From     model.Phase
	To       model.Phase
	Duration time.Duration // time spent in From
}

// ActivatedEvent is published when a chunk enters ACTIVE.
type ActivatedEvent struct {
	ChunkKey      string
	TotalDuration time.Duration
	EntityCounts  map[model.EntityType]int
}

// DeactivatedEvent is published when a chunk leaves ACTIVE.
type DeactivatedEvent struct {
	ChunkKey string
}

// ErrorEvent is published when a chunk enters ERROR with a cause.
type ErrorEvent struct {
	ChunkKey string
	Err      error
	Phase    model.Phase // phase the failure happened in
}
