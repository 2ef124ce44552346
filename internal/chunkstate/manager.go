package chunkstate

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/udisondev/chunkflow/internal/event"
	"github.com/udisondev/chunkflow/internal/model"
)

// Config sizes the state cache.
type Config struct {
	RenderChunkWidth  int
	RenderChunkHeight int
	MaxCachedChunks   int
	Debug             bool
}

// Stats summarizes tracked chunks.
type Stats struct {
	TotalChunks     int
	ActiveChunk     string
	ByPhase         map[model.Phase]int
	MaxCachedChunks int
}

// Manager is the authoritative per-chunk state machine. It keeps chunk
// records in an LRU cache and publishes lifecycle events.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	chunks map[string]*State
	lru    *list.List // front = least recently used
	lruPos map[string]*list.Element
	active string

	phaseChange *event.Topic[PhaseChangeEvent]
	activated   *event.Topic[ActivatedEvent]
	deactivated *event.Topic[DeactivatedEvent]
	errs        *event.Topic[ErrorEvent]
}

// NewManager creates an empty state manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxCachedChunks < 1 {
		cfg.MaxCachedChunks = 16
	}
	return &Manager{
		cfg:         cfg,
		chunks:      make(map[string]*State, cfg.MaxCachedChunks),
		lru:         list.New(),
		lruPos:      make(map[string]*list.Element, cfg.MaxCachedChunks),
		phaseChange: event.NewTopic[PhaseChangeEvent]("chunk:phase-change"),
		activated:   event.NewTopic[ActivatedEvent]("chunk:activated"),
		deactivated: event.NewTopic[DeactivatedEvent]("chunk:deactivated"),
		errs:        event.NewTopic[ErrorEvent]("chunk:error"),
	}
}

// CreateChunk returns the record for key, creating an IDLE one if needed.
// Nil bounds are derived from the key. The key becomes most recently used.
func (m *Manager) CreateChunk(key string, bounds *model.Bounds) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chunks[key]
	if !ok {
		var b model.Bounds
		if bounds != nil {
			b = *bounds
		} else {
			var err error
			b, err = model.BoundsForKey(key, m.cfg.RenderChunkWidth, m.cfg.RenderChunkHeight)
			if err != nil {
				return State{}, fmt.Errorf("creating chunk: %w", err)
			}
		}
		st = newState(key, b, time.Now())
		m.chunks[key] = st

		if m.cfg.Debug {
			slog.Debug("chunk state: created", "chunk", key)
		}
	}

	m.touchLocked(key)
	return st.clone(), nil
}

// Has reports whether key has a record.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chunks[key]
	return ok
}

// State returns a copy of the record for key.
func (m *Manager) State(key string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chunks[key]
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

// Phase returns the phase of key, IDLE for unknown chunks.
func (m *Manager) Phase(key string) model.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.chunks[key]; ok {
		return st.Phase
	}
	return model.PhaseIdle
}

// IsReady reports whether key is ACTIVE.
func (m *Manager) IsReady(key string) bool {
	return m.Phase(key) == model.PhaseActive
}

// IsLoading reports whether key is fetching, hydrating or rendering.
func (m *Manager) IsLoading(key string) bool {
	return m.Phase(key).IsLoading()
}

// TransitionTo moves key to target along a legal edge. Illegal edges
// return ErrInvalidTransition and leave the record untouched. Entering
// IDLE resets the record.
func (m *Manager) TransitionTo(key string, target model.Phase) error {
	m.mu.Lock()
	st, ok := m.chunks[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChunk, key)
	}
	from := st.Phase
	if !IsValidTransition(from, target) {
		m.mu.Unlock()
		return fmt.Errorf("%w for chunk %s: %s -> %s", ErrInvalidTransition, key, from, target)
	}
	emit := m.transitionLocked(st, target, nil)
	m.mu.Unlock()

	emit()
	return nil
}

// TransitionToError moves key to ERROR from any phase and records cause.
func (m *Manager) TransitionToError(key string, cause error) {
	m.mu.Lock()
	st, ok := m.chunks[key]
	if !ok {
		m.mu.Unlock()
		slog.Error("chunk state: cannot set error on unknown chunk", "chunk", key, "err", cause)
		return
	}
	emit := m.transitionLocked(st, model.PhaseError, cause)
	m.mu.Unlock()

	emit()
}

// ResetChunk returns key to IDLE. Allowed from UNLOADING and ERROR;
// a chunk already IDLE is left as is.
func (m *Manager) ResetChunk(key string) error {
	m.mu.Lock()
	st, ok := m.chunks[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChunk, key)
	}
	if st.Phase == model.PhaseIdle {
		m.mu.Unlock()
		return nil
	}
	if !IsValidTransition(st.Phase, model.PhaseIdle) {
		from := st.Phase
		m.mu.Unlock()
		return fmt.Errorf("%w for chunk %s: %s -> %s", ErrInvalidTransition, key, from, model.PhaseIdle)
	}
	emit := m.transitionLocked(st, model.PhaseIdle, nil)
	m.mu.Unlock()

	emit()
	return nil
}

// transitionLocked applies target to st and returns a function publishing
// the resulting events. The caller must invoke it after releasing the lock.
func (m *Manager) transitionLocked(st *State, target model.Phase, cause error) func() {
	now := time.Now()
	from := st.Phase
	spent := now.Sub(st.PhaseStartedAt)

	if target == model.PhaseIdle {
		st.reset(now)
	} else {
		st.Phase = target
		st.PhaseStartedAt = now
		st.LastTransition = now
		if from == model.PhaseError && target != model.PhaseError {
			st.Err = nil
		}
	}

	switch target {
	case model.PhaseFetching:
		st.LoadStartedAt = now
	case model.PhaseActive:
		if !st.LoadStartedAt.IsZero() {
			st.LoadDuration = now.Sub(st.LoadStartedAt)
		} else {
			st.LoadDuration = spent
		}
	case model.PhaseError:
		if cause != nil {
			st.Err = cause
		}
	}

	if m.cfg.Debug {
		slog.Debug("chunk state: transition", "chunk", st.Key, "from", from, "to", target, "spent", spent)
	}

	key := st.Key
	change := PhaseChangeEvent{ChunkKey: key, From: from, To: target, Duration: spent}

	var activated *ActivatedEvent
	if target == model.PhaseActive {
		activated = &ActivatedEvent{
			ChunkKey:      key,
			TotalDuration: st.LoadDuration,
			EntityCounts:  st.HydratedCounts(),
		}
	}
	leftActive := from == model.PhaseActive && target != model.PhaseActive

	var failed *ErrorEvent
	if target == model.PhaseError && cause != nil {
		failed = &ErrorEvent{ChunkKey: key, Err: cause, Phase: from}
	}

	return func() {
		m.phaseChange.Publish(change)
		if activated != nil {
			m.activated.Publish(*activated)
		}
		if leftActive {
			m.deactivated.Publish(DeactivatedEvent{ChunkKey: key})
		}
		if failed != nil {
			m.errs.Publish(*failed)
		}
	}
}

// ActiveChunk returns the current chunk key, empty when none.
func (m *Manager) ActiveChunk() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetActiveChunk makes key current. The previous current chunk is demoted
// to NORMAL, the new one promoted to CRITICAL. Empty key clears it.
func (m *Manager) SetActiveChunk(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == key {
		return
	}
	prev := m.active
	m.active = key

	if st, ok := m.chunks[prev]; ok {
		st.Priority = model.PriorityNormal
	}
	if st, ok := m.chunks[key]; ok {
		st.Priority = model.PriorityCritical
		m.touchLocked(key)
	}

	if m.cfg.Debug {
		slog.Debug("chunk state: active chunk changed", "from", prev, "to", key)
	}
}

// SetPriority updates the priority of key.
func (m *Manager) SetPriority(key string, priority model.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.chunks[key]; ok {
		st.Priority = priority
	}
}

// SetExpected records how many entities of typ the chunk expects.
func (m *Manager) SetExpected(key string, typ model.EntityType, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.chunks[key]; ok && count > 0 {
		st.Expected[typ] = count
	}
}

// RecordHydrated adds id to the hydrated set of the chunk.
func (m *Manager) RecordHydrated(key string, typ model.EntityType, id model.EntityID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chunks[key]
	if !ok {
		return false
	}
	ids, ok := st.Hydrated[typ]
	if !ok {
		ids = make(map[model.EntityID]struct{}, st.Expected[typ])
		st.Hydrated[typ] = ids
	}
	ids[id] = struct{}{}
	return true
}

// MarkRendered flags the chunk as rendered.
func (m *Manager) MarkRendered(key string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.chunks[key]; ok {
		st.Rendered = true
		st.RenderDuration = took
	}
}

// RemoveChunk drops the record of key. The current chunk is never removed.
func (m *Manager) RemoveChunk(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key == m.active {
		slog.Warn("chunk state: cannot remove active chunk", "chunk", key)
		return false
	}
	return m.removeLocked(key)
}

// EvictLRU removes least recently used chunks until the cache fits its cap.
// The current chunk, loading chunks and chunks above NORMAL priority are
// never evicted. Returns the evicted keys.
func (m *Manager) EvictLRU() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for len(m.chunks) > m.cfg.MaxCachedChunks {
		victim := ""
		for e := m.lru.Front(); e != nil; e = e.Next() {
			key := e.Value.(string)
			if key == m.active {
				continue
			}
			st, ok := m.chunks[key]
			if !ok || st.Phase.IsLoading() || st.Priority <= model.PriorityHigh {
				continue
			}
			victim = key
			break
		}
		if victim == "" {
			break
		}
		m.removeLocked(victim)
		evicted = append(evicted, victim)
	}

	if len(evicted) > 0 && m.cfg.Debug {
		slog.Debug("chunk state: evicted", "chunks", evicted)
	}
	return evicted
}

// ChunksInPhase returns the keys currently in phase.
func (m *Manager) ChunksInPhase(phase model.Phase) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for key, st := range m.chunks {
		if st.Phase == phase {
			out = append(out, key)
		}
	}
	return out
}

// Keys returns every tracked key.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.chunks))
	for key := range m.chunks {
		out = append(out, key)
	}
	return out
}

// ReadyChunks returns the ACTIVE keys.
func (m *Manager) ReadyChunks() []string {
	return m.ChunksInPhase(model.PhaseActive)
}

// LoadingChunks returns the keys in a loading phase.
func (m *Manager) LoadingChunks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for key, st := range m.chunks {
		if st.Phase.IsLoading() {
			out = append(out, key)
		}
	}
	return out
}

// Stats returns a snapshot of tracked chunks.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		TotalChunks:     len(m.chunks),
		ActiveChunk:     m.active,
		ByPhase:         make(map[model.Phase]int, len(model.Phases)),
		MaxCachedChunks: m.cfg.MaxCachedChunks,
	}
	for _, p := range model.Phases {
		st.ByPhase[p] = 0
	}
	for _, c := range m.chunks {
		st.ByPhase[c.Phase]++
	}
	return st
}

// OnPhaseChange subscribes to phase changes.
func (m *Manager) OnPhaseChange(fn func(PhaseChangeEvent)) (unsubscribe func()) {
	return m.phaseChange.Subscribe(fn)
}

// OnActivated subscribes to chunks entering ACTIVE.
func (m *Manager) OnActivated(fn func(ActivatedEvent)) (unsubscribe func()) {
	return m.activated.Subscribe(fn)
}

// OnDeactivated subscribes to chunks leaving ACTIVE.
func (m *Manager) OnDeactivated(fn func(DeactivatedEvent)) (unsubscribe func()) {
	return m.deactivated.Subscribe(fn)
}

// OnError subscribes to chunk failures.
func (m *Manager) OnError(fn func(ErrorEvent)) (unsubscribe func()) {
	return m.errs.Subscribe(fn)
}

// Clear drops every record and the current chunk.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.chunks)
	clear(m.lruPos)
	m.lru.Init()
	m.active = ""
}

// Destroy clears state and drops all subscribers.
func (m *Manager) Destroy() {
	m.Clear()
	m.phaseChange.Reset()
	m.activated.Reset()
	m.deactivated.Reset()
	m.errs.Reset()
}

func (m *Manager) touchLocked(key string) {
	if e, ok := m.lruPos[key]; ok {
		m.lru.MoveToBack(e)
		return
	}
	m.lruPos[key] = m.lru.PushBack(key)
}

func (m *Manager) removeLocked(key string) bool {
	if _, ok := m.chunks[key]; !ok {
		return false
	}
	delete(m.chunks, key)
	if e, ok := m.lruPos[key]; ok {
		m.lru.Remove(e)
		delete(m.lruPos, key)
	}

	if m.cfg.Debug {
		slog.Debug("chunk state: removed", "chunk", key)
	}
	return true
}
