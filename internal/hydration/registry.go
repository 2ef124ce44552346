package hydration

import (
	"log/slog"
	"sync"
	"time"

	"github.com/udisondev/chunkflow/internal/event"
	"github.com/udisondev/chunkflow/internal/model"
)

// DefaultTimeout bounds a hydration wait when no timeout is given.
const DefaultTimeout = 5 * time.Second

// TypeProgress is hydration progress of one entity type.
type TypeProgress struct {
	Expected   int
	Received   int
	Percentage float64
}

// Progress is hydration progress aggregated across types.
type Progress struct {
	Total      int
	Hydrated   int
	Percentage float64
	ByType     map[model.EntityType]TypeProgress
}

// EmptyProgress is the progress of a chunk with no expectations.
func EmptyProgress() Progress {
	return Progress{Percentage: 100, ByType: map[model.EntityType]TypeProgress{}}
}

// Result is the outcome of a hydration wait.
// A timeout is not an error: TimedOut is set and Progress holds the last snapshot.
type Result struct {
	ChunkKey string
	Success  bool
	TimedOut bool
	Progress Progress
	Duration time.Duration
}

// ProgressEvent is published after every accepted hydration notification.
type ProgressEvent struct {
	ChunkKey string
	Progress Progress
}

// Stats describes registry occupancy.
type Stats struct {
	TrackedChunks     int
	TrackedEntities   int
	PendingHydrations int
	Waiters           int
}

type expectation struct {
	count int
	ids   map[model.EntityID]struct{} // nil until an explicit id is expected
}

type waiter struct {
	ch    chan Result
	timer *time.Timer
}

type chunkState struct {
	key          string
	expectations map[model.EntityType]*expectation
	hydrated     map[model.EntityType]map[model.EntityID]struct{}
	startTime    time.Time
	waiters      []*waiter
}

// Registry tracks expected versus arrived entities per chunk and lets the
// load pipeline wait for a chunk to become fully hydrated.
type Registry struct {
	mu            sync.Mutex
	chunks        map[string]*chunkState
	entityToChunk map[model.EntityID]string

	defaultTimeout time.Duration
	debug          bool

	progress *event.Topic[ProgressEvent]
}

// NewRegistry creates an empty registry.
func NewRegistry(defaultTimeout time.Duration, debug bool) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Registry{
		chunks:         make(map[string]*chunkState, 16),
		entityToChunk:  make(map[model.EntityID]string, 256),
		defaultTimeout: defaultTimeout,
		debug:          debug,
		progress:       event.NewTopic[ProgressEvent]("hydration:progress"),
	}
}

// ExpectEntities records that count entities of typ are expected for key.
// Non-positive counts are ignored. Explicit ids already expected for the
// type are kept and the count never drops below their number.
func (r *Registry) ExpectEntities(key string, typ model.EntityType, count int) {
	if count <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreateLocked(key)
	if exp, ok := st.expectations[typ]; ok && exp.ids != nil {
		// explicit ids stay tracked; the count only grows past them
		exp.count = max(count, len(exp.ids))
	} else {
		st.expectations[typ] = &expectation{count: count}
	}
	if _, ok := st.hydrated[typ]; !ok {
		st.hydrated[typ] = make(map[model.EntityID]struct{}, count)
	}

	if r.debug {
		slog.Debug("hydration: expecting entities", "chunk", key, "type", typ, "count", count)
	}
}

// ExpectEntity records one explicit entity id as expected for key.
// The expected count for the type becomes the size of the id set.
func (r *Registry) ExpectEntity(key string, id model.EntityID, typ model.EntityType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreateLocked(key)
	exp, ok := st.expectations[typ]
	if !ok {
		exp = &expectation{}
		st.expectations[typ] = exp
	}
	if exp.ids == nil {
		exp.ids = make(map[model.EntityID]struct{}, 8)
	}
	exp.ids[id] = struct{}{}
	exp.count = len(exp.ids)

	r.entityToChunk[id] = key

	if _, ok := st.hydrated[typ]; !ok {
		st.hydrated[typ] = make(map[model.EntityID]struct{}, 8)
	}
}

// ClearExpectations drops all tracking for key. Pending waits resolve with Success=false.
func (r *Registry) ClearExpectations(key string) {
	r.mu.Lock()
	st, ok := r.chunks[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	res := Result{
		ChunkKey: key,
		Progress: progressOf(st),
		Duration: time.Since(st.startTime),
	}
	waiters := r.dropLocked(st)
	r.mu.Unlock()

	resolve(waiters, res)

	if r.debug {
		slog.Debug("hydration: cleared expectations", "chunk", key)
	}
}

// NotifyEntityHydrated records the arrival of an entity.
// key may be empty, in which case the chunk is resolved via the expected-id map.
// Notifications for entities outside any tracked chunk are dropped; ok is false then.
func (r *Registry) NotifyEntityHydrated(id model.EntityID, typ model.EntityType, key string) (resolved string, ok bool) {
	r.mu.Lock()

	if key == "" {
		key = r.entityToChunk[id]
	}
	if key == "" {
		r.mu.Unlock()
		if r.debug {
			slog.Debug("hydration: entity outside tracked chunks", "entityID", id, "type", typ)
		}
		return "", false
	}

	st, tracked := r.chunks[key]
	if !tracked {
		r.mu.Unlock()
		if r.debug {
			slog.Debug("hydration: no state for chunk", "chunk", key, "entityID", id)
		}
		return "", false
	}

	set, exists := st.hydrated[typ]
	if !exists {
		set = make(map[model.EntityID]struct{}, 8)
		st.hydrated[typ] = set
	}
	set[id] = struct{}{}
	r.entityToChunk[id] = key

	prog := progressOf(st)
	var (
		done    []*waiter
		elapsed time.Duration
	)
	if isComplete(st) {
		done = st.waiters
		st.waiters = nil
		elapsed = time.Since(st.startTime)
	}
	r.mu.Unlock()

	if r.debug {
		slog.Debug("hydration: entity hydrated",
			"chunk", key,
			"entityID", id,
			"type", typ,
			"hydrated", prog.Hydrated,
			"total", prog.Total)
	}

	r.progress.Publish(ProgressEvent{ChunkKey: key, Progress: prog})

	if len(done) > 0 {
		resolve(done, Result{ChunkKey: key, Success: true, Progress: prog, Duration: elapsed})
		if r.debug {
			slog.Debug("hydration: chunk complete", "chunk", key, "duration", elapsed)
		}
	}
	return key, true
}

// NotifyEntityRemoved forgets a hydrated entity.
func (r *Registry) NotifyEntityRemoved(id model.EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.entityToChunk[id]
	if !ok {
		return
	}
	if st, tracked := r.chunks[key]; tracked {
		for _, set := range st.hydrated {
			delete(set, id)
		}
	}
	delete(r.entityToChunk, id)
}

// WaitForHydration returns a channel that receives exactly one Result: when
// every expectation of key is met, or when timeout elapses, whichever first.
// Chunks without expectations and already complete chunks resolve immediately.
func (r *Registry) WaitForHydration(key string, timeout time.Duration) <-chan Result {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ch := make(chan Result, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.chunks[key]
	if !ok {
		ch <- Result{ChunkKey: key, Success: true, Progress: EmptyProgress()}
		return ch
	}
	if isComplete(st) {
		ch <- Result{ChunkKey: key, Success: true, Progress: progressOf(st), Duration: time.Since(st.startTime)}
		return ch
	}

	w := &waiter{ch: ch}
	st.waiters = append(st.waiters, w)
	w.timer = time.AfterFunc(timeout, func() { r.expire(key, w, timeout) })
	return ch
}

// expire resolves w with a timeout result if it is still pending.
func (r *Registry) expire(key string, w *waiter, timeout time.Duration) {
	r.mu.Lock()
	st, ok := r.chunks[key]
	if !ok || !removeWaiter(st, w) {
		r.mu.Unlock()
		return
	}
	prog := progressOf(st)
	elapsed := time.Since(st.startTime)
	r.mu.Unlock()

	slog.Warn("hydration timed out",
		"chunk", key,
		"timeout", timeout,
		"hydrated", prog.Hydrated,
		"total", prog.Total)

	w.ch <- Result{ChunkKey: key, TimedOut: true, Progress: prog, Duration: elapsed}
}

// IsFullyHydrated reports whether every expectation of key is met.
// Untracked chunks are complete.
func (r *Registry) IsFullyHydrated(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.chunks[key]
	if !ok {
		return true
	}
	return isComplete(st)
}

// Progress returns the hydration progress of key.
func (r *Registry) Progress(key string) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.chunks[key]
	if !ok {
		return EmptyProgress()
	}
	return progressOf(st)
}

// HasPendingExpectations reports whether key is tracked.
func (r *Registry) HasPendingExpectations(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.chunks[key]
	return ok
}

// HasPendingChunks reports whether any tracked chunk is still incomplete.
func (r *Registry) HasPendingChunks() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.chunks {
		if !isComplete(st) {
			return true
		}
	}
	return false
}

// EntityChunk returns the chunk an entity is tracked under.
func (r *Registry) EntityChunk(id model.EntityID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.entityToChunk[id]
	return key, ok
}

// OnProgress subscribes to progress updates.
func (r *Registry) OnProgress(fn func(ProgressEvent)) (unsubscribe func()) {
	return r.progress.Subscribe(fn)
}

// Stats returns registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		TrackedChunks:   len(r.chunks),
		TrackedEntities: len(r.entityToChunk),
	}
	for _, c := range r.chunks {
		if !isComplete(c) {
			st.PendingHydrations++
		}
		st.Waiters += len(c.waiters)
	}
	return st
}

// Clear drops all state. Pending waits resolve with Success=false.
func (r *Registry) Clear() {
	r.mu.Lock()
	type pending struct {
		waiters []*waiter
		res     Result
	}
	all := make([]pending, 0, len(r.chunks))
	for key, st := range r.chunks {
		all = append(all, pending{
			waiters: st.waiters,
			res:     Result{ChunkKey: key, Progress: EmptyProgress(), Duration: time.Since(st.startTime)},
		})
		st.waiters = nil
	}
	clear(r.chunks)
	clear(r.entityToChunk)
	r.mu.Unlock()

	for _, p := range all {
		resolve(p.waiters, p.res)
	}
}

// Destroy clears all state and drops progress subscribers.
func (r *Registry) Destroy() {
	r.Clear()
	r.progress.Reset()
}

func (r *Registry) getOrCreateLocked(key string) *chunkState {
	st, ok := r.chunks[key]
	if !ok {
		st = &chunkState{
			key:          key,
			expectations: make(map[model.EntityType]*expectation, len(model.EntityTypes)),
			hydrated:     make(map[model.EntityType]map[model.EntityID]struct{}, len(model.EntityTypes)),
			startTime:    time.Now(),
		}
		r.chunks[key] = st
	}
	return st
}

// dropLocked removes st and its id mappings and returns its pending waiters.
func (r *Registry) dropLocked(st *chunkState) []*waiter {
	for _, exp := range st.expectations {
		for id := range exp.ids {
			if r.entityToChunk[id] == st.key {
				delete(r.entityToChunk, id)
			}
		}
	}
	for _, set := range st.hydrated {
		for id := range set {
			if r.entityToChunk[id] == st.key {
				delete(r.entityToChunk, id)
			}
		}
	}
	delete(r.chunks, st.key)

	waiters := st.waiters
	st.waiters = nil
	return waiters
}

func resolve(waiters []*waiter, res Result) {
	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- res
	}
}

func removeWaiter(st *chunkState, w *waiter) bool {
	for i, cur := range st.waiters {
		if cur == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func isComplete(st *chunkState) bool {
	for typ, exp := range st.expectations {
		if len(st.hydrated[typ]) < exp.count {
			return false
		}
	}
	return true
}

func progressOf(st *chunkState) Progress {
	p := Progress{ByType: make(map[model.EntityType]TypeProgress, len(st.expectations))}
	for typ, exp := range st.expectations {
		received := len(st.hydrated[typ])
		p.Total += exp.count
		p.Hydrated += min(received, exp.count)

		tp := TypeProgress{Expected: exp.count, Received: received, Percentage: 100}
		if exp.count > 0 {
			tp.Percentage = float64(received) / float64(exp.count) * 100
		}
		p.ByType[typ] = tp
	}
	p.Percentage = 100
	if p.Total > 0 {
		p.Percentage = float64(p.Hydrated) / float64(p.Total) * 100
	}
	return p
}
