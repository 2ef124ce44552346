package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/udisondev/chunkflow/internal/model"
)

var (
	// ErrFetchTimeout is returned when a fetch does not finish within the fetch timeout.
	ErrFetchTimeout = errors.New("fetch timeout")

	// ErrFetchCancelled is returned to waiters of a request cancelled before execution.
	ErrFetchCancelled = errors.New("fetch cancelled")
)

// FetchFunc retrieves the world data inside bounds. known holds already known
// structure positions inside bounds. It is injected by the host.
type FetchFunc func(ctx context.Context, bounds model.Bounds, known map[model.EntityID]model.HexPosition) (*model.FetchResult, error)

// Config tunes batching and timeouts.
type Config struct {
	BatchDelay   time.Duration // delay before a batch runs (one frame by default)
	MaxBatchSize int
	FetchTimeout time.Duration
	Debug        bool
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		BatchDelay:   16 * time.Millisecond,
		MaxBatchSize: 5,
		FetchTimeout: 10 * time.Second,
	}
}

// Stats are aggregate fetch statistics.
type Stats struct {
	TotalFetches        int
	DeduplicatedFetches int
	FailedFetches       int
	CancelledFetches    int
	AverageFetchTime    time.Duration
	PendingCount        int
	InFlightCount       int
}

// Request is a pending or executing chunk fetch shared by every caller
// that asked for the same chunk while it was in flight.
type Request struct {
	key      string
	bounds   model.Bounds
	priority model.Priority
	enqueued time.Time
	seq      uint64

	once sync.Once
	done chan struct{}
	data *model.ChunkData
	err  error
}

// Key returns the chunk key of the request.
func (r *Request) Key() string {
	return r.key
}

// Priority returns the priority the request was queued with.
func (r *Request) Priority() model.Priority {
	return r.priority
}

// Done is closed when the request resolves.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request resolves or ctx is done.
func (r *Request) Wait(ctx context.Context) (*model.ChunkData, error) {
	select {
	case <-r.done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Request) complete(data *model.ChunkData, err error) bool {
	resolved := false
	r.once.Do(func() {
		r.data, r.err = data, err
		close(r.done)
		resolved = true
	})
	return resolved
}

// Coordinator is the single point of contact for chunk data retrieval.
// It deduplicates requests per chunk key, batches them by priority and
// applies a per-fetch timeout.
type Coordinator struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    map[string]*Request
	inFlight   map[string]*Request
	batchTimer *time.Timer
	seq        uint64
	fetchFn    FetchFunc
	positions  map[model.EntityID]model.HexPosition

	totalFetches        int
	deduplicatedFetches int
	failedFetches       int
	cancelledFetches    int
	totalFetchTime      time.Duration
}

// NewCoordinator creates a coordinator without a fetch function.
func NewCoordinator(cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = def.BatchDelay
	}
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*Request, 16),
		inFlight:  make(map[string]*Request, 16),
		positions: make(map[model.EntityID]model.HexPosition),
	}
}

// SetFetchFunc sets the function used to retrieve chunk data.
func (c *Coordinator) SetFetchFunc(fn FetchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchFn = fn
}

// SetStructurePositions replaces the known structure positions passed to fetches.
func (c *Coordinator) SetStructurePositions(positions map[model.EntityID]model.HexPosition) {
	cp := make(map[model.EntityID]model.HexPosition, len(positions))
	for id, pos := range positions {
		cp[id] = pos
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = cp
}

// FetchChunk queues a fetch for key. While a fetch for key is in flight the
// same Request is returned and counted as deduplicated.
func (c *Coordinator) FetchChunk(key string, bounds model.Bounds, priority model.Priority) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.inFlight[key]; ok {
		c.deduplicatedFetches++
		if c.cfg.Debug {
			slog.Debug("fetch: deduplicating", "chunk", key)
		}
		return r
	}

	c.seq++
	r := &Request{
		key:      key,
		bounds:   bounds,
		priority: priority,
		enqueued: time.Now(),
		seq:      c.seq,
		done:     make(chan struct{}),
	}
	c.pending[key] = r
	c.inFlight[key] = r
	c.scheduleBatchLocked()
	return r
}

// Prefetch queues a low priority fetch and does not wait for it.
func (c *Coordinator) Prefetch(key string, bounds model.Bounds) {
	c.mu.Lock()
	_, busy := c.inFlight[key]
	c.mu.Unlock()
	if busy {
		return
	}

	r := c.FetchChunk(key, bounds, model.PriorityLow)
	go func() {
		if _, err := r.Wait(c.ctx); err != nil && c.cfg.Debug {
			slog.Debug("fetch: prefetch failed", "chunk", key, "err", err)
		}
	}()
}

// CancelFetch rejects a request that has not started executing yet.
func (c *Coordinator) CancelFetch(key string) bool {
	c.mu.Lock()
	r, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		c.releaseLocked(r)
		c.cancelledFetches++
	}
	c.mu.Unlock()

	if ok {
		r.complete(nil, fmt.Errorf("%w: chunk %s", ErrFetchCancelled, key))
	}
	return ok
}

// CancelAll rejects every request that has not started executing yet.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	cancelled := make([]*Request, 0, len(c.pending))
	for key, r := range c.pending {
		cancelled = append(cancelled, r)
		delete(c.pending, key)
		c.releaseLocked(r)
	}
	c.cancelledFetches += len(cancelled)
	if c.batchTimer != nil {
		c.batchTimer.Stop()
		c.batchTimer = nil
	}
	c.mu.Unlock()

	for _, r := range cancelled {
		r.complete(nil, fmt.Errorf("%w: chunk %s", ErrFetchCancelled, r.key))
	}
}

// IsInFlight reports whether a fetch for key is pending or executing.
func (c *Coordinator) IsInFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[key]
	return ok
}

// Stats returns fetch statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		TotalFetches:        c.totalFetches,
		DeduplicatedFetches: c.deduplicatedFetches,
		FailedFetches:       c.failedFetches,
		CancelledFetches:    c.cancelledFetches,
		PendingCount:        len(c.pending),
		InFlightCount:       len(c.inFlight),
	}
	if c.totalFetches > 0 {
		st.AverageFetchTime = c.totalFetchTime / time.Duration(c.totalFetches)
	}
	return st
}

// ResetStats zeroes the counters.
func (c *Coordinator) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalFetches = 0
	c.deduplicatedFetches = 0
	c.failedFetches = 0
	c.cancelledFetches = 0
	c.totalFetchTime = 0
}

// Clear cancels pending requests and forgets in-flight ones.
func (c *Coordinator) Clear() {
	c.CancelAll()

	c.mu.Lock()
	clear(c.inFlight)
	c.mu.Unlock()
}

// Destroy clears all state and aborts executing fetches.
func (c *Coordinator) Destroy() {
	c.Clear()
	c.cancel()

	c.mu.Lock()
	c.fetchFn = nil
	// executing fetches may still read the old map
	c.positions = nil
	c.mu.Unlock()
}

func (c *Coordinator) scheduleBatchLocked() {
	if c.batchTimer != nil {
		return
	}
	c.batchTimer = time.AfterFunc(c.cfg.BatchDelay, c.processBatch)
}

// processBatch runs the most urgent pending requests and re-arms the timer
// if requests are left over.
func (c *Coordinator) processBatch() {
	c.mu.Lock()
	c.batchTimer = nil
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}

	queued := make([]*Request, 0, len(c.pending))
	for _, r := range c.pending {
		queued = append(queued, r)
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].priority != queued[j].priority {
			return queued[i].priority < queued[j].priority
		}
		return queued[i].seq < queued[j].seq
	})
	batch := queued[:min(len(queued), c.cfg.MaxBatchSize)]
	for _, r := range batch {
		delete(c.pending, r.key)
	}
	fn := c.fetchFn
	positions := c.positions
	c.mu.Unlock()

	if c.cfg.Debug {
		keys := make([]string, len(batch))
		for i, r := range batch {
			keys[i] = r.key
		}
		slog.Debug("fetch: processing batch", "size", len(batch), "chunks", keys)
	}

	var wg sync.WaitGroup
	wg.Add(len(batch))
	for _, r := range batch {
		go func(r *Request) {
			defer wg.Done()
			c.execute(r, fn, positions)
		}(r)
	}
	wg.Wait()

	c.mu.Lock()
	if len(c.pending) > 0 {
		c.scheduleBatchLocked()
	}
	c.mu.Unlock()
}

func (c *Coordinator) execute(r *Request, fn FetchFunc, positions map[model.EntityID]model.HexPosition) {
	c.mu.Lock()
	c.totalFetches++
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.FetchTimeout)
	defer cancel()

	type outcome struct {
		data *model.ChunkData
		err  error
	}
	out := make(chan outcome, 1)
	go func() {
		data, err := c.doFetch(ctx, r, fn, positions)
		out <- outcome{data: data, err: err}
	}()

	var (
		data *model.ChunkData
		err  error
	)
	select {
	case o := <-out:
		data, err = o.data, o.err
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w for chunk %s: %w", ErrFetchTimeout, r.key, err)
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w for chunk %s after %v", ErrFetchTimeout, r.key, c.cfg.FetchTimeout)
		} else {
			err = fmt.Errorf("fetching chunk %s: %w", r.key, ctx.Err())
		}
	}

	elapsed := time.Since(r.enqueued)

	c.mu.Lock()
	if err != nil {
		c.failedFetches++
	} else {
		c.totalFetchTime += elapsed
	}
	c.releaseLocked(r)
	c.mu.Unlock()

	if err != nil {
		slog.Warn("fetch failed", "chunk", r.key, "err", err)
		r.complete(nil, err)
		return
	}

	if c.cfg.Debug {
		slog.Debug("fetch: chunk fetched", "chunk", r.key, "duration", elapsed, "entities", data.EntityCount())
	}
	r.complete(data, nil)
}

func (c *Coordinator) doFetch(ctx context.Context, r *Request, fn FetchFunc, positions map[model.EntityID]model.HexPosition) (*model.ChunkData, error) {
	start := time.Now()

	if fn == nil {
		slog.Warn("fetch: no fetch function set, returning empty data", "chunk", r.key)
		return &model.ChunkData{ChunkKey: r.key, Bounds: r.bounds, FetchTime: time.Since(start)}, nil
	}

	known := make(map[model.EntityID]model.HexPosition)
	for id, pos := range positions {
		if r.bounds.Contains(pos.Col, pos.Row) {
			known[id] = pos
		}
	}

	res, err := fn(ctx, r.bounds, known)
	if err != nil {
		return nil, fmt.Errorf("fetching chunk %s: %w", r.key, err)
	}
	if res == nil {
		res = &model.FetchResult{}
	}

	return &model.ChunkData{
		ChunkKey:   r.key,
		Bounds:     r.bounds,
		FetchTime:  time.Since(start),
		Tiles:      res.Tiles,
		Structures: res.Structures,
		Armies:     res.Armies,
		Quests:     res.Quests,
		Chests:     res.Chests,
	}, nil
}

// releaseLocked drops r from the in-flight table if it is still the current request for its key.
func (c *Coordinator) releaseLocked(r *Request) {
	if cur, ok := c.inFlight[r.key]; ok && cur == r {
		delete(c.inFlight, r.key)
	}
}
