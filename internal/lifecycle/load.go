package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/udisondev/chunkflow/internal/model"
)

// SwitchToChunk makes key the current chunk and loads it at CRITICAL
// priority. A chunk that is already ACTIVE returns immediately and a load
// already in flight is joined. On failure the previous chunk is restored
// as current if it is still ready.
func (c *Controller) SwitchToChunk(ctx context.Context, key string) error {
	if _, _, err := model.ParseChunkKey(key); err != nil {
		return fmt.Errorf("switching chunk: %w", err)
	}

	if c.cfg.Debug {
		slog.Debug("chunk lifecycle: switching chunk", "chunk", key)
	}

	c.mu.Lock()
	prev := c.current
	c.current = key
	c.mu.Unlock()
	c.state.SetActiveChunk(key)

	if c.state.IsReady(key) {
		return nil
	}

	if err := c.LoadChunk(ctx, key, model.PriorityCritical); err != nil {
		slog.Error("chunk lifecycle: switch failed", "chunk", key, "err", err)

		if prev != "" && prev != key && c.state.IsReady(prev) {
			c.mu.Lock()
			if c.current == key {
				c.current = prev
			}
			c.mu.Unlock()
			c.state.SetActiveChunk(prev)
		}
		return fmt.Errorf("switching to chunk %s: %w", key, err)
	}
	return nil
}

// LoadChunk runs the load pipeline for key, or joins the one in flight.
// ctx bounds only the wait; the pipeline itself runs until it finishes or
// the controller is destroyed.
func (c *Controller) LoadChunk(ctx context.Context, key string, priority model.Priority) error {
	l, err := c.startLoad(key, priority)
	if err != nil {
		return err
	}
	return l.wait(ctx)
}

// startLoad returns the pending load of key, starting the pipeline if none
// is in flight. The map entry is inserted before anything blocks.
func (c *Controller) startLoad(key string, priority model.Priority) (*pendingLoad, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	if l, ok := c.loads[key]; ok {
		c.mu.Unlock()
		return l, nil
	}
	l := &pendingLoad{done: make(chan struct{})}
	c.loads[key] = l
	c.mu.Unlock()

	finish := func(err error) {
		c.mu.Lock()
		if c.loads[key] == l {
			delete(c.loads, key)
		}
		c.mu.Unlock()

		l.err = err
		close(l.done)
	}

	started := c.goBackground(func() {
		finish(c.runPipeline(key, priority))
	})
	if !started {
		finish(ErrDestroyed)
	}
	return l, nil
}

// runPipeline drives key through FETCHING, HYDRATING, RENDERING and ACTIVE.
// Any failure moves the chunk to ERROR and is returned.
func (c *Controller) runPipeline(key string, priority model.Priority) error {
	bounds, err := c.ChunkBounds(key)
	if err != nil {
		return fmt.Errorf("loading chunk: %w", err)
	}

	st, err := c.state.CreateChunk(key, &bounds)
	if err != nil {
		return fmt.Errorf("loading chunk %s: %w", key, err)
	}
	switch st.Phase {
	case model.PhaseActive:
		return nil
	case model.PhaseError:
		// retry after a failed load
		c.hydra.ClearExpectations(key)
		if err := c.state.ResetChunk(key); err != nil {
			return fmt.Errorf("resetting chunk %s: %w", key, err)
		}
	}
	if c.state.ActiveChunk() == key {
		c.state.SetPriority(key, model.PriorityCritical)
	} else {
		c.state.SetPriority(key, priority)
	}

	start := time.Now()
	fail := func(err error) error {
		c.state.TransitionToError(key, err)
		return err
	}

	if err := c.state.TransitionTo(key, model.PhaseFetching); err != nil {
		return fail(err)
	}

	if err := c.waitUnloaded(key); err != nil {
		return fail(err)
	}

	if err := c.orch.PrepareChunk(c.ctx, key, bounds); err != nil {
		return fail(fmt.Errorf("preparing chunk %s: %w", key, err))
	}

	data, err := c.fetcher.FetchChunk(key, bounds, priority).Wait(c.ctx)
	if err != nil {
		return fail(err)
	}
	c.expectEntities(key, data)

	if err := c.state.TransitionTo(key, model.PhaseHydrating); err != nil {
		return fail(err)
	}

	select {
	case res := <-c.hydra.WaitForHydration(key, c.cfg.HydrationTimeout):
		if !res.Success {
			slog.Warn("chunk lifecycle: hydration incomplete, rendering with partial data",
				"chunk", key,
				"timedOut", res.TimedOut,
				"hydrated", res.Progress.Hydrated,
				"expected", res.Progress.Total)
		}
	case <-c.ctx.Done():
		return fail(ErrDestroyed)
	}

	if err := c.state.TransitionTo(key, model.PhaseRendering); err != nil {
		return fail(err)
	}

	if err := c.orch.RenderChunk(c.ctx, key); err != nil {
		return fail(fmt.Errorf("rendering chunk %s: %w", key, err))
	}
	c.state.MarkRendered(key, time.Since(start))

	if err := c.state.TransitionTo(key, model.PhaseActive); err != nil {
		return fail(err)
	}

	if c.cfg.Debug {
		slog.Debug("chunk lifecycle: chunk loaded", "chunk", key, "took", time.Since(start), "entities", data.EntityCount())
	}
	return nil
}

// expectEntities registers every id carried by the payload with the
// hydration registry and the chunk record. Types without ids are skipped.
func (c *Controller) expectEntities(key string, data *model.ChunkData) {
	for typ, ids := range data.EntityIDs() {
		distinct := make(map[model.EntityID]struct{}, len(ids))
		for _, id := range ids {
			c.hydra.ExpectEntity(key, id, typ)
			distinct[id] = struct{}{}
		}
		c.state.SetExpected(key, typ, len(distinct))
	}
}

// UnloadChunk releases key: managers unload it in reverse render order, its
// entities leave the spatial index, its expectations are dropped and the
// record is removed. The current chunk and loading chunks are refused.
func (c *Controller) UnloadChunk(ctx context.Context, key string) error {
	if key == c.CurrentChunk() {
		slog.Warn("chunk lifecycle: cannot unload current chunk", "chunk", key)
		return fmt.Errorf("unloading chunk %s: %w", key, ErrCurrentChunk)
	}

	st, ok := c.state.State(key)
	if !ok {
		return nil
	}

	switch {
	case st.Phase == model.PhaseActive:
		if err := c.state.TransitionTo(key, model.PhaseUnloading); err != nil {
			return fmt.Errorf("unloading chunk %s: %w", key, err)
		}
		c.orch.UnloadChunk(ctx, key)
	case st.Phase == model.PhaseError:
		// managers may hold state from a prepare that ran before the failure
		c.orch.UnloadChunk(ctx, key)
	case st.Phase.IsLoading() || st.Phase == model.PhaseUnloading:
		return fmt.Errorf("unloading chunk %s: %w", key, ErrChunkBusy)
	}

	removed := c.spatial.RemoveChunk(key)
	c.hydra.ClearExpectations(key)

	if err := c.state.ResetChunk(key); err != nil {
		return fmt.Errorf("unloading chunk %s: %w", key, err)
	}
	c.state.RemoveChunk(key)

	if c.cfg.Debug {
		slog.Debug("chunk lifecycle: unloaded chunk", "chunk", key, "entities", removed)
	}
	return nil
}
