package lifecycle

import (
	"log/slog"
	"math"
	"time"

	"github.com/udisondev/chunkflow/internal/model"
)

// Hex layout of the world grid: pointy hexes of size 1.
const hexSize = 1.0

var (
	hexWidth   = math.Sqrt(3) * hexSize
	hexRowStep = 2 * hexSize * 0.75
)

func worldToHex(pos model.Vec3) (col, row int) {
	return int(math.Floor(pos.X / hexWidth)), int(math.Floor(pos.Z / hexRowStep))
}

// OnCameraMove records the camera position. Moves are debounced: only the
// last position of a burst is processed, one pass at a time.
func (c *Controller) OnCameraMove(pos model.Vec3) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	c.pendingCamera = &pos
	if c.cameraTimer != nil {
		c.cameraTimer.Stop()
	}
	c.cameraTimer = time.AfterFunc(c.cfg.CameraDebounce, func() {
		c.goBackground(c.processCameraMove)
	})
}

func (c *Controller) processCameraMove() {
	c.mu.Lock()
	if c.cameraBusy || c.pendingCamera == nil || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.cameraBusy = true
	pos := *c.pendingCamera
	c.pendingCamera = nil
	c.cameraPasses++
	current := c.current
	c.mu.Unlock()

	key := c.WorldPositionToChunkKey(pos)

	var err error
	if key != current {
		err = c.SwitchToChunk(c.ctx, key)
	}
	if err != nil {
		slog.Error("chunk lifecycle: camera move failed", "chunk", key, "err", err)
	} else if c.cfg.PrefetchEnabled {
		c.queuePrefetch(key)
		c.pumpPrefetch()
	}

	c.mu.Lock()
	c.cameraBusy = false
	again := c.pendingCamera != nil && !c.destroyed
	c.mu.Unlock()

	if again {
		c.processCameraMove()
	}
}

// neighbours returns the 8 chunk keys one render chunk away from key.
func (c *Controller) neighbours(key string) []string {
	startRow, startCol, err := model.ParseChunkKey(key)
	if err != nil {
		return nil
	}

	out := make([]string, 0, 8)
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			out = append(out, model.ChunkKey(
				startRow+dr*c.cfg.RenderChunkHeight,
				startCol+dc*c.cfg.RenderChunkWidth,
			))
		}
	}
	return out
}

// queuePrefetch replaces the prefetch queue with the neighbours of center
// that are neither ready nor loading.
func (c *Controller) queuePrefetch(center string) {
	candidates := c.neighbours(center)
	queue := make([]string, 0, len(candidates))
	for _, key := range candidates {
		if c.state.IsReady(key) || c.IsChunkLoading(key) {
			continue
		}
		queue = append(queue, key)
	}

	c.mu.Lock()
	c.prefetchQueue = queue
	c.mu.Unlock()
}

// pumpPrefetch starts queued prefetches while slots are free. Every
// finished prefetch releases its slot and pumps again.
func (c *Controller) pumpPrefetch() {
	for {
		c.mu.Lock()
		if len(c.prefetchQueue) == 0 || c.destroyed {
			c.mu.Unlock()
			return
		}
		if !c.prefetchSlots.TryAcquire(1) {
			c.mu.Unlock()
			return
		}
		key := c.prefetchQueue[0]
		c.prefetchQueue = c.prefetchQueue[1:]
		c.mu.Unlock()

		started := c.goBackground(func() {
			defer func() {
				c.prefetchSlots.Release(1)
				c.pumpPrefetch()
			}()
			c.prefetchChunk(key)
		})
		if !started {
			c.prefetchSlots.Release(1)
			return
		}
	}
}

func (c *Controller) prefetchChunk(key string) {
	c.prefetch.Publish(PrefetchEvent{ChunkKey: key, Stage: PrefetchStarted})

	if bounds, err := c.ChunkBounds(key); err == nil {
		c.orch.PrefetchChunk(c.ctx, key, bounds)
	}

	err := c.LoadChunk(c.ctx, key, model.PriorityLow)
	if err != nil && c.cfg.Debug {
		slog.Debug("chunk lifecycle: prefetch failed", "chunk", key, "err", err)
	}

	c.prefetch.Publish(PrefetchEvent{ChunkKey: key, Stage: PrefetchCompleted, Err: err})
}
