package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// FrameLoop drives Controller.Update at a fixed rate and logs stats periodically.
type FrameLoop struct {
	ctrl       *Controller
	interval   time.Duration
	statsEvery time.Duration
	frames     int
}

// NewFrameLoop creates a loop ticking every interval. statsEvery <= 0 disables stats logging.
func NewFrameLoop(ctrl *Controller, interval, statsEvery time.Duration) *FrameLoop {
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &FrameLoop{ctrl: ctrl, interval: interval, statsEvery: statsEvery}
}

// Start runs the loop (blocks until context is canceled).
func (l *FrameLoop) Start(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	var statsC <-chan time.Time
	if l.statsEvery > 0 {
		st := time.NewTicker(l.statsEvery)
		defer st.Stop()
		statsC = st.C
	}

	slog.Info("frame loop started", "interval", l.interval)

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			slog.Info("frame loop stopping", "frames", l.frames)
			return ctx.Err()

		case now := <-ticker.C:
			l.ctrl.Update(now.Sub(last))
			last = now
			l.frames++

		case <-statsC:
			l.logStats()
		}
	}
}

// Frames returns the number of ticks run so far. Not safe while Start runs.
func (l *FrameLoop) Frames() int {
	return l.frames
}

func (l *FrameLoop) logStats() {
	st := l.ctrl.Stats()
	slog.Info("chunk lifecycle stats",
		"current", st.ActiveChunk,
		"chunks", st.State.TotalChunks,
		"loading", len(st.LoadingChunks),
		"prefetchQueue", len(st.PrefetchQueue),
		"fetches", st.Fetch.TotalFetches,
		"dedupedFetches", st.Fetch.DeduplicatedFetches,
		"failedFetches", st.Fetch.FailedFetches,
		"avgFetch", st.Fetch.AverageFetchTime,
		"pendingHydrations", st.Hydration.PendingHydrations,
		"entities", st.Spatial.TotalEntities,
		"cameraPasses", st.CameraPasses)
}
