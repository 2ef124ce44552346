package headless_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/chunkflow/internal/chunkstate"
	"github.com/udisondev/chunkflow/internal/config"
	"github.com/udisondev/chunkflow/internal/event"
	"github.com/udisondev/chunkflow/internal/headless"
	"github.com/udisondev/chunkflow/internal/lifecycle"
	"github.com/udisondev/chunkflow/internal/model"
	"github.com/udisondev/chunkflow/internal/orchestrator"
	"github.com/udisondev/chunkflow/internal/testutil"
)

type hydrated struct {
	id  model.EntityID
	typ model.EntityType
	key string
}

type recordingSink struct {
	phases *event.Topic[chunkstate.PhaseChangeEvent]

	mu   sync.Mutex
	seen []hydrated
}

func newRecordingSink() *recordingSink {
	return &recordingSink{phases: event.NewTopic[chunkstate.PhaseChangeEvent]("test:phase")}
}

func (s *recordingSink) HydrateEntity(id model.EntityID, typ model.EntityType, key string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, hydrated{id: id, typ: typ, key: key})
}

func (s *recordingSink) OnPhaseChange(fn func(chunkstate.PhaseChangeEvent)) func() {
	return s.phases.Subscribe(fn)
}

func TestFeed_ReplaysOnHydrating(t *testing.T) {
	world := testutil.NewFakeWorld()
	world.AddStructure(1, 10, 10)
	world.AddArmy(2, 20, 20)
	world.AddQuest(3, 30, 30)
	world.AddChest(4, 40, 40)
	world.AddArmy(5, 100, 10) // другой чанк

	feed := headless.NewFeed(world.Fetch)
	sink := newRecordingSink()
	detach := feed.Attach(sink)

	ctx := testutil.ContextWithTimeout(t, time.Second)
	_, err := feed.Fetch(ctx, model.ChunkBounds(0, 0, 60, 44), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, feed.Len())

	sink.phases.Publish(chunkstate.PhaseChangeEvent{ChunkKey: "0,0", From: model.PhaseFetching, To: model.PhaseHydrating})

	assert.Equal(t, []hydrated{
		{1, model.EntityStructure, "0,0"},
		{2, model.EntityArmy, "0,0"},
		{3, model.EntityQuest, "0,0"},
		{4, model.EntityChest, "0,0"},
	}, sink.seen)
	assert.Equal(t, 4, feed.Replayed())

	sink.phases.Publish(chunkstate.PhaseChangeEvent{ChunkKey: "0,0", From: model.PhaseRendering, To: model.PhaseActive})
	assert.Zero(t, feed.Len())

	// Отсоединённый feed ничего не воспроизводит
	detach()
	_, err = feed.Fetch(ctx, model.ChunkBounds(0, 60, 60, 44), nil)
	require.NoError(t, err)
	sink.phases.Publish(chunkstate.PhaseChangeEvent{ChunkKey: "0,60", To: model.PhaseHydrating})
	assert.Len(t, sink.seen, 4)
}

func TestFeed_FetchErrorNotRemembered(t *testing.T) {
	world := testutil.NewFakeWorld()
	world.SetError(testutil.ErrSimulated)
	feed := headless.NewFeed(world.Fetch)

	_, err := feed.Fetch(testutil.ContextWithTimeout(t, time.Second), model.ChunkBounds(0, 0, 60, 44), nil)
	assert.ErrorIs(t, err, testutil.ErrSimulated)
	assert.Zero(t, feed.Len())
}

func TestFeed_DrivesControllerEndToEnd(t *testing.T) {
	cfg := config.DefaultChunks()
	cfg.FetchBatchDelay = time.Millisecond
	cfg.HydrationTimeout = 2 * time.Second
	cfg.PrefetchEnabled = false
	cfg.IncrementalRenderBudget = 100 * time.Millisecond

	ctrl, err := lifecycle.New(cfg)
	require.NoError(t, err)
	t.Cleanup(ctrl.Destroy)

	world := testutil.NewFakeWorld()
	for i := range 6 {
		world.AddStructure(model.EntityID(10+i), i*7, i*5)
	}
	world.AddArmy(100, 30, 30)
	world.AddChest(200, 50, 40)

	feed := headless.NewFeed(world.Fetch)
	ctrl.SetFetchFunc(feed.Fetch)
	t.Cleanup(feed.Attach(ctrl))

	managers := map[model.EntityType]*headless.Manager{}
	for _, typ := range []model.EntityType{model.EntityStructure, model.EntityArmy, model.EntityChest} {
		managers[typ] = headless.NewManager(typ, cfg.RenderChunkWidth, cfg.RenderChunkHeight)
		ctrl.RegisterManager(managers[typ], orchestrator.Options{})
	}

	start := time.Now()
	require.NoError(t, ctrl.SwitchToChunk(testutil.ContextWithTimeout(t, 5*time.Second), "0,0"))
	assert.Less(t, time.Since(start), time.Second)

	prog := ctrl.HydrationProgress("0,0")
	assert.Equal(t, 8, prog.Total)
	assert.Equal(t, 8, prog.Hydrated)
	assert.Equal(t, 8, ctrl.Spatial().Len())
	assert.Zero(t, feed.Len())

	ctrl.Update(16 * time.Millisecond)
	assert.Equal(t, 6, managers[model.EntityStructure].Drawn("0,0"))
	assert.Equal(t, 1, managers[model.EntityArmy].Drawn("0,0"))
	assert.Equal(t, 1, managers[model.EntityChest].Drawn("0,0"))
}
