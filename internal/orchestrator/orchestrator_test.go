package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/chunkflow/internal/model"
	"github.com/udisondev/chunkflow/internal/testutil"
)

func TestOrchestrator_DefaultOrder(t *testing.T) {
	o := New(Config{})
	log := &testutil.CallLog{}

	o.RegisterManager(testutil.NewFakeManager(model.EntityArmy, log), Options{})
	o.RegisterManager(testutil.NewFakeManager(model.EntityBiome, log), Options{})
	o.RegisterManager(testutil.NewFakeManager(model.EntityStructure, log), Options{})

	assert.Equal(t, []model.EntityType{model.EntityBiome, model.EntityStructure, model.EntityArmy}, o.Order())

	reg, ok := o.Registration(model.EntityArmy)
	require.True(t, ok)
	assert.Equal(t, 20, reg.RenderOrder)
	assert.True(t, reg.Required)
}

func TestOrchestrator_DependenciesOverrideRenderOrder(t *testing.T) {
	o := New(Config{})

	// Армии рисуются первыми, но зависят от структур
	o.RegisterManager(testutil.NewFakeManager(model.EntityArmy, nil), Options{
		RenderOrder:  Int(0),
		Dependencies: []model.EntityType{model.EntityStructure, model.EntityChest},
	})
	o.RegisterManager(testutil.NewFakeManager(model.EntityStructure, nil), Options{RenderOrder: Int(50)})
	o.RegisterManager(testutil.NewFakeManager(model.EntityQuest, nil), Options{RenderOrder: Int(10)})

	assert.Equal(t, []model.EntityType{model.EntityStructure, model.EntityArmy, model.EntityQuest}, o.Order())
}

func TestOrchestrator_CycleFallsBackToRenderOrder(t *testing.T) {
	o := New(Config{})

	o.RegisterManager(testutil.NewFakeManager(model.EntityStructure, nil), Options{
		Dependencies: []model.EntityType{model.EntityArmy},
	})
	o.RegisterManager(testutil.NewFakeManager(model.EntityArmy, nil), Options{
		Dependencies: []model.EntityType{model.EntityStructure},
	})
	o.RegisterManager(testutil.NewFakeManager(model.EntityBiome, nil), Options{})

	assert.Equal(t, []model.EntityType{model.EntityBiome, model.EntityStructure, model.EntityArmy}, o.Order())
}

func TestOrchestrator_HookOrder(t *testing.T) {
	o := New(Config{})
	log := &testutil.CallLog{}
	for _, typ := range []model.EntityType{model.EntityStructure, model.EntityBiome, model.EntityArmy} {
		o.RegisterManager(testutil.NewFakeManager(typ, log), Options{})
	}
	ctx := context.Background()

	require.NoError(t, o.PrepareChunk(ctx, "0,0", model.ChunkBounds(0, 0, 60, 44)))
	require.NoError(t, o.RenderChunk(ctx, "0,0"))
	o.UnloadChunk(ctx, "0,0")

	assert.Equal(t, []string{
		"prepare:biome:0,0", "prepare:structure:0,0", "prepare:army:0,0",
		"render:biome:0,0", "render:structure:0,0", "render:army:0,0",
		"unload:army:0,0", "unload:structure:0,0", "unload:biome:0,0",
	}, log.Calls())
}

func TestOrchestrator_RequiredFailureAborts(t *testing.T) {
	o := New(Config{})
	log := &testutil.CallLog{}
	structures := testutil.NewFakeManager(model.EntityStructure, log)
	structures.FailPrepare(testutil.ErrSimulated)
	o.RegisterManager(structures, Options{})
	o.RegisterManager(testutil.NewFakeManager(model.EntityArmy, log), Options{})

	err := o.PrepareChunk(context.Background(), "0,0", model.Bounds{})

	var hookErr *ManagerHookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, model.EntityStructure, hookErr.Type)
	assert.Equal(t, "prepare", hookErr.Stage)
	assert.Equal(t, "0,0", hookErr.ChunkKey)
	assert.ErrorIs(t, err, testutil.ErrSimulated)
	assert.Equal(t, []string{"prepare:structure:0,0"}, log.Calls(), "later managers must not run")
	assert.Empty(t, o.Stats().ProcessingChunks)
}

func TestOrchestrator_OptionalFailureContinues(t *testing.T) {
	o := New(Config{})
	log := &testutil.CallLog{}
	quests := testutil.NewFakeManager(model.EntityQuest, log)
	quests.FailRender(testutil.ErrSimulated)
	o.RegisterManager(quests, Options{Required: Bool(false)})
	o.RegisterManager(testutil.NewFakeManager(model.EntityChest, log), Options{})

	require.NoError(t, o.RenderChunk(context.Background(), "0,0"))
	assert.Equal(t, []string{"render:quest:0,0", "render:chest:0,0"}, log.Calls())
}

func TestOrchestrator_UnloadNeverAborts(t *testing.T) {
	o := New(Config{})
	log := &testutil.CallLog{}
	armies := testutil.NewFakeManager(model.EntityArmy, log)
	armies.FailUnload(testutil.ErrSimulated)
	o.RegisterManager(armies, Options{})
	o.RegisterManager(testutil.NewFakeManager(model.EntityBiome, log), Options{})

	o.UnloadChunk(context.Background(), "0,0")
	assert.Equal(t, []string{"unload:army:0,0", "unload:biome:0,0"}, log.Calls())
}

func TestOrchestrator_UpdateIsolatesFailures(t *testing.T) {
	o := New(Config{})
	bad := testutil.NewFakeManager(model.EntityStructure, nil)
	bad.FailUpdate(nil, true)
	failing := testutil.NewFakeManager(model.EntityArmy, nil)
	failing.FailUpdate(errors.New("tick failed"), false)
	good := testutil.NewFakeManager(model.EntityChest, nil)

	o.RegisterManager(bad, Options{})
	o.RegisterManager(failing, Options{})
	o.RegisterManager(good, Options{})

	assert.NotPanics(t, func() { o.Update(16 * time.Millisecond) })
	assert.Equal(t, 1, bad.Updates())
	assert.Equal(t, 1, failing.Updates())
	assert.Equal(t, 1, good.Updates())
}

func TestOrchestrator_IncrementalBudget(t *testing.T) {
	o := New(Config{})
	work := testutil.NewIncrementalWork(100, time.Millisecond)
	o.RegisterManager(testutil.NewFakeManager(model.EntityStructure, nil), Options{Incremental: work})

	assert.True(t, o.HasPendingRenderWork())
	assert.True(t, o.RenderIncremental(5*time.Millisecond), "budget exhausted with work left")
	assert.Less(t, work.Left(), 100)
	assert.Greater(t, work.Left(), 0)

	for o.RenderIncremental(50 * time.Millisecond) {
	}
	assert.False(t, o.HasPendingRenderWork())
	assert.False(t, o.RenderIncremental(0))
}

func TestOrchestrator_PrefetchCapability(t *testing.T) {
	o := New(Config{})
	ok := testutil.NewPrefetchRecorder(nil)
	failing := testutil.NewPrefetchRecorder(testutil.ErrSimulated)
	o.RegisterManager(testutil.NewFakeManager(model.EntityStructure, nil), Options{Prefetch: ok})
	o.RegisterManager(testutil.NewFakeManager(model.EntityArmy, nil), Options{Prefetch: failing})
	o.RegisterManager(testutil.NewFakeManager(model.EntityChest, nil), Options{})

	o.PrefetchChunk(context.Background(), "0,60", model.ChunkBounds(0, 60, 60, 44))
	o.CancelPrefetch("0,60")

	assert.Equal(t, []string{"0,60"}, ok.Fetched())
	assert.Equal(t, []string{"0,60"}, failing.Fetched())
	assert.Equal(t, []string{"0,60"}, ok.Cancelled())
}

func TestOrchestrator_EntityRoutingAndSpatial(t *testing.T) {
	o := New(Config{})
	armies := testutil.NewFakeManager(model.EntityArmy, nil)
	o.RegisterManager(armies, Options{})

	reg, _ := o.Registration(model.EntityArmy)
	require.NotNil(t, reg.Spatial, "spatial capability captured at registration")

	o.NotifyEntityHydrated(7, model.EntityArmy, model.ArmyData{EntityID: 7, Position: model.HexPosition{Col: 3, Row: 4}})
	o.NotifyEntityHydrated(8, model.EntityChest, nil) // нет менеджера

	pos, ok := o.EntityPosition(7, model.EntityArmy)
	require.True(t, ok)
	assert.Equal(t, model.HexPosition{Col: 3, Row: 4}, pos)

	_, ok = o.EntityPosition(8, model.EntityChest)
	assert.False(t, ok)

	o.NotifyEntityRemoved(7, model.EntityArmy)
	assert.False(t, armies.HasEntity(7))
}

func TestOrchestrator_StatsAndDestroy(t *testing.T) {
	o := New(Config{})
	structures := testutil.NewFakeManager(model.EntityStructure, nil)
	o.RegisterManager(structures, Options{})
	o.NotifyEntityHydrated(1, model.EntityStructure, model.HexPosition{})

	st := o.Stats()
	assert.Equal(t, 1, st.ManagerCount)
	assert.Equal(t, 1, st.EntityCounts[model.EntityStructure])

	o.UnregisterManager(model.EntityStructure)
	assert.False(t, o.HasManager(model.EntityStructure))

	o.RegisterManager(structures, Options{})
	o.Destroy()
	assert.True(t, structures.Destroyed())
	assert.Empty(t, o.Order())
}
