package hydration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/chunkflow/internal/model"
)

func waitResult(t *testing.T, ch <-chan Result, within time.Duration) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(within):
		t.Fatalf("hydration wait did not resolve within %v", within)
		return Result{}
	}
}

func TestRegistry_WaitResolvesOnCompletion(t *testing.T) {
	r := NewRegistry(time.Second, false)
	r.ExpectEntities("0,0", model.EntityStructure, 5)

	const timeout = 2 * time.Second
	start := time.Now()
	ch := r.WaitForHydration("0,0", timeout)

	for i := range 5 {
		_, ok := r.NotifyEntityHydrated(model.EntityID(i+1), model.EntityStructure, "0,0")
		require.True(t, ok)
	}

	res := waitResult(t, ch, timeout)
	assert.True(t, res.Success)
	assert.False(t, res.TimedOut)
	assert.Less(t, time.Since(start), timeout)
	assert.Equal(t, 5, res.Progress.Hydrated)
	assert.Equal(t, 5, res.Progress.Total)
	assert.InDelta(t, 100.0, res.Progress.Percentage, 0.001)
}

func TestRegistry_WaitTimesOutWithProgress(t *testing.T) {
	r := NewRegistry(time.Second, false)
	r.ExpectEntities("0,0", model.EntityStructure, 5)

	ch := r.WaitForHydration("0,0", 50*time.Millisecond)
	r.NotifyEntityHydrated(1, model.EntityStructure, "0,0")
	r.NotifyEntityHydrated(2, model.EntityStructure, "0,0")

	res := waitResult(t, ch, time.Second)
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 2, res.Progress.Hydrated)
	assert.Equal(t, 5, res.Progress.Total)
	assert.InDelta(t, 40.0, res.Progress.Percentage, 0.001)
}

func TestRegistry_WaitImmediate(t *testing.T) {
	r := NewRegistry(time.Second, false)

	// Нет ожиданий, сразу успех
	res := waitResult(t, r.WaitForHydration("none", time.Second), 10*time.Millisecond)
	assert.True(t, res.Success)
	assert.Equal(t, 100.0, res.Progress.Percentage)

	r.ExpectEntities("0,0", model.EntityArmy, 1)
	r.NotifyEntityHydrated(7, model.EntityArmy, "0,0")

	res = waitResult(t, r.WaitForHydration("0,0", time.Second), 10*time.Millisecond)
	assert.True(t, res.Success)
	assert.False(t, res.TimedOut)
}

func TestRegistry_ExplicitIDsResolveChunk(t *testing.T) {
	r := NewRegistry(time.Second, false)
	r.ExpectEntity("0,0", 10, model.EntityStructure)
	r.ExpectEntity("0,0", 11, model.EntityStructure)
	r.ExpectEntity("0,0", 11, model.EntityStructure) // дубликат не увеличивает счётчик

	assert.Equal(t, 2, r.Progress("0,0").Total)

	key, ok := r.NotifyEntityHydrated(10, model.EntityStructure, "")
	require.True(t, ok)
	assert.Equal(t, "0,0", key)
	assert.False(t, r.IsFullyHydrated("0,0"))

	r.NotifyEntityHydrated(11, model.EntityStructure, "")
	assert.True(t, r.IsFullyHydrated("0,0"))
}

func TestRegistry_UnknownEntityDropped(t *testing.T) {
	r := NewRegistry(time.Second, false)

	_, ok := r.NotifyEntityHydrated(99, model.EntityArmy, "")
	assert.False(t, ok)

	_, ok = r.NotifyEntityHydrated(99, model.EntityArmy, "5,5")
	assert.False(t, ok, "untracked chunk must be ignored")
	assert.Equal(t, 0, r.Stats().TrackedChunks)
}

func TestRegistry_ClearExpectationsResolvesWaiter(t *testing.T) {
	r := NewRegistry(time.Second, false)
	r.ExpectEntity("0,0", 1, model.EntityChest)
	ch := r.WaitForHydration("0,0", time.Minute)

	r.ClearExpectations("0,0")

	res := waitResult(t, ch, time.Second)
	assert.False(t, res.Success)
	assert.False(t, res.TimedOut)

	_, ok := r.EntityChunk(1)
	assert.False(t, ok, "id mapping must be released")
	assert.False(t, r.HasPendingExpectations("0,0"))
}

func TestRegistry_MultipleTypes(t *testing.T) {
	r := NewRegistry(time.Second, false)
	r.ExpectEntities("0,0", model.EntityStructure, 2)
	r.ExpectEntities("0,0", model.EntityArmy, 2)
	r.ExpectEntities("0,0", model.EntityQuest, 0) // игнорируется

	r.NotifyEntityHydrated(1, model.EntityStructure, "0,0")
	r.NotifyEntityHydrated(2, model.EntityStructure, "0,0")
	r.NotifyEntityHydrated(3, model.EntityStructure, "0,0") // сверх ожидания

	p := r.Progress("0,0")
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 2, p.Hydrated, "extra arrivals are capped per type")
	assert.Equal(t, 3, p.ByType[model.EntityStructure].Received)
	assert.NotContains(t, p.ByType, model.EntityQuest)
	assert.True(t, r.HasPendingChunks())

	r.NotifyEntityHydrated(4, model.EntityArmy, "0,0")
	r.NotifyEntityHydrated(5, model.EntityArmy, "0,0")
	assert.False(t, r.HasPendingChunks())
}

func TestRegistry_EntityRemoved(t *testing.T) {
	r := NewRegistry(time.Second, false)
	r.ExpectEntity("0,0", 1, model.EntityArmy)
	r.NotifyEntityHydrated(1, model.EntityArmy, "")
	require.True(t, r.IsFullyHydrated("0,0"))

	r.NotifyEntityRemoved(1)

	assert.False(t, r.IsFullyHydrated("0,0"))
	assert.Equal(t, 0, r.Progress("0,0").Hydrated)
}

func TestRegistry_ProgressEvents(t *testing.T) {
	r := NewRegistry(time.Second, false)
	r.ExpectEntities("0,0", model.EntityStructure, 2)

	var events []ProgressEvent
	unsub := r.OnProgress(func(ev ProgressEvent) { events = append(events, ev) })

	r.NotifyEntityHydrated(1, model.EntityStructure, "0,0")
	unsub()
	r.NotifyEntityHydrated(2, model.EntityStructure, "0,0")

	require.Len(t, events, 1)
	assert.Equal(t, "0,0", events[0].ChunkKey)
	assert.Equal(t, 1, events[0].Progress.Hydrated)
}

func TestRegistry_ClearResolvesAll(t *testing.T) {
	r := NewRegistry(time.Second, false)
	r.ExpectEntities("a", model.EntityArmy, 1)
	r.ExpectEntities("b", model.EntityArmy, 1)
	chA := r.WaitForHydration("a", time.Minute)
	chB := r.WaitForHydration("b", time.Minute)

	assert.Equal(t, 2, r.Stats().Waiters)
	r.Clear()

	assert.False(t, waitResult(t, chA, time.Second).Success)
	assert.False(t, waitResult(t, chB, time.Second).Success)
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRegistry_CountExpectationKeepsExplicitIDs(t *testing.T) {
	r := NewRegistry(time.Second, false)
	r.ExpectEntity("0,0", 1, model.EntityArmy)
	r.ExpectEntity("0,0", 2, model.EntityArmy)
	r.ExpectEntities("0,0", model.EntityArmy, 5)

	key, ok := r.EntityChunk(1)
	require.True(t, ok)
	assert.Equal(t, "0,0", key)
	assert.Equal(t, 5, r.Progress("0,0").Total)

	// Счётчик меньше числа явных id не уменьшает ожидание
	r.ExpectEntities("0,0", model.EntityArmy, 1)
	assert.Equal(t, 2, r.Progress("0,0").Total)

	// Пустой ключ разрешается через явные id
	resolved, ok := r.NotifyEntityHydrated(2, model.EntityArmy, "")
	require.True(t, ok)
	assert.Equal(t, "0,0", resolved)

	r.ClearExpectations("0,0")
	_, ok = r.EntityChunk(1)
	assert.False(t, ok, "expected but never hydrated id must not outlive its chunk")
	_, ok = r.EntityChunk(2)
	assert.False(t, ok)
}
