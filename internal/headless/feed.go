package headless

import (
	"context"
	"sync"

	"github.com/udisondev/chunkflow/internal/chunkstate"
	"github.com/udisondev/chunkflow/internal/fetch"
	"github.com/udisondev/chunkflow/internal/model"
)

// Sink receives replayed entities and publishes chunk phase changes.
// *lifecycle.Controller satisfies it.
type Sink interface {
	HydrateEntity(id model.EntityID, typ model.EntityType, key string, data any)
	OnPhaseChange(fn func(chunkstate.PhaseChangeEvent)) (unsubscribe func())
}

// Feed wraps a fetch function and remembers each payload by chunk key.
// Attached to a sink, it replays the entities of a chunk as hydration
// notifications when the chunk enters HYDRATING, standing in for the
// entity stream a live client would receive.
type Feed struct {
	next fetch.FetchFunc

	mu       sync.Mutex
	payloads map[string]*model.FetchResult
	replayed int
}

// NewFeed creates a feed over next.
func NewFeed(next fetch.FetchFunc) *Feed {
	return &Feed{
		next:     next,
		payloads: make(map[string]*model.FetchResult),
	}
}

// Fetch has the fetch.FetchFunc signature.
func (f *Feed) Fetch(ctx context.Context, bounds model.Bounds, known map[model.EntityID]model.HexPosition) (*model.FetchResult, error) {
	res, err := f.next(ctx, bounds, known)
	if err != nil {
		return nil, err
	}
	if res != nil {
		f.mu.Lock()
		f.payloads[model.ChunkKey(bounds.MinRow, bounds.MinCol)] = res
		f.mu.Unlock()
	}
	return res, nil
}

// Attach replays payloads into sink on HYDRATING. A payload is forgotten
// once its chunk leaves the loading phases. The returned function detaches
// the feed.
func (f *Feed) Attach(sink Sink) (detach func()) {
	return sink.OnPhaseChange(func(ev chunkstate.PhaseChangeEvent) {
		switch ev.To {
		case model.PhaseHydrating:
			f.replay(sink, ev.ChunkKey)
		case model.PhaseActive, model.PhaseError, model.PhaseIdle:
			f.Forget(ev.ChunkKey)
		}
	})
}

func (f *Feed) replay(sink Sink, key string) {
	f.mu.Lock()
	res := f.payloads[key]
	f.mu.Unlock()
	if res == nil {
		return
	}

	n := 0
	for _, s := range res.Structures {
		sink.HydrateEntity(s.EntityID, model.EntityStructure, key, s)
		n++
	}
	for _, a := range res.Armies {
		sink.HydrateEntity(a.EntityID, model.EntityArmy, key, a)
		n++
	}
	for _, q := range res.Quests {
		sink.HydrateEntity(q.EntityID, model.EntityQuest, key, q)
		n++
	}
	for _, c := range res.Chests {
		sink.HydrateEntity(c.EntityID, model.EntityChest, key, c)
		n++
	}

	f.mu.Lock()
	f.replayed += n
	f.mu.Unlock()
}

// Forget drops the payload of key.
func (f *Feed) Forget(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.payloads, key)
}

// Len returns the number of remembered payloads.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

// Replayed returns the number of entities replayed so far.
func (f *Feed) Replayed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replayed
}
