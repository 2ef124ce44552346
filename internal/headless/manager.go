// Package headless provides entity managers and a payload feed for running
// the chunk lifecycle without a renderer: managers keep entity positions and
// draw counters, the feed replays fetched entities as hydration notifications.
package headless

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/udisondev/chunkflow/internal/model"
)

type entity struct {
	pos   model.HexPosition
	chunk string
	data  any
}

type drawItem struct {
	chunk string
	id    model.EntityID
}

// ManagerStats describes what a headless manager holds.
type ManagerStats struct {
	Type           model.EntityType
	Entities       int
	Chunks         int
	RenderedChunks int
	PendingDraws   int
	Drawn          int
	Updates        int
}

// Manager is an EntityManager for one entity type that tracks entities by
// chunk and draws them in budgeted steps.
type Manager struct {
	typ         model.EntityType
	chunkWidth  int
	chunkHeight int
	drawCost    time.Duration

	mu       sync.Mutex
	entities map[model.EntityID]*entity
	byChunk  map[string]map[model.EntityID]struct{}
	rendered map[string]int // chunk -> drawn entities
	queue    []drawItem
	drawn    int
	updates  int
}

// NewManager creates a manager for typ. Entities are grouped into render
// chunks of chunkWidth x chunkHeight cells.
func NewManager(typ model.EntityType, chunkWidth, chunkHeight int) *Manager {
	return &Manager{
		typ:         typ,
		chunkWidth:  chunkWidth,
		chunkHeight: chunkHeight,
		entities:    make(map[model.EntityID]*entity, 256),
		byChunk:     make(map[string]map[model.EntityID]struct{}),
		rendered:    make(map[string]int),
	}
}

// SetDrawCost sets the simulated time one entity draw takes.
func (m *Manager) SetDrawCost(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drawCost = d
}

func (m *Manager) EntityType() model.EntityType {
	return m.typ
}

func (m *Manager) PrepareForChunk(_ context.Context, key string, bounds model.Bounds) error {
	slog.Debug("headless: preparing chunk", "type", m.typ, "chunk", key, "bounds", bounds.CacheKey())
	return nil
}

// RenderChunk queues every entity of key for drawing.
func (m *Manager) RenderChunk(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rendered[key]; !ok {
		m.rendered[key] = 0
	}
	for id := range m.byChunk[key] {
		m.queue = append(m.queue, drawItem{chunk: key, id: id})
	}
	return nil
}

// UnloadChunk forgets the entities of key and its pending draws.
func (m *Manager) UnloadChunk(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.byChunk[key] {
		delete(m.entities, id)
	}
	delete(m.byChunk, key)
	delete(m.rendered, key)

	kept := m.queue[:0]
	for _, it := range m.queue {
		if it.chunk != key {
			kept = append(kept, it)
		}
	}
	m.queue = kept
	return nil
}

// OnEntityHydrated stores the entity. data is a fetch payload or a
// model.HexPosition; anything else is ignored.
func (m *Manager) OnEntityHydrated(id model.EntityID, data any) {
	pos, ok := payloadPosition(data)
	if !ok {
		slog.Warn("headless: payload without position", "type", m.typ, "entityID", id)
		return
	}
	key := model.ChunkKey(model.ChunkAnchor(pos.Col, pos.Row, m.chunkWidth, m.chunkHeight))

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entities[id]; ok && e.chunk != key {
		m.detachLocked(id, e.chunk)
	}
	m.entities[id] = &entity{pos: pos, chunk: key, data: data}

	set, ok := m.byChunk[key]
	if !ok {
		set = make(map[model.EntityID]struct{}, 16)
		m.byChunk[key] = set
	}
	set[id] = struct{}{}

	// Late arrivals for a rendered chunk are drawn on the next frames.
	if _, rendered := m.rendered[key]; rendered {
		m.queue = append(m.queue, drawItem{chunk: key, id: id})
	}
}

func (m *Manager) OnEntityRemoved(id model.EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entities[id]; ok {
		m.detachLocked(id, e.chunk)
		delete(m.entities, id)
	}
}

func (m *Manager) detachLocked(id model.EntityID, key string) {
	set := m.byChunk[key]
	delete(set, id)
	if len(set) == 0 {
		delete(m.byChunk, key)
	}
}

func (m *Manager) EntitiesInChunk(key string) []model.EntityID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.EntityID, 0, len(m.byChunk[key]))
	for id := range m.byChunk[key] {
		out = append(out, id)
	}
	return out
}

func (m *Manager) HasEntity(id model.EntityID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entities[id]
	return ok
}

func (m *Manager) EntityCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}

// EntityPosition reports the last known cell of id.
func (m *Manager) EntityPosition(id model.EntityID) (model.HexPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[id]
	if !ok {
		return model.HexPosition{}, false
	}
	return e.pos, true
}

// Entity returns the payload id was hydrated with.
func (m *Manager) Entity(id model.EntityID) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[id]
	if !ok {
		return nil, false
	}
	return e.data, true
}

func (m *Manager) HasPendingRenderWork() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) > 0
}

// RenderIncremental draws queued entities until budget is spent.
// At least one entity is drawn per call.
func (m *Manager) RenderIncremental(budget time.Duration) bool {
	deadline := time.Now().Add(budget)

	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) > 0 {
		it := m.queue[0]
		m.queue = m.queue[1:]
		if _, live := m.entities[it.id]; live {
			if _, ok := m.rendered[it.chunk]; ok {
				m.rendered[it.chunk]++
				m.drawn++
			}
		}
		if m.drawCost > 0 {
			time.Sleep(m.drawCost)
		}
		if !time.Now().Before(deadline) {
			break
		}
	}
	return len(m.queue) > 0
}

func (m *Manager) Update(time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	return nil
}

func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.entities)
	clear(m.byChunk)
	clear(m.rendered)
	m.queue = nil
}

// Drawn returns how many entities of key were drawn.
func (m *Manager) Drawn(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rendered[key]
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ManagerStats{
		Type:           m.typ,
		Entities:       len(m.entities),
		Chunks:         len(m.byChunk),
		RenderedChunks: len(m.rendered),
		PendingDraws:   len(m.queue),
		Drawn:          m.drawn,
		Updates:        m.updates,
	}
}

func payloadPosition(data any) (model.HexPosition, bool) {
	switch d := data.(type) {
	case model.HexPosition:
		return d, true
	case model.StructureData:
		return d.Position, true
	case model.ArmyData:
		return d.Position, true
	case model.QuestData:
		return d.Position, true
	case model.ChestData:
		return d.Position, true
	case model.TileData:
		return model.HexPosition{Col: d.Col, Row: d.Row}, true
	default:
		return model.HexPosition{}, false
	}
}
