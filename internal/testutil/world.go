package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/udisondev/chunkflow/internal/model"
)

// FakeWorld: in-memory источник данных мира, совместимый с fetch.FetchFunc.
type FakeWorld struct {
	mu         sync.RWMutex
	structures []model.StructureData
	armies     []model.ArmyData
	quests     []model.QuestData
	chests     []model.ChestData
	tiles      []model.TileData

	delay time.Duration
	err   error
	calls atomic.Int32
}

// NewFakeWorld создаёт пустой мир.
func NewFakeWorld() *FakeWorld {
	return &FakeWorld{}
}

// AddStructure добавляет структуру в клетку (col,row).
func (w *FakeWorld) AddStructure(id model.EntityID, col, row int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.structures = append(w.structures, model.StructureData{EntityID: id, Position: model.HexPosition{Col: col, Row: row}})
}

// AddArmy добавляет армию в клетку (col,row).
func (w *FakeWorld) AddArmy(id model.EntityID, col, row int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armies = append(w.armies, model.ArmyData{EntityID: id, Position: model.HexPosition{Col: col, Row: row}, TroopCount: 100})
}

// AddQuest добавляет квест в клетку (col,row).
func (w *FakeWorld) AddQuest(id model.EntityID, col, row int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.quests = append(w.quests, model.QuestData{EntityID: id, Position: model.HexPosition{Col: col, Row: row}})
}

// AddChest добавляет сундук в клетку (col,row).
func (w *FakeWorld) AddChest(id model.EntityID, col, row int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chests = append(w.chests, model.ChestData{EntityID: id, Position: model.HexPosition{Col: col, Row: row}})
}

// AddTile добавляет тайл.
func (w *FakeWorld) AddTile(col, row, biome int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tiles = append(w.tiles, model.TileData{Col: col, Row: row, Biome: biome, Explored: true})
}

// SetDelay задаёт задержку каждого запроса.
func (w *FakeWorld) SetDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delay = d
}

// SetError заставляет запросы завершаться ошибкой; nil снимает ошибку.
func (w *FakeWorld) SetError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

// Calls возвращает число выполненных запросов.
func (w *FakeWorld) Calls() int {
	return int(w.calls.Load())
}

// Fetch возвращает сущности внутри bounds.
func (w *FakeWorld) Fetch(ctx context.Context, bounds model.Bounds, _ map[model.EntityID]model.HexPosition) (*model.FetchResult, error) {
	w.calls.Add(1)

	w.mu.RLock()
	delay, err := w.delay, w.err
	w.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	res := &model.FetchResult{}
	for _, t := range w.tiles {
		if bounds.Contains(t.Col, t.Row) {
			res.Tiles = append(res.Tiles, t)
		}
	}
	for _, s := range w.structures {
		if bounds.Contains(s.Position.Col, s.Position.Row) {
			res.Structures = append(res.Structures, s)
		}
	}
	for _, a := range w.armies {
		if bounds.Contains(a.Position.Col, a.Position.Row) {
			res.Armies = append(res.Armies, a)
		}
	}
	for _, q := range w.quests {
		if bounds.Contains(q.Position.Col, q.Position.Row) {
			res.Quests = append(res.Quests, q)
		}
	}
	for _, c := range w.chests {
		if bounds.Contains(c.Position.Col, c.Position.Row) {
			res.Chests = append(res.Chests, c)
		}
	}
	return res, nil
}

// ContextWithTimeout создаёт context с timeout и отменяет его при завершении теста.
func ContextWithTimeout(t testing.TB, d time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
