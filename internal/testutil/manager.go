package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/udisondev/chunkflow/internal/model"
)

// CallLog: общий журнал вызовов хуков нескольких менеджеров.
// Записи имеют вид "<stage>:<type>:<chunk>".
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

// Record добавляет запись в журнал.
func (l *CallLog) Record(stage string, typ model.EntityType, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf("%s:%s:%s", stage, typ, key))
}

// Calls возвращает копию журнала.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// Reset очищает журнал.
func (l *CallLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// FakeManager: in-memory EntityManager для unit тестов.
// Хранит гидратированные сущности и их позиции, умеет имитировать ошибки хуков.
type FakeManager struct {
	typ model.EntityType
	log *CallLog

	mu          sync.Mutex
	entities    map[model.EntityID]model.HexPosition
	rendered    map[string]bool
	prepareErr  error
	renderErr   error
	unloadErr   error
	updateErr   error
	updatePanic bool
	updates     int
	destroyed   bool
	hydrated    []model.EntityID
}

// NewFakeManager создаёт менеджер для типа typ. log может быть nil.
func NewFakeManager(typ model.EntityType, log *CallLog) *FakeManager {
	if log == nil {
		log = &CallLog{}
	}
	return &FakeManager{
		typ:      typ,
		log:      log,
		entities: make(map[model.EntityID]model.HexPosition),
		rendered: make(map[string]bool),
	}
}

// FailPrepare заставляет PrepareForChunk возвращать err.
func (f *FakeManager) FailPrepare(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareErr = err
}

// FailRender заставляет RenderChunk возвращать err.
func (f *FakeManager) FailRender(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renderErr = err
}

// FailUnload заставляет UnloadChunk возвращать err.
func (f *FakeManager) FailUnload(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloadErr = err
}

// FailUpdate заставляет Update возвращать err или паниковать.
func (f *FakeManager) FailUpdate(err error, panics bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateErr = err
	f.updatePanic = panics
}

// Log возвращает журнал вызовов.
func (f *FakeManager) Log() *CallLog {
	return f.log
}

func (f *FakeManager) EntityType() model.EntityType {
	return f.typ
}

func (f *FakeManager) PrepareForChunk(_ context.Context, key string, _ model.Bounds) error {
	f.log.Record("prepare", f.typ, key)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepareErr
}

func (f *FakeManager) RenderChunk(_ context.Context, key string) error {
	f.log.Record("render", f.typ, key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renderErr != nil {
		return f.renderErr
	}
	f.rendered[key] = true
	return nil
}

func (f *FakeManager) UnloadChunk(_ context.Context, key string) error {
	f.log.Record("unload", f.typ, key)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rendered, key)
	return f.unloadErr
}

// OnEntityHydrated принимает model.HexPosition или payload с полем Position.
func (f *FakeManager) OnEntityHydrated(id model.EntityID, data any) {
	var pos model.HexPosition
	switch d := data.(type) {
	case model.HexPosition:
		pos = d
	case model.StructureData:
		pos = d.Position
	case model.ArmyData:
		pos = d.Position
	case model.QuestData:
		pos = d.Position
	case model.ChestData:
		pos = d.Position
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[id] = pos
	f.hydrated = append(f.hydrated, id)
}

func (f *FakeManager) OnEntityRemoved(id model.EntityID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, id)
}

func (f *FakeManager) EntitiesInChunk(string) []model.EntityID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.EntityID, 0, len(f.entities))
	for id := range f.entities {
		out = append(out, id)
	}
	return out
}

func (f *FakeManager) HasEntity(id model.EntityID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entities[id]
	return ok
}

func (f *FakeManager) EntityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entities)
}

// EntityPosition реализует SpatialReporter.
func (f *FakeManager) EntityPosition(id model.EntityID) (model.HexPosition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.entities[id]
	return pos, ok
}

func (f *FakeManager) Update(time.Duration) error {
	f.mu.Lock()
	f.updates++
	err, panics := f.updateErr, f.updatePanic
	f.mu.Unlock()

	if panics {
		panic("fake manager update")
	}
	return err
}

func (f *FakeManager) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	clear(f.entities)
}

// Rendered сообщает, отрисован ли чанк.
func (f *FakeManager) Rendered(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rendered[key]
}

// Updates возвращает число вызовов Update.
func (f *FakeManager) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// Destroyed сообщает, был ли вызван Destroy.
func (f *FakeManager) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Hydrated возвращает id в порядке гидратации.
func (f *FakeManager) Hydrated() []model.EntityID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.EntityID(nil), f.hydrated...)
}

// IncrementalWork: IncrementalRenderer с фиксированным числом шагов,
// каждый шаг занимает step времени.
type IncrementalWork struct {
	mu    sync.Mutex
	left  int
	step  time.Duration
	calls int
}

// NewIncrementalWork создаёт работу из steps шагов.
func NewIncrementalWork(steps int, step time.Duration) *IncrementalWork {
	return &IncrementalWork{left: steps, step: step}
}

func (w *IncrementalWork) HasPendingRenderWork() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.left > 0
}

func (w *IncrementalWork) RenderIncremental(budget time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++

	deadline := time.Now().Add(budget)
	for w.left > 0 && time.Now().Before(deadline) {
		time.Sleep(w.step)
		w.left--
	}
	return w.left > 0
}

// Left возвращает число оставшихся шагов.
func (w *IncrementalWork) Left() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.left
}

// Calls возвращает число вызовов RenderIncremental.
func (w *IncrementalWork) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// PrefetchRecorder: Prefetcher, записывающий запрошенные чанки.
type PrefetchRecorder struct {
	mu        sync.Mutex
	err       error
	fetched   []string
	cancelled []string
}

// NewPrefetchRecorder создаёт рекордер; err возвращается каждым Prefetch.
func NewPrefetchRecorder(err error) *PrefetchRecorder {
	return &PrefetchRecorder{err: err}
}

func (p *PrefetchRecorder) Prefetch(_ context.Context, key string, _ model.Bounds) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetched = append(p.fetched, key)
	return p.err
}

func (p *PrefetchRecorder) CancelPrefetch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, key)
}

// Fetched возвращает чанки, переданные в Prefetch.
func (p *PrefetchRecorder) Fetched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.fetched...)
}

// Cancelled возвращает чанки, переданные в CancelPrefetch.
func (p *PrefetchRecorder) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}
