package spatial

import (
	"log/slog"
	"sync"

	"github.com/udisondev/chunkflow/internal/model"
)

// DefaultBucketSize is the bucket edge in grid cells.
const DefaultBucketSize = 15

// bucketKey addresses one bucket in bucket space.
type bucketKey struct {
	bx, by int
}

// bucket holds entity ids partitioned by type.
type bucket struct {
	byType map[model.EntityType]map[model.EntityID]struct{}
	count  int
}

// Entry is the indexed position of one entity.
type Entry struct {
	EntityID   model.EntityID
	EntityType model.EntityType
	Col        int
	Row        int
	ChunkKey   string
}

// Stats describes index occupancy.
type Stats struct {
	TotalEntities        int
	BucketCount          int
	AvgEntitiesPerBucket float64
	MaxEntitiesPerBucket int
	ByType               map[model.EntityType]int
	EstimatedMemoryBytes int
}

// Index is a bucketed spatial hash shared by all entity managers.
// Range queries touch only the buckets overlapping the query rectangle;
// every candidate is then filtered by exact bounds.
type Index struct {
	mu sync.RWMutex

	bucketSize  int
	chunkWidth  int
	chunkHeight int

	buckets    map[bucketKey]*bucket
	entities   map[model.EntityID]*Entry
	byChunk    map[string]map[model.EntityID]struct{}
	typeCounts map[model.EntityType]int
}

// New creates an index. Entities are assigned to chunks of chunkWidth×chunkHeight cells.
func New(bucketSize, chunkWidth, chunkHeight int) *Index {
	if bucketSize < 1 {
		bucketSize = DefaultBucketSize
	}
	return &Index{
		bucketSize:  bucketSize,
		chunkWidth:  chunkWidth,
		chunkHeight: chunkHeight,
		buckets:     make(map[bucketKey]*bucket, 64),
		entities:    make(map[model.EntityID]*Entry, 256),
		byChunk:     make(map[string]map[model.EntityID]struct{}, 16),
		typeCounts:  make(map[model.EntityType]int, len(model.EntityTypes)),
	}
}

// BucketSize returns the bucket edge in cells.
func (ix *Index) BucketSize() int {
	return ix.bucketSize
}

// ChunkKeyFor returns the key of the chunk enclosing (col, row).
func (ix *Index) ChunkKeyFor(col, row int) string {
	startRow, startCol := model.ChunkAnchor(col, row, ix.chunkWidth, ix.chunkHeight)
	return model.ChunkKey(startRow, startCol)
}

// Insert indexes an entity. Inserting an id that is already indexed moves it.
func (ix *Index) Insert(id model.EntityID, typ model.EntityType, col, row int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.entities[id]; ok {
		ix.removeLocked(id)
	}

	entry := &Entry{
		EntityID:   id,
		EntityType: typ,
		Col:        col,
		Row:        row,
		ChunkKey:   ix.ChunkKeyFor(col, row),
	}
	ix.entities[id] = entry
	ix.addToBucketLocked(ix.bucketFor(col, row), typ, id)
	ix.addToChunkLocked(entry.ChunkKey, id)
	ix.typeCounts[typ]++
}

// Update moves an indexed entity. Returns false for unknown ids.
func (ix *Index) Update(id model.EntityID, col, row int) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entry, ok := ix.entities[id]
	if !ok {
		slog.Warn("spatial index: cannot update unknown entity", "entityID", id)
		return false
	}

	oldBucket := ix.bucketFor(entry.Col, entry.Row)
	newBucket := ix.bucketFor(col, row)
	if oldBucket != newBucket {
		ix.removeFromBucketLocked(oldBucket, entry.EntityType, id)
		ix.addToBucketLocked(newBucket, entry.EntityType, id)
	}

	entry.Col = col
	entry.Row = row

	newChunk := ix.ChunkKeyFor(col, row)
	if newChunk != entry.ChunkKey {
		ix.removeFromChunkLocked(entry.ChunkKey, id)
		ix.addToChunkLocked(newChunk, id)
		entry.ChunkKey = newChunk
	}
	return true
}

// Remove drops an entity from the index. Returns false for unknown ids.
func (ix *Index) Remove(id model.EntityID) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.removeLocked(id)
}

// InBounds returns the ids inside bounds, optionally restricted to one type.
func (ix *Index) InBounds(bounds model.Bounds, typ *model.EntityType) []model.EntityID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	minBX := model.FloorDiv(bounds.MinCol, ix.bucketSize)
	maxBX := model.FloorDiv(bounds.MaxCol, ix.bucketSize)
	minBY := model.FloorDiv(bounds.MinRow, ix.bucketSize)
	maxBY := model.FloorDiv(bounds.MaxRow, ix.bucketSize)

	result := make([]model.EntityID, 0, 16)
	for bx := minBX; bx <= maxBX; bx++ {
		for by := minBY; by <= maxBY; by++ {
			b, ok := ix.buckets[bucketKey{bx: bx, by: by}]
			if !ok {
				continue
			}
			if typ != nil {
				result = ix.collectLocked(result, b.byType[*typ], bounds)
				continue
			}
			for _, ids := range b.byType {
				result = ix.collectLocked(result, ids, bounds)
			}
		}
	}
	return result
}

// InChunk returns the ids whose enclosing chunk is key, optionally restricted to one type.
func (ix *Index) InChunk(key string, typ *model.EntityType) []model.EntityID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := ix.byChunk[key]
	result := make([]model.EntityID, 0, len(ids))
	for id := range ids {
		if typ != nil && ix.entities[id].EntityType != *typ {
			continue
		}
		result = append(result, id)
	}
	return result
}

// RemoveChunk drops every entity whose enclosing chunk is key.
// Returns the number of removed entities.
func (ix *Index) RemoveChunk(key string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ids := ix.byChunk[key]
	if len(ids) == 0 {
		return 0
	}
	toRemove := make([]model.EntityID, 0, len(ids))
	for id := range ids {
		toRemove = append(toRemove, id)
	}
	for _, id := range toRemove {
		ix.removeLocked(id)
	}
	return len(toRemove)
}

// RemoveAllOfType drops every entity of the given type.
func (ix *Index) RemoveAllOfType(typ model.EntityType) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	toRemove := make([]model.EntityID, 0, ix.typeCounts[typ])
	for id, entry := range ix.entities {
		if entry.EntityType == typ {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		ix.removeLocked(id)
	}
	return len(toRemove)
}

// Position returns the indexed cell of an entity.
func (ix *Index) Position(id model.EntityID) (model.HexPosition, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entry, ok := ix.entities[id]
	if !ok {
		return model.HexPosition{}, false
	}
	return model.HexPosition{Col: entry.Col, Row: entry.Row}, true
}

// Entry returns a copy of the indexed entry.
func (ix *Index) Entry(id model.EntityID) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entry, ok := ix.entities[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Has reports whether id is indexed.
func (ix *Index) Has(id model.EntityID) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.entities[id]
	return ok
}

// Len returns the number of indexed entities.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entities)
}

// CountByType returns the number of indexed entities of one type.
func (ix *Index) CountByType(typ model.EntityType) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.typeCounts[typ]
}

// Clear drops every entity.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	clear(ix.buckets)
	clear(ix.entities)
	clear(ix.byChunk)
	clear(ix.typeCounts)
}

// Stats returns occupancy statistics.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	st := Stats{
		TotalEntities: len(ix.entities),
		BucketCount:   len(ix.buckets),
		ByType:        make(map[model.EntityType]int, len(model.EntityTypes)),
	}

	total := 0
	for _, b := range ix.buckets {
		total += b.count
		if b.count > st.MaxEntitiesPerBucket {
			st.MaxEntitiesPerBucket = b.count
		}
	}
	if st.BucketCount > 0 {
		st.AvgEntitiesPerBucket = float64(total) / float64(st.BucketCount)
	}
	for _, typ := range model.EntityTypes {
		st.ByType[typ] = ix.typeCounts[typ]
	}
	// rough: entry + map slot per entity, header per bucket
	st.EstimatedMemoryBytes = len(ix.entities)*100 + len(ix.buckets)*50
	return st
}

func (ix *Index) bucketFor(col, row int) bucketKey {
	return bucketKey{
		bx: model.FloorDiv(col, ix.bucketSize),
		by: model.FloorDiv(row, ix.bucketSize),
	}
}

func (ix *Index) collectLocked(dst []model.EntityID, ids map[model.EntityID]struct{}, bounds model.Bounds) []model.EntityID {
	for id := range ids {
		entry := ix.entities[id]
		if entry != nil && bounds.Contains(entry.Col, entry.Row) {
			dst = append(dst, id)
		}
	}
	return dst
}

func (ix *Index) removeLocked(id model.EntityID) bool {
	entry, ok := ix.entities[id]
	if !ok {
		return false
	}

	ix.removeFromBucketLocked(ix.bucketFor(entry.Col, entry.Row), entry.EntityType, id)
	ix.removeFromChunkLocked(entry.ChunkKey, id)

	if n := ix.typeCounts[entry.EntityType]; n > 1 {
		ix.typeCounts[entry.EntityType] = n - 1
	} else {
		delete(ix.typeCounts, entry.EntityType)
	}
	delete(ix.entities, id)
	return true
}

func (ix *Index) addToBucketLocked(key bucketKey, typ model.EntityType, id model.EntityID) {
	b, ok := ix.buckets[key]
	if !ok {
		b = &bucket{byType: make(map[model.EntityType]map[model.EntityID]struct{}, 2)}
		ix.buckets[key] = b
	}
	ids, ok := b.byType[typ]
	if !ok {
		ids = make(map[model.EntityID]struct{}, 8)
		b.byType[typ] = ids
	}
	ids[id] = struct{}{}
	b.count++
}

func (ix *Index) removeFromBucketLocked(key bucketKey, typ model.EntityType, id model.EntityID) {
	b, ok := ix.buckets[key]
	if !ok {
		return
	}
	if ids, ok := b.byType[typ]; ok {
		if _, present := ids[id]; present {
			delete(ids, id)
			b.count--
		}
		if len(ids) == 0 {
			delete(b.byType, typ)
		}
	}
	if b.count <= 0 {
		delete(ix.buckets, key)
	}
}

func (ix *Index) addToChunkLocked(key string, id model.EntityID) {
	ids, ok := ix.byChunk[key]
	if !ok {
		ids = make(map[model.EntityID]struct{}, 8)
		ix.byChunk[key] = ids
	}
	ids[id] = struct{}{}
}

func (ix *Index) removeFromChunkLocked(key string, id model.EntityID) {
	ids, ok := ix.byChunk[key]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(ix.byChunk, key)
	}
}
