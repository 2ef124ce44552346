package model

import "time"

// TileData is one explored or unexplored terrain tile.
type TileData struct {
	Col      int
	Row      int
	Biome    int
	Explored bool
}

// StructureData is a structure returned by a chunk fetch.
type StructureData struct {
	EntityID      EntityID
	Position      HexPosition
	StructureType int
	Owner         uint64
	OwnerName     string
	Level         int
	Stage         int
}

// ArmyData is an army returned by a chunk fetch.
type ArmyData struct {
	EntityID     EntityID
	Position     HexPosition
	OwnerAddress uint64
	OwnerName    string
	TroopType    int
	TroopTier    int
	TroopCount   int
}

// QuestData is a quest marker returned by a chunk fetch.
type QuestData struct {
	EntityID  EntityID
	Position  HexPosition
	QuestType int
}

// ChestData is a chest returned by a chunk fetch.
type ChestData struct {
	EntityID EntityID
	Position HexPosition
}

// FetchResult is what a fetch function returns for a bounds query.
// Nil slices are treated as empty.
type FetchResult struct {
	Tiles      []TileData
	Structures []StructureData
	Armies     []ArmyData
	Quests     []QuestData
	Chests     []ChestData
}

// ChunkData is the aggregated payload of one chunk fetch.
type ChunkData struct {
	ChunkKey   string
	Bounds     Bounds
	FetchTime  time.Duration
	Tiles      []TileData
	Structures []StructureData
	Armies     []ArmyData
	Quests     []QuestData
	Chests     []ChestData
}

// EntityIDs returns the ids carried by the payload, grouped by entity type.
// Tiles carry no ids and are not included.
func (d *ChunkData) EntityIDs() map[EntityType][]EntityID {
	out := make(map[EntityType][]EntityID, 4)
	for _, s := range d.Structures {
		out[EntityStructure] = append(out[EntityStructure], s.EntityID)
	}
	for _, a := range d.Armies {
		out[EntityArmy] = append(out[EntityArmy], a.EntityID)
	}
	for _, q := range d.Quests {
		out[EntityQuest] = append(out[EntityQuest], q.EntityID)
	}
	for _, c := range d.Chests {
		out[EntityChest] = append(out[EntityChest], c.EntityID)
	}
	return out
}

// EntityCount returns the number of id-carrying entities in the payload.
func (d *ChunkData) EntityCount() int {
	return len(d.Structures) + len(d.Armies) + len(d.Quests) + len(d.Chests)
}
