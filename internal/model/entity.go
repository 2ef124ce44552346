package model

import "fmt"

// EntityID identifies a world entity.
type EntityID uint64

// EntityType is the closed set of world content categories.
// The ordinal doubles as hydration bucket and default render order.
type EntityType uint8

const (
	EntityBiome     EntityType = iota // terrain tiles
	EntityStructure                   // buildings, realms, villages
	EntityArmy                        // mobile units
	EntityQuest                       // quest markers
	EntityChest                       // interactables
)

// EntityTypes lists every entity type in ordinal order.
var EntityTypes = []EntityType{EntityBiome, EntityStructure, EntityArmy, EntityQuest, EntityChest}

func (t EntityType) String() string {
	switch t {
	case EntityBiome:
		return "biome"
	case EntityStructure:
		return "structure"
	case EntityArmy:
		return "army"
	case EntityQuest:
		return "quest"
	case EntityChest:
		return "chest"
	default:
		return fmt.Sprintf("entity(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the defined entity types.
func (t EntityType) Valid() bool {
	return t <= EntityChest
}

// HexPosition is a grid cell.
type HexPosition struct {
	Col int
	Row int
}
