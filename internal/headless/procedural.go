package headless

import (
	"context"

	"github.com/udisondev/chunkflow/internal/model"
)

// Procedural generates a deterministic world from a seed. Every cell gets a
// tile; a small share of cells also hold an entity. The same seed and cell
// always produce the same content and entity ids.
type Procedural struct {
	seed uint64
}

// NewProcedural creates a generator for seed.
func NewProcedural(seed uint64) *Procedural {
	return &Procedural{seed: seed}
}

// cellID packs the type into the top byte and 24 bits of col and row below.
func cellID(typ model.EntityType, col, row int) model.EntityID {
	c := uint64(uint32(int32(col))) & 0xffffff
	r := uint64(uint32(int32(row))) & 0xffffff
	return model.EntityID(uint64(typ)<<56 | c<<24 | r)
}

func (p *Procedural) cell(col, row int) uint64 {
	x := p.seed ^ uint64(uint32(int32(col)))<<32 ^ uint64(uint32(int32(row)))
	// splitmix64
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Fetch has the fetch.FetchFunc signature.
func (p *Procedural) Fetch(ctx context.Context, bounds model.Bounds, _ map[model.EntityID]model.HexPosition) (*model.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Generate(bounds), nil
}

// Generate returns the content of bounds.
func (p *Procedural) Generate(bounds model.Bounds) *model.FetchResult {
	res := &model.FetchResult{}
	for row := bounds.MinRow; row < bounds.MaxRow; row++ {
		for col := bounds.MinCol; col < bounds.MaxCol; col++ {
			h := p.cell(col, row)
			pos := model.HexPosition{Col: col, Row: row}

			res.Tiles = append(res.Tiles, model.TileData{
				Col:      col,
				Row:      row,
				Biome:    int(h % 16),
				Explored: h>>8%4 != 0,
			})

			switch roll := h >> 16 % 1000; {
			case roll < 4:
				res.Structures = append(res.Structures, model.StructureData{
					EntityID:      cellID(model.EntityStructure, col, row),
					Position:      pos,
					StructureType: int(h >> 32 % 6),
					Owner:         h >> 40,
					Level:         int(h >> 24 % 4),
				})
			case roll < 10:
				res.Armies = append(res.Armies, model.ArmyData{
					EntityID:     cellID(model.EntityArmy, col, row),
					Position:     pos,
					OwnerAddress: h >> 40,
					TroopType:    int(h >> 32 % 3),
					TroopTier:    int(h >> 24 % 3),
					TroopCount:   int(h>>44%5000) + 1,
				})
			case roll < 12:
				res.Quests = append(res.Quests, model.QuestData{
					EntityID:  cellID(model.EntityQuest, col, row),
					Position:  pos,
					QuestType: int(h >> 32 % 8),
				})
			case roll < 14:
				res.Chests = append(res.Chests, model.ChestData{
					EntityID: cellID(model.EntityChest, col, row),
					Position: pos,
				})
			}
		}
	}
	return res
}
