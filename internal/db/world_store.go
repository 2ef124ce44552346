package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/chunkflow/internal/model"
)

// WorldStore читает и сохраняет содержимое мира в PostgreSQL.
// Fetch совместим с fetch.FetchFunc и может напрямую служить источником чанков.
type WorldStore struct {
	pool *pgxpool.Pool
}

// NewWorldStore создаёт store поверх pool.
func NewWorldStore(pool *pgxpool.Pool) *WorldStore {
	return &WorldStore{pool: pool}
}

// Fetch возвращает тайлы и сущности внутри bounds (max не включается).
// Таблицы авторитетны, поэтому known позиции структур не используются.
func (s *WorldStore) Fetch(ctx context.Context, bounds model.Bounds, _ map[model.EntityID]model.HexPosition) (*model.FetchResult, error) {
	args := []any{bounds.MinCol, bounds.MaxCol, bounds.MinRow, bounds.MaxRow}
	res := &model.FetchResult{}

	tiles, err := s.fetchTiles(ctx, args)
	if err != nil {
		return nil, err
	}
	res.Tiles = tiles

	if res.Structures, err = s.fetchStructures(ctx, args); err != nil {
		return nil, err
	}
	if res.Armies, err = s.fetchArmies(ctx, args); err != nil {
		return nil, err
	}
	if res.Quests, err = s.fetchQuests(ctx, args); err != nil {
		return nil, err
	}
	if res.Chests, err = s.fetchChests(ctx, args); err != nil {
		return nil, err
	}
	return res, nil
}

const inBounds = `hex_col >= $1 AND hex_col < $2 AND hex_row >= $3 AND hex_row < $4`

func (s *WorldStore) fetchTiles(ctx context.Context, args []any) ([]model.TileData, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hex_col, hex_row, biome, explored FROM world_tiles WHERE `+inBounds+` ORDER BY hex_row, hex_col`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying tiles: %w", err)
	}
	defer rows.Close()

	var out []model.TileData
	for rows.Next() {
		var t model.TileData
		if err := rows.Scan(&t.Col, &t.Row, &t.Biome, &t.Explored); err != nil {
			return nil, fmt.Errorf("scanning tile row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tile rows: %w", err)
	}
	return out, nil
}

func (s *WorldStore) fetchStructures(ctx context.Context, args []any) ([]model.StructureData, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, hex_col, hex_row, structure_type, owner, owner_name, level, stage
		 FROM world_structures WHERE `+inBounds+` ORDER BY entity_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying structures: %w", err)
	}
	defer rows.Close()

	var out []model.StructureData
	for rows.Next() {
		var (
			id, owner int64
			d         model.StructureData
		)
		if err := rows.Scan(&id, &d.Position.Col, &d.Position.Row, &d.StructureType, &owner, &d.OwnerName, &d.Level, &d.Stage); err != nil {
			return nil, fmt.Errorf("scanning structure row: %w", err)
		}
		d.EntityID = model.EntityID(id)
		d.Owner = uint64(owner)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating structure rows: %w", err)
	}
	return out, nil
}

func (s *WorldStore) fetchArmies(ctx context.Context, args []any) ([]model.ArmyData, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, hex_col, hex_row, owner_address, owner_name, troop_type, troop_tier, troop_count
		 FROM world_armies WHERE `+inBounds+` ORDER BY entity_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying armies: %w", err)
	}
	defer rows.Close()

	var out []model.ArmyData
	for rows.Next() {
		var (
			id, owner int64
			d         model.ArmyData
		)
		if err := rows.Scan(&id, &d.Position.Col, &d.Position.Row, &owner, &d.OwnerName, &d.TroopType, &d.TroopTier, &d.TroopCount); err != nil {
			return nil, fmt.Errorf("scanning army row: %w", err)
		}
		d.EntityID = model.EntityID(id)
		d.OwnerAddress = uint64(owner)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating army rows: %w", err)
	}
	return out, nil
}

func (s *WorldStore) fetchQuests(ctx context.Context, args []any) ([]model.QuestData, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, hex_col, hex_row, quest_type FROM world_quests WHERE `+inBounds+` ORDER BY entity_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying quests: %w", err)
	}
	defer rows.Close()

	var out []model.QuestData
	for rows.Next() {
		var (
			id int64
			d  model.QuestData
		)
		if err := rows.Scan(&id, &d.Position.Col, &d.Position.Row, &d.QuestType); err != nil {
			return nil, fmt.Errorf("scanning quest row: %w", err)
		}
		d.EntityID = model.EntityID(id)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating quest rows: %w", err)
	}
	return out, nil
}

func (s *WorldStore) fetchChests(ctx context.Context, args []any) ([]model.ChestData, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, hex_col, hex_row FROM world_chests WHERE `+inBounds+` ORDER BY entity_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying chests: %w", err)
	}
	defer rows.Close()

	var out []model.ChestData
	for rows.Next() {
		var (
			id int64
			d  model.ChestData
		)
		if err := rows.Scan(&id, &d.Position.Col, &d.Position.Row); err != nil {
			return nil, fmt.Errorf("scanning chest row: %w", err)
		}
		d.EntityID = model.EntityID(id)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chest rows: %w", err)
	}
	return out, nil
}

// Seed сохраняет содержимое w одной транзакцией. Существующие записи обновляются.
func (s *WorldStore) Seed(ctx context.Context, w *model.FetchResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin seed transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("rollback failed", "error", err)
		}
	}()

	batch := &pgx.Batch{}
	for _, t := range w.Tiles {
		batch.Queue(
			`INSERT INTO world_tiles (hex_col, hex_row, biome, explored) VALUES ($1,$2,$3,$4)
			 ON CONFLICT (hex_col, hex_row) DO UPDATE SET biome=$3, explored=$4`,
			t.Col, t.Row, t.Biome, t.Explored,
		)
	}
	for _, d := range w.Structures {
		batch.Queue(
			`INSERT INTO world_structures
			 (entity_id, hex_col, hex_row, structure_type, owner, owner_name, level, stage)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			 ON CONFLICT (entity_id) DO UPDATE SET
			  hex_col=$2, hex_row=$3, structure_type=$4, owner=$5, owner_name=$6, level=$7, stage=$8`,
			int64(d.EntityID), d.Position.Col, d.Position.Row, d.StructureType,
			int64(d.Owner), d.OwnerName, d.Level, d.Stage,
		)
	}
	for _, d := range w.Armies {
		batch.Queue(
			`INSERT INTO world_armies
			 (entity_id, hex_col, hex_row, owner_address, owner_name, troop_type, troop_tier, troop_count)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			 ON CONFLICT (entity_id) DO UPDATE SET
			  hex_col=$2, hex_row=$3, owner_address=$4, owner_name=$5,
			  troop_type=$6, troop_tier=$7, troop_count=$8`,
			int64(d.EntityID), d.Position.Col, d.Position.Row, int64(d.OwnerAddress),
			d.OwnerName, d.TroopType, d.TroopTier, d.TroopCount,
		)
	}
	for _, d := range w.Quests {
		batch.Queue(
			`INSERT INTO world_quests (entity_id, hex_col, hex_row, quest_type) VALUES ($1,$2,$3,$4)
			 ON CONFLICT (entity_id) DO UPDATE SET hex_col=$2, hex_row=$3, quest_type=$4`,
			int64(d.EntityID), d.Position.Col, d.Position.Row, d.QuestType,
		)
	}
	for _, d := range w.Chests {
		batch.Queue(
			`INSERT INTO world_chests (entity_id, hex_col, hex_row) VALUES ($1,$2,$3)
			 ON CONFLICT (entity_id) DO UPDATE SET hex_col=$2, hex_row=$3`,
			int64(d.EntityID), d.Position.Col, d.Position.Row,
		)
	}

	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for range batch.Len() {
			if _, err := br.Exec(); err != nil {
				br.Close() //nolint:errcheck
				return fmt.Errorf("seed world batch: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close seed batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seed transaction: %w", err)
	}

	slog.Debug("seeded world",
		"tiles", len(w.Tiles),
		"structures", len(w.Structures),
		"armies", len(w.Armies),
		"quests", len(w.Quests),
		"chests", len(w.Chests))
	return nil
}

// MoveArmy обновляет позицию армии. Возвращает false если армии нет.
func (s *WorldStore) MoveArmy(ctx context.Context, id model.EntityID, pos model.HexPosition) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE world_armies SET hex_col = $2, hex_row = $3 WHERE entity_id = $1`,
		int64(id), pos.Col, pos.Row,
	)
	if err != nil {
		return false, fmt.Errorf("moving army %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}
