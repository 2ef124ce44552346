package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidChunkKey is returned when a chunk key is not in "row,col" form.
var ErrInvalidChunkKey = errors.New("invalid chunk key")

// Phase is a chunk lifecycle phase.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseHydrating
	PhaseRendering
	PhaseActive
	PhaseUnloading
	PhaseError
)

// Phases lists every phase in declaration order.
var Phases = []Phase{
	PhaseIdle,
	PhaseFetching,
	PhaseHydrating,
	PhaseRendering,
	PhaseActive,
	PhaseUnloading,
	PhaseError,
}

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseHydrating:
		return "hydrating"
	case PhaseRendering:
		return "rendering"
	case PhaseActive:
		return "active"
	case PhaseUnloading:
		return "unloading"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// IsLoading reports whether the phase belongs to the load pipeline
// (FETCHING, HYDRATING or RENDERING).
func (p Phase) IsLoading() bool {
	return p == PhaseFetching || p == PhaseHydrating || p == PhaseRendering
}

// Priority is a scheduling weight. Lower value is served first.
type Priority uint8

const (
	PriorityCritical Priority = iota // current camera chunk
	PriorityHigh                     // adjacent chunks
	PriorityNormal                   // nearby chunks
	PriorityLow                      // prefetch candidates
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Bounds is an axis-aligned rectangle in grid coordinates.
// Min is inclusive, max is exclusive.
type Bounds struct {
	MinCol int
	MaxCol int
	MinRow int
	MaxRow int
}

// Valid reports whether max is strictly greater than min on both axes.
func (b Bounds) Valid() bool {
	return b.MaxCol > b.MinCol && b.MaxRow > b.MinRow
}

// Contains reports whether (col, row) lies inside the half-open rectangle.
func (b Bounds) Contains(col, row int) bool {
	return col >= b.MinCol && col < b.MaxCol && row >= b.MinRow && row < b.MaxRow
}

// CacheKey returns a stable string form of the bounds.
func (b Bounds) CacheKey() string {
	return fmt.Sprintf("%d:%d:%d:%d", b.MinCol, b.MaxCol, b.MinRow, b.MaxRow)
}

// ChunkKey builds the "row,col" key of a chunk anchor.
func ChunkKey(startRow, startCol int) string {
	return strconv.Itoa(startRow) + "," + strconv.Itoa(startCol)
}

// ParseChunkKey splits a "row,col" key into its anchor coordinates.
func ParseChunkKey(key string) (startRow, startCol int, err error) {
	rowStr, colStr, ok := strings.Cut(key, ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidChunkKey, key)
	}
	startRow, err = strconv.Atoi(strings.TrimSpace(rowStr))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: row: %v", ErrInvalidChunkKey, key, err)
	}
	startCol, err = strconv.Atoi(strings.TrimSpace(colStr))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: col: %v", ErrInvalidChunkKey, key, err)
	}
	return startRow, startCol, nil
}

// ChunkBounds returns the bounds of a chunk anchored at (startRow, startCol).
func ChunkBounds(startRow, startCol, width, height int) Bounds {
	return Bounds{
		MinCol: startCol,
		MaxCol: startCol + width,
		MinRow: startRow,
		MaxRow: startRow + height,
	}
}

// BoundsForKey parses key and returns the chunk bounds for the given render size.
func BoundsForKey(key string, width, height int) (Bounds, error) {
	row, col, err := ParseChunkKey(key)
	if err != nil {
		return Bounds{}, err
	}
	return ChunkBounds(row, col, width, height), nil
}

// FloorDiv divides rounding toward negative infinity.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ChunkAnchor snaps a grid cell to the anchor of its enclosing chunk.
func ChunkAnchor(col, row, width, height int) (startRow, startCol int) {
	return FloorDiv(row, height) * height, FloorDiv(col, width) * width
}

// Vec3 is a world-space position.
type Vec3 struct {
	X, Y, Z float64
}
