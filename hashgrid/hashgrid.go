// Package hashgrid provides a 2-D spatial hash grid of pointer-sized
// cells addressed by (i, j) integer indices, backed by cmap.
//
// Grounded on stk/container/concurrent_hash_grid.hpp: cell coordinates
// pack into a single uint64 key the way compressed_integer_pair does,
// cells are allocated lazily on first access, and traversal of the cells
// a given piece of geometry touches is delegated to an external
// VoxelTraverser so this package stays agnostic to any particular
// geometry kernel.
package hashgrid

import (
	"math"

	"github.com/joeycumines/stk/cmap"
	"github.com/joeycumines/stk/reclaim"
)

// Traits maps world-space coordinates to grid cell indices, mirroring
// geometrix::grid_traits. It does not map cell indices back to positions.
type Traits struct {
	MinX, MinY    float64
	CellWidth     float64
	CellHeight    float64
	Width, Height uint32
}

// IndexX returns the column index containing x.
func (t Traits) IndexX(x float64) uint32 {
	return uint32(math.Floor((x - t.MinX) / t.CellWidth))
}

// IndexY returns the row index containing y.
func (t Traits) IndexY(y float64) uint32 {
	return uint32(math.Floor((y - t.MinY) / t.CellHeight))
}

// Contains reports whether (x, y) falls within the grid's bounds.
func (t Traits) Contains(x, y float64) bool {
	i, j := t.IndexX(x), t.IndexY(y)
	return i < t.Width && j < t.Height
}

func pack(i, j uint32) uint64 {
	return uint64(i)<<32 | uint64(j)
}

// Unpack recovers the (i, j) indices from a packed cell key, as returned
// by ForEach.
func Unpack(key uint64) (i, j uint32) {
	return uint32(key >> 32), uint32(key)
}

// Grid is a concurrent 2-D hash grid whose cells hold *V, allocated
// on demand by New and reclaimed through the configured QSBR once no
// reader can still observe the previous occupant.
type Grid[V any] struct {
	Traits Traits
	New    func() *V

	cells *cmap.Map[*V]
}

// NewGrid constructs a Grid. newFn allocates a fresh cell value and must
// not be nil. If qsbr is nil, one is created automatically.
func NewGrid[V any](traits Traits, newFn func() *V, qsbr *reclaim.QSBR) *Grid[V] {
	if newFn == nil {
		panic("hashgrid: NewGrid: newFn must not be nil")
	}
	return &Grid[V]{
		Traits: traits,
		New:    newFn,
		cells:  cmap.New[*V](qsbr),
	}
}

// FindCell returns the cell at (i, j), or nil if nothing has been
// allocated there yet.
func (g *Grid[V]) FindCell(i, j uint32) *V {
	v, ok := g.cells.Find(pack(i, j))
	if !ok {
		return nil
	}
	return v
}

// GetCell returns the cell at (i, j), allocating it via New on first
// access. Concurrent first-accesses to the same cell are resolved so
// exactly one allocation survives.
func (g *Grid[V]) GetCell(i, j uint32) *V {
	key := pack(i, j)
	if v, ok := g.cells.Find(key); ok {
		return v
	}
	v, _ := g.cells.InsertOrFind(key, g.New())
	return v
}

// Erase removes the cell at (i, j), if present, handing its value to
// onErase (if non-nil) once it is safe to reuse.
func (g *Grid[V]) Erase(i, j uint32, onErase func(*V)) bool {
	return g.cells.Erase(pack(i, j), onErase)
}

// ForEach visits every allocated cell with its unpacked indices.
func (g *Grid[V]) ForEach(fn func(i, j uint32, v *V)) {
	g.cells.ForEach(func(key uint64, v *V) {
		i, j := Unpack(key)
		fn(i, j, v)
	})
}

// Quiesce drains the underlying cell map's reclaimer, processing every
// pending erased-cell callback whose reclamation window has closed.
func (g *Grid[V]) Quiesce() { g.cells.Quiesce() }

// VoxelTraverser enumerates the grid cells a piece of geometry overlaps,
// in traversal order, stopping early if visit returns false. Grid itself
// has no notion of geometry; callers supply a traverser appropriate to
// their kernel (e.g. a DDA line walk, or an AABB sweep) and Visit drives
// it against this grid's cells.
type VoxelTraverser interface {
	Traverse(t Traits, visit func(i, j uint32) (keepGoing bool))
}

// GeometryKind tags the shape kind a Geometry's traverser was built for,
// mirroring the handful of shapes stk's multi_index/geometry kernels
// traverse a grid for.
type GeometryKind int

const (
	Point GeometryKind = iota
	Segment
	Polyline
	Polygon
	PolygonWithHoles
)

// Geometry pairs a VoxelTraverser with the GeometryKind it was built for.
// Grid has no notion of any particular geometry kernel: Traverser is
// still the external collaborator (a DDA line walk for a Segment, a
// scanline fill for a Polygon, and so on, the way
// fast_voxel_grid_traversal.hpp / orientation_grid_traversal.hpp stay
// outside stk's in-scope core); Kind exists only so Visit's callback can
// report which branch produced a given cell.
type Geometry struct {
	Kind      GeometryKind
	Traverser VoxelTraverser
}

// VoxelVisitor receives each occupied cell a Geometry's traverser reports
// as overlapping, tagged with the GeometryKind that produced it.
type VoxelVisitor[V any] func(kind GeometryKind, i, j uint32, v *V)

// Visit walks every cell geometry.Traverser reports as overlapping the
// shape it was built for, invoking visitor on each occupied cell (cells
// that have never been allocated are skipped, not materialized).
func (g *Grid[V]) Visit(geometry Geometry, visitor VoxelVisitor[V]) {
	geometry.Traverser.Traverse(g.Traits, func(i, j uint32) bool {
		if v := g.FindCell(i, j); v != nil {
			visitor(geometry.Kind, i, j, v)
		}
		return true
	})
}
