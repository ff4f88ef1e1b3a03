package hashgrid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTraits() Traits {
	return Traits{MinX: 0, MinY: 0, CellWidth: 1, CellHeight: 1, Width: 100, Height: 100}
}

func TestGrid_GetCellAllocatesOnce(t *testing.T) {
	var built int
	g := NewGrid[int](testTraits(), func() *int { built++; return new(int) }, nil)

	a := g.GetCell(3, 4)
	b := g.GetCell(3, 4)
	assert.Same(t, a, b)
	assert.Equal(t, 1, built)
}

func TestGrid_FindCellMissingIsNil(t *testing.T) {
	g := NewGrid[int](testTraits(), func() *int { return new(int) }, nil)
	assert.Nil(t, g.FindCell(1, 1))
}

func TestGrid_Erase(t *testing.T) {
	g := NewGrid[int](testTraits(), func() *int { return new(int) }, nil)
	v := g.GetCell(5, 5)
	*v = 9

	var erased *int
	ok := g.Erase(5, 5, func(p *int) { erased = p })
	require.True(t, ok)
	assert.Same(t, v, erased)
	assert.Nil(t, g.FindCell(5, 5))
}

func TestGrid_QuiesceDrainsErasedCellCallback(t *testing.T) {
	g := NewGrid[int](testTraits(), func() *int { return new(int) }, nil)
	g.GetCell(5, 5)

	var erased bool
	g.Erase(5, 5, func(*int) { erased = true })
	g.Quiesce()
	assert.True(t, erased)
}

func TestGrid_ForEachUnpacksIndices(t *testing.T) {
	g := NewGrid[int](testTraits(), func() *int { return new(int) }, nil)
	g.GetCell(1, 2)
	g.GetCell(9, 10)

	seen := map[[2]uint32]bool{}
	g.ForEach(func(i, j uint32, v *int) { seen[[2]uint32{i, j}] = true })
	assert.Len(t, seen, 2)
	assert.True(t, seen[[2]uint32{1, 2}])
	assert.True(t, seen[[2]uint32{9, 10}])
}

type lineTraverser struct {
	i0, j0, i1, j1 uint32
}

func (l lineTraverser) Traverse(_ Traits, visit func(i, j uint32) bool) {
	// minimal axis-aligned stand-in for a real DDA walk, sufficient to
	// exercise Visit's dispatch to an external traverser.
	i, j := l.i0, l.j0
	for {
		if !visit(i, j) {
			return
		}
		if i == l.i1 && j == l.j1 {
			return
		}
		if i < l.i1 {
			i++
		}
		if j < l.j1 {
			j++
		}
	}
}

func TestGrid_VisitSkipsUnallocatedCells(t *testing.T) {
	g := NewGrid[int](testTraits(), func() *int { return new(int) }, nil)
	v := g.GetCell(2, 2)
	*v = 77

	var visited []int
	var kinds []GeometryKind
	g.Visit(Geometry{Kind: Segment, Traverser: lineTraverser{i0: 0, j0: 0, i1: 4, j1: 4}}, func(kind GeometryKind, i, j uint32, cell *int) {
		visited = append(visited, *cell)
		kinds = append(kinds, kind)
	})
	assert.Equal(t, []int{77}, visited)
	assert.Equal(t, []GeometryKind{Segment}, kinds)
}

func TestGrid_ParallelGetCellExactlyOneAllocationPerCoordinate(t *testing.T) {
	var built int
	var mu sync.Mutex
	g := NewGrid[int](testTraits(), func() *int {
		mu.Lock()
		built++
		mu.Unlock()
		return new(int)
	}, nil)

	const goroutines = 64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	results := make([]*int, goroutines)
	for i := 0; i < goroutines; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = g.GetCell(7, 7)
		}()
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, results[0], results[i])
	}
}
