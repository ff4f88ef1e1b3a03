package cmap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointerMap_InsertFindErase(t *testing.T) {
	m := NewPointerMap[string](nil)

	a, b := new(int), new(int)
	keyA := unsafe.Pointer(a)
	keyB := unsafe.Pointer(b)

	v, inserted := m.InsertOrFind(keyA, "a")
	assert.True(t, inserted)
	assert.Equal(t, "a", v)

	m.Assign(keyB, "b")
	got, ok := m.Find(keyB)
	require.True(t, ok)
	assert.Equal(t, "b", got)

	assert.Equal(t, 2, m.Len())

	var erased string
	ok = m.Erase(keyA, func(v string) { erased = v })
	require.True(t, ok)
	m.Quiesce()
	assert.Equal(t, "a", erased)

	_, ok = m.Find(keyA)
	assert.False(t, ok)

	m.Clear()
	assert.Equal(t, 0, m.Len())
}
