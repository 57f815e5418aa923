package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPutRecycles(t *testing.T) {
	bp := New(0, 1024, 4, false)
	b := bp.Get()
	require.Len(t, b, 1024)
	assert.Equal(t, 1, bp.Alloced())
	assert.Equal(t, 1, bp.InUse())

	bp.Put(b)
	assert.Equal(t, 0, bp.InUse())
	assert.Equal(t, 1, bp.InPool())

	b2 := bp.Get()
	require.Len(t, b2, 1024)
	assert.Equal(t, 1, bp.Alloced(), "a pooled buffer should be reused, not reallocated")
}

func TestPoolBoundsIdleBuffers(t *testing.T) {
	bp := New(0, 64, 2, false)
	a, b, c := bp.Get(), bp.Get(), bp.Get()
	assert.Equal(t, 3, bp.Alloced())
	bp.Put(a)
	bp.Put(b)
	bp.Put(c)
	assert.LessOrEqual(t, bp.InPool(), 2, "idle buffers past maxBuffers are released")
}

func TestFlushEmptiesPool(t *testing.T) {
	bp := New(0, 64, 4, false)
	bp.Put(bp.Get())
	require.Greater(t, bp.InPool(), 0)
	bp.Flush()
	assert.Equal(t, 0, bp.InPool())
}
