package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otturnaut/agent/pkg/errs"
)

func TestAllocateWithinRange(t *testing.T) {
	a := New(10000, 10010)
	for i := 0; i < 11; i++ {
		port, err := a.Allocate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 10000)
		assert.LessOrEqual(t, port, 10010)
	}
}

func TestAllocateNeverDuplicates(t *testing.T) {
	a := New(20000, 20050)
	seen := make(map[int]struct{})
	for i := 0; i < 51; i++ {
		port, err := a.Allocate()
		require.NoError(t, err)
		_, dup := seen[port]
		require.False(t, dup, "port %d allocated twice", port)
		seen[port] = struct{}{}
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := New(50000, 50010)
	for i := 0; i < 11; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	_, err := a.Allocate()
	assert.ErrorIs(t, err, errs.ErrPortExhausted)
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := New(30000, 30010)
	a.Release(30005) // never allocated
	port, err := a.Allocate()
	require.NoError(t, err)
	a.Release(port)
	a.Release(port) // second release, still fine
	assert.False(t, a.InUse(port))
}

func TestMarkInUseOutOfRange(t *testing.T) {
	a := New(40000, 40010)
	err := a.MarkInUse(1)
	assert.ErrorIs(t, err, errs.ErrOutOfRange)
}

func TestMarkInUseThenAllocateSkipsIt(t *testing.T) {
	a := New(60000, 60002)
	require.NoError(t, a.MarkInUse(60001))
	for i := 0; i < 5; i++ {
		port, err := a.Allocate()
		require.NoError(t, err)
		assert.NotEqual(t, 60001, port)
		a.Release(port)
	}
}

func TestRangeAndListAllocated(t *testing.T) {
	a := New(1000, 2000)
	lo, hi := a.Range()
	assert.Equal(t, 1000, lo)
	assert.Equal(t, 2000, hi)

	p1, err := a.Allocate()
	require.NoError(t, err)
	p2, err := a.Allocate()
	require.NoError(t, err)

	allocated := a.ListAllocated()
	assert.ElementsMatch(t, []int{p1, p2}, allocated)
}
