package evict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, kind := range []Kind{Reject, LRU, Random} {
		p, err := New(kind, 1)
		require.NoError(t, err)
		assert.Equal(t, kind, p.Kind())
	}

	p, err := New("", 1)
	require.NoError(t, err)
	assert.Equal(t, Reject, p.Kind())

	_, err = New("fifo", 1)
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestReject_NeverEvicts(t *testing.T) {
	p, _ := New(Reject, 0)
	p.Admit(1)
	assert.Empty(t, p.Victims(1, nil))
}

func TestLRU_Order(t *testing.T) {
	p := NewLRU()
	for slot := range uint32(4) {
		p.Admit(slot)
	}
	p.Touch(0)

	assert.Equal(t, []uint32{1, 2}, p.Victims(2, nil))

	pinned := func(slot uint32) bool { return slot == 1 }
	assert.Equal(t, []uint32{2, 3}, p.Victims(2, pinned))

	p.Remove(2)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []uint32{1, 3, 0}, p.Victims(5, nil))
}

func TestRandom_VictimsDistinctAndUnpinned(t *testing.T) {
	p := NewRandom(7)
	for slot := range uint32(100) {
		p.Admit(slot)
	}

	pinned := func(slot uint32) bool { return slot%2 == 0 }
	victims := p.Victims(50, pinned)
	require.Len(t, victims, 50)

	seen := make(map[uint32]bool)
	for _, v := range victims {
		assert.False(t, pinned(v))
		assert.False(t, seen[v])
		seen[v] = true
	}

	assert.Len(t, p.Victims(51, pinned), 50)

	p.Remove(1)
	assert.Len(t, p.Victims(50, pinned), 49)
}

func TestRandom_Empty(t *testing.T) {
	assert.Empty(t, NewRandom(1).Victims(3, nil))
}
