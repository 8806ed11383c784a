package evict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectVictimsPrefersExpiredFirst(t *testing.T) {
	p := New(DefaultConfig())
	p.OnInsert("fresh", 10)
	p.OnInsertWithTTL("expired", 10, time.Now().Add(-time.Minute))

	victims := p.SelectVictims(1)
	require.NotEmpty(t, victims)
	assert.Equal(t, "expired", victims[0])
}

func TestSelectVictimsOrdersByLowestScore(t *testing.T) {
	p := New(DefaultConfig())
	p.OnInsert("hot", 10)
	for i := 0; i < 10; i++ {
		p.OnAccess("hot", 10)
	}
	p.OnInsert("cold", 10)

	victims := p.SelectVictims(20)
	require.Len(t, victims, 2)
	assert.Equal(t, "cold", victims[0])
}

func TestSelectVictimsStopsOnceEnoughFreed(t *testing.T) {
	p := New(DefaultConfig())
	p.OnInsert("a", 100)
	p.OnInsert("b", 100)
	p.OnInsert("c", 100)

	victims := p.SelectVictims(150)
	assert.Len(t, victims, 2)
}

func TestOnRemoveForgetsKey(t *testing.T) {
	p := New(DefaultConfig())
	p.OnInsert("a", 10)
	p.OnRemove("a")
	assert.Equal(t, 0, p.Len())
}

func TestTieBreakByOldestThenLexicographic(t *testing.T) {
	p := New(DefaultConfig())
	p.OnInsert("b", 10)
	p.OnInsert("a", 10)

	victims := p.SelectVictims(20)
	require.Len(t, victims, 2)
	assert.Equal(t, "b", victims[0])
	assert.Equal(t, "a", victims[1])
}
