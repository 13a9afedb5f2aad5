package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTableBounded(t *testing.T) {
	const capacity = 64
	table := NewProcessTable(capacity)

	// Far more distinct pids than capacity.
	for pid := uint32(1); pid <= capacity*10; pid++ {
		table.touch(pid)
	}
	assert.LessOrEqual(t, table.Len(), capacity)
}

func TestProcessTableEvictsStalest(t *testing.T) {
	table := NewProcessTable(tableShards) // one entry per shard

	// Two pids in the same shard: the second insert evicts the first.
	first := table.touch(16)
	require.NotNil(t, first)
	table.touch(32)

	assert.Nil(t, table.Get(16))
	assert.NotNil(t, table.Get(32))
}

func TestProcessTableTouchReusesEntry(t *testing.T) {
	table := NewProcessTable(0)
	a := table.touch(7)
	b := table.touch(7)
	assert.Same(t, a, b)
	assert.Equal(t, 1, table.Len())
}

func TestProcessTableConcurrentTouch(t *testing.T) {
	table := NewProcessTable(0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				table.touch(uint32(i % 50)).execCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, table.Len())
	total := uint64(0)
	for pid := uint32(0); pid < 50; pid++ {
		m := table.Get(pid)
		require.NotNil(t, m)
		total += m.ExecCount()
	}
	assert.Equal(t, uint64(8*500), total)
}
