package swap

import "sort"
import "sync"
import "testing"

import "github.com/stretchr/testify/require"
import "golang.org/x/sync/errgroup"

import "vmcore/mem"

func TestFirstFit(t *testing.T) {
	sm := Mkswapmap(10 * mem.PGSIZE)
	require.Equal(t, 10, sm.Nblocks())
	require.Equal(t, 10*mem.PGSIZE, sm.Freespace())

	a := sm.Alloc(3)
	b := sm.Alloc(2)
	c := sm.Alloc(4)
	require.Equal(t, []int{0, 3, 5}, []int{a, b, c})
	require.Equal(t, 1*mem.PGSIZE, sm.Freespace())
	for blk := 0; blk < 9; blk++ {
		require.True(t, sm.Isused(blk), "block %d", blk)
	}
	require.False(t, sm.Isused(9))
	require.False(t, sm.Isused(-1))
	require.False(t, sm.Isused(10))

	sm.Free(b, 2)
	require.Equal(t, "swap: 3/10 blocks free [0, 3) [5, 9)", sm.String())

	// a 3 block run does not fit in the 2 block hole or the 1 block tail
	require.Equal(t, INVALID_BLOCK, sm.Alloc(3))
	require.Equal(t, 3, sm.Alloc(1), "first fit takes the hole")
	require.Equal(t, 4, sm.Alloc(1))
	require.Equal(t, 9, sm.Alloc(1))
	require.Equal(t, INVALID_BLOCK, sm.Alloc(1))
	require.Equal(t, 0, sm.Freespace())
	require.Contains(t, sm.Stats(), "#Nfailed: 2")
}

func TestFreeRestoresSpace(t *testing.T) {
	sm := Mkswapmap(64 * mem.PGSIZE)
	sm.Alloc(5)
	before := sm.Freespace()
	blk := sm.Alloc(7)
	require.NotEqual(t, INVALID_BLOCK, blk)
	require.Equal(t, before-7*mem.PGSIZE, sm.Freespace())
	sm.Free(blk, 7)
	require.Equal(t, before, sm.Freespace())
	for i := blk; i < blk+7; i++ {
		require.False(t, sm.Isused(i))
	}
}

func TestBadArgs(t *testing.T) {
	sm := Mkswapmap(4 * mem.PGSIZE)
	require.Panics(t, func() { sm.Alloc(0) })
	require.Panics(t, func() { sm.Free(3, 2) })
	require.Panics(t, func() { Mkswapmap(mem.PGSIZE - 1) })
}

func TestConcurrentAllocNoOverlap(t *testing.T) {
	const nblocks = 512
	sm := Mkswapmap(nblocks * mem.PGSIZE)
	type run struct{ start, n int }
	var mu sync.Mutex
	var runs []run
	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		n := w%3 + 1
		eg.Go(func() error {
			for {
				blk := sm.Alloc(n)
				if blk == INVALID_BLOCK {
					return nil
				}
				mu.Lock()
				runs = append(runs, run{blk, n})
				mu.Unlock()
			}
		})
	}
	require.NoError(t, eg.Wait())

	sort.Slice(runs, func(i, j int) bool { return runs[i].start < runs[j].start })
	total := 0
	for i, r := range runs {
		total += r.n
		if i > 0 {
			prev := runs[i-1]
			require.LessOrEqual(t, prev.start+prev.n, r.start,
				"runs %v and %v overlap", prev, r)
		}
	}
	require.Equal(t, nblocks-sm.Freespace()/mem.PGSIZE, total)
}
