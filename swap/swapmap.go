package swap

import "fmt"
import "strings"
import "sync"

import "github.com/Workiva/go-datastructures/bitarray"

import "vmcore/mem"
import "vmcore/stats"

const INVALID_BLOCK = -1

type swapstats_t struct {
	Nalloc  stats.Counter_t
	Nfree   stats.Counter_t
	Nfailed stats.Counter_t
}

// Swapmap_t allocates fixed-size blocks of the swap device. A set bit means
// the block is in use. All operations take the single map lock.
type Swapmap_t struct {
	sync.Mutex
	used    bitarray.BitArray
	nblocks int
	nfree   int
	stats   swapstats_t
}

// Mkswapmap builds a map for a device of swapsize bytes.
func Mkswapmap(swapsize int) *Swapmap_t {
	nblocks := swapsize / mem.PGSIZE
	if nblocks <= 0 {
		panic("swap device too small")
	}
	sm := &Swapmap_t{}
	sm.used = bitarray.NewBitArray(uint64(nblocks))
	sm.nblocks = nblocks
	sm.nfree = nblocks
	return sm
}

func (sm *Swapmap_t) isused(blk int) bool {
	v, err := sm.used.GetBit(uint64(blk))
	if err != nil {
		panic(err)
	}
	return v
}

func (sm *Swapmap_t) mark(blk, count int, used bool) {
	for i := blk; i < blk+count; i++ {
		var err error
		if used {
			err = sm.used.SetBit(uint64(i))
		} else {
			err = sm.used.ClearBit(uint64(i))
		}
		if err != nil {
			panic(err)
		}
	}
}

// Alloc returns the first block of the lowest run of count free blocks, or
// INVALID_BLOCK if no such run exists. Free space is never compacted.
func (sm *Swapmap_t) Alloc(count int) int {
	if count <= 0 {
		panic("bad block count")
	}
	sm.Lock()
	defer sm.Unlock()

	if count <= sm.nfree {
		run := 0
		for blk := 0; blk < sm.nblocks; blk++ {
			if sm.isused(blk) {
				run = 0
				continue
			}
			run++
			if run == count {
				start := blk - count + 1
				sm.mark(start, count, true)
				sm.nfree -= count
				sm.stats.Nalloc.Inc()
				return start
			}
		}
	}
	sm.stats.Nfailed.Inc()
	return INVALID_BLOCK
}

// Free releases count blocks starting at blk. The caller is trusted to free
// exactly what it allocated.
func (sm *Swapmap_t) Free(blk, count int) {
	if blk < 0 || count <= 0 || blk+count > sm.nblocks {
		panic(fmt.Sprintf("bad swap range %d+%d", blk, count))
	}
	sm.Lock()
	defer sm.Unlock()
	for i := blk; i < blk+count; i++ {
		if sm.isused(i) {
			sm.nfree++
		}
	}
	sm.mark(blk, count, false)
	sm.stats.Nfree.Inc()
}

func (sm *Swapmap_t) Isused(blk int) bool {
	if blk < 0 || blk >= sm.nblocks {
		return false
	}
	sm.Lock()
	defer sm.Unlock()
	return sm.isused(blk)
}

// free space in bytes
func (sm *Swapmap_t) Freespace() int {
	sm.Lock()
	defer sm.Unlock()
	return sm.nfree * mem.PGSIZE
}

func (sm *Swapmap_t) Nblocks() int {
	return sm.nblocks
}

// String lists the used runs as [start, end) block ranges.
func (sm *Swapmap_t) String() string {
	sm.Lock()
	defer sm.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "swap: %d/%d blocks free", sm.nfree, sm.nblocks)
	start := -1
	for blk := 0; blk <= sm.nblocks; blk++ {
		used := blk < sm.nblocks && sm.isused(blk)
		if used && start < 0 {
			start = blk
		} else if !used && start >= 0 {
			fmt.Fprintf(&b, " [%d, %d)", start, blk)
			start = -1
		}
	}
	return b.String()
}

func (sm *Swapmap_t) Stats() string {
	return "swapmap " + stats.Stats2String(&sm.stats)
}
