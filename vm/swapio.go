package vm

import "vmcore/bdev"
import "vmcore/defs"
import "vmcore/mem"
import "vmcore/swap"

// Swapout writes the page at va to a new swap block and frees its frame.
// Only resident, private, non-copy-on-write pages can be evicted. The page is
// busy while the write is in flight; faults on it wait.
func (as *Vm_t) Swapout(va uintptr) defs.Err_t {
	mm := as.mm
	phys := mm.phys
	as.Lock_pmap()
	vmi, ok := as.Vmregion.Lookup(va)
	if !ok {
		as.Unlock_pmap()
		return -defs.EFAULT
	}
	r := vmi.Reg
	r.Lock()
	idx := vmi.pgidx(va)
	if idx >= len(r.pgs) || !r.evictable(&r.pgs[idx]) {
		r.Unlock()
		as.Unlock_pmap()
		return -defs.EINVAL
	}
	pg := &r.pgs[idx]
	pa := pg.Pa
	blk := mm.Swap.Alloc(1)
	if blk == swap.INVALID_BLOCK {
		r.Unlock()
		as.Unlock_pmap()
		return -defs.ENOMEM
	}
	tok := r.markbusy(pg)
	lowpgs := r.lowpgs
	// the mapping's reference keeps the frame alive during the write
	if as.Unmap(pgva(va), 1, false) == 0 {
		phys.Refup(pa)
	} else {
		as.Tlbshoot(pgva(va), 1)
	}
	r.Unlock()
	as.Unlock_pmap()

	err := mm.blkio(bdev.BDEV_WRITE, blk, mem.Pg2bytes(phys.Dmap(pa)))

	r.Lock()
	ent := r.busyent(idx, lowpgs, tok)
	// a fork may have made the page copy-on-write meanwhile
	commit := err == 0 && ent != nil && ent.Tag == PG_RESIDENT &&
		ent.Pa == pa && !ent.Cow
	if commit {
		ent.Tag = PG_SWAPPED
		ent.Blk = blk
		ent.Pa = 0
		phys.Refdown(pa)
		mm.stats.Nswapout.Inc()
	} else {
		mm.Swap.Free(blk, 1)
	}
	if ent != nil {
		ent.busy = 0
	}
	r.cond.Broadcast()
	r.Unlock()
	phys.Refdown(pa)
	if err != 0 {
		return err
	}
	if !commit {
		return -defs.EAGAIN
	}
	return 0
}

func (r *Region_t) evictable(pg *Pgstate_t) bool {
	return pg.Tag == PG_RESIDENT && pg.Pa != 0 && !pg.Cow && pg.busy == 0 &&
		r.Flags&RF_SHAREABLE == 0 && len(r.spaces) == 1
}

// returns up to max addresses of pages Swapout may evict
func (as *Vm_t) victims(max int) []uintptr {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var ret []uintptr
	as.Vmregion.Iter(func(vmi *Vminfo_t) {
		if len(ret) >= max {
			return
		}
		r := vmi.Reg
		r.Lock()
		for i := range r.pgs {
			if len(ret) >= max || i >= vmi.Pglen {
				break
			}
			if r.evictable(&r.pgs[i]) {
				ret = append(ret, vmi.Start()+uintptr(i)<<PGSHIFT)
			}
		}
		r.Unlock()
	})
	return ret
}

// Reclaim evicts up to n pages from live address spaces and returns how
// many were swapped out.
func (mm *Mm_t) Reclaim(n int) int {
	if n <= 0 {
		return 0
	}
	got := 0
	for _, as := range mm.Spaces() {
		if got >= n {
			break
		}
		for _, va := range as.victims(n - got) {
			if as.Swapout(va) == 0 {
				got++
			}
		}
	}
	mm.stats.Nreclaim.Inc()
	mm.log.Debug("reclaim", "want", n, "evicted", got)
	return got
}
