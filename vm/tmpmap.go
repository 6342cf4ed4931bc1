package vm

import "fmt"

import "vmcore/mem"

// Tmpwin_t is a short-lived kernel mapping of one frame, used to copy a page
// the kernel has no other handle on. The number of windows is fixed; Tmpmap
// blocks until one is free.
type Tmpwin_t struct {
	mm   *Mm_t
	slot int
	va   uintptr
	done bool
}

func (mm *Mm_t) Tmpmap(pa mem.Pa_t) *Tmpwin_t {
	slot := <-mm.wins
	va := TMPWINBASE + uintptr(slot)<<PGSHIFT
	mm.klock.Lock()
	_, err := pmap_map(mm.phys, mm.kpmap, va, pa&PGMASK, PTE_W, PTE_W, true)
	mm.klock.Unlock()
	// XXXPANIC
	if err != 0 {
		// the window tables are built at boot
		panic("tmpmap allocated")
	}
	mm.stats.Ntmpmap.Inc()
	return &Tmpwin_t{mm: mm, slot: slot, va: va}
}

// Bytes returns the content of the mapped frame.
func (w *Tmpwin_t) Bytes() *mem.Bytepg_t {
	if w.done {
		panic("use of released window")
	}
	mm := w.mm
	mm.klock.Lock()
	pte := pmap_lookup(mm.phys, mm.kpmap, w.va)
	mm.klock.Unlock()
	if pte == nil || *pte&PTE_P == 0 {
		panic(fmt.Sprintf("window %d not mapped", w.slot))
	}
	return mem.Pg2bytes(mm.phys.Dmap(*pte & PTE_ADDR))
}

// Release unmaps the window and frees its slot. Releasing twice is a no-op.
func (w *Tmpwin_t) Release() {
	if w.done {
		return
	}
	w.done = true
	mm := w.mm
	mm.klock.Lock()
	pmap_unmap(mm.phys, mm.kpmap, w.va, 1, true)
	mm.klock.Unlock()
	mm.wins <- w.slot
}

// number of unused windows
func (mm *Mm_t) Freewins() int {
	return len(mm.wins)
}
