package vm

import "vmcore/bdev"
import "vmcore/cow"
import "vmcore/defs"
import "vmcore/mem"
import "vmcore/util"

// Pgfault resolves a fault at va in this space. It returns 0 once the page
// is mapped, or the reason the faulting thread cannot proceed. The fault
// path is not a cancellation point.
func (as *Vm_t) Pgfault(va uintptr, kind Fault_t) defs.Err_t {
	as.mm.stats.Nfault.Inc()
	for {
		err, done := as._pgfault(va, kind)
		if done {
			return err
		}
		as.mm.stats.Nrestart.Inc()
	}
}

// returns false if the fault must be looked at again because the page
// changed while no locks were held.
func (as *Vm_t) _pgfault(va uintptr, kind Fault_t) (defs.Err_t, bool) {
	as.Lock_pmap()
	vmi, ok := as.Vmregion.Lookup(va)
	if !ok {
		as.Unlock_pmap()
		return -defs.EFAULT, true
	}
	r := vmi.Reg
	r.Lock()
	unlock := func() {
		r.Unlock()
		as.Unlock_pmap()
	}
	idx := vmi.pgidx(va)
	if idx >= len(r.pgs) {
		// the region shrank in another space
		unlock()
		return -defs.EFAULT, true
	}
	pg := &r.pgs[idx]
	if pg.busy != 0 {
		// another thread is doing I/O for the page
		as.Unlock_pmap()
		as.mm.stats.Nbusywait.Inc()
		r.cond.Wait()
		r.Unlock()
		return 0, false
	}
	pva := pgva(va)
	pte := as.pte(pva)
	isp := pte != nil && *pte&PTE_P != 0
	if kind == FLT_WRITEPROT {
		if r.Flags&RF_WRITABLE == 0 {
			unlock()
			return -defs.EFAULT, true
		}
		switch {
		case isp && *pte&PTE_W != 0:
			// two threads simultaneously faulted on same page
			unlock()
			return 0, true
		case isp && *pte&PTE_COW != 0 && pg.Tag == PG_RESIDENT && pg.Cow:
			err := as.cowfault(r, pg, pva)
			unlock()
			return err, true
		case isp:
			unlock()
			return -defs.EFAULT, true
		}
		// the page was evicted after the fault was raised
	} else if isp {
		unlock()
		return 0, true
	}

	switch pg.Tag {
	case PG_RESIDENT:
		var err defs.Err_t
		if pg.Pa == 0 {
			err = -defs.EFAULT
		} else {
			// the content is already there; only the mapping is gone
			_, err = as.Map(pva, pg.Pa, r.pteperms(pg), true)
		}
		unlock()
		return err, true
	case PG_DEMANDZERO:
		err := as.zerofill(r, pg, pva)
		unlock()
		return err, true
	case PG_DEMANDLOAD, PG_SWAPPED:
		return as.pagein(r, idx, pva)
	}
	panic("bad page state")
}

// resolves a write to a copy-on-write page. the caller holds the space and
// region locks.
func (as *Vm_t) cowfault(r *Region_t, pg *Pgstate_t, va uintptr) defs.Err_t {
	mm := as.mm
	phys := mm.phys
	pa := pg.Pa
	mm.stats.Ncowfault.Inc()

	// claims can only be added by cloning a region that holds one, which
	// needs that region's lock. with one claim left it is ours and no copy
	// can be needed.
	var npa mem.Pa_t
	if mm.Cow.Claims(pa) > 1 {
		w := mm.Tmpmap(pa)
		defer w.Release()
		npg, p_pg, ok := phys.Refpg_new_nozero()
		if !ok {
			return -defs.ENOMEM
		}
		phys.Refup(p_pg)
		*mem.Pg2bytes(npg) = *w.Bytes()
		npa = p_pg
	}

	res, ok := mm.Cow.Pgfault(as.Id, pa)
	if !ok {
		if npa != 0 {
			phys.Refdown(npa)
		}
		mm.log.Warn("cow page without claim", "space", as.Id, "va", va,
			"frame", pa)
		return -defs.EFAULT
	}
	pg.Cow = false
	var err defs.Err_t
	switch res {
	case cow.COW_KEEP:
		// the other claimants resolved their faults meanwhile
		if npa != 0 {
			phys.Refdown(npa)
		}
		_, err = as.Map(va, pa, PTE_U|PTE_W, true)
	case cow.COW_COPY:
		// XXXPANIC
		if npa == 0 {
			panic("cow copy without a frame")
		}
		pg.Pa = npa
		_, err = as.Map(va, npa, PTE_U|PTE_W, true)
		phys.Refdown(pa)
	}
	// XXXPANIC
	if err != 0 {
		// the faulting pte exists, so no table is allocated
		panic("cow remap failed")
	}
	as.Tlbshoot(va, 1)
	return 0
}

func (as *Vm_t) zerofill(r *Region_t, pg *Pgstate_t, va uintptr) defs.Err_t {
	phys := as.mm.phys
	_, pa, ok := phys.Refpg_new()
	if !ok {
		return -defs.ENOMEM
	}
	phys.Refup(pa)
	if _, err := as.Map(va, pa, r.pteperms(pg), false); err != 0 {
		phys.Refdown(pa)
		return err
	}
	pg.Tag = PG_RESIDENT
	pg.Pa = pa
	as.mm.stats.Ndemandzero.Inc()
	return 0
}

// reads a demand-loaded or swapped page. the page is marked busy and both
// locks are dropped for the read; afterwards the page is re-validated and
// the result committed only if it is still the one we read. returns with
// both locks released.
func (as *Vm_t) pagein(r *Region_t, idx int, va uintptr) (defs.Err_t, bool) {
	mm := as.mm
	phys := mm.phys
	pg := &r.pgs[idx]
	tag, blk := pg.Tag, pg.Blk
	bin := r.Bin
	var boff, loadn int
	if tag == PG_DEMANDLOAD {
		// pages added at the low end shift the page index but not the
		// backing offset
		bpg := idx - r.lowpgs
		boff = r.Foff + bpg<<PGSHIFT
		loadn = util.Min(mem.PGSIZE, r.Filesz-bpg<<PGSHIFT)
		if loadn < 0 {
			loadn = 0
		}
	}
	tok := r.markbusy(pg)
	lowpgs := r.lowpgs
	r.Unlock()
	as.Unlock_pmap()

	var err defs.Err_t
	pgp, pa, ok := phys.Refpg_new()
	if !ok {
		err = -defs.ENOMEM
	} else {
		phys.Refup(pa)
		dst := mem.Pg2bytes(pgp)
		if tag == PG_DEMANDLOAD {
			err = mm.readbacking(bin, boff, dst[:loadn])
		} else {
			err = mm.blkio(bdev.BDEV_READ, blk, dst)
		}
	}

	as.Lock_pmap()
	r.Lock()
	defer func() {
		r.cond.Broadcast()
		r.Unlock()
		as.Unlock_pmap()
	}()
	ent := r.busyent(idx, lowpgs, tok)
	if ent != nil {
		ent.busy = 0
	}
	if err != 0 {
		if pa != 0 {
			phys.Refdown(pa)
		}
		return err, true
	}
	if ent == nil {
		// the page went away while we read it
		phys.Refdown(pa)
		return 0, false
	}
	ent.Tag = PG_RESIDENT
	ent.Pa = pa
	ent.Blk = 0
	if tag == PG_SWAPPED {
		mm.Swap.Free(blk, 1)
		mm.stats.Nswapin.Inc()
	} else {
		mm.stats.Ndemandload.Inc()
	}
	if cur, ok := as.Vmregion.Lookup(va); !ok || cur.Reg != r {
		return 0, false
	}
	_, err = as.Map(va, pa, r.pteperms(ent), false)
	return err, true
}
