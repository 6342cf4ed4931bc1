package vm

import "sync"

import "vmcore/defs"
import "vmcore/mem"
import "vmcore/util"

type Vm_t struct {
	// lock for Vmregion, Pmap and P_pmap
	sync.Mutex

	Id       defs.Asid_t
	Vmregion Vmregion_t

	// pmap pages
	Pmap   *mem.Pmap_t
	P_pmap mem.Pa_t

	mm        *Mm_t
	pgfltaken bool
}

func (as *Vm_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("pgfl lock must be held")
	}
}

// Addregion attaches r to this space at the page-aligned address va.
func (as *Vm_t) Addregion(va uintptr, r *Region_t) defs.Err_t {
	if va&uintptr(PGOFFSET) != 0 || va < USERMIN {
		return -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pglen := r.Pages()
	pgn := va >> PGSHIFT
	if va+uintptr(pglen)<<PGSHIFT > USEREND {
		return -defs.EINVAL
	}
	if as.Vmregion.overlaps(pgn, pglen) {
		return -defs.EEXIST
	}
	if as.Vmregion.Novma >= as.mm.maxvma {
		return -defs.ENOMEM
	}
	if err := r.Attach(as); err != 0 {
		return err
	}
	as.Vmregion.insert(&Vminfo_t{Pgn: pgn, Pglen: pglen, Reg: r})
	return 0
}

// Rmregion unmaps the region starting at va and detaches it.
func (as *Vm_t) Rmregion(va uintptr) defs.Err_t {
	as.Lock_pmap()
	vmi, ok := as.Vmregion.Lookup(va)
	if !ok || vmi.Start() != va {
		as.Unlock_pmap()
		return -defs.EINVAL
	}
	r := vmi.Reg
	if n := as.Unmap(vmi.Start(), vmi.Pglen, true); n != 0 {
		as.Tlbshoot(vmi.Start(), vmi.Pglen)
	}
	as.Vmregion.remove(vmi)
	as.Unlock_pmap()
	r.Detach(as)
	return 0
}

// Growregion grows or shrinks the region containing va by delta pages. Stack
// regions move their start. Growth into another region, past the user half
// or of a region attached to other spaces is denied, as is shrinking a
// region to nothing.
func (as *Vm_t) Growregion(va uintptr, delta int) bool {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	vmi, ok := as.Vmregion.Lookup(va)
	if !ok {
		return false
	}
	r := vmi.Reg
	r.Lock()
	defer r.Unlock()
	if len(r.spaces) > 1 {
		return false
	}
	pgn, pglen := vmi.Pgn, vmi.Pglen
	stack := r.Flags&RF_STACK != 0
	if delta > 0 {
		var lo uintptr
		if stack {
			if pgn < USERMIN>>PGSHIFT+uintptr(delta) {
				return false
			}
			lo = pgn - uintptr(delta)
		} else {
			lo = pgn + uintptr(pglen)
			if (lo+uintptr(delta))<<PGSHIFT > USEREND {
				return false
			}
		}
		if as.Vmregion.overlaps(lo, delta) {
			return false
		}
	} else if -delta >= pglen {
		return false
	}
	if !r._grow(delta) {
		return false
	}
	if delta < 0 {
		k := -delta
		lo := pgn + uintptr(pglen-k)
		if stack {
			lo = pgn
		}
		if n := as.Unmap(lo<<PGSHIFT, k, true); n != 0 {
			as.Tlbshoot(lo<<PGSHIFT, k)
		}
	}
	if stack {
		pgn = uintptr(int(pgn) - delta)
	}
	as.Vmregion.resize(vmi, pgn, pglen+delta)
	return true
}

// Unusedva returns the lowest free range of len bytes at or above startva,
// or 0 if there is none.
func (as *Vm_t) Unusedva(startva, len int) int {
	if len <= 0 || len > 1<<47 {
		panic("weird len")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	startva = util.Rounddown(startva, mem.PGSIZE)
	if startva < int(USERMIN) {
		startva = int(USERMIN)
	}
	return int(as.Vmregion.empty(uintptr(startva), uintptr(len)))
}

// Populate gives every resident page of the region at va a frame and maps
// it.
func (as *Vm_t) Populate(va uintptr) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	vmi, ok := as.Vmregion.Lookup(va)
	if !ok || vmi.Start() != va {
		return -defs.EINVAL
	}
	r := vmi.Reg
	r.Lock()
	defer r.Unlock()
	phys := as.mm.phys
	for i := range r.pgs {
		pg := &r.pgs[i]
		if pg.Tag != PG_RESIDENT || pg.busy != 0 {
			continue
		}
		if pg.Pa == 0 {
			_, pa, ok := phys.Refpg_new()
			if !ok {
				return -defs.ENOMEM
			}
			phys.Refup(pa)
			pg.Pa = pa
		}
		cva := va + uintptr(i)<<PGSHIFT
		if _, err := as.Map(cva, pg.Pa, r.pteperms(pg), false); err != 0 {
			return err
		}
	}
	return 0
}

// Uvmfree tears the space down: every region is unmapped and detached and
// the user page tables are freed.
func (as *Vm_t) Uvmfree() {
	as.Lock_pmap()
	var regs []*Region_t
	as.Vmregion.Iter(func(vmi *Vminfo_t) {
		as.Unmap(vmi.Start(), vmi.Pglen, true)
		regs = append(regs, vmi.Reg)
	})
	as.Vmregion.Clear()
	as.pmfree()
	as.Unlock_pmap()
	for _, r := range regs {
		r.Detach(as)
	}
	as.mm.unregister(as)
}

// Userdmap8 calls f with the kernel view of the user page containing va,
// from va to the end of the page, faulting the page in first if needed.
// The space is locked while f runs.
func (as *Vm_t) Userdmap8(va int, k2u bool, f func([]uint8)) defs.Err_t {
	uva := uintptr(va)
	for {
		as.Lock_pmap()
		if _, ok := as.Vmregion.Lookup(uva); !ok {
			as.Unlock_pmap()
			return -defs.EFAULT
		}
		pte := as.pte(uva)
		isp := pte != nil && *pte&PTE_P != 0
		if isp && (!k2u || *pte&PTE_W != 0) {
			bpg := mem.Pg2bytes(as.mm.phys.Dmap(*pte & PTE_ADDR))
			f(bpg[uva&uintptr(PGOFFSET):])
			as.Unlock_pmap()
			return 0
		}
		as.Unlock_pmap()
		kind := FLT_NOTPRESENT
		if isp {
			kind = FLT_WRITEPROT
		}
		if err := as.mm.fault(as, uva, kind); err != 0 {
			return err
		}
	}
}

// copies src to the user virtual address uva
func (as *Vm_t) K2user(src []uint8, uva int) defs.Err_t {
	for len(src) != 0 {
		err := as.Userdmap8(uva, true, func(dst []uint8) {
			c := copy(dst, src)
			src = src[c:]
			uva += c
		})
		if err != 0 {
			return err
		}
	}
	return 0
}

// copies len(dst) bytes from userspace address uva to dst
func (as *Vm_t) User2k(dst []uint8, uva int) defs.Err_t {
	for len(dst) != 0 {
		err := as.Userdmap8(uva, false, func(src []uint8) {
			c := copy(dst, src)
			dst = dst[c:]
			uva += c
		})
		if err != 0 {
			return err
		}
	}
	return 0
}

func (as *Vm_t) Userreadn(va, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	var buf [8]uint8
	if err := as.User2k(buf[:n], va); err != 0 {
		return 0, err
	}
	return util.Readn(buf[:], n, 0), 0
}

func (as *Vm_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	var buf [8]uint8
	util.Writen(buf[:], n, 0, val)
	return as.K2user(buf[:n], va)
}
