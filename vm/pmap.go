package vm

import "fmt"

import "vmcore/defs"
import "vmcore/mem"

func _instpg(phys mem.Page_i, pg *mem.Pmap_t, idx uint, perms mem.Pa_t) (mem.Pa_t, bool) {
	_, p_np, ok := phys.Pmap_new()
	if !ok {
		return 0, false
	}
	phys.Refup(p_np)
	npte := p_np | perms | PTE_P
	pg[idx] = npte
	return npte, true
}

func pgtbl(phys mem.Page_i, pe mem.Pa_t) *mem.Pmap_t {
	return mem.Pg2pmap(phys.Dmap(pe & PTE_ADDR))
}

// returns the last-level table and slot for va. returns nil if either 1)
// create was false and the mapping doesn't exist or 2) create was true but we
// failed to allocate a page to create the mapping.
func pmap_pgtbl(phys mem.Page_i, pml4 *mem.Pmap_t, va uintptr, create bool,
	perms mem.Pa_t) (*mem.Pmap_t, int) {
	if pgva(va) == 0 && create {
		panic("mapping page 0")
	}
	next := pml4
	for shift := PGSHIFT + 27; shift > PGSHIFT; shift -= 9 {
		idx := uint(va>>shift) & 0x1ff
		pe := next[idx]
		if pe&PTE_P == 0 {
			if !create {
				return nil, 0
			}
			var ok bool
			pe, ok = _instpg(phys, next, idx, perms)
			if !ok {
				return nil, 0
			}
		}
		next = pgtbl(phys, pe)
	}
	return next, int(va>>PGSHIFT) & 0x1ff
}

func pmap_walk(phys mem.Page_i, pml4 *mem.Pmap_t, va uintptr,
	perms mem.Pa_t) (*mem.Pa_t, defs.Err_t) {
	pgtbl, slot := pmap_pgtbl(phys, pml4, va, true, perms)
	if pgtbl == nil {
		// create was set; failed to allocate a page
		return nil, -defs.ENOMEM
	}
	return &pgtbl[slot], 0
}

func pmap_lookup(phys mem.Page_i, pml4 *mem.Pmap_t, va uintptr) *mem.Pa_t {
	pgtbl, slot := pmap_pgtbl(phys, pml4, va, false, 0)
	if pgtbl == nil {
		return nil
	}
	return &pgtbl[slot]
}

// installs pa at va, allocating a zeroed frame if pa is 0. the mapping holds
// a reference to its frame. returns false if a present entry was left alone.
func pmap_map(phys mem.Page_i, pml4 *mem.Pmap_t, va uintptr, pa, perms,
	tblperms mem.Pa_t, force bool) (bool, defs.Err_t) {
	// XXXPANIC
	if perms&PTE_W != 0 && perms&PTE_COW != 0 {
		panic("writable cow mapping")
	}
	pte, err := pmap_walk(phys, pml4, va, tblperms)
	if err != 0 {
		return false, err
	}
	old := *pte
	if old&PTE_P != 0 && !force {
		return false, 0
	}
	if pa == 0 {
		var ok bool
		_, pa, ok = phys.Refpg_new()
		if !ok {
			return false, -defs.ENOMEM
		}
	}
	phys.Refup(pa)
	*pte = pa | perms | PTE_P
	if old&PTE_P != 0 {
		if old&PTE_U == 0 && perms&PTE_U != 0 {
			panic("replacing kernel page")
		}
		phys.Refdown(old & PTE_ADDR)
	}
	return true, 0
}

// clears count entries starting at va and returns how many were present.
// the caller owns the cleared mappings' references unless release is set.
func pmap_unmap(phys mem.Page_i, pml4 *mem.Pmap_t, va uintptr, count int,
	release bool) int {
	n := 0
	for i := 0; i < count; {
		cva := va + uintptr(i)<<PGSHIFT
		pg, slot := pmap_pgtbl(phys, pml4, cva, false, 0)
		if pg == nil {
			// this level is not mapped; skip to the next va that
			// may have a mapping at this level
			next := (cva + 1<<21) &^ (1<<21 - 1)
			i += int((next - cva) >> PGSHIFT)
			continue
		}
		ptes := pg[slot:]
		if left := count - i; left < len(ptes) {
			ptes = ptes[:left]
		}
		for j, pte := range ptes {
			if pte&PTE_P == 0 {
				continue
			}
			if release {
				phys.Refdown(pte & PTE_ADDR)
			}
			ptes[j] = 0
			n++
		}
		i += len(ptes)
	}
	return n
}

// frees the table tbl at level lvl and everything below it. leaves still
// present lose their reference.
func pmfree(phys mem.Page_i, tbl *mem.Pmap_t, lvl int) {
	for i, pe := range tbl {
		if pe&PTE_P == 0 {
			continue
		}
		if lvl > 1 {
			pmfree(phys, pgtbl(phys, pe), lvl-1)
		}
		phys.Refdown(pe & PTE_ADDR)
		tbl[i] = 0
	}
}

func pmcount(phys mem.Page_i, tbl *mem.Pmap_t, lvl int) int {
	n := 0
	if lvl == 1 {
		return n
	}
	for _, pe := range tbl {
		if pe&PTE_P != 0 {
			n += 1 + pmcount(phys, pgtbl(phys, pe), lvl-1)
		}
	}
	return n
}

// duplicates the table structure below src without any leaves
func pmclone(phys mem.Page_i, dst, src *mem.Pmap_t, lvl int) bool {
	if lvl == 1 {
		return true
	}
	for i, pe := range src {
		if pe&PTE_P == 0 {
			continue
		}
		npe, ok := _instpg(phys, dst, uint(i), pe&(PTE_U|PTE_W))
		if !ok {
			return false
		}
		if !pmclone(phys, pgtbl(phys, npe), pgtbl(phys, pe), lvl-1) {
			return false
		}
	}
	return true
}

func (as *Vm_t) pte(va uintptr) *mem.Pa_t {
	return pmap_lookup(as.mm.phys, as.Pmap, va)
}

// Map installs pa at the user address va; pa == 0 maps a fresh zeroed frame.
// force=false leaves a present entry untouched. Intermediate tables are
// allocated as needed and allocation failure is returned, not retried.
func (as *Vm_t) Map(va uintptr, pa mem.Pa_t, perms mem.Pa_t, force bool) (bool, defs.Err_t) {
	as.Lockassert_pmap()
	if va >= USEREND {
		panic(fmt.Sprintf("map in kernel slots: %#x", va))
	}
	return pmap_map(as.mm.phys, as.Pmap, pgva(va), pa, perms|PTE_U,
		PTE_U|PTE_W, force)
}

// Unmap removes count mappings starting at va and returns how many were
// present. Frames lose the mappings' references only if release is set.
// Callers batch TLB invalidation with Tlbshoot.
func (as *Vm_t) Unmap(va uintptr, count int, release bool) int {
	as.Lockassert_pmap()
	if va >= USEREND {
		panic(fmt.Sprintf("removing kernel page %#x", va))
	}
	return pmap_unmap(as.mm.phys, as.Pmap, pgva(va), count, release)
}

func (as *Vm_t) Frameof(va uintptr) (mem.Pa_t, bool) {
	as.Lockassert_pmap()
	pte := as.pte(va)
	if pte == nil || *pte&PTE_P == 0 {
		return 0, false
	}
	return *pte & PTE_ADDR, true
}

// Countframes returns how many frames mapping count fresh pages at va would
// consume, page-table pages included.
func (as *Vm_t) Countframes(va uintptr, count int) int {
	as.Lockassert_pmap()
	phys := as.mm.phys
	seen := make(map[[2]uintptr]bool)
	n := 0
	for i := 0; i < count; i++ {
		cva := pgva(va) + uintptr(i)<<PGSHIFT
		tbl := as.Pmap
		missing := false
		for lvl := 3; lvl >= 1; lvl-- {
			shift := PGSHIFT + 9*uint(lvl)
			if !missing {
				pe := tbl[(cva>>shift)&0x1ff]
				if pe&PTE_P == 0 {
					missing = true
				} else {
					tbl = pgtbl(phys, pe)
				}
			}
			key := [2]uintptr{uintptr(lvl), cva >> shift}
			if missing && !seen[key] {
				seen[key] = true
				n++
			}
		}
		if missing || tbl[(cva>>PGSHIFT)&0x1ff]&PTE_P == 0 {
			n++
		}
	}
	return n
}

// number of user page-table pages, not counting the top level
func (as *Vm_t) Pmapcount() int {
	as.Lockassert_pmap()
	n := 0
	for _, pe := range as.Pmap[:KSLOT] {
		if pe&PTE_P != 0 {
			n += 1 + pmcount(as.mm.phys, pgtbl(as.mm.phys, pe), 3)
		}
	}
	return n
}

// Clone builds a new address space that shares the kernel's top-level
// entries and duplicates this space's user page-table structure, leaving
// every user leaf empty.
func (as *Vm_t) Clone() (*Vm_t, defs.Err_t) {
	as.Lockassert_pmap()
	phys := as.mm.phys
	nas, err := as.mm.mkvm0()
	if err != 0 {
		return nil, err
	}
	for i, pe := range as.Pmap[:KSLOT] {
		if pe&PTE_P == 0 {
			continue
		}
		npe, ok := _instpg(phys, nas.Pmap, uint(i), pe&(PTE_U|PTE_W))
		if !ok || !pmclone(phys, pgtbl(phys, npe), pgtbl(phys, pe), 3) {
			nas.pmfree()
			return nil, -defs.ENOMEM
		}
	}
	return nas, 0
}

// frees the user page tables and the top level itself
func (as *Vm_t) pmfree() {
	phys := as.mm.phys
	for i, pe := range as.Pmap[:KSLOT] {
		if pe&PTE_P == 0 {
			continue
		}
		pmfree(phys, pgtbl(phys, pe), 3)
		phys.Refdown(pe & PTE_ADDR)
		as.Pmap[i] = 0
	}
	phys.Refdown(as.P_pmap)
	as.Pmap = nil
	as.P_pmap = 0
}

// no TLB is simulated; the shootdown is only accounted for.
func (as *Vm_t) Tlbshoot(startva uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	as.Lockassert_pmap()
	as.mm.stats.Ntlbshoot.Inc()
}
