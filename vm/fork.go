package vm

import "vmcore/defs"

// Fork creates a child address space. Shareable regions are attached to the
// child; private regions are cloned, with writable resident pages becoming
// copy-on-write in both spaces. Present mappings are copied so the child
// does not fault on pages the parent already has.
func (as *Vm_t) Fork() (*Vm_t, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	child, err := as.Clone()
	if err != 0 {
		return nil, err
	}
	child.Lock_pmap()
	doflush := false
	as.Vmregion.Iter(func(vmi *Vminfo_t) {
		if err != 0 {
			return
		}
		var fl bool
		fl, err = as.forkregion(child, vmi)
		doflush = doflush || fl
	})
	child.Unlock_pmap()
	if doflush {
		as.Tlbshoot(USERMIN, as.Vmregion.Pglen())
	}
	if err != 0 {
		child.Uvmfree()
		return nil, err
	}
	as.mm.register(child)
	as.mm.stats.Nfork.Inc()
	as.mm.log.Debug("fork", "parent", as.Id, "child", child.Id,
		"regions", as.Vmregion.Novma)
	return child, 0
}

func (as *Vm_t) forkregion(child *Vm_t, vmi *Vminfo_t) (bool, defs.Err_t) {
	r := vmi.Reg
	r.Lock()
	defer r.Unlock()
	nr := r
	if r.Flags&RF_SHAREABLE != 0 {
		if err := r._attach(child); err != 0 {
			return false, err
		}
	} else {
		var err defs.Err_t
		nr, err = r._clone(child)
		if err != 0 {
			return false, err
		}
	}
	// in the child's index now, so Uvmfree detaches it on failure
	child.Vmregion.insert(&Vminfo_t{Pgn: vmi.Pgn, Pglen: vmi.Pglen, Reg: nr})
	return as.ptefork(child, vmi, r, nr)
}

// copies the present mappings of vmi into child. parent pages that became
// copy-on-write lose write permission; returns true if any did.
func (as *Vm_t) ptefork(child *Vm_t, vmi *Vminfo_t, r, nr *Region_t) (bool,
	defs.Err_t) {
	doflush := false
	n := vmi.Pglen
	if n > len(r.pgs) {
		n = len(r.pgs)
	}
	for i := 0; i < n; i++ {
		va := vmi.Start() + uintptr(i)<<PGSHIFT
		pte := as.pte(va)
		if pte == nil || *pte&PTE_P == 0 {
			continue
		}
		pa := *pte & PTE_ADDR
		if r.pgs[i].Cow && *pte&PTE_W != 0 {
			as.Map(va, pa, r.pteperms(&r.pgs[i]), true)
			doflush = true
		}
		if _, err := child.Map(va, pa, nr.pteperms(&nr.pgs[i]), false); err != 0 {
			return doflush, err
		}
	}
	return doflush, 0
}
