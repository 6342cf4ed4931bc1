package vm

import "testing"

import "github.com/stretchr/testify/require"

import "vmcore/defs"
import "vmcore/mem"

func TestMkregion(t *testing.T) {
	e := mkenv(t, 64, 8)
	mm := e.mm
	bin := e.addfile("/bin/sh", pattern(100, 1))

	r, err := mm.Mkregion(bin, 0, 3*mem.PGSIZE+1, PF_DEMANDLOAD, 0)
	requireok(t, err)
	require.Equal(t, 4, r.Pages())
	require.Equal(t, 4*mem.PGSIZE, r.Bytes())
	require.Equal(t, PG_DEMANDLOAD, r.Page(3).Tag)

	_, err = mm.Mkregion(nil, 0, mem.PGSIZE, PF_DEMANDLOAD, 0)
	require.Equal(t, -defs.EINVAL, err)
	_, err = mm.Mkregion(nil, 0, 0, PF_DEMANDZERO, 0)
	require.Equal(t, -defs.EINVAL, err)
	_, err = mm.Mkregion(nil, 0, mem.PGSIZE, Pgflag_t(7), 0)
	require.Equal(t, -defs.EINVAL, err)
	_, err = mm.Mkregion(nil, 0, (mm.maxregpgs+1)*mem.PGSIZE, PF_DEMANDZERO, 0)
	require.Equal(t, -defs.ENOMEM, err)

	s := r.String()
	require.Contains(t, s, "bin=/bin/sh")
	require.Contains(t, s, "Page 3: demand-load")
}

func TestAttachDetach(t *testing.T) {
	e := mkenv(t, 64, 8)
	a := e.mkvm(t)
	b := e.mkvm(t)
	priv, err := e.mm.Mkregion(nil, 0, mem.PGSIZE, PF_DEMANDZERO, RF_WRITABLE)
	requireok(t, err)
	requireok(t, priv.Attach(a))
	require.Equal(t, -defs.EEXIST, priv.Attach(a))
	require.Equal(t, -defs.EINVAL, priv.Attach(b), "private regions have one space")

	sh, err := e.mm.Mkregion(nil, 0, mem.PGSIZE, PF_DEMANDZERO, RF_SHAREABLE)
	requireok(t, err)
	requireok(t, sh.Attach(a))
	requireok(t, sh.Attach(b))
	require.Equal(t, 2, sh.Refcount())
	require.False(t, sh.Detach(a))
	require.True(t, sh.Detach(b))
	require.Equal(t, -defs.EAGAIN, sh.Attach(a), "dead region")
	require.True(t, priv.Detach(a))
	require.Panics(t, func() { priv.Detach(b) })
}

func TestAddregion(t *testing.T) {
	e := mkenv(t, 64, 8)
	as := e.mkvm(t)
	r := e.mkregion(t, as, 0x800000, 4, PF_DEMANDZERO, RF_WRITABLE, nil, 0)

	r2, err := e.mm.Mkregion(nil, 0, 2*mem.PGSIZE, PF_DEMANDZERO, 0)
	requireok(t, err)
	require.Equal(t, -defs.EEXIST, as.Addregion(0x803000, r2))
	require.Equal(t, -defs.EINVAL, as.Addregion(0x804001, r2))
	require.Equal(t, -defs.EINVAL, as.Addregion(0x1000, r2))
	require.Equal(t, -defs.EINVAL, as.Addregion(USEREND-uintptr(mem.PGSIZE), r2))
	require.Equal(t, -defs.EEXIST, as.Addregion(0x900000, r), "already attached")
	requireok(t, as.Addregion(0x804000, r2))
	require.Equal(t, 0x806000, as.Unusedva(0x800000, 10))

	e.mm.maxvma = 2
	r3, _ := e.mm.Mkregion(nil, 0, mem.PGSIZE, PF_DEMANDZERO, 0)
	require.Equal(t, -defs.ENOMEM, as.Addregion(0xa00000, r3))

	require.Equal(t, -defs.EINVAL, as.Rmregion(0x801000))
	requireok(t, as.Rmregion(0x800000))
	require.Equal(t, 0x800000, as.Unusedva(0x800000, 4*mem.PGSIZE))
	as.Uvmfree()
	require.Equal(t, e.base, e.phys.Pgcount())
}

func TestGrowHeap(t *testing.T) {
	e := mkenv(t, 64, 8)
	as := e.mkvm(t)
	va := uintptr(0x800000)
	r := e.mkregion(t, as, va, 2, PF_DEMANDZERO, RF_WRITABLE|RF_GROWABLE, nil, 0)
	requireok(t, as.Userwriten(int(va)+mem.PGSIZE, 8, 77))

	require.True(t, as.Growregion(va, 3))
	require.Equal(t, 5, r.Pages())
	require.Equal(t, PG_DEMANDZERO, r.Page(4).Tag)
	requireok(t, as.Userwriten(int(va)+4*mem.PGSIZE, 8, 5))

	// the blocking region stops growth
	e.mkregion(t, as, va+6*uintptr(mem.PGSIZE), 1, PF_DEMANDZERO, 0, nil, 0)
	require.False(t, as.Growregion(va, 2))
	require.True(t, as.Growregion(va, 1))
	require.False(t, as.Growregion(va, -6), "cannot shrink to nothing")

	free := e.phys.Pgcount()
	require.True(t, as.Growregion(va, -5))
	require.Equal(t, 1, r.Pages())
	require.Equal(t, free+2, e.phys.Pgcount(), "shrink frees resident pages")
	require.Equal(t, -defs.EFAULT, as.Userwriten(int(va)+mem.PGSIZE, 8, 1))

	fixed := e.mkregion(t, as, 0x900000, 1, PF_DEMANDZERO, 0, nil, 0)
	require.False(t, as.Growregion(0x900000, 1))
	require.Equal(t, 1, fixed.Pages())
	as.Uvmfree()
	require.Equal(t, e.base, e.phys.Pgcount())
}

func TestGrowStack(t *testing.T) {
	e := mkenv(t, 64, 8)
	as := e.mkvm(t)
	top := uintptr(0x7000000)
	va := top - 2*uintptr(mem.PGSIZE)
	r := e.mkregion(t, as, va, 2, PF_DEMANDZERO,
		RF_WRITABLE|RF_GROWABLE|RF_STACK, nil, 0)
	requireok(t, as.Userwriten(int(va)+16, 8, 0xabcdef))

	require.True(t, as.Growregion(va, 2))
	nva := va - 2*uintptr(mem.PGSIZE)
	vmi, ok := as.Vmregion.Lookup(nva)
	require.True(t, ok)
	require.Equal(t, nva, vmi.Start())
	require.Equal(t, top, vmi.End())
	// old content stays at the same address, new pages are at the bottom
	got, err := as.Userreadn(int(va)+16, 8)
	requireok(t, err)
	require.Equal(t, 0xabcdef, got)
	require.Equal(t, PG_RESIDENT, r.Page(2).Tag)
	require.Equal(t, PG_DEMANDZERO, r.Page(0).Tag)
	require.Equal(t, make([]uint8, 8), readuser(t, as, nva, 8))

	// shrinking a stack removes its lowest pages
	require.True(t, as.Growregion(va, -3))
	vmi, _ = as.Vmregion.Lookup(top - 1)
	require.Equal(t, top-uintptr(mem.PGSIZE), vmi.Start())
	_, ok = as.Vmregion.Lookup(va)
	require.False(t, ok)

	require.False(t, as.Growregion(USERMIN, 1))
	as.Uvmfree()
	require.Equal(t, e.base, e.phys.Pgcount())
}

func TestGrowShared(t *testing.T) {
	e := mkenv(t, 64, 8)
	a := e.mkvm(t)
	b := e.mkvm(t)
	r, err := e.mm.Mkregion(nil, 0, mem.PGSIZE, PF_DEMANDZERO,
		RF_SHAREABLE|RF_GROWABLE)
	requireok(t, err)
	requireok(t, a.Addregion(0x800000, r))
	require.True(t, a.Growregion(0x800000, 1))
	requireok(t, b.Addregion(0x800000, r))
	require.False(t, a.Growregion(0x800000, 1), "attached to two spaces")
	a.Uvmfree()
	b.Uvmfree()
}

func TestGrowUnattached(t *testing.T) {
	e := mkenv(t, 64, 8)
	data := pattern(2*mem.PGSIZE, 3)
	bin := e.addfile("/bin/stk", data)
	r, err := e.mm.Mkregion(bin, 0, 2*mem.PGSIZE, PF_DEMANDLOAD,
		RF_WRITABLE|RF_GROWABLE|RF_STACK)
	requireok(t, err)
	require.True(t, r.Grow(1))
	require.Equal(t, 3, r.Pages())
	require.Equal(t, PG_DEMANDZERO, r.Page(0).Tag, "stacks grow down")
	require.Equal(t, PG_DEMANDLOAD, r.Page(1).Tag)
	require.Equal(t, PG_DEMANDLOAD, r.Page(2).Tag)
	require.False(t, r.Grow(-3))
	require.False(t, r.Grow(-4))
	require.Equal(t, 3, r.Pages())

	h, err := e.mm.Mkregion(nil, 0, mem.PGSIZE, PF_RESIDENT,
		RF_WRITABLE|RF_GROWABLE)
	requireok(t, err)
	require.True(t, h.Grow(2))
	require.Equal(t, 3, h.Pages())
	require.Equal(t, PG_RESIDENT, h.Page(0).Tag)
	require.Equal(t, PG_DEMANDZERO, h.Page(1).Tag)
	require.Equal(t, PG_DEMANDZERO, h.Page(2).Tag)
	require.True(t, h.Grow(-2))
	require.Equal(t, 1, h.Pages())
	require.Equal(t, PG_RESIDENT, h.Page(0).Tag)
	require.False(t, h.Grow(e.mm.maxregpgs))
	require.Equal(t, 1, h.Pages())

	fixed, err := e.mm.Mkregion(nil, 0, mem.PGSIZE, PF_DEMANDZERO, RF_WRITABLE)
	requireok(t, err)
	require.False(t, fixed.Grow(1))
	require.Equal(t, 1, fixed.Pages())

	// once attached, only the space may resize it
	as := e.mkvm(t)
	va := uintptr(0x800000)
	requireok(t, as.Addregion(va, r))
	require.False(t, r.Grow(1))
	require.Equal(t, 3, r.Pages())
	require.Equal(t, make([]uint8, mem.PGSIZE), readuser(t, as, va, mem.PGSIZE))
	require.Equal(t, data, readuser(t, as, va+uintptr(mem.PGSIZE), len(data)),
		"old pages keep their file offsets")
	as.Uvmfree()
	require.Equal(t, e.base, e.phys.Pgcount())
}

func TestCloneUnattached(t *testing.T) {
	e := mkenv(t, 64, 8)
	bin := e.addfile("/bin/data", pattern(mem.PGSIZE, 5))
	r, err := e.mm.Mkregion(bin, 0, 2*mem.PGSIZE, PF_DEMANDLOAD, RF_WRITABLE)
	requireok(t, err)
	as := e.mkvm(t)
	nr, err := r.Clone(as)
	requireok(t, err)
	require.NotSame(t, r, nr)
	require.Equal(t, 0, r.Refcount())
	require.Equal(t, 1, nr.Refcount())
	require.Equal(t, 2, nr.Pages())
	require.Equal(t, PG_DEMANDLOAD, nr.Page(1).Tag)
	require.Same(t, bin, nr.Bin)
	require.Equal(t, r.Filesz, nr.Filesz)
	require.Equal(t, -defs.EEXIST, nr.Attach(as))
	require.True(t, nr.Detach(as))

	sh, err := e.mm.Mkregion(nil, 0, mem.PGSIZE, PF_DEMANDZERO, RF_SHAREABLE)
	requireok(t, err)
	require.Panics(t, func() { sh.Clone(as) })

	dead, err := e.mm.Mkregion(nil, 0, mem.PGSIZE, PF_DEMANDZERO, RF_WRITABLE)
	requireok(t, err)
	requireok(t, dead.Attach(as))
	require.True(t, dead.Detach(as))
	_, err = dead.Clone(as)
	require.Equal(t, -defs.EINVAL, err)

	as.Uvmfree()
	require.Equal(t, e.base, e.phys.Pgcount())
}
