package vm

import "testing"

import "github.com/stretchr/testify/require"

import "vmcore/defs"
import "vmcore/mem"

func TestMapUnmap(t *testing.T) {
	e := mkenv(t, 64, 8)
	as := e.mkvm(t)
	phys := e.phys
	va := uintptr(0x1234000)

	as.Lock_pmap()
	require.Equal(t, 4, as.Countframes(va, 1), "3 tables and the frame")
	require.Equal(t, 5, as.Countframes(va, 2))
	ok, err := as.Map(va, 0, PTE_W, false)
	requireok(t, err)
	require.True(t, ok)
	require.Equal(t, 3, as.Pmapcount())
	require.Equal(t, 1, as.Countframes(va+1<<PGSHIFT, 1))
	require.Equal(t, 0, as.Countframes(va, 1))

	pa, ok := as.Frameof(va + 17)
	require.True(t, ok)
	require.Equal(t, 1, phys.Refcnt(pa))
	pte := as.pte(va)
	require.Equal(t, PTE_P|PTE_W|PTE_U, *pte&PTE_FLAGS)

	// a present entry is left alone unless forced
	_, p2, _ := phys.Refpg_new()
	ok, err = as.Map(va, p2, PTE_U, false)
	requireok(t, err)
	require.False(t, ok)
	require.Equal(t, 0, phys.Refcnt(p2))
	ok, err = as.Map(va, p2, PTE_U, true)
	requireok(t, err)
	require.True(t, ok)
	require.Equal(t, 1, phys.Refcnt(p2))
	got, _ := as.Frameof(va)
	require.Equal(t, p2, got)

	require.Panics(t, func() {
		as.Map(va, p2, PTE_W|PTE_COW, true)
	})
	require.Panics(t, func() {
		as.Map(KERNBASE, p2, PTE_W, true)
	})

	// without release the caller inherits the reference
	require.Equal(t, 1, as.Unmap(va, 4, false))
	require.Equal(t, 1, phys.Refcnt(p2))
	_, ok = as.Frameof(va)
	require.False(t, ok)
	require.Equal(t, 0, as.Unmap(va, 4, true))
	as.Unlock_pmap()
	phys.Refdown(p2)

	as.Uvmfree()
	require.Equal(t, e.base, phys.Pgcount())
}

func TestMapOOM(t *testing.T) {
	e := mkenv(t, 16, 8)
	as := e.mkvm(t)
	as.Lock_pmap()
	var err defs.Err_t
	n := 0
	for err == 0 {
		_, err = as.Map(USERMIN+uintptr(n)<<PGSHIFT, 0, PTE_W, false)
		n++
	}
	require.Equal(t, -defs.ENOMEM, err)
	require.Equal(t, 0, e.phys.Pgcount())
	as.Unlock_pmap()
	as.Uvmfree()
	require.Equal(t, e.base, e.phys.Pgcount())
}

func TestClonePmap(t *testing.T) {
	e := mkenv(t, 64, 8)
	as := e.mkvm(t)
	as.Lock_pmap()
	for _, va := range []uintptr{0x400000, 0x401000, 0x40000000, 0x7f0000000000} {
		_, err := as.Map(va, 0, PTE_W, false)
		requireok(t, err)
	}
	nas, err := as.Clone()
	requireok(t, err)
	nas.Lock_pmap()
	require.Equal(t, as.Pmapcount(), nas.Pmapcount())
	_, ok := nas.Frameof(0x400000)
	require.False(t, ok, "leaves are not copied")
	require.Equal(t, 0, nas.Countframes(0x402000, 1)-1, "tables exist")
	nas.Unlock_pmap()
	require.Equal(t, as.Pmap[KSLOT:], nas.Pmap[KSLOT:])
	as.Unlock_pmap()

	nas.Uvmfree()
	as.Uvmfree()
	require.Equal(t, e.base, e.phys.Pgcount())
}

func TestKernelShared(t *testing.T) {
	e := mkenv(t, 64, 8)
	a := e.mkvm(t)
	b := e.mkvm(t)
	kva := KERNBASE + 0x200000
	requireok(t, e.mm.Kmap(kva, 2))
	require.Equal(t, -defs.EINVAL, e.mm.Kmap(0x400000, 1))
	require.Equal(t, -defs.EINVAL, e.mm.Kmap(TMPWINBASE, 1))

	// mapped after both spaces were made, yet visible in both
	pa := pmap_lookup(e.phys, a.Pmap, kva)
	pb := pmap_lookup(e.phys, b.Pmap, kva)
	require.NotNil(t, pa)
	require.Equal(t, pa, pb)
	require.Zero(t, *pa&PTE_U)
	*mem.Pg2bytes(e.phys.Dmap(*pa&PTE_ADDR)) = mem.Bytepg_t{1, 2, 3}

	a.Lock_pmap()
	c, err := a.Clone()
	requireok(t, err)
	a.Unlock_pmap()
	pc := pmap_lookup(e.phys, c.Pmap, kva)
	require.Equal(t, uint8(3), mem.Pg2bytes(e.phys.Dmap(*pc&PTE_ADDR))[2])

	a.Uvmfree()
	b.Uvmfree()
	c.Uvmfree()
	require.NotNil(t, pmap_lookup(e.phys, e.mm.kpmap, kva), "kernel pages outlive spaces")
}
