package vm

import "testing"
import "time"

import "github.com/stretchr/testify/require"

import "vmcore/defs"
import "vmcore/mem"

func TestTmpwin(t *testing.T) {
	e := mkenv(t, 64, 8)
	_, pa, ok := e.phys.Refpg_new()
	require.True(t, ok)
	e.phys.Refup(pa)
	mem.Pg2bytes(e.phys.Dmap(pa))[10] = 0x5a

	w := e.mm.Tmpmap(pa)
	require.Equal(t, 1, e.mm.Freewins())
	require.Equal(t, 2, e.phys.Refcnt(pa))
	require.Equal(t, uint8(0x5a), w.Bytes()[10])
	w.Bytes()[11] = 0xa5
	require.Equal(t, uint8(0xa5), mem.Pg2bytes(e.phys.Dmap(pa))[11])
	w.Release()
	w.Release()
	require.Equal(t, 2, e.mm.Freewins())
	require.Equal(t, 1, e.phys.Refcnt(pa))
	require.Panics(t, func() { w.Bytes() })
	e.phys.Refdown(pa)
}

func TestTmpwinBlocks(t *testing.T) {
	e := mkenv(t, 64, 8)
	_, pa, _ := e.phys.Refpg_new()
	e.phys.Refup(pa)
	w1 := e.mm.Tmpmap(pa)
	w2 := e.mm.Tmpmap(pa)
	require.Equal(t, 0, e.mm.Freewins())

	got := make(chan *Tmpwin_t)
	go func() {
		got <- e.mm.Tmpmap(pa)
	}()
	select {
	case <-got:
		t.Fatal("window handed out twice")
	case <-time.After(20 * time.Millisecond):
	}
	w1.Release()
	w3 := <-got
	require.Equal(t, w1.va, w3.va)
	w2.Release()
	w3.Release()
	require.Equal(t, 2, e.mm.Freewins())
	e.phys.Refdown(pa)
}

func TestTmpwinReleasedOnOOM(t *testing.T) {
	e := mkenv(t, 64, 8)
	p := e.mkvm(t)
	va := uintptr(0x800000)
	r := e.mkregion(t, p, va, 1, PF_DEMANDZERO, RF_WRITABLE, nil, 0)
	requireok(t, p.Userwriten(int(va), 8, 1))
	c, err := p.Fork()
	requireok(t, err)
	pa := r.Page(0).Pa

	var hoard []mem.Pa_t
	for {
		_, hpa, ok := e.phys.Refpg_new()
		if !ok {
			break
		}
		e.phys.Refup(hpa)
		hoard = append(hoard, hpa)
	}
	require.Equal(t, -defs.ENOMEM, p.Pgfault(va, FLT_WRITEPROT))
	require.Equal(t, 2, e.mm.Freewins())
	// the ledger was not touched
	require.Equal(t, 2, e.mm.Cow.Claims(pa))
	require.True(t, r.Page(0).Cow)
	require.NoError(t, e.mm.Cowcheck())

	for _, hpa := range hoard {
		e.phys.Refdown(hpa)
	}
	requireok(t, p.Pgfault(va, FLT_WRITEPROT))
	require.NotEqual(t, pa, r.Page(0).Pa)
	require.Equal(t, 2, e.mm.Freewins())
	c.Uvmfree()
	p.Uvmfree()
	require.Equal(t, e.base, e.phys.Pgcount())
}
