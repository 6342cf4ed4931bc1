package mem

import "fmt"
import "sync"
import "sync/atomic"
import "unsafe"

const PGSHIFT uint = 12
const PGSIZE int = 1 << PGSHIFT
const PGOFFSET Pa_t = 0xfff
const PGMASK Pa_t = ^(PGOFFSET)

// Pa_t is a physical address. Frames are page aligned physical addresses;
// the zero address is never a frame.
type Pa_t uintptr
type Bytepg_t [PGSIZE]uint8
type Pg_t [512]int
type Pmap_t [512]Pa_t

// the frame allocator the VM core consumes
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Pmap_new() (*Pmap_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func Pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

// frame number of a physical address
func Pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

type Physpg_t struct {
	Refcnt int32
	// index into pgs of next page on free list
	nexti uint32
}

// Physmem_t simulates physical memory: an arena of frames, each with a
// reference count, and a free list threaded through the frame metadata.
type Physmem_t struct {
	sync.Mutex
	Pgs     []Physpg_t
	arena   []Pg_t
	startn  uint32
	freei   uint32
	freelen int32
}

func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := phys.idx(p_pg)
	return &phys.Pgs[idx].Refcnt, idx
}

func (phys *Physmem_t) idx(p_pg Pa_t) uint32 {
	pgn := Pgn(p_pg)
	if pgn < phys.startn || int(pgn-phys.startn) >= len(phys.Pgs) {
		panic(fmt.Sprintf("not a frame: %#x", p_pg))
	}
	return pgn - phys.startn
}

func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	// XXXPANIC
	if c <= 0 {
		panic("wut")
	}
}

// returns true if p_pg should be added to the free list and the index of the
// page in the pgs array
func (phys *Physmem_t) _refdec(p_pg Pa_t) (bool, uint32) {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	// XXXPANIC
	if c < 0 {
		panic("negative ref count")
	}
	return c == 0, idx
}

// returns true iff the frame was freed
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	if add, idx := phys._refdec(p_pg); add {
		phys.Lock()
		phys.Pgs[idx].nexti = phys.freei
		phys.freei = idx
		phys.freelen++
		phys.Unlock()
		return true
	}
	return false
}

func (phys *Physmem_t) _refpg_new() (*Pg_t, Pa_t, bool) {
	phys.Lock()
	ff := phys.freei
	if ff == ^uint32(0) {
		phys.Unlock()
		return nil, 0, false
	}
	phys.freei = phys.Pgs[ff].nexti
	phys.freelen--
	if phys.Pgs[ff].Refcnt != 0 {
		panic("free page with references")
	}
	phys.Unlock()
	p_pg := Pa_t(ff+phys.startn) << PGSHIFT
	return phys.Dmap(p_pg), p_pg, true
}

// refcnt of returned page is not incremented (it is usually incremented when
// the page is mapped or recorded by a region).
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	*pg = Pg_t{}
	return pg, p_pg, true
}

func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	return phys._refpg_new()
}

func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	a, b, ok := phys.Refpg_new()
	if !ok {
		return nil, 0, false
	}
	return Pg2pmap(a), b, true
}

// Dmap returns the kernel's view of the frame containing p.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	return &phys.arena[phys.idx(p&PGMASK)]
}

// returns a byte aligned view of the physical address p up to the end of its
// frame
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

// number of free frames
func (phys *Physmem_t) Pgcount() int {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.freelen)
}

// Phys_init reserves npages frames. Frame i has physical address
// (i+1) << PGSHIFT.
func Phys_init(npages int) *Physmem_t {
	if npages <= 0 {
		panic("no pages")
	}
	phys := &Physmem_t{}
	phys.Pgs = make([]Physpg_t, npages)
	phys.arena = make([]Pg_t, npages)
	phys.startn = 1
	phys.freei = 0
	for i := range phys.Pgs {
		phys.Pgs[i].nexti = uint32(i + 1)
	}
	phys.Pgs[npages-1].nexti = ^uint32(0)
	phys.freelen = int32(npages)
	return phys
}
