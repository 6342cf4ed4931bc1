package vm

import "fmt"
import "strings"

import "vmcore/mem"
import "vmcore/util"

// Vminfo_t places a region in one address space.
type Vminfo_t struct {
	Pgn   uintptr
	Pglen int
	Reg   *Region_t
}

func (vmi *Vminfo_t) Start() uintptr {
	return vmi.Pgn << PGSHIFT
}

func (vmi *Vminfo_t) End() uintptr {
	return (vmi.Pgn + uintptr(vmi.Pglen)) << PGSHIFT
}

// index of the page containing va
func (vmi *Vminfo_t) pgidx(va uintptr) int {
	vn := (va >> PGSHIFT) - vmi.Pgn
	if vn >= uintptr(vmi.Pglen) {
		panic("uh oh")
	}
	return int(vn)
}

// Vmregion_t is an address space's region index.
type Vmregion_t struct {
	rb     Rbh_t
	_pglen int
	Novma  uint
	// a range of pages known to be free
	hole struct {
		startn uintptr
		pglen  uintptr
	}
}

func (m *Vmregion_t) insert(vmi *Vminfo_t) {
	// shrink the cached hole if the new mapping overlaps it
	hs, he := m.hole.startn, m.hole.startn+m.hole.pglen
	vs, ve := vmi.Pgn, vmi.Pgn+uintptr(vmi.Pglen)
	if vs < he && ve > hs {
		if vs > hs {
			m.hole.pglen = vs - hs
		} else if ve >= he {
			m.hole.startn, m.hole.pglen = 0, 0
		} else {
			m.hole.startn, m.hole.pglen = ve, he-ve
		}
	}
	m._pglen += vmi.Pglen
	m.Novma++
	m.rb._insert(vmi)
}

func (m *Vmregion_t) remove(vmi *Vminfo_t) {
	n := m.rb.lookup(vmi.Pgn)
	// XXXPANIC
	if n == nil || n.vmi.Pgn != vmi.Pgn {
		panic("addr not mapped")
	}
	m._pglen -= n.vmi.Pglen
	m.Novma--
	m.rb.remove(n)
}

// moves or resizes the mapping; the returned *Vminfo_t replaces vmi.
func (m *Vmregion_t) resize(vmi *Vminfo_t, pgn uintptr, pglen int) *Vminfo_t {
	nvmi := *vmi
	nvmi.Pgn, nvmi.Pglen = pgn, pglen
	m.remove(vmi)
	m.insert(&nvmi)
	ret, _ := m.Lookup(pgn << PGSHIFT)
	return ret
}

func (m *Vmregion_t) Clear() {
	m.rb.root = nil
	m._pglen = 0
	m.Novma = 0
	m.hole.startn, m.hole.pglen = 0, 0
}

func (m *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	pgn := va >> PGSHIFT
	n := m.rb.lookup(pgn)
	if n == nil {
		return nil, false
	}
	return &n.vmi, true
}

// returns true if any mapping intersects [pgn, pgn+pglen)
func (m *Vmregion_t) overlaps(pgn uintptr, pglen int) bool {
	end := pgn + uintptr(pglen)
	ret := false
	m.Iter(func(vmi *Vminfo_t) {
		if vmi.Pgn < end && vmi.Pgn+uintptr(vmi.Pglen) > pgn {
			ret = true
		}
	})
	return ret
}

func (m *Vmregion_t) Iter(f func(*Vminfo_t)) {
	m.rb._iter1(m.rb.root, f)
}

func (m *Vmregion_t) Pglen() int {
	return m._pglen
}

// returns the first gap of at least minlen pages at or above minpgn. the
// returned length is short if the user half has no such gap.
func (m *Vmregion_t) _findhole(minpgn, minlen uintptr) (uintptr, uintptr) {
	cur := minpgn
	var pglen uintptr
	found := false
	m.Iter(func(vmi *Vminfo_t) {
		if found {
			return
		}
		end := vmi.Pgn + uintptr(vmi.Pglen)
		if end <= cur {
			return
		}
		if vmi.Pgn >= cur+minlen {
			pglen = vmi.Pgn - cur
			found = true
			return
		}
		cur = end
	})
	if !found {
		top := USEREND >> PGSHIFT
		if cur < top {
			pglen = top - cur
		}
	}
	return cur, pglen
}

// returns the start of a free range of len bytes at or above minva, or 0
func (m *Vmregion_t) empty(minva, len uintptr) uintptr {
	minn := minva >> PGSHIFT
	pglen := uintptr(util.Roundup(int(len), mem.PGSIZE) >> PGSHIFT)
	// minn itself is free if it lies in the cached hole
	hend := m.hole.startn + m.hole.pglen
	if pglen > 0 && minn >= m.hole.startn && minn+pglen <= hend {
		return minn << PGSHIFT
	}
	nhs, nhl := m._findhole(minn, pglen)
	if nhl < pglen {
		return 0
	}
	m.hole.startn, m.hole.pglen = nhs, nhl
	return nhs << PGSHIFT
}

func (m *Vmregion_t) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "novma: %v\n", m.Novma)
	m.Iter(func(vmi *Vminfo_t) {
		fmt.Fprintf(&b, "[%#x - %#x) %v\n", vmi.Start(), vmi.End(),
			vmi.Reg.Flags)
	})
	return b.String()
}
