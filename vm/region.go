package vm

import "fmt"
import "sort"
import "strings"
import "sync"

import "vmcore/defs"
import "vmcore/mem"
import "vmcore/util"

type Pgtag_t uint8

const (
	// backed by Pa; a zero Pa is a hole until the region is populated
	PG_RESIDENT Pgtag_t = iota
	PG_DEMANDLOAD
	PG_DEMANDZERO
	PG_SWAPPED
)

func (t Pgtag_t) String() string {
	switch t {
	case PG_RESIDENT:
		return "resident"
	case PG_DEMANDLOAD:
		return "demand-load"
	case PG_DEMANDZERO:
		return "demand-zero"
	case PG_SWAPPED:
		return "swapped"
	}
	return "?"
}

// the initial state of every page in a new region
type Pgflag_t int

const (
	PF_RESIDENT   Pgflag_t = 0
	PF_DEMANDLOAD Pgflag_t = 1
	PF_DEMANDZERO Pgflag_t = 2
)

type Rflags_t uint

const (
	RF_GROWABLE Rflags_t = 1 << iota
	RF_SHAREABLE
	RF_WRITABLE
	// grows towards lower addresses
	RF_STACK
)

func (f Rflags_t) String() string {
	s := []byte("----")
	for i, c := range "gswt" {
		if f&(1<<uint(i)) != 0 {
			s[i] = byte(c)
		}
	}
	return string(s)
}

type Pgstate_t struct {
	Tag Pgtag_t
	Cow bool
	Blk int
	Pa  mem.Pa_t
	// nonzero while a thread does I/O for the page with no locks held
	busy uint64
}

// Region_t is a range of pages with one backing policy. It may be attached
// to several address spaces if it is shareable. The region owns one
// reference on the frame of every resident page.
type Region_t struct {
	sync.Mutex
	// signalled when busy pages settle
	cond *sync.Cond
	mm   *Mm_t

	Bin  *Binary_t
	Foff int
	// bytes of backing content; pages past it load as zeros
	Filesz int
	Flags  Rflags_t

	pgs []Pgstate_t
	// pages added at the low end since creation, minus pages removed there
	lowpgs int
	busytok uint64
	spaces  map[defs.Asid_t]bool
	shkey   *shkey_t
	dead    bool
}

func (mm *Mm_t) mkregion0(bin *Binary_t, foff, filesz int, flags Rflags_t,
	npgs int) *Region_t {
	r := &Region_t{}
	r.cond = sync.NewCond(&r.Mutex)
	r.mm = mm
	r.Bin = bin
	r.Foff = foff
	r.Filesz = filesz
	r.Flags = flags
	r.pgs = make([]Pgstate_t, npgs)
	r.spaces = make(map[defs.Asid_t]bool)
	return r
}

// Mkregion creates an unattached region of bytes rounded up to whole pages.
// pgflag decides the initial page state: PF_DEMANDLOAD pages are read from
// bin at foff, PF_DEMANDZERO pages start zeroed, PF_RESIDENT pages are
// filled in by Populate.
func (mm *Mm_t) Mkregion(bin *Binary_t, foff, bytes int, pgflag Pgflag_t,
	flags Rflags_t) (*Region_t, defs.Err_t) {
	if bytes <= 0 || foff < 0 {
		return nil, -defs.EINVAL
	}
	var tag Pgtag_t
	switch pgflag {
	case PF_RESIDENT:
		tag = PG_RESIDENT
	case PF_DEMANDZERO:
		tag = PG_DEMANDZERO
	case PF_DEMANDLOAD:
		if bin == nil {
			return nil, -defs.EINVAL
		}
		tag = PG_DEMANDLOAD
	default:
		return nil, -defs.EINVAL
	}
	npgs := util.Units(bytes, mem.PGSIZE)
	if npgs > mm.maxregpgs {
		return nil, -defs.ENOMEM
	}
	filesz := 0
	if tag == PG_DEMANDLOAD {
		filesz = bytes
	}
	r := mm.mkregion0(bin, foff, filesz, flags, npgs)
	for i := range r.pgs {
		r.pgs[i].Tag = tag
	}
	return r, 0
}

func (r *Region_t) Bytes() int {
	r.Lock()
	defer r.Unlock()
	return len(r.pgs) << PGSHIFT
}

func (r *Region_t) Pages() int {
	r.Lock()
	defer r.Unlock()
	return len(r.pgs)
}

// Page returns a copy of page i's state.
func (r *Region_t) Page(i int) Pgstate_t {
	r.Lock()
	defer r.Unlock()
	return r.pgs[i]
}

// number of attached address spaces
func (r *Region_t) Refcount() int {
	r.Lock()
	defer r.Unlock()
	return len(r.spaces)
}

func (r *Region_t) Attach(as *Vm_t) defs.Err_t {
	r.Lock()
	defer r.Unlock()
	return r._attach(as)
}

func (r *Region_t) _attach(as *Vm_t) defs.Err_t {
	if r.dead {
		return -defs.EAGAIN
	}
	if r.spaces[as.Id] {
		return -defs.EEXIST
	}
	if len(r.spaces) != 0 && r.Flags&RF_SHAREABLE == 0 {
		return -defs.EINVAL
	}
	r.spaces[as.Id] = true
	return 0
}

// Detach removes as from the region and destroys the region once no space
// is left. It returns true if the region was destroyed.
func (r *Region_t) Detach(as *Vm_t) bool {
	r.Lock()
	// XXXPANIC
	if !r.spaces[as.Id] {
		panic("detach of unattached space")
	}
	delete(r.spaces, as.Id)
	if len(r.spaces) != 0 {
		r.Unlock()
		return false
	}
	for i := range r.pgs {
		r.releasepg(as.Id, &r.pgs[i])
	}
	r.pgs = nil
	r.dead = true
	r.cond.Broadcast()
	key := r.shkey
	r.Unlock()
	if key != nil {
		r.mm.unshare(key, r)
	}
	return true
}

// the space holding the region's copy-on-write claims
func (r *Region_t) owner() defs.Asid_t {
	for asid := range r.spaces {
		return asid
	}
	return 0
}

// drops whatever the page holds: its frame reference and claim, or its
// swap block.
func (r *Region_t) releasepg(asid defs.Asid_t, pg *Pgstate_t) {
	mm := r.mm
	switch pg.Tag {
	case PG_RESIDENT:
		if pg.Pa == 0 {
			break
		}
		if pg.Cow {
			own, other := mm.Cow.Remove(asid, pg.Pa)
			// XXXPANIC
			if !own {
				panic(fmt.Sprintf("cow page %#x without claim", pg.Pa))
			}
			if other {
				mm.log.Debug("cow frame stays with other claimants",
					"frame", pg.Pa, "space", asid)
			}
		}
		mm.phys.Refdown(pg.Pa)
	case PG_SWAPPED:
		mm.Swap.Free(pg.Blk, 1)
	}
	*pg = Pgstate_t{}
}

// Grow adds delta pages (or removes -delta pages if negative) at the high
// end, or at the low end for stack regions. New pages are demand-zero. It
// returns false without changing anything if the region is not growable or
// the shrink would leave no pages. Attached regions are resized only through
// Vm_t.Growregion, which keeps the space's index in step.
func (r *Region_t) Grow(delta int) bool {
	r.Lock()
	defer r.Unlock()
	if len(r.spaces) != 0 {
		return false
	}
	return r._grow(delta)
}

func (r *Region_t) _grow(delta int) bool {
	if r.Flags&RF_GROWABLE == 0 || r.dead {
		return false
	}
	n := len(r.pgs)
	stack := r.Flags&RF_STACK != 0
	if delta >= 0 {
		if n+delta > r.mm.maxregpgs {
			return false
		}
		npgs := make([]Pgstate_t, n+delta)
		fresh := npgs[n:]
		if stack {
			copy(npgs[delta:], r.pgs)
			fresh = npgs[:delta]
			r.lowpgs += delta
		} else {
			copy(npgs, r.pgs)
		}
		for i := range fresh {
			fresh[i].Tag = PG_DEMANDZERO
		}
		r.pgs = npgs
		return true
	}
	k := -delta
	if k >= n {
		return false
	}
	var gone, keep []Pgstate_t
	if stack {
		gone, keep = r.pgs[:k], r.pgs[k:]
		r.lowpgs -= k
	} else {
		gone, keep = r.pgs[n-k:], r.pgs[:n-k]
	}
	asid := r.owner()
	for i := range gone {
		r.releasepg(asid, &gone[i])
	}
	r.pgs = append([]Pgstate_t(nil), keep...)
	// threads waiting on a removed busy page must look again
	r.cond.Broadcast()
	return true
}

// Clone copies a private region for target. Resident frames are shared: if
// the region is writable they become copy-on-write in both regions, with a
// ledger claim per space. Swapped pages get their own copy of the block.
func (r *Region_t) Clone(target *Vm_t) (*Region_t, defs.Err_t) {
	r.Lock()
	defer r.Unlock()
	return r._clone(target)
}

func (r *Region_t) _clone(target *Vm_t) (*Region_t, defs.Err_t) {
	// XXXPANIC
	if r.Flags&RF_SHAREABLE != 0 {
		panic("clone of shareable region")
	}
	if r.dead {
		return nil, -defs.EINVAL
	}
	mm := r.mm
	nr := mm.mkregion0(r.Bin, r.Foff, r.Filesz, r.Flags, len(r.pgs))
	nr.lowpgs = r.lowpgs
	nr.spaces[target.Id] = true
	// copy swapped pages first so a failure leaves r untouched
	for i := range r.pgs {
		p := &r.pgs[i]
		np := &nr.pgs[i]
		np.Tag = p.Tag
		if p.Tag != PG_SWAPPED {
			continue
		}
		blk, err := mm.copyblk(p.Blk)
		if err != 0 {
			np.Tag = PG_DEMANDZERO
			nr.Detach(target)
			return nil, err
		}
		np.Blk = blk
	}
	parent := r.owner()
	writable := r.Flags&RF_WRITABLE != 0
	for i := range r.pgs {
		p := &r.pgs[i]
		if p.Tag != PG_RESIDENT || p.Pa == 0 {
			continue
		}
		np := &nr.pgs[i]
		np.Pa = p.Pa
		mm.phys.Refup(p.Pa)
		if !writable {
			continue
		}
		if !p.Cow {
			p.Cow = true
			mm.Cow.Add(parent, p.Pa)
		}
		np.Cow = true
		mm.Cow.Add(target.Id, p.Pa)
	}
	return nr, 0
}

// returns the entry a busy owner marked with tok, adjusting idx for pages
// added or removed at the low end since; nil if the entry is gone.
func (r *Region_t) busyent(idx, lowpgs int, tok uint64) *Pgstate_t {
	idx += r.lowpgs - lowpgs
	if r.dead || idx < 0 || idx >= len(r.pgs) || r.pgs[idx].busy != tok {
		return nil
	}
	return &r.pgs[idx]
}

func (r *Region_t) markbusy(pg *Pgstate_t) uint64 {
	r.busytok++
	pg.busy = r.busytok
	return r.busytok
}

func (r *Region_t) pteperms(pg *Pgstate_t) mem.Pa_t {
	if pg.Cow {
		return PTE_U | PTE_COW
	}
	if r.Flags&RF_WRITABLE != 0 {
		return PTE_U | PTE_W
	}
	return PTE_U
}

// String dumps the region and the state of each page.
func (r *Region_t) String() string {
	r.Lock()
	defer r.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "Region: flags=%v bytes=%d", r.Flags, len(r.pgs)<<PGSHIFT)
	if r.Bin != nil {
		fmt.Fprintf(&b, " bin=%s foff=%d", r.Bin.Path, r.Foff)
	}
	var ids []int
	for asid := range r.spaces {
		ids = append(ids, int(asid))
	}
	sort.Ints(ids)
	fmt.Fprintf(&b, " spaces=%v\n", ids)
	for i, pg := range r.pgs {
		fmt.Fprintf(&b, "\tPage %d: %v", i, pg.Tag)
		switch pg.Tag {
		case PG_RESIDENT:
			fmt.Fprintf(&b, " frame=%#x", pg.Pa)
		case PG_SWAPPED:
			fmt.Fprintf(&b, " block=%d", pg.Blk)
		}
		if pg.Cow {
			b.WriteString(" cow")
		}
		if pg.busy != 0 {
			b.WriteString(" busy")
		}
		b.WriteString("\n")
	}
	return b.String()
}
