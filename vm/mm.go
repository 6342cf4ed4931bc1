package vm

import "log/slog"
import "sort"
import "sync"
import "time"

import "github.com/pkg/errors"

import "vmcore/bdev"
import "vmcore/config"
import "vmcore/cow"
import "vmcore/defs"
import "vmcore/mem"
import "vmcore/stats"
import "vmcore/swap"

type mmstats_t struct {
	Nfault      stats.Counter_t
	Nfatal      stats.Counter_t
	Nretry      stats.Counter_t
	Nrestart    stats.Counter_t
	Nbusywait   stats.Counter_t
	Ncowfault   stats.Counter_t
	Ndemandload stats.Counter_t
	Ndemandzero stats.Counter_t
	Nswapin     stats.Counter_t
	Nswapout    stats.Counter_t
	Nreclaim    stats.Counter_t
	Nfork       stats.Counter_t
	Ntlbshoot   stats.Counter_t
	Ntmpmap     stats.Counter_t
	Faultns     stats.Nanos_t
}

// identifies a shareable region by the binary content it maps
type shkey_t struct {
	path  string
	mtime time.Time
	foff  int
	bytes int
}

// Mm_t is the state shared by every address space: the frame allocator, the
// copy-on-write ledger, swap, the kernel page tables and the collaborators
// faults call out to.
type Mm_t struct {
	phys  mem.Page_i
	Cow   *cow.Cowledger_t
	Swap  *swap.Swapmap_t
	disk  bdev.Disk_i
	vfs   Vfs_i
	sched Sched_i
	log   *slog.Logger

	maxvma    uint
	maxregpgs int
	reclaimn  int

	// protects the kernel page tables
	klock   sync.Mutex
	kpmap   *mem.Pmap_t
	p_kpmap mem.Pa_t
	// free temporary window slots
	wins chan int

	// protects spaces and nextid
	sync.Mutex
	spaces map[defs.Asid_t]*Vm_t
	nextid defs.Asid_t

	shlock sync.Mutex
	shared map[shkey_t]*Region_t

	stats mmstats_t
}

// Mkmm builds the VM core over the given frame allocator and swap device.
// disk must hold at least cfg.Swapsize bytes.
func Mkmm(cfg *config.Config_t, phys mem.Page_i, disk bdev.Disk_i, vfs Vfs_i,
	sched Sched_i, log *slog.Logger) *Mm_t {
	mm := &Mm_t{}
	mm.phys = phys
	mm.Cow = cow.Mkledger(cfg.Cowshards)
	mm.Swap = swap.Mkswapmap(cfg.Swapsize)
	mm.disk = disk
	mm.vfs = vfs
	mm.sched = sched
	mm.log = log
	mm.maxvma = uint(cfg.Maxvma)
	mm.maxregpgs = cfg.Maxregpgs
	mm.reclaimn = cfg.Reclaim
	mm.spaces = make(map[defs.Asid_t]*Vm_t)
	mm.nextid = 1
	mm.shared = make(map[shkey_t]*Region_t)

	var ok bool
	mm.kpmap, mm.p_kpmap, ok = phys.Pmap_new()
	if !ok {
		panic("oom in init?")
	}
	phys.Refup(mm.p_kpmap)
	// every address space shares this slot, so kernel mappings added
	// later are visible everywhere
	if _, ok := _instpg(phys, mm.kpmap, KSLOT, PTE_W); !ok {
		panic("oom in init?")
	}
	// the window slots share one last-level table, built now so mapping a
	// window never allocates
	if _, err := pmap_walk(phys, mm.kpmap, TMPWINBASE, PTE_W); err != 0 {
		panic("oom in init?")
	}
	mm.wins = make(chan int, cfg.Tmpwins)
	for i := 0; i < cfg.Tmpwins; i++ {
		mm.wins <- i
	}
	return mm
}

// a new space with only the kernel mapped. it is not registered.
func (mm *Mm_t) mkvm0() (*Vm_t, defs.Err_t) {
	pm, p_pm, ok := mm.phys.Pmap_new()
	if !ok {
		return nil, -defs.ENOMEM
	}
	mm.phys.Refup(p_pm)
	mm.klock.Lock()
	copy(pm[KSLOT:], mm.kpmap[KSLOT:])
	mm.klock.Unlock()

	as := &Vm_t{}
	as.mm = mm
	as.Pmap = pm
	as.P_pmap = p_pm
	mm.Lock()
	as.Id = mm.nextid
	mm.nextid++
	mm.Unlock()
	return as, 0
}

// Mkvm creates an empty address space.
func (mm *Mm_t) Mkvm() (*Vm_t, defs.Err_t) {
	as, err := mm.mkvm0()
	if err != 0 {
		return nil, err
	}
	mm.register(as)
	return as, 0
}

func (mm *Mm_t) register(as *Vm_t) {
	mm.Lock()
	mm.spaces[as.Id] = as
	mm.Unlock()
}

func (mm *Mm_t) unregister(as *Vm_t) {
	mm.Lock()
	delete(mm.spaces, as.Id)
	mm.Unlock()
}

// live address spaces ordered by id
func (mm *Mm_t) Spaces() []*Vm_t {
	mm.Lock()
	ret := make([]*Vm_t, 0, len(mm.spaces))
	for _, as := range mm.spaces {
		ret = append(ret, as)
	}
	mm.Unlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Id < ret[j].Id })
	return ret
}

// Kmap maps n fresh kernel pages at va. Every address space sees them.
func (mm *Mm_t) Kmap(va uintptr, n int) defs.Err_t {
	end := va + uintptr(n)<<PGSHIFT
	wend := TMPWINBASE + 512<<PGSHIFT
	if va&uintptr(PGOFFSET) != 0 || n <= 0 || va < KERNBASE ||
		end > KERNBASE+1<<39 || (va < wend && end > TMPWINBASE) {
		return -defs.EINVAL
	}
	mm.klock.Lock()
	defer mm.klock.Unlock()
	for i := 0; i < n; i++ {
		cva := va + uintptr(i)<<PGSHIFT
		_, err := pmap_map(mm.phys, mm.kpmap, cva, 0, PTE_W, PTE_W, false)
		if err != 0 {
			return err
		}
	}
	return 0
}

// Sharedregion attaches as at va to the shareable region mapping bin at
// foff. Processes loading the same unmodified binary share one region; a
// binary with a new mtime gets a new region.
func (mm *Mm_t) Sharedregion(as *Vm_t, va uintptr, bin *Binary_t, foff,
	bytes int, flags Rflags_t) (*Region_t, defs.Err_t) {
	if bin == nil {
		return nil, -defs.EINVAL
	}
	key := shkey_t{bin.Path, bin.Mtime, foff, bytes}
	for {
		mm.shlock.Lock()
		r := mm.shared[key]
		created := false
		if r != nil {
			r.Lock()
			if r.dead {
				r = nil
			}
			r.Unlock()
		}
		if r == nil {
			var err defs.Err_t
			r, err = mm.Mkregion(bin, foff, bytes, PF_DEMANDLOAD,
				flags|RF_SHAREABLE)
			if err != 0 {
				mm.shlock.Unlock()
				return nil, err
			}
			r.shkey = &key
			mm.shared[key] = r
			created = true
		}
		mm.shlock.Unlock()

		// the region may die before we attach; look it up again
		err := as.Addregion(va, r)
		if err != -defs.EAGAIN {
			if err != 0 {
				if created {
					mm.unshareunused(&key, r)
				}
				return nil, err
			}
			return r, 0
		}
	}
}

// drops a region no space attached to. threads that found it meanwhile see
// it dead and look it up again.
func (mm *Mm_t) unshareunused(key *shkey_t, r *Region_t) {
	mm.shlock.Lock()
	r.Lock()
	if len(r.spaces) == 0 {
		r.dead = true
		r.cond.Broadcast()
		if mm.shared[*key] == r {
			delete(mm.shared, *key)
		}
	}
	r.Unlock()
	mm.shlock.Unlock()
}

func (mm *Mm_t) unshare(key *shkey_t, r *Region_t) {
	mm.shlock.Lock()
	if mm.shared[*key] == r {
		delete(mm.shared, *key)
	}
	mm.shlock.Unlock()
}

func (mm *Mm_t) readbacking(bin *Binary_t, off int, dst []uint8) defs.Err_t {
	if len(dst) == 0 {
		return 0
	}
	// the frame is zeroed, so a short read leaves a zero tail
	_, err := mm.vfs.Readbacking(bin, off, dst)
	if err != nil {
		mm.log.Error("demand load failed", "path", bin.Path, "off", off,
			"err", err)
		return -defs.EIO
	}
	return 0
}

func (mm *Mm_t) blkio(cmd bdev.Bdevcmd_t, blk int, pg *mem.Bytepg_t) defs.Err_t {
	if err := bdev.Rw(mm.disk, cmd, blk, pg); err != nil {
		mm.log.Error("swap i/o failed", "cmd", cmd, "block", blk, "err", err)
		return -defs.EIO
	}
	return 0
}

// copies a swap block into a newly allocated one
func (mm *Mm_t) copyblk(blk int) (int, defs.Err_t) {
	nblk := mm.Swap.Alloc(1)
	if nblk == swap.INVALID_BLOCK {
		return 0, -defs.ENOMEM
	}
	buf := &mem.Bytepg_t{}
	err := mm.blkio(bdev.BDEV_READ, blk, buf)
	if err == 0 {
		err = mm.blkio(bdev.BDEV_WRITE, nblk, buf)
	}
	if err != 0 {
		mm.Swap.Free(nblk, 1)
		return 0, err
	}
	return nblk, 0
}

// fault resolves a fault for the kernel or a process, reclaiming memory and
// retrying exactly once if it runs out.
func (mm *Mm_t) fault(as *Vm_t, va uintptr, kind Fault_t) defs.Err_t {
	err := as.Pgfault(va, kind)
	if err != -defs.ENOMEM {
		return err
	}
	mm.stats.Nretry.Inc()
	if mm.Reclaim(mm.reclaimn) == 0 {
		return err
	}
	return as.Pgfault(va, kind)
}

// Resolvepgfault is called by the trap front end. A fault that cannot be
// resolved delivers a fatal signal to the owner of as.
func (mm *Mm_t) Resolvepgfault(as *Vm_t, va uintptr, kind Fault_t) Fltres_t {
	start := time.Now()
	defer mm.stats.Faultns.Add(start)
	err := mm.fault(as, va, kind)
	if err == 0 {
		return FLT_RESOLVED
	}
	sig := fatalsig(err)
	mm.stats.Nfatal.Inc()
	mm.log.Warn("unresolved page fault", "space", as.Id, "va", va,
		"kind", kind, "err", err, "sig", sig)
	mm.sched.Fatal(as.Id, sig)
	return FLT_FATAL
}

type cowkey_t struct {
	asid defs.Asid_t
	pa   mem.Pa_t
}

// Cowcheck verifies that the ledger holds exactly one claim for every
// copy-on-write page of every live region.
func (mm *Mm_t) Cowcheck() error {
	want := make(map[cowkey_t]int)
	seen := make(map[*Region_t]bool)
	for _, as := range mm.Spaces() {
		as.Lock_pmap()
		as.Vmregion.Iter(func(vmi *Vminfo_t) {
			r := vmi.Reg
			if seen[r] {
				return
			}
			seen[r] = true
			r.Lock()
			for _, pg := range r.pgs {
				if pg.Tag == PG_RESIDENT && pg.Cow {
					want[cowkey_t{as.Id, pg.Pa}]++
				}
			}
			r.Unlock()
		})
		as.Unlock_pmap()
	}
	got := make(map[cowkey_t]int)
	mm.Cow.Iter(func(asid defs.Asid_t, pa mem.Pa_t) {
		got[cowkey_t{asid, pa}]++
	})
	for k, n := range want {
		if got[k] != n {
			return errors.Errorf("frame %#x space %d: %d cow pages, %d claims",
				k.pa, k.asid, n, got[k])
		}
	}
	for k, n := range got {
		if want[k] != n {
			return errors.Errorf("frame %#x space %d: %d cow pages, %d claims",
				k.pa, k.asid, want[k], n)
		}
	}
	return nil
}

func (mm *Mm_t) Stats() string {
	s := "vm " + stats.Stats2String(&mm.stats)
	s += "\n" + mm.Cow.Stats()
	s += "\n" + mm.Swap.Stats()
	s += "\n" + mm.disk.Stats()
	return s
}
