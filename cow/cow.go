package cow

import "fmt"
import "sort"
import "strings"
import "sync"

import "vmcore/defs"
import "vmcore/mem"
import "vmcore/stats"

// Cowres_t tells the write-fault handler what to do with the faulting
// space's mapping.
type Cowres_t int

const (
	// no other space claims the frame; make the mapping writable in place
	COW_KEEP Cowres_t = iota
	// other spaces still share the frame; copy it
	COW_COPY
)

func (r Cowres_t) String() string {
	if r == COW_KEEP {
		return "keep"
	}
	return "copy"
}

type shard_t struct {
	sync.Mutex
	claims map[mem.Pa_t][]defs.Asid_t
}

type cowstats_t struct {
	Nadd    stats.Counter_t
	Nkeep   stats.Counter_t
	Ncopy   stats.Counter_t
	Nremove stats.Counter_t
}

// Cowledger_t records which address spaces hold a copy-on-write claim on
// which frames. Frames are spread over independently locked shards.
type Cowledger_t struct {
	shards []shard_t
	stats  cowstats_t
}

func Mkledger(nshards int) *Cowledger_t {
	if nshards <= 0 {
		nshards = 1
	}
	cl := &Cowledger_t{}
	cl.shards = make([]shard_t, nshards)
	for i := range cl.shards {
		cl.shards[i].claims = make(map[mem.Pa_t][]defs.Asid_t)
	}
	return cl
}

func khash(pa mem.Pa_t) uint32 {
	return uint32(2654435761) * mem.Pgn(pa)
}

func (cl *Cowledger_t) shard(pa mem.Pa_t) *shard_t {
	return &cl.shards[khash(pa)%uint32(len(cl.shards))]
}

// returns the index of asid in claimants or -1
func find(claimants []defs.Asid_t, asid defs.Asid_t) int {
	for i, c := range claimants {
		if c == asid {
			return i
		}
	}
	return -1
}

// removes claimants[i], dropping the frame's entry when nothing is left
func (sh *shard_t) drop(pa mem.Pa_t, i int) int {
	claimants := sh.claims[pa]
	claimants[i] = claimants[len(claimants)-1]
	claimants = claimants[:len(claimants)-1]
	if len(claimants) == 0 {
		delete(sh.claims, pa)
	} else {
		sh.claims[pa] = claimants
	}
	return len(claimants)
}

// Add registers asid's claim on the frame. A space must not claim the same
// frame twice.
func (cl *Cowledger_t) Add(asid defs.Asid_t, pa mem.Pa_t) {
	sh := cl.shard(pa)
	sh.Lock()
	defer sh.Unlock()
	// XXXPANIC
	if find(sh.claims[pa], asid) >= 0 {
		panic(fmt.Sprintf("double cow claim %v %#x", asid, pa))
	}
	sh.claims[pa] = append(sh.claims[pa], asid)
	cl.stats.Nadd.Inc()
}

// Pgfault resolves asid's claim on the frame after a write fault. The claim
// is removed unconditionally. ok is false if asid held no claim.
func (cl *Cowledger_t) Pgfault(asid defs.Asid_t, pa mem.Pa_t) (Cowres_t, bool) {
	sh := cl.shard(pa)
	sh.Lock()
	defer sh.Unlock()
	i := find(sh.claims[pa], asid)
	if i < 0 {
		return COW_COPY, false
	}
	if sh.drop(pa, i) == 0 {
		cl.stats.Nkeep.Inc()
		return COW_KEEP, true
	}
	cl.stats.Ncopy.Inc()
	return COW_COPY, true
}

// Remove clears asid's claim without a fault, e.g. when a region is torn
// down. otherremains reports whether another space still claims the frame.
func (cl *Cowledger_t) Remove(asid defs.Asid_t, pa mem.Pa_t) (removedown bool, otherremains bool) {
	sh := cl.shard(pa)
	sh.Lock()
	defer sh.Unlock()
	left := len(sh.claims[pa])
	if i := find(sh.claims[pa], asid); i >= 0 {
		left = sh.drop(pa, i)
		removedown = true
		cl.stats.Nremove.Inc()
	}
	return removedown, left > 0
}

// number of claims on the frame
func (cl *Cowledger_t) Claims(pa mem.Pa_t) int {
	sh := cl.shard(pa)
	sh.Lock()
	defer sh.Unlock()
	return len(sh.claims[pa])
}

func (cl *Cowledger_t) Claimed(asid defs.Asid_t, pa mem.Pa_t) bool {
	sh := cl.shard(pa)
	sh.Lock()
	defer sh.Unlock()
	return find(sh.claims[pa], asid) >= 0
}

// total number of claims
func (cl *Cowledger_t) Total() int {
	n := 0
	for i := range cl.shards {
		sh := &cl.shards[i]
		sh.Lock()
		for _, c := range sh.claims {
			n += len(c)
		}
		sh.Unlock()
	}
	return n
}

// Iter calls f for every claim, one shard at a time. f must not call back
// into the ledger.
func (cl *Cowledger_t) Iter(f func(asid defs.Asid_t, pa mem.Pa_t)) {
	for i := range cl.shards {
		sh := &cl.shards[i]
		sh.Lock()
		for pa, c := range sh.claims {
			for _, asid := range c {
				f(asid, pa)
			}
		}
		sh.Unlock()
	}
}

func (cl *Cowledger_t) String() string {
	type ent struct {
		pa   mem.Pa_t
		asid defs.Asid_t
	}
	var ents []ent
	cl.Iter(func(asid defs.Asid_t, pa mem.Pa_t) {
		ents = append(ents, ent{pa, asid})
	})
	sort.Slice(ents, func(i, j int) bool {
		if ents[i].pa != ents[j].pa {
			return ents[i].pa < ents[j].pa
		}
		return ents[i].asid < ents[j].asid
	})
	var b strings.Builder
	b.WriteString("COW-Frames:\n")
	for _, e := range ents {
		fmt.Fprintf(&b, "\tframe=%#x, space=%d\n", e.pa, e.asid)
	}
	return b.String()
}

func (cl *Cowledger_t) Stats() string {
	return "cow " + stats.Stats2String(&cl.stats)
}
