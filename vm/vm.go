package vm

import "time"

import "vmcore/defs"
import "vmcore/mem"

const PTE_P mem.Pa_t = 1 << 0
const PTE_W mem.Pa_t = 1 << 1
const PTE_U mem.Pa_t = 1 << 2

// our flags; bits 9-11 are ignored by the hardware
const PTE_COW mem.Pa_t = 1 << 9

const PGSHIFT uint = mem.PGSHIFT
const PGOFFSET mem.Pa_t = mem.PGOFFSET
const PGMASK mem.Pa_t = mem.PGMASK
const PTE_ADDR mem.Pa_t = PGMASK
const PTE_FLAGS mem.Pa_t = PTE_P | PTE_W | PTE_U | PTE_COW

// the lower half of the top-level table maps user memory, the upper half is
// shared by every address space and maps the kernel.
const USERMIN uintptr = 0x400000
const USEREND uintptr = 1 << 47
const KERNBASE uintptr = 0xffff800000000000

// the top-level slot holding all kernel mappings
const KSLOT = 256

// temporary mapping windows live at the start of the second kernel GB
const TMPWINBASE uintptr = KERNBASE + 1<<30

// fault kinds reported by the trap front end
type Fault_t int

const (
	FLT_NOTPRESENT Fault_t = iota
	FLT_WRITEPROT
)

func (k Fault_t) String() string {
	if k == FLT_WRITEPROT {
		return "write-protect"
	}
	return "not-present"
}

type Fltres_t int

const (
	FLT_RESOLVED Fltres_t = iota
	FLT_FATAL
)

// Sched_i delivers an unrecoverable fault to the owner of an address space.
type Sched_i interface {
	Fatal(defs.Asid_t, defs.Sig_t)
}

// Binary_t identifies a backing file. A file whose modification time no
// longer matches Mtime is a different binary.
type Binary_t struct {
	Path  string
	Mtime time.Time
}

// Vfs_i reads demand-loaded content. Readbacking returns the number of bytes
// read; a short count means the file ended.
type Vfs_i interface {
	Readbacking(bin *Binary_t, off int, dst []uint8) (int, error)
}

// the signal that kills a process whose fault failed with err
func fatalsig(err defs.Err_t) defs.Sig_t {
	switch err {
	case -defs.EIO:
		return defs.SIGBUS
	case -defs.ENOMEM:
		return defs.SIGKILL
	}
	return defs.SIGSEGV
}

func pgva(va uintptr) uintptr {
	return va &^ uintptr(PGOFFSET)
}
