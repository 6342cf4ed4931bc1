package defs

// Asid_t identifies an address space. The copy-on-write ledger and regions
// record attachments and claims by Asid_t, never by pointer.
type Asid_t int

type Sig_t int

const (
	SIGKILL Sig_t = 9
	SIGBUS  Sig_t = 7
	SIGSEGV Sig_t = 11
)

func (s Sig_t) String() string {
	switch s {
	case SIGKILL:
		return "SIGKILL"
	case SIGBUS:
		return "SIGBUS"
	case SIGSEGV:
		return "SIGSEGV"
	}
	return "signal"
}
