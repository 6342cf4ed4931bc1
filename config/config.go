package config

import "encoding/json"
import "os"

import "github.com/pkg/errors"

import "vmcore/mem"

// Config_t sizes the simulated machine and the VM core's tables.
type Config_t struct {
	Frames      int    `json:"FRAMES"`        // physical frames
	Swapsize    int    `json:"SWAP_SIZE"`     // bytes, a multiple of the page size
	Swapfile    string `json:"SWAP_FILE"`     // empty means in-memory swap
	Cowshards   int    `json:"COW_SHARDS"`    // copy-on-write ledger shards
	Tmpwins     int    `json:"TMP_WINDOWS"`   // temporary mapping window slots
	Maxvma      int    `json:"MAX_VMA"`       // regions per address space
	Maxregpgs   int    `json:"MAX_REG_PAGES"` // page-state entries per region
	Reclaim     int    `json:"RECLAIM_BATCH"` // pages evicted per reclaim
	Loglevel    string `json:"LOG_LEVEL"`
	Diskworkers int    `json:"DISK_WORKERS"`
}

func Default() *Config_t {
	return &Config_t{
		Frames:      4096,
		Swapsize:    1024 * mem.PGSIZE,
		Cowshards:   16,
		Tmpwins:     4,
		Maxvma:      64,
		Maxregpgs:   1 << 18,
		Reclaim:     8,
		Loglevel:    "info",
		Diskworkers: 2,
	}
}

// Load reads a JSON configuration. Fields missing from the file keep their
// defaults.
func Load(path string) (*Config_t, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()

	cfg := Default()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func (c *Config_t) Validate() error {
	pos := []struct {
		name string
		v    int
	}{
		{"FRAMES", c.Frames},
		{"SWAP_SIZE", c.Swapsize},
		{"COW_SHARDS", c.Cowshards},
		{"TMP_WINDOWS", c.Tmpwins},
		{"MAX_VMA", c.Maxvma},
		{"MAX_REG_PAGES", c.Maxregpgs},
		{"RECLAIM_BATCH", c.Reclaim},
		{"DISK_WORKERS", c.Diskworkers},
	}
	for _, p := range pos {
		if p.v <= 0 {
			return errors.Errorf("%s must be positive, got %d", p.name, p.v)
		}
	}
	if c.Swapsize%mem.PGSIZE != 0 {
		return errors.Errorf("SWAP_SIZE %d is not a multiple of the page size",
			c.Swapsize)
	}
	// a tmp window slot must always fit in one last-level page table
	if c.Tmpwins > 512 {
		return errors.Errorf("TMP_WINDOWS %d exceeds 512", c.Tmpwins)
	}
	switch c.Loglevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("bad LOG_LEVEL %q", c.Loglevel)
	}
	return nil
}
