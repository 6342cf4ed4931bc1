package boot

import "context"
import "io"
import "log/slog"

import "github.com/pkg/errors"
import "golang.org/x/sync/errgroup"

import "vmcore/bdev"
import "vmcore/config"
import "vmcore/mem"
import "vmcore/util"
import "vmcore/vm"

// Machine_t is a booted VM core with its simulated memory and swap device.
type Machine_t struct {
	Cfg  *config.Config_t
	Phys *mem.Physmem_t
	Disk *bdev.Bdev_t
	Mm   *vm.Mm_t
	Log  *slog.Logger

	store  bdev.Store_i
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Boot builds the frame allocator, the swap device and the VM core from cfg.
// The swap device runs until Shutdown or until ctx is cancelled.
func Boot(ctx context.Context, cfg *config.Config_t, vfs vm.Vfs_i,
	sched vm.Sched_i) (*Machine_t, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "boot")
	}
	m := &Machine_t{}
	m.Cfg = cfg
	m.Log = util.Mklogger(cfg.Loglevel, "vm")

	nblocks := cfg.Swapsize / mem.PGSIZE
	if cfg.Swapfile != "" {
		fs, err := bdev.Mkfilestore(cfg.Swapfile, nblocks)
		if err != nil {
			return nil, errors.Wrap(err, "boot")
		}
		m.store = fs
	} else {
		m.store = bdev.Mkmemstore(nblocks)
	}
	m.Disk = bdev.MkBdev(m.store, cfg.Diskworkers,
		util.Mklogger(cfg.Loglevel, "bdev"))
	ctx, m.cancel = context.WithCancel(ctx)
	m.eg, ctx = errgroup.WithContext(ctx)
	m.eg.Go(func() error {
		return m.Disk.Run(ctx)
	})

	m.Phys = mem.Phys_init(cfg.Frames)
	m.Mm = vm.Mkmm(cfg, m.Phys, m.Disk, vfs, sched, m.Log)
	m.Log.Info("booted", "frames", cfg.Frames, "swap", cfg.Swapsize,
		"swapfile", cfg.Swapfile)
	return m, nil
}

// Shutdown stops the swap device and closes the swap file.
func (m *Machine_t) Shutdown() error {
	m.cancel()
	err := m.eg.Wait()
	if c, ok := m.store.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	m.Log.Info("shutdown", "stats", m.Mm.Stats())
	return err
}
