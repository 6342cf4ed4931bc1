package bdev

import "context"
import "log/slog"
import "sync"

import "github.com/pkg/errors"
import "golang.org/x/sync/errgroup"

import "vmcore/mem"
import "vmcore/stats"

// block size equals the page size; block n starts at byte n*BSIZE.
const BSIZE = mem.PGSIZE

type Bdevcmd_t uint

const (
	BDEV_WRITE Bdevcmd_t = 1
	BDEV_READ  Bdevcmd_t = 2
	BDEV_FLUSH Bdevcmd_t = 3
)

func (c Bdevcmd_t) String() string {
	switch c {
	case BDEV_WRITE:
		return "write"
	case BDEV_READ:
		return "read"
	case BDEV_FLUSH:
		return "flush"
	}
	return "?"
}

var ErrStopped = errors.New("block device stopped")

type Req_t struct {
	Cmd   Bdevcmd_t
	Block int
	Data  *mem.Bytepg_t
	AckCh chan error
}

func MkRequest(cmd Bdevcmd_t, blk int, data *mem.Bytepg_t) *Req_t {
	ret := &Req_t{}
	ret.Cmd = cmd
	ret.Block = blk
	ret.Data = data
	ret.AckCh = make(chan error, 1)
	return ret
}

// Start queues the request; it returns false if the disk will never
// acknowledge it.
type Disk_i interface {
	Start(*Req_t) bool
	Stats() string
}

// Store_i is the medium behind a Bdev_t.
type Store_i interface {
	Readblk(blk int, dst *mem.Bytepg_t) error
	Writeblk(blk int, src *mem.Bytepg_t) error
	Flush() error
	Nblocks() int
}

// Rw submits one block transfer and blocks the calling thread until the
// device acknowledges it.
func Rw(d Disk_i, cmd Bdevcmd_t, blk int, data *mem.Bytepg_t) error {
	req := MkRequest(cmd, blk, data)
	if !d.Start(req) {
		return ErrStopped
	}
	return <-req.AckCh
}

type bdevstats_t struct {
	Nread  stats.Counter_t
	Nwrite stats.Counter_t
	Nflush stats.Counter_t
	Nerr   stats.Counter_t
}

// Bdev_t services requests with a fixed set of worker goroutines.
type Bdev_t struct {
	store    Store_i
	reqs     chan *Req_t
	nworkers int
	log      *slog.Logger
	stats    bdevstats_t

	// held for reading while a request is being queued
	sync.RWMutex
	stopped bool
	done    chan struct{}
}

func MkBdev(store Store_i, nworkers int, log *slog.Logger) *Bdev_t {
	if nworkers <= 0 {
		nworkers = 1
	}
	b := &Bdev_t{}
	b.store = store
	b.reqs = make(chan *Req_t, nworkers*4)
	b.nworkers = nworkers
	b.log = log
	b.done = make(chan struct{})
	return b
}

func (b *Bdev_t) Nblocks() int {
	return b.store.Nblocks()
}

func (b *Bdev_t) Start(req *Req_t) bool {
	b.RLock()
	defer b.RUnlock()
	if b.stopped {
		return false
	}
	select {
	case b.reqs <- req:
		return true
	case <-b.done:
		return false
	}
}

// Run services requests until ctx is cancelled. Requests still queued when
// the device stops are failed with ErrStopped.
func (b *Bdev_t) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.nworkers; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case req := <-b.reqs:
					b.service(req)
				}
			}
		})
	}
	err := eg.Wait()
	close(b.done)
	// wait for senders that raced with the shutdown
	b.Lock()
	b.stopped = true
	b.Unlock()
	for {
		select {
		case req := <-b.reqs:
			req.AckCh <- ErrStopped
		default:
			return err
		}
	}
}

func (b *Bdev_t) service(req *Req_t) {
	var err error
	if req.Cmd != BDEV_FLUSH && (req.Block < 0 || req.Block >= b.store.Nblocks()) {
		err = errors.Errorf("block %d out of range [0, %d)", req.Block,
			b.store.Nblocks())
	} else {
		switch req.Cmd {
		case BDEV_READ:
			b.stats.Nread.Inc()
			err = b.store.Readblk(req.Block, req.Data)
		case BDEV_WRITE:
			b.stats.Nwrite.Inc()
			err = b.store.Writeblk(req.Block, req.Data)
		case BDEV_FLUSH:
			b.stats.Nflush.Inc()
			err = b.store.Flush()
		default:
			err = errors.Errorf("bad command %d", req.Cmd)
		}
	}
	if err != nil {
		b.stats.Nerr.Inc()
		if b.log != nil {
			b.log.Error("block request failed", "cmd", req.Cmd,
				"block", req.Block, "err", err)
		}
	}
	req.AckCh <- err
}

func (b *Bdev_t) Stats() string {
	return "bdev " + stats.Stats2String(&b.stats)
}
