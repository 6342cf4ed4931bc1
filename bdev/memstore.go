package bdev

import "sync"

import "github.com/pkg/errors"

import "vmcore/mem"

// Memstore_t keeps blocks in memory. Blocks never written read as zeros.
type Memstore_t struct {
	sync.Mutex
	blks    map[int]*mem.Bytepg_t
	bad     map[int]bool
	nblocks int
}

func Mkmemstore(nblocks int) *Memstore_t {
	ms := &Memstore_t{}
	ms.blks = make(map[int]*mem.Bytepg_t)
	ms.bad = make(map[int]bool)
	ms.nblocks = nblocks
	return ms
}

func (ms *Memstore_t) Nblocks() int {
	return ms.nblocks
}

// Fail makes every later transfer of blk return an error.
func (ms *Memstore_t) Fail(blk int) {
	ms.Lock()
	ms.bad[blk] = true
	ms.Unlock()
}

func (ms *Memstore_t) Readblk(blk int, dst *mem.Bytepg_t) error {
	ms.Lock()
	defer ms.Unlock()
	if ms.bad[blk] {
		return errors.Errorf("media error reading block %d", blk)
	}
	if b, ok := ms.blks[blk]; ok {
		*dst = *b
	} else {
		*dst = mem.Bytepg_t{}
	}
	return nil
}

func (ms *Memstore_t) Writeblk(blk int, src *mem.Bytepg_t) error {
	ms.Lock()
	defer ms.Unlock()
	if ms.bad[blk] {
		return errors.Errorf("media error writing block %d", blk)
	}
	b, ok := ms.blks[blk]
	if !ok {
		b = &mem.Bytepg_t{}
		ms.blks[blk] = b
	}
	*b = *src
	return nil
}

func (ms *Memstore_t) Flush() error {
	return nil
}
