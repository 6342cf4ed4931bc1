package bdev

import "io"
import "os"
import "sync"

import "github.com/pkg/errors"

import "vmcore/mem"

// Filestore_t keeps blocks in a host file, e.g. a swap file.
type Filestore_t struct {
	sync.Mutex
	f       *os.File
	nblocks int
}

// Mkfilestore opens (creating if needed) the file at path and sizes it to
// hold nblocks blocks.
func Mkfilestore(path string, nblocks int) (*Filestore_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open swap file %s", path)
	}
	if err := f.Truncate(int64(nblocks) * int64(BSIZE)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "size swap file %s", path)
	}
	fs := &Filestore_t{}
	fs.f = f
	fs.nblocks = nblocks
	return fs, nil
}

func (fs *Filestore_t) Nblocks() int {
	return fs.nblocks
}

func (fs *Filestore_t) Readblk(blk int, dst *mem.Bytepg_t) error {
	fs.Lock()
	defer fs.Unlock()
	n, err := fs.f.ReadAt(dst[:], int64(blk)*int64(BSIZE))
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return errors.Wrapf(err, "read block %d", blk)
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func (fs *Filestore_t) Writeblk(blk int, src *mem.Bytepg_t) error {
	fs.Lock()
	defer fs.Unlock()
	if _, err := fs.f.WriteAt(src[:], int64(blk)*int64(BSIZE)); err != nil {
		return errors.Wrapf(err, "write block %d", blk)
	}
	return nil
}

func (fs *Filestore_t) Flush() error {
	return errors.Wrap(fs.f.Sync(), "sync swap file")
}

func (fs *Filestore_t) Close() error {
	return errors.Wrap(fs.f.Close(), "close swap file")
}
