package vfs

import "io"
import "os"
import "path/filepath"

import "github.com/pkg/errors"

import "vmcore/vm"

// Dirfs_t serves binaries out of a host directory.
type Dirfs_t struct {
	root string
}

func Mkdirfs(root string) (*Dirfs_t, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "vfs root %s", root)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("vfs root %s is not a directory", root)
	}
	return &Dirfs_t{root: root}, nil
}

// paths are relative to the root and cannot escape it
func (fs *Dirfs_t) hostpath(path string) string {
	return filepath.Join(fs.root, filepath.Clean("/"+path))
}

// Binary describes the file at path as it is now.
func (fs *Dirfs_t) Binary(path string) (*vm.Binary_t, error) {
	fi, err := os.Stat(fs.hostpath(path))
	if err != nil {
		return nil, errors.Wrapf(err, "binary %s", path)
	}
	if !fi.Mode().IsRegular() {
		return nil, errors.Errorf("binary %s is not a regular file", path)
	}
	return &vm.Binary_t{Path: path, Mtime: fi.ModTime()}, nil
}

// Readbacking reads demand-loaded content. A file modified since bin was
// taken is a different binary and is refused.
func (fs *Dirfs_t) Readbacking(bin *vm.Binary_t, off int, dst []uint8) (int, error) {
	f, err := os.Open(fs.hostpath(bin.Path))
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", bin.Path)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", bin.Path)
	}
	if !fi.ModTime().Equal(bin.Mtime) {
		return 0, errors.Errorf("stale binary %s: modified %v, mapped %v",
			bin.Path, fi.ModTime(), bin.Mtime)
	}
	n, err := f.ReadAt(dst, int64(off))
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, errors.Wrapf(err, "read %s at %d", bin.Path, off)
	}
	return n, nil
}
