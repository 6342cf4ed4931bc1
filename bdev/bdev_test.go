package bdev

import "context"
import "path/filepath"
import "testing"

import "github.com/stretchr/testify/require"
import "golang.org/x/sync/errgroup"

import "vmcore/mem"

func startdisk(t *testing.T, store Store_i, nworkers int) *Bdev_t {
	b := MkBdev(store, nworkers, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
	return b
}

func mkpg(seed uint8) *mem.Bytepg_t {
	pg := &mem.Bytepg_t{}
	for i := range pg {
		pg[i] = seed + uint8(i)
	}
	return pg
}

func testStore(t *testing.T, store Store_i) {
	b := startdisk(t, store, 2)

	var got mem.Bytepg_t
	require.NoError(t, Rw(b, BDEV_READ, 3, &got))
	require.Equal(t, mem.Bytepg_t{}, got, "unwritten block reads as zeros")

	require.NoError(t, Rw(b, BDEV_WRITE, 3, mkpg(7)))
	require.NoError(t, Rw(b, BDEV_WRITE, 0, mkpg(1)))
	require.NoError(t, Rw(b, BDEV_READ, 3, &got))
	require.Equal(t, *mkpg(7), got)
	require.NoError(t, Rw(b, BDEV_READ, 0, &got))
	require.Equal(t, *mkpg(1), got)
	require.NoError(t, Rw(b, BDEV_FLUSH, 0, nil))

	err := Rw(b, BDEV_READ, store.Nblocks(), &got)
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of range")
	require.Contains(t, b.Stats(), "#Nerr: 1")
}

func TestMemstore(t *testing.T) {
	testStore(t, Mkmemstore(8))
}

func TestFilestore(t *testing.T) {
	fs, err := Mkfilestore(filepath.Join(t.TempDir(), "swap"), 8)
	require.NoError(t, err)
	defer fs.Close()
	testStore(t, fs)
}

func TestFilestoreBadPath(t *testing.T) {
	_, err := Mkfilestore(filepath.Join(t.TempDir(), "nodir", "swap"), 8)
	require.Error(t, err)
	require.Contains(t, err.Error(), "open swap file")
}

func TestMediaError(t *testing.T) {
	ms := Mkmemstore(4)
	ms.Fail(2)
	b := startdisk(t, ms, 1)
	var pg mem.Bytepg_t
	require.Error(t, Rw(b, BDEV_READ, 2, &pg))
	require.Error(t, Rw(b, BDEV_WRITE, 2, &pg))
	require.NoError(t, Rw(b, BDEV_WRITE, 1, &pg))
}

func TestStopped(t *testing.T) {
	b := MkBdev(Mkmemstore(4), 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Run(ctx))
	var pg mem.Bytepg_t
	require.Equal(t, ErrStopped, Rw(b, BDEV_READ, 0, &pg))
}

func TestConcurrentRw(t *testing.T) {
	const nblk = 64
	b := startdisk(t, Mkmemstore(nblk), 4)
	var eg errgroup.Group
	for i := 0; i < nblk; i++ {
		blk := i
		eg.Go(func() error {
			if err := Rw(b, BDEV_WRITE, blk, mkpg(uint8(blk))); err != nil {
				return err
			}
			var got mem.Bytepg_t
			if err := Rw(b, BDEV_READ, blk, &got); err != nil {
				return err
			}
			require.Equal(t, *mkpg(uint8(blk)), got)
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}
