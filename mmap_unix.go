//go:build unix

package ziptable

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps the whole file read-only.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
}

func munmapFile(data []byte) error {
	return unix.Munmap(data)
}

// advise applies madvise to the page-aligned extent of data[off:off+n]
// within the mapping. Advice is best-effort.
func advise(data []byte, off, n, advice int) {
	if n <= 0 {
		return
	}
	page := os.Getpagesize()
	lo := off &^ (page - 1)
	hi := off + n
	if hi > len(data) {
		hi = len(data)
	}
	_ = unix.Madvise(data[lo:hi], advice)
}

const (
	adviseWillNeed = unix.MADV_WILLNEED
	adviseRandom   = unix.MADV_RANDOM
	adviseDontNeed = unix.MADV_DONTNEED
)

// touchPages walks the region sequentially to prefault it.
func touchPages(data []byte) {
	page := os.Getpagesize()
	var sink byte
	for i := 0; i < len(data); i += page {
		sink += data[i]
	}
	_ = sink
}
