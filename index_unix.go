//go:build unix

package ibstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapIndex maps an index file read-only. The returned release function
// unmaps it.
func mapIndex(path string, useMmap bool) ([]byte, func() error, error) {
	if !useMmap {
		return readIndex(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if info.Size() == 0 {
		return nil, func() error { return nil }, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED) //nolint:gosec // fd fits in int
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
