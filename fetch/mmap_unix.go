//go:build linux || darwin || freebsd

package fetch

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapping is a read-only shared view of a whole file.
type mapping struct {
	*bytes.Reader
	data []byte
}

func mapFile(f *os.File, size int64) (*mapping, error) {
	if size == 0 {
		return &mapping{Reader: bytes.NewReader(nil)}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return &mapping{Reader: bytes.NewReader(data), data: data}, nil
}

func (m *mapping) release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
