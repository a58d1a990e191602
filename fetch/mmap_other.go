//go:build !(linux || darwin || freebsd)

package fetch

import (
	"bytes"
	"io"
	"os"
)

type mapping struct {
	*bytes.Reader
}

func mapFile(f *os.File, size int64) (*mapping, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return &mapping{Reader: bytes.NewReader(data)}, nil
}

func (m *mapping) release() error { return nil }
