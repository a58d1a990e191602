package fetch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ZenLiuCN/fn"
)

// Dir serves files below a host directory, so absolute loader paths such as
// "/lib/libc.so" resolve inside a sysroot.
type Dir string

func (d Dir) Open(path string) (File, error) {
	f, err := os.Open(filepath.Join(string(d), filepath.FromSlash(path)))
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		fn.IgnoreClose(f)
		return nil, err
	}
	if st.IsDir() {
		fn.IgnoreClose(f)
		return nil, fmt.Errorf("open %s: is a directory", path)
	}
	return &dirFile{f: f, size: st.Size()}, nil
}

type dirFile struct {
	f    *os.File
	size int64
	view *mapping
}

func (d *dirFile) Seek(offset int64) error {
	_, err := d.f.Seek(offset, io.SeekStart)
	return err
}

func (d *dirFile) Read(p []byte) (int, error) {
	return d.f.Read(p)
}

func (d *dirFile) Map() (io.ReaderAt, error) {
	if d.view == nil {
		v, err := mapFile(d.f, d.size)
		if err != nil {
			return nil, err
		}
		d.view = v
	}
	return d.view, nil
}

func (d *dirFile) Close() error {
	if d.view != nil {
		if err := d.view.release(); err != nil {
			fn.IgnoreClose(d.f)
			return err
		}
		d.view = nil
	}
	return d.f.Close()
}
