package fetch

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"

	"github.com/ZenLiuCN/fn"
)

// Mem is a transport over in-memory images keyed by full path.
//
// It counts opens per path, which makes it handy to observe how often a loader fetches a file.
type Mem struct {
	mu     sync.Mutex
	files  map[string][]byte
	opens  map[string]int
	chunks int
}

// NewMem create an empty in-memory transport.
func NewMem() *Mem {
	return &Mem{files: make(map[string][]byte), opens: make(map[string]int)}
}

// Put stores an image at path, replacing any previous one.
func (m *Mem) Put(path string, image []byte) *Mem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = image
	return m
}

// Chunked limits every Read to n bytes, emulating a service that transfers partial buffers.
func (m *Mem) Chunked(n int) *Mem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = n
	return m
}

// Opens returns how many times path was opened successfully.
func (m *Mem) Opens(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[path]
}

// Paths lists stored paths in sorted order.
func (m *Mem) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := fn.MapKeys(m.files)
	sort.Strings(k)
	return k
}

func (m *Mem) Open(path string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	m.opens[path]++
	return &memFile{path: path, r: bytes.NewReader(b), chunk: m.chunks}, nil
}

type memFile struct {
	path   string
	r      *bytes.Reader
	chunk  int
	closed bool
}

func (f *memFile) Seek(offset int64) error {
	if f.closed {
		return ErrClosed
	}
	if offset < 0 || offset > f.r.Size() {
		return fmt.Errorf("seek %s: offset %d out of range", f.path, offset)
	}
	_, err := f.r.Seek(offset, io.SeekStart)
	return err
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.chunk > 0 && len(p) > f.chunk {
		p = p[:f.chunk]
	}
	return f.r.Read(p)
}

func (f *memFile) Map() (io.ReaderAt, error) {
	if f.closed {
		return nil, ErrClosed
	}
	return f.r, nil
}

func (f *memFile) Close() error {
	f.closed = true
	return nil
}
