package rtld

import (
	"bytes"
	"github.com/ZenLiuCN/rtld/fetch"
	"github.com/ZenLiuCN/rtld/rtldtest"
	"github.com/stretchr/testify/require"
	"testing"
)

const (
	exePath  = "/bin/app"
	exeBase  = 0x400000
	libBase  = 0x41000000
	libStep  = 0x1000000
	tlsBase  = 0x7f0000000000
	trampAdr = 0x7ffff000
)

// world is one simulated process with its file system.
type world struct {
	t     *testing.T
	files *fetch.Mem
	space *AddressSpace
	cfg   Config
	logs  *bytes.Buffer
	calls []string
}

func newWorld(t *testing.T) *world {
	cfg := DefaultConfig()
	cfg.Verbose = true
	cfg.Trampoline = trampAdr
	return &world{t: t, files: fetch.NewMem(), space: NewAddressSpace(), cfg: cfg, logs: new(bytes.Buffer)}
}

func (w *world) lib(name string, o *rtldtest.Object) *world {
	w.files.Put("/lib/"+name, o.Bytes())
	return w
}

func (w *world) session() *Session {
	s, err := NewSession(w.cfg, w.space, w.files, NewLogger("debug", "text", w.logs))
	require.NoError(w.t, err)
	return s
}

// spawn maps exe and returns the session with its main object.
func (w *world) spawn(exe *rtldtest.Object) (*Session, *SharedObject) {
	w.files.Put(exePath, exe.Bytes())
	s := w.session()
	main, err := s.Spawn(exePath)
	require.NoError(w.t, err)
	return s, main
}

// load spawns exe and loads it.
func (w *world) load(exe *rtldtest.Object) *Session {
	s, main := w.spawn(exe)
	require.NoError(w.t, s.Load(main))
	return s
}

// trace records name whenever the function at addr is called.
func (w *world) trace(addr uint64, name string) {
	w.space.Bind(addr, func() error {
		w.calls = append(w.calls, name)
		return nil
	})
}

func (w *world) word(addr uint64) uint64 {
	v, err := w.space.Word(addr)
	require.NoError(w.t, err)
	return v
}

func (w *world) object(s *Session, name string) *SharedObject {
	o, ok := s.Registry().Lookup(name)
	require.True(w.t, ok, name)
	return o
}

// premap maps a whole image writable at base, as process creation would have.
func (w *world) premap(img []byte, base uint64) {
	_, err := w.space.Map(bytes.NewReader(img), 0, alignUp(uint64(len(img)), PageSize), base, PermReadWriteCopyOnWrite)
	require.NoError(w.t, err)
}
