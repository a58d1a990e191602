package rtld

import (
	"debug/elf"
	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/rtld/rtldtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestRelativeRelocation(t *testing.T) {
	lib := rtldtest.NewLibrary()
	slot := lib.Word(0)
	lib.Rela(slot, elf.R_X86_64_RELATIVE, 0, 0x10)
	w := newWorld(t).lib("libx.so", lib)
	s := w.load(rtldtest.NewExecutable(exeBase).Needed("libx.so"))
	o := w.object(s, "libx.so")
	require.Equal(t, uint64(0x41000000), o.Base)
	assert.Equal(t, uint64(0x41000010), w.word(o.Base+slot))
}

func TestAbsoluteRelocation(t *testing.T) {
	lib := rtldtest.NewLibrary()
	v := lib.Word(7)
	lib.Define("value", v, 8)
	w := newWorld(t).lib("libx.so", lib)
	exe := rtldtest.NewExecutable(exeBase).Needed("libx.so")
	slot := exe.Word(0)
	exe.Rela(slot, elf.R_X86_64_64, exe.Import("value"), 8)
	s := w.load(exe)
	assert.Equal(t, w.object(s, "libx.so").Base+v+8, w.word(slot))
}

func TestGlobDatRelocation(t *testing.T) {
	lib := rtldtest.NewLibrary()
	f := lib.Func("hello")
	w := newWorld(t).lib("libx.so", lib)
	exe := rtldtest.NewExecutable(exeBase).Needed("libx.so")
	slot := exe.Word(0)
	exe.Rela(slot, elf.R_X86_64_GLOB_DAT, exe.Import("hello"), 0)
	s := w.load(exe)
	assert.Equal(t, w.object(s, "libx.so").Base+f, w.word(slot))
}

func TestWeakUnresolvedWritesZero(t *testing.T) {
	exe := rtldtest.NewExecutable(exeBase)
	slot := exe.Word(0xdead)
	abs := exe.Word(0xdead)
	exe.Rela(slot, elf.R_X86_64_GLOB_DAT, exe.ImportWeak("missing"), 0)
	exe.Rela(abs, elf.R_X86_64_64, exe.ImportWeak("missing_too"), 0x20)
	w := newWorld(t)
	s := w.load(exe)
	require.NoError(t, s.Err())
	assert.Equal(t, uint64(0), w.word(slot))
	assert.Equal(t, uint64(0x20), w.word(abs))
	assert.Contains(t, w.logs.String(), "weak symbol unresolved")
	assert.Contains(t, w.logs.String(), "missing")
}

func TestStrongUnresolvedIsFatal(t *testing.T) {
	exe := rtldtest.NewExecutable(exeBase)
	exe.Rela(exe.Word(0), elf.R_X86_64_GLOB_DAT, exe.Import("missing"), 0)
	w := newWorld(t)
	s, main := w.spawn(exe)
	err := s.Load(main)
	assert.ErrorIs(t, err, ErrUnresolvedSymbol)
	assert.ErrorIs(t, err, ErrSessionFailed)
}

func TestLocalDefinitionDoesNotSatisfy(t *testing.T) {
	lib := rtldtest.NewLibrary()
	lib.DefineLocal("hidden", lib.Word(1), 8)
	w := newWorld(t).lib("libx.so", lib)
	exe := rtldtest.NewExecutable(exeBase).Needed("libx.so")
	exe.Rela(exe.Word(0), elf.R_X86_64_GLOB_DAT, exe.Import("hidden"), 0)
	s, main := w.spawn(exe)
	assert.ErrorIs(t, s.Load(main), ErrUnresolvedSymbol)
}

func TestUnsupportedRelocations(t *testing.T) {
	tests := []struct {
		name  string
		build func(*rtldtest.Object)
	}{
		{"pc relative", func(o *rtldtest.Object) { o.Rela(o.Word(0), elf.R_X86_64_PC32, 0, 0) }},
		{"glob dat addend", func(o *rtldtest.Object) {
			o.Rela(o.Word(0), elf.R_X86_64_GLOB_DAT, o.Define("x", o.Word(0), 8), 4)
		}},
		{"relative with symbol", func(o *rtldtest.Object) {
			o.Rela(o.Word(0), elf.R_X86_64_RELATIVE, o.Define("x", o.Word(0), 8), 0)
		}},
		{"absolute without symbol", func(o *rtldtest.Object) { o.Rela(o.Word(0), elf.R_X86_64_64, 0, 0) }},
		{"implicit addend PLT", func(o *rtldtest.Object) { o.PLT(o.Define("x", o.Word(0), 8)); o.ImplicitPLT() }},
		{"PLT type", func(o *rtldtest.Object) { o.PLTType(o.Define("x", o.Word(0), 8), elf.R_X86_64_GLOB_DAT) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exe := rtldtest.NewExecutable(exeBase)
			tt.build(exe)
			w := newWorld(t)
			s, main := w.spawn(exe)
			assert.ErrorIs(t, s.Load(main), ErrUnsupportedRelocation)
		})
	}
}

func TestPLTWithoutGOT(t *testing.T) {
	exe := rtldtest.NewExecutable(exeBase).NoGOT()
	exe.PLT(exe.Define("x", exe.Word(0), 8))
	w := newWorld(t)
	s, main := w.spawn(exe)
	assert.ErrorIs(t, s.Load(main), ErrMalformedObject)
}

// pltWorld links an executable against libp.so, which calls hello from libh.so through its PLT.
func pltWorld(t *testing.T, binding Binding) (w *world, s *Session, slot, hello uint64) {
	h := rtldtest.NewLibrary()
	hello = h.Func("hello")
	p := rtldtest.NewLibrary().Needed("libh.so")
	slot = p.PLT(p.Import("hello"))
	w = newWorld(t).lib("libh.so", h).lib("libp.so", p)
	w.cfg.Binding = binding
	s = w.load(rtldtest.NewExecutable(exeBase).Needed("libp.so"))
	return
}

func TestEagerBinding(t *testing.T) {
	w, s, slot, hello := pltWorld(t, BindEager)
	p, h := w.object(s, "libp.so"), w.object(s, "libh.so")
	assert.Equal(t, h.Base+hello, w.word(p.Base+slot))
	got := p.Base + rtldtest.GotOffset
	assert.Equal(t, p.ModuleID(), w.word(got+8))
	assert.Equal(t, uint64(trampAdr), w.word(got+16))
}

func TestLazyBinding(t *testing.T) {
	w, s, slot, hello := pltWorld(t, BindLazy)
	p, h := w.object(s, "libp.so"), w.object(s, "libh.so")
	assert.Equal(t, p.Base+rtldtest.Stub(0), w.word(p.Base+slot))
	assert.Equal(t, p.ModuleID(), w.word(p.Base+rtldtest.GotOffset+8))

	target, err := s.LazyResolve(p.ModuleID(), 0)
	require.NoError(t, err)
	assert.Equal(t, h.Base+hello, target)
	assert.Equal(t, h.Base+hello, w.word(p.Base+slot))

	_, err = s.LazyResolve(p.ModuleID(), 1)
	assert.ErrorIs(t, err, ErrMalformedObject)
	_, err = s.LazyResolve(99, 0)
	assert.ErrorIs(t, err, ErrSessionFailed)
}

// weakPltWorld links an executable against libp.so, which calls missing through its PLT.
func weakPltWorld(t *testing.T, binding Binding, weak bool) (w *world, s *Session, main *SharedObject, slot uint64) {
	p := rtldtest.NewLibrary()
	sym := p.Import("missing")
	if weak {
		sym = p.ImportWeak("missing")
	}
	slot = p.PLT(sym)
	w = newWorld(t).lib("libp.so", p)
	w.cfg.Binding = binding
	s, main = w.spawn(rtldtest.NewExecutable(exeBase).Needed("libp.so"))
	return
}

func TestEagerBindingWeakUnresolved(t *testing.T) {
	w, s, main, slot := weakPltWorld(t, BindEager, true)
	require.NoError(t, s.Load(main))
	assert.Equal(t, uint64(0), w.word(w.object(s, "libp.so").Base+slot))
	assert.Contains(t, w.logs.String(), "weak symbol unresolved")
	assert.Contains(t, w.logs.String(), "missing")
}

func TestEagerBindingStrongUnresolved(t *testing.T) {
	_, s, main, _ := weakPltWorld(t, BindEager, false)
	err := s.Load(main)
	assert.ErrorIs(t, err, ErrUnresolvedSymbol)
	assert.ErrorIs(t, err, ErrSessionFailed)
}

func TestLazyResolveWeakUnresolved(t *testing.T) {
	w, s, main, slot := weakPltWorld(t, BindLazy, true)
	require.NoError(t, s.Load(main))
	p := w.object(s, "libp.so")
	assert.Equal(t, p.Base+rtldtest.Stub(0), w.word(p.Base+slot))
	target, err := s.LazyResolve(p.ModuleID(), 0)
	require.NoError(t, err)
	assert.Zero(t, target)
	assert.Equal(t, uint64(0), w.word(p.Base+slot))
}

func TestLazyResolveUnknownModule(t *testing.T) {
	_, s, _, _ := pltWorld(t, BindLazy)
	_, err := s.LazyResolve(99, 0)
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestCopyRelocation(t *testing.T) {
	lib := rtldtest.NewLibrary()
	src := lib.Data([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	lib.Define("table", src, 12)
	exe := rtldtest.NewExecutable(exeBase).Needed("libx.so")
	dst := exe.Data(make([]byte, 16))
	idx := exe.Define("table", dst, 12)
	exe.Rela(dst, elf.R_X86_64_COPY, idx, 0)
	w := newWorld(t).lib("libx.so", lib)
	s := w.load(exe)

	got := make([]byte, 16)
	require.NoError(t, w.space.ReadAt(got, dst))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 0, 0, 0, 0}, got)

	// the executable's own definition wins ordinary lookups
	addr := fn.Panic1(s.Lookup("table"))
	assert.Equal(t, dst, addr)
}

func TestCopyRelocationUsesLocalSize(t *testing.T) {
	lib := rtldtest.NewLibrary()
	src := lib.Data([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	lib.Define("table", src, 16)
	exe := rtldtest.NewExecutable(exeBase).Needed("libx.so")
	dst := exe.Data(make([]byte, 8))
	guard := exe.Word(0xcafebabe)
	require.Equal(t, dst+8, guard)
	exe.Rela(dst, elf.R_X86_64_COPY, exe.Define("table", dst, 8), 0)
	w := newWorld(t).lib("libx.so", lib)
	w.load(exe)

	got := make([]byte, 8)
	require.NoError(t, w.space.ReadAt(got, dst))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got)
	assert.Equal(t, uint64(0xcafebabe), w.word(guard))
	assert.Contains(t, w.logs.String(), "copy size mismatch")
}

func TestCopyRelocationNeedsOtherDefinition(t *testing.T) {
	exe := rtldtest.NewExecutable(exeBase)
	dst := exe.Data(make([]byte, 8))
	exe.Rela(dst, elf.R_X86_64_COPY, exe.Define("table", dst, 8), 0)
	w := newWorld(t)
	s, main := w.spawn(exe)
	assert.ErrorIs(t, s.Load(main), ErrUnresolvedSymbol)
}
