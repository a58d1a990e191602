package rtld

import (
	"debug/elf"
	"github.com/ZenLiuCN/rtld/rtldtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

// tlsWorld: the executable needs liba.so (16 bytes, align 8) then libb.so (24 bytes, align 16).
func tlsWorld(t *testing.T, exe *rtldtest.Object) (*world, *Session, *SharedObject) {
	a := rtldtest.NewLibrary().TLS([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 16, 8)
	a.TLSVar("a_var", 8, 8)
	b := rtldtest.NewLibrary().TLS([]byte{0xb0, 0xb1, 0xb2}, 24, 16)
	b.TLSVar("b_var", 0, 8)
	w := newWorld(t).lib("liba.so", a).lib("libb.so", b)
	s, main := w.spawn(exe.Needed("liba.so", "libb.so"))
	return w, s, main
}

func TestStaticTlsLayout(t *testing.T) {
	w, s, main := tlsWorld(t, rtldtest.NewExecutable(exeBase))
	l := s.Loader()
	l.Enqueue(main)
	layout, err := l.PlanStaticTls()
	require.NoError(t, err)
	a, b := w.object(s, "liba.so"), w.object(s, "libb.so")
	assert.Equal(t, int64(-16), a.TlsOffset)
	assert.Equal(t, int64(-48), b.TlsOffset)
	assert.Equal(t, uint64(48), layout.InitialSize)
	assert.Equal(t, []*SharedObject{a, b}, layout.Objects)
	assert.Equal(t, TlsInitial, a.TlsModel)
	assert.Equal(t, TlsNone, main.TlsModel)

	// disjoint, aligned and large enough
	assert.GreaterOrEqual(t, layout.InitialSize, uint64(40))
	assert.LessOrEqual(t, b.TlsOffset+int64(b.TlsSegmentSize), a.TlsOffset)
	assert.Zero(t, a.TlsOffset%8)
	assert.Zero(t, b.TlsOffset%16)

	again, err := l.PlanStaticTls()
	require.NoError(t, err)
	assert.Same(t, layout, again)
}

func TestStaticTlsRequiresMainFirst(t *testing.T) {
	w := newWorld(t).lib("libx.so", rtldtest.NewLibrary().TLS(nil, 8, 8))
	s := w.session()
	o, err := s.Registry().RequestByName("libx.so")
	require.NoError(t, err)
	l := s.Loader()
	_, err = l.PlanStaticTls()
	assert.Error(t, err)
	l.Enqueue(o)
	_, err = l.PlanStaticTls()
	assert.Error(t, err)
}

func TestStaticTlsAlignment(t *testing.T) {
	w := newWorld(t).lib("libx.so", rtldtest.NewLibrary().TLS(nil, 8, 32))
	s, main := w.spawn(rtldtest.NewExecutable(exeBase).Needed("libx.so"))
	assert.ErrorIs(t, s.Load(main), ErrMalformedObject)
}

func TestStaticTlsZeroAlignment(t *testing.T) {
	w := newWorld(t).lib("libx.so", rtldtest.NewLibrary().TLS(nil, 5, 0))
	s := w.load(rtldtest.NewExecutable(exeBase).Needed("libx.so"))
	assert.Equal(t, int64(-5), w.object(s, "libx.so").TlsOffset)
}

func TestInstallTls(t *testing.T) {
	w, s, main := tlsWorld(t, rtldtest.NewExecutable(exeBase))
	require.NoError(t, s.Load(main))
	tp := w.space.ThreadPointer()
	assert.Equal(t, uint64(tlsBase+48), tp)
	assert.Equal(t, tp, s.Loader().Tls().ThreadPointer)
	assert.Equal(t, tp, w.word(tp), "self pointer")

	block := make([]byte, 16)
	require.NoError(t, w.space.ReadAt(block, tp-16))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0, 0, 0, 0, 0}, block)
	block = make([]byte, 24)
	require.NoError(t, w.space.ReadAt(block, tp-48))
	assert.Equal(t, []byte{0xb0, 0xb1, 0xb2}, block[:3])
	assert.Equal(t, make([]byte, 21), block[3:])
}

func TestTlsRelocations(t *testing.T) {
	exe := rtldtest.NewExecutable(exeBase)
	av, bv := exe.Import("a_var"), exe.Import("b_var")
	tpoffA, tpoffB := exe.Word(0), exe.Word(0)
	modA, modSelf := exe.Word(0), exe.Word(0)
	dtpoff := exe.Word(0)
	exe.Rela(tpoffA, elf.R_X86_64_TPOFF64, av, 0).
		Rela(tpoffB, elf.R_X86_64_TPOFF64, bv, 4).
		Rela(modA, elf.R_X86_64_DTPMOD64, av, 0).
		Rela(modSelf, elf.R_X86_64_DTPMOD64, 0, 0).
		Rela(dtpoff, elf.R_X86_64_DTPOFF64, av, 0)
	w, s, main := tlsWorld(t, exe)
	require.NoError(t, s.Load(main))
	assert.Equal(t, int64(-16+8), int64(w.word(tpoffA)))
	assert.Equal(t, int64(-48+0+4), int64(w.word(tpoffB)))
	assert.Equal(t, w.object(s, "liba.so").ModuleID(), w.word(modA))
	assert.Equal(t, main.ModuleID(), w.word(modSelf))
	assert.Equal(t, uint64(8), w.word(dtpoff))
}

func TestTlsRelocationIntoObjectWithoutStaticTls(t *testing.T) {
	lib := rtldtest.NewLibrary()
	lib.TLSVar("z_var", 0, 8)
	exe := rtldtest.NewExecutable(exeBase).Needed("libz.so")
	exe.Rela(exe.Word(0), elf.R_X86_64_TPOFF64, exe.Import("z_var"), 0)
	w := newWorld(t).lib("libz.so", lib)
	s, main := w.spawn(exe)
	assert.ErrorIs(t, s.Load(main), ErrTlsModel)
}

func TestTlsRelocationUnresolved(t *testing.T) {
	exe := rtldtest.NewExecutable(exeBase)
	exe.Rela(exe.Word(0), elf.R_X86_64_DTPMOD64, exe.Import("nothing"), 0)
	s, main := newWorld(t).spawn(exe)
	assert.ErrorIs(t, s.Load(main), ErrUnresolvedSymbol)
}

func TestTlsRelocationWeakUnresolved(t *testing.T) {
	exe := rtldtest.NewExecutable(exeBase)
	mod := exe.Word(0xdead)
	off := exe.Word(0xdead)
	tp := exe.Word(0xdead)
	exe.Rela(mod, elf.R_X86_64_DTPMOD64, exe.ImportWeak("nothing"), 0)
	exe.Rela(off, elf.R_X86_64_DTPOFF64, exe.ImportWeak("nothing_off"), 0x10)
	exe.Rela(tp, elf.R_X86_64_TPOFF64, exe.ImportWeak("nothing_tp"), -8)
	w := newWorld(t)
	s := w.load(exe)
	require.NoError(t, s.Err())
	assert.Equal(t, uint64(0), w.word(mod))
	assert.Equal(t, uint64(0x10), w.word(off))
	assert.Equal(t, ^uint64(7), w.word(tp))
	assert.Contains(t, w.logs.String(), "nothing_tp")
}
