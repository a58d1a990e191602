/*
Package rtldtest builds small x86-64 ELF images for loader tests.

An image has a fixed layout relative to its link address:

	0x0000  ELF header, program headers, hash, dynsym, dynstr, rela, jmprel  (r-x)
	0x8000  function slots, 16 bytes each                                     (r-x)
	0x8800  PLT stubs, the initial content of lazy GOT slots                  (r-x)
	0x10000 GOT: 3 reserved slots then one per PLT entry                      (rw-)
	0x10400 data, then init array, dynamic section and TLS image              (rw-)

Every method returning an address returns it relative to the load base, which
for an executable is its absolute link address.
*/
package rtldtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	TextOffset = 0x8000
	StubOffset = 0x8800
	RxSize     = 0x9000
	RwOffset   = 0x10000
	GotOffset  = RwOffset
	DataOffset = RwOffset + 0x400

	maxFuncs = (StubOffset - TextOffset) / 16
	maxPLT   = (DataOffset-GotOffset)/8 - 3
)

type (
	symbol struct {
		name  string
		info  byte
		shndx elf.SectionIndex
		value uint64
		size  uint64
	}
	rela struct {
		off    uint64
		typ    elf.R_X86_64
		sym    uint32
		addend int64
	}
	// Object is an ELF image under construction.
	Object struct {
		typ       elf.Type
		vbase     uint64
		entry     uint64
		needed    []string
		syms      []symbol
		relas     []rela
		plts      []rela
		data      []byte
		funcs     int
		init      uint64
		initArray []uint64
		tls       []byte
		tlsMem    uint64
		tlsAlign  uint64
		buckets   uint32
		rawDyn    [][2]uint64
		extraPh   []elf.ProgType
		rxFlags   elf.ProgFlag
		rwFlags   elf.ProgFlag
		noGOT     bool
		rel       bool

		dynamic uint64
		phdrs   []elf.Prog64
	}
)

// NewLibrary create a position independent shared object.
func NewLibrary() *Object {
	return newObject(elf.ET_DYN, 0)
}

// NewExecutable create an executable linked at vbase, which must be page aligned.
func NewExecutable(vbase uint64) *Object {
	return newObject(elf.ET_EXEC, vbase)
}

func newObject(t elf.Type, vbase uint64) *Object {
	return &Object{
		typ:     t,
		vbase:   vbase,
		syms:    []symbol{{}},
		buckets: 3,
		rxFlags: elf.PF_R | elf.PF_X,
		rwFlags: elf.PF_R | elf.PF_W,
	}
}

// Needed appends DT_NEEDED entries.
func (o *Object) Needed(names ...string) *Object {
	o.needed = append(o.needed, names...)
	return o
}

// Symbol appends a raw dynamic symbol and returns its index.
func (o *Object) Symbol(name string, bind elf.SymBind, typ elf.SymType, shndx elf.SectionIndex, value, size uint64) uint32 {
	o.syms = append(o.syms, symbol{name: name, info: elf.ST_INFO(bind, typ), shndx: shndx, value: value, size: size})
	return uint32(len(o.syms) - 1)
}

// Define a global data symbol at addr.
func (o *Object) Define(name string, addr, size uint64) uint32 {
	return o.Symbol(name, elf.STB_GLOBAL, elf.STT_OBJECT, 1, addr, size)
}

// DefineWeak a weak data symbol at addr.
func (o *Object) DefineWeak(name string, addr, size uint64) uint32 {
	return o.Symbol(name, elf.STB_WEAK, elf.STT_OBJECT, 1, addr, size)
}

// DefineLocal a local data symbol at addr, which never satisfies other modules.
func (o *Object) DefineLocal(name string, addr, size uint64) uint32 {
	return o.Symbol(name, elf.STB_LOCAL, elf.STT_OBJECT, 1, addr, size)
}

// Import an undefined global symbol.
func (o *Object) Import(name string) uint32 {
	return o.Symbol(name, elf.STB_GLOBAL, elf.STT_NOTYPE, elf.SHN_UNDEF, 0, 0)
}

// ImportWeak an undefined weak symbol.
func (o *Object) ImportWeak(name string) uint32 {
	return o.Symbol(name, elf.STB_WEAK, elf.STT_NOTYPE, elf.SHN_UNDEF, 0, 0)
}

// Func allocates a function slot, defines name there when not empty and returns its address.
func (o *Object) Func(name string) uint64 {
	if o.funcs == maxFuncs {
		panic("rtldtest: too many functions")
	}
	addr := o.vbase + TextOffset + uint64(o.funcs)*16
	o.funcs++
	if name != "" {
		o.Symbol(name, elf.STB_GLOBAL, elf.STT_FUNC, 1, addr, 16)
	}
	return addr
}

// TLSVar defines a thread local symbol at offset inside the TLS block.
func (o *Object) TLSVar(name string, offset, size uint64) uint32 {
	return o.Symbol(name, elf.STB_GLOBAL, elf.STT_TLS, 1, offset, size)
}

// Data appends b to the data area, 8 byte aligned, and returns its address.
func (o *Object) Data(b []byte) uint64 {
	for len(o.data)%8 != 0 {
		o.data = append(o.data, 0)
	}
	addr := o.vbase + DataOffset + uint64(len(o.data))
	o.data = append(o.data, b...)
	return addr
}

// Word appends one 64-bit word to the data area.
func (o *Object) Word(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return o.Data(b[:])
}

// Rela appends a DT_RELA record patching addr.
func (o *Object) Rela(addr uint64, typ elf.R_X86_64, sym uint32, addend int64) *Object {
	o.relas = append(o.relas, rela{off: addr, typ: typ, sym: sym, addend: addend})
	return o
}

// PLT appends a JUMP_SLOT for sym and returns the address of its GOT slot.
func (o *Object) PLT(sym uint32) uint64 {
	return o.PLTType(sym, elf.R_X86_64_JMP_SLOT)
}

// PLTType is PLT with an arbitrary relocation type.
func (o *Object) PLTType(sym uint32, typ elf.R_X86_64) uint64 {
	if len(o.plts) == maxPLT {
		panic("rtldtest: too many PLT entries")
	}
	slot := o.vbase + GotOffset + uint64(3+len(o.plts))*8
	o.plts = append(o.plts, rela{off: slot, typ: typ, sym: sym})
	return slot
}

// Stub is the relative address a lazy GOT slot initially holds for PLT entry i.
func Stub(i int) uint64 {
	return StubOffset + uint64(i)*16
}

// Init sets DT_INIT.
func (o *Object) Init(addr uint64) *Object {
	o.init = addr
	return o
}

// InitArray appends DT_INIT_ARRAY entries; shared objects get RELATIVE relocations for them.
func (o *Object) InitArray(addrs ...uint64) *Object {
	o.initArray = append(o.initArray, addrs...)
	return o
}

// Entry sets the ELF entry point.
func (o *Object) Entry(addr uint64) *Object {
	o.entry = addr
	return o
}

// TLS gives the object a PT_TLS segment of memsz bytes starting with image.
func (o *Object) TLS(image []byte, memsz, align uint64) *Object {
	o.tls, o.tlsMem, o.tlsAlign = image, memsz, align
	return o
}

// Buckets sets the number of hash buckets, 0 leaves every bucket empty.
func (o *Object) Buckets(n uint32) *Object {
	o.buckets = n
	return o
}

// RawDyn appends a dynamic entry before the terminator.
func (o *Object) RawDyn(tag elf.DynTag, val uint64) *Object {
	o.rawDyn = append(o.rawDyn, [2]uint64{uint64(tag), val})
	return o
}

// Phdr appends an empty program header of type t.
func (o *Object) Phdr(t elf.ProgType) *Object {
	o.extraPh = append(o.extraPh, t)
	return o
}

// SegmentFlags overrides the flags of the two PT_LOAD segments.
func (o *Object) SegmentFlags(rx, rw elf.ProgFlag) *Object {
	o.rxFlags, o.rwFlags = rx, rw
	return o
}

// NoGOT drops DT_PLTGOT.
func (o *Object) NoGOT() *Object {
	o.noGOT = true
	return o
}

// ImplicitPLT declares the PLT table as DT_REL.
func (o *Object) ImplicitPLT() *Object {
	o.rel = true
	return o
}

// Dynamic is the address of the dynamic section, valid after Bytes.
func (o *Object) Dynamic() uint64 { return o.dynamic }

// Phdrs are the program headers, valid after Bytes.
func (o *Object) Phdrs() []elf.Prog64 { return o.phdrs }

// Hash is the SysV ELF hash.
func Hash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &= 0x0fffffff
	}
	return h
}

type writer struct {
	bytes.Buffer
}

func (w *writer) put(v any) {
	if err := binary.Write(&w.Buffer, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

func (w *writer) align(n int) {
	for w.Len()%n != 0 {
		w.WriteByte(0)
	}
}

// Bytes lays out the image.
func (o *Object) Bytes() []byte {
	// string table
	var str writer
	str.WriteByte(0)
	offsets := map[string]uint32{"": 0}
	name := func(s string) uint32 {
		if off, ok := offsets[s]; ok {
			return off
		}
		off := uint32(str.Len())
		str.WriteString(s)
		str.WriteByte(0)
		offsets[s] = off
		return off
	}
	needed := make([]uint32, len(o.needed))
	for i, n := range o.needed {
		needed[i] = name(n)
	}
	symNames := make([]uint32, len(o.syms))
	for i, s := range o.syms {
		symNames[i] = name(s.name)
	}
	relas := append([]rela(nil), o.relas...)
	if o.typ == elf.ET_DYN {
		// init array slots are patched at load time
		for i, fp := range o.initArray {
			relas = append(relas, rela{off: o.initArrayAddr() + uint64(i)*8, typ: elf.R_X86_64_RELATIVE, addend: int64(fp)})
		}
	}

	// read-only part
	phnum := 3 + len(o.extraPh)
	if o.tls != nil || o.tlsMem > 0 {
		phnum++
	}
	var rx writer
	rx.Write(make([]byte, 64+phnum*56))
	rx.align(8)
	hashOff := uint64(rx.Len())
	nchain := uint32(len(o.syms))
	buckets := make([]uint32, o.buckets)
	chains := make([]uint32, nchain)
	if o.buckets > 0 {
		for i := uint32(1); i < nchain; i++ {
			b := Hash(o.syms[i].name) % o.buckets
			chains[i] = buckets[b]
			buckets[b] = i
		}
	}
	rx.put(o.buckets)
	rx.put(nchain)
	rx.put(buckets)
	rx.put(chains)
	rx.align(8)
	symOff := uint64(rx.Len())
	for i, s := range o.syms {
		rx.put(elf.Sym64{Name: symNames[i], Info: s.info, Shndx: uint16(s.shndx), Value: s.value, Size: s.size})
	}
	strOff := uint64(rx.Len())
	rx.Write(str.Bytes())
	rx.align(8)
	relaOff := uint64(rx.Len())
	for _, r := range relas {
		rx.put(elf.Rela64{Off: r.off, Info: elf.R_INFO(r.sym, uint32(r.typ)), Addend: r.addend})
	}
	pltOff := uint64(rx.Len())
	for _, r := range o.plts {
		rx.put(elf.Rela64{Off: r.off, Info: elf.R_INFO(r.sym, uint32(r.typ)), Addend: r.addend})
	}
	if rx.Len() > TextOffset {
		panic(fmt.Sprintf("rtldtest: tables overflow the text area: %#x", rx.Len()))
	}
	rx.Write(make([]byte, TextOffset-rx.Len()))
	for rx.Len() < RxSize {
		rx.WriteByte(0xc3)
	}

	// writable part
	var rw writer
	for i := 0; i < (DataOffset-GotOffset)/8; i++ {
		switch {
		case i < 3:
			rw.put(uint64(0))
		case i-3 < len(o.plts):
			rw.put(o.vbase + Stub(i-3))
		default:
			rw.put(uint64(0))
		}
	}
	rw.Write(o.data)
	rw.align(8)
	initArrayOff := uint64(RwOffset + rw.Len())
	for _, fp := range o.initArray {
		if o.typ == elf.ET_DYN {
			rw.put(uint64(0))
		} else {
			rw.put(fp)
		}
	}
	dynOff := uint64(RwOffset + rw.Len())
	dyn := func(tag elf.DynTag, v uint64) {
		rw.put(int64(tag))
		rw.put(v)
	}
	for _, n := range needed {
		dyn(elf.DT_NEEDED, uint64(n))
	}
	dyn(elf.DT_HASH, o.vbase+hashOff)
	dyn(elf.DT_STRTAB, o.vbase+strOff)
	dyn(elf.DT_STRSZ, uint64(str.Len()))
	dyn(elf.DT_SYMTAB, o.vbase+symOff)
	dyn(elf.DT_SYMENT, 24)
	if len(relas) > 0 {
		dyn(elf.DT_RELA, o.vbase+relaOff)
		dyn(elf.DT_RELASZ, uint64(len(relas))*24)
		dyn(elf.DT_RELAENT, 24)
	}
	if !o.noGOT {
		dyn(elf.DT_PLTGOT, o.vbase+GotOffset)
	}
	if len(o.plts) > 0 {
		dyn(elf.DT_JMPREL, o.vbase+pltOff)
		dyn(elf.DT_PLTRELSZ, uint64(len(o.plts))*24)
		if o.rel {
			dyn(elf.DT_PLTREL, uint64(elf.DT_REL))
		} else {
			dyn(elf.DT_PLTREL, uint64(elf.DT_RELA))
		}
	}
	if o.init != 0 {
		dyn(elf.DT_INIT, o.init)
	}
	if len(o.initArray) > 0 {
		dyn(elf.DT_INIT_ARRAY, o.vbase+initArrayOff)
		dyn(elf.DT_INIT_ARRAYSZ, uint64(len(o.initArray))*8)
	}
	for _, d := range o.rawDyn {
		dyn(elf.DynTag(d[0]), d[1])
	}
	dyn(elf.DT_NULL, 0)
	rw.align(16)
	tlsOff := uint64(RwOffset + rw.Len())
	rw.Write(o.tls)

	o.dynamic = o.vbase + dynOff
	o.phdrs = o.phdrs[:0]
	o.phdrs = append(o.phdrs,
		elf.Prog64{Type: uint32(elf.PT_LOAD), Flags: uint32(o.rxFlags), Off: 0, Vaddr: o.vbase, Paddr: o.vbase,
			Filesz: RxSize, Memsz: RxSize, Align: 0x1000},
		elf.Prog64{Type: uint32(elf.PT_LOAD), Flags: uint32(o.rwFlags), Off: RwOffset, Vaddr: o.vbase + RwOffset,
			Paddr: o.vbase + RwOffset, Filesz: uint64(rw.Len()), Memsz: uint64(rw.Len()), Align: 0x1000},
		elf.Prog64{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W), Off: dynOff, Vaddr: o.dynamic,
			Paddr: o.dynamic, Filesz: tlsOff - dynOff, Memsz: tlsOff - dynOff, Align: 8},
	)
	if o.tls != nil || o.tlsMem > 0 {
		o.phdrs = append(o.phdrs, elf.Prog64{Type: uint32(elf.PT_TLS), Flags: uint32(elf.PF_R), Off: tlsOff,
			Vaddr: o.vbase + tlsOff, Paddr: o.vbase + tlsOff, Filesz: uint64(len(o.tls)), Memsz: o.tlsMem, Align: o.tlsAlign})
	}
	for _, t := range o.extraPh {
		o.phdrs = append(o.phdrs, elf.Prog64{Type: uint32(t), Flags: uint32(elf.PF_R), Align: 8})
	}

	img := make([]byte, RwOffset+rw.Len())
	copy(img, rx.Bytes())
	copy(img[RwOffset:], rw.Bytes())
	var hdr writer
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.put(elf.Header64{
		Ident:     ident,
		Type:      uint16(o.typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     o.entry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(len(o.phdrs)),
		Shentsize: 64,
	})
	hdr.put(o.phdrs)
	copy(img, hdr.Bytes())
	return img
}

// initArrayAddr predicts where Bytes places the init array.
func (o *Object) initArrayAddr() uint64 {
	n := uint64(len(o.data))
	if r := n % 8; r != 0 {
		n += 8 - r
	}
	return o.vbase + DataOffset + n
}
