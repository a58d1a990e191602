package rtld

import (
	"debug/elf"
	"fmt"
)

type (
	// Handle is the stable index of an object inside its [Registry].
	Handle int
	// TlsModel of an object's thread local storage.
	TlsModel int
	// SharedObject is one module of the process: its metadata and load state.
	//
	// Metadata fields are valid once the object is registered, table offsets are
	// relative to Base. Lifecycle flags only move forward:
	//
	//	unlinked -> queued -> linked -> init-scheduled -> initialized
	SharedObject struct {
		Name   string
		IsMain bool
		Base   uint64
		Handle Handle
		Entry  uint64 //absolute entry point, 0 for libraries without one

		dynamic            uint64 //absolute address of the dynamic section
		hashTable          uint64
		symbolTable        uint64
		stringTable        uint64
		stringTableSize    uint64
		globalOffsetTable  uint64 //absolute, 0 when the object has no GOT
		lazyRelocations    uint64
		lazyTableSize      uint64
		lazyExplicitAddend bool
		relocations        uint64
		relocationsSize    uint64
		relativeCount      uint64
		initFunction       uint64
		initArray          uint64
		initArraySize      uint64
		needed             []uint64 //string table offsets of DT_NEEDED

		TlsSegmentSize uint64
		TlsAlignment   uint64
		TlsImageSize   uint64
		TlsImage       uint64 //absolute address of the initialization image
		TlsModel       TlsModel
		TlsOffset      int64 //thread pointer relative, valid for TlsInitial

		Dependencies []Handle //declaration order, may be cyclic

		scope            *Scope
		linked           bool
		scheduledForInit bool
		onInitStack      bool
		initialized      bool
	}
)

const (
	TlsNone TlsModel = iota
	TlsInitial
)

func (m TlsModel) String() string {
	if m == TlsInitial {
		return "initial"
	}
	return "none"
}

// ModuleID is the identity written into GOT[1] and DTPMOD64 slots. It never is 0.
func (o *SharedObject) ModuleID() uint64 {
	return uint64(o.Handle) + 1
}

func (o *SharedObject) Linked() bool      { return o.linked }
func (o *SharedObject) Initialized() bool { return o.initialized }

// Scope the object was linked against, nil before linking.
func (o *SharedObject) Scope() *Scope { return o.scope }

func (o *SharedObject) String() string {
	return fmt.Sprintf("%s@%#x", o.Name, o.Base)
}

const (
	dynEntrySize  = 16
	relaEntrySize = 24
	maxDynEntries = 1 << 12
)

// parseDynamic records the tables of o's dynamic section. Unknown tags are fatal.
func parseDynamic(m Memory, o *SharedObject) (err error) {
	if o.dynamic == 0 {
		return fmt.Errorf("%w: %s has no dynamic section", ErrMalformedObject, o.Name)
	}
	var b [dynEntrySize]byte
	for i := 0; ; i++ {
		if i == maxDynEntries {
			return fmt.Errorf("%w: %s: dynamic section is not terminated", ErrMalformedObject, o.Name)
		}
		if err = m.ReadAt(b[:], o.dynamic+uint64(i)*dynEntrySize); err != nil {
			return fmt.Errorf("%w: %s: dynamic entry %d: %v", ErrMalformedObject, o.Name, i, err)
		}
		tag := elf.DynTag(int64(byteOrder.Uint64(b[0:])))
		val := byteOrder.Uint64(b[8:])
		switch tag {
		case elf.DT_NULL:
			return
		case elf.DT_HASH:
			o.hashTable = val
		case elf.DT_STRTAB:
			o.stringTable = val
		case elf.DT_STRSZ:
			o.stringTableSize = val
		case elf.DT_SYMTAB:
			o.symbolTable = val
		case elf.DT_SYMENT:
			if val != symSize {
				return fmt.Errorf("%w: %s: DT_SYMENT is %d", ErrMalformedObject, o.Name, val)
			}
		case elf.DT_PLTGOT:
			o.globalOffsetTable = o.Base + val
		case elf.DT_JMPREL:
			o.lazyRelocations = val
		case elf.DT_PLTRELSZ:
			o.lazyTableSize = val
		case elf.DT_PLTREL:
			switch elf.DynTag(val) {
			case elf.DT_RELA:
				o.lazyExplicitAddend = true
			case elf.DT_REL:
				o.lazyExplicitAddend = false
			default:
				return fmt.Errorf("%w: %s: DT_PLTREL is %d", ErrMalformedObject, o.Name, val)
			}
		case elf.DT_RELA:
			o.relocations = val
		case elf.DT_RELASZ:
			o.relocationsSize = val
		case elf.DT_RELAENT:
			if val != relaEntrySize {
				return fmt.Errorf("%w: %s: DT_RELAENT is %d", ErrMalformedObject, o.Name, val)
			}
		case elf.DT_RELACOUNT:
			o.relativeCount = val
		case elf.DT_INIT:
			o.initFunction = val
		case elf.DT_INIT_ARRAY:
			o.initArray = val
		case elf.DT_INIT_ARRAYSZ:
			o.initArraySize = val
		case elf.DT_NEEDED:
			o.needed = append(o.needed, val)
		case elf.DT_SONAME, elf.DT_RPATH, elf.DT_FINI, elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ, elf.DT_DEBUG,
			elf.DT_VERSYM, elf.DT_VERDEF, elf.DT_VERDEFNUM, elf.DT_VERNEED, elf.DT_VERNEEDNUM:
		default:
			return fmt.Errorf("%w: %s: unexpected dynamic tag %v", ErrMalformedObject, o.Name, tag)
		}
	}
}

// neededNames reads the DT_NEEDED names of o in declaration order.
func neededNames(m Memory, o *SharedObject) ([]string, error) {
	out := make([]string, 0, len(o.needed))
	for _, off := range o.needed {
		if o.stringTableSize != 0 && off >= o.stringTableSize {
			return nil, fmt.Errorf("%w: %s: DT_NEEDED offset %#x beyond string table", ErrMalformedObject, o.Name, off)
		}
		s, err := readString(m, o.Base+o.stringTable+off)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: DT_NEEDED: %v", ErrMalformedObject, o.Name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// applyHeaders records what the program headers tell about o without mapping anything.
func applyHeaders(o *SharedObject, phdrs []elf.Prog64) error {
	for _, ph := range phdrs {
		switch elf.ProgType(ph.Type) {
		case elf.PT_LOAD:
			if ph.Memsz == 0 {
				return fmt.Errorf("%w: %s: empty PT_LOAD at %#x", ErrMalformedObject, o.Name, ph.Vaddr)
			}
			if ph.Filesz > ph.Memsz {
				return fmt.Errorf("%w: %s: PT_LOAD at %#x has file size %#x over memory size %#x", ErrMalformedObject, o.Name, ph.Vaddr, ph.Filesz, ph.Memsz)
			}
		case elf.PT_DYNAMIC:
			o.dynamic = o.Base + ph.Vaddr
		case elf.PT_TLS:
			if ph.Filesz > ph.Memsz {
				return fmt.Errorf("%w: %s: TLS image larger than its segment", ErrMalformedObject, o.Name)
			}
			o.TlsSegmentSize = ph.Memsz
			o.TlsAlignment = ph.Align
			o.TlsImageSize = ph.Filesz
			o.TlsImage = o.Base + ph.Vaddr
		case elf.PT_INTERP, elf.PT_PHDR, elf.PT_NOTE, elf.PT_GNU_EH_FRAME, elf.PT_GNU_RELRO, elf.PT_GNU_STACK,
			elf.PT_GNU_PROPERTY:
		default:
			return fmt.Errorf("%w: %s: unexpected program header %v", ErrMalformedObject, o.Name, elf.ProgType(ph.Type))
		}
	}
	return nil
}
