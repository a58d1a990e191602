package rtld

import (
	"debug/elf"
	"fmt"
)

// readRela reads the relocation record at addr.
func readRela(m Memory, addr uint64) (r elf.Rela64, err error) {
	var b [relaEntrySize]byte
	if err = m.ReadAt(b[:], addr); err != nil {
		return
	}
	r.Off = byteOrder.Uint64(b[0:])
	r.Info = byteOrder.Uint64(b[8:])
	r.Addend = int64(byteOrder.Uint64(b[16:]))
	return
}

// table iterates the explicit-addend relocation table at off with size bytes.
func (l *Loader) table(o *SharedObject, off, size uint64, f func(elf.Rela64) error) error {
	if size%relaEntrySize != 0 {
		return fmt.Errorf("%w: %s: relocation table size %d", ErrMalformedObject, o.Name, size)
	}
	for i := uint64(0); i < size; i += relaEntrySize {
		r, err := readRela(l.target, o.Base+off+i)
		if err != nil {
			return fmt.Errorf("%w: %s: relocation %d: %v", ErrMalformedObject, o.Name, i/relaEntrySize, err)
		}
		if err = f(r); err != nil {
			return err
		}
	}
	return nil
}

// resolveFor resolves the symbol of a relocation. An unresolved weak symbol is
// reported as not found without error.
func (l *Loader) resolveFor(o *SharedObject, idx uint32, flags ResolveFlags) (sym, def SymbolRef, found bool, err error) {
	if sym, err = symbolAt(l.target, o, idx); err != nil {
		return
	}
	if def, found, err = o.scope.Resolve(sym, flags); err != nil || found {
		return
	}
	name, _ := symbolName(l.target, sym)
	if sym.Bind() != elf.STB_WEAK {
		err = fmt.Errorf("%w: %q referenced by %s", ErrUnresolvedSymbol, name, o.Name)
		return
	}
	l.log.Info("weak symbol unresolved, using zero", "symbol", name, "object", o.Name)
	return
}

// processRela applies one static relocation of o.
func (l *Loader) processRela(o *SharedObject, r elf.Rela64) error {
	typ := elf.R_X86_64(elf.R_TYPE64(r.Info))
	idx := elf.R_SYM64(r.Info)
	if typ == elf.R_X86_64_COPY {
		return nil
	}
	if typ == elf.R_X86_64_RELATIVE {
		if idx != 0 {
			return fmt.Errorf("%w: %s: R_X86_64_RELATIVE with symbol %d", ErrUnsupportedRelocation, o.Name, idx)
		}
		return writeWord(l.target, o.Base+r.Off, o.Base+uint64(r.Addend))
	}
	var (
		def   SymbolRef
		found bool
		err   error
	)
	if idx != 0 {
		if _, def, found, err = l.resolveFor(o, idx, 0); err != nil {
			return err
		}
	}
	var value uint64
	switch typ {
	case elf.R_X86_64_64:
		if idx == 0 {
			return fmt.Errorf("%w: %s: R_X86_64_64 without symbol", ErrUnsupportedRelocation, o.Name)
		}
		if found {
			value = def.Address()
		}
		value += uint64(r.Addend)
	case elf.R_X86_64_GLOB_DAT:
		if idx == 0 || r.Addend != 0 {
			return fmt.Errorf("%w: %s: R_X86_64_GLOB_DAT needs a symbol and no addend", ErrUnsupportedRelocation, o.Name)
		}
		if found {
			value = def.Address()
		}
	case elf.R_X86_64_DTPMOD64, elf.R_X86_64_DTPOFF64, elf.R_X86_64_TPOFF64:
		owner, v := o, uint64(0)
		if idx != 0 {
			if !found {
				// unresolved weak: no module and zero offset
				owner = nil
			} else {
				owner, v = def.Object, def.Sym.Value
			}
		}
		switch {
		case owner == nil:
			if typ != elf.R_X86_64_DTPMOD64 {
				value = uint64(r.Addend)
			}
		case typ == elf.R_X86_64_DTPMOD64:
			value = owner.ModuleID()
		case typ == elf.R_X86_64_DTPOFF64:
			value = v + uint64(r.Addend)
		default:
			if owner.TlsModel != TlsInitial {
				return fmt.Errorf("%w: %s referenced from %s", ErrTlsModel, owner.Name, o.Name)
			}
			value = uint64(owner.TlsOffset) + v + uint64(r.Addend)
		}
	default:
		return fmt.Errorf("%w: %s: type %v", ErrUnsupportedRelocation, o.Name, typ)
	}
	return writeWord(l.target, o.Base+r.Off, value)
}

// processStatic applies the DT_RELA table of o.
func (l *Loader) processStatic(o *SharedObject) error {
	if o.relocationsSize == 0 {
		return nil
	}
	return l.table(o, o.relocations, o.relocationsSize, func(r elf.Rela64) error {
		return l.processRela(o, r)
	})
}

// setupLazyBinding fills the reserved GOT slots and processes the PLT table.
func (l *Loader) setupLazyBinding(o *SharedObject) error {
	if o.globalOffsetTable == 0 {
		if o.lazyTableSize != 0 {
			return fmt.Errorf("%w: %s has a PLT table but no GOT", ErrMalformedObject, o.Name)
		}
		return nil
	}
	if err := writeWord(l.target, o.globalOffsetTable+8, o.ModuleID()); err != nil {
		return err
	}
	if err := writeWord(l.target, o.globalOffsetTable+16, l.trampoline); err != nil {
		return err
	}
	if o.lazyTableSize == 0 {
		return nil
	}
	if !o.lazyExplicitAddend {
		return fmt.Errorf("%w: %s: implicit addend PLT", ErrUnsupportedRelocation, o.Name)
	}
	return l.table(o, o.lazyRelocations, o.lazyTableSize, func(r elf.Rela64) error {
		if typ := elf.R_X86_64(elf.R_TYPE64(r.Info)); typ != elf.R_X86_64_JMP_SLOT {
			return fmt.Errorf("%w: %s: PLT type %v", ErrUnsupportedRelocation, o.Name, typ)
		}
		if l.binding == BindEager {
			_, err := l.bindSlot(o, r)
			return err
		}
		v, err := readWord(l.target, o.Base+r.Off)
		if err != nil {
			return err
		}
		return writeWord(l.target, o.Base+r.Off, v+o.Base)
	})
}

// bindSlot resolves a JUMP_SLOT and patches its GOT entry.
func (l *Loader) bindSlot(o *SharedObject, r elf.Rela64) (uint64, error) {
	_, def, found, err := l.resolveFor(o, elf.R_SYM64(r.Info), 0)
	if err != nil {
		return 0, err
	}
	var value uint64
	if found {
		value = def.Address()
	}
	return value, writeWord(l.target, o.Base+r.Off, value)
}

// LazyResolve binds PLT entry index of the module identified by moduleID and returns
// the target address; it is what the lazy binding trampoline calls.
func (l *Loader) LazyResolve(moduleID, index uint64) (uint64, error) {
	o, err := l.registry.ByModuleID(moduleID)
	if err != nil {
		return 0, err
	}
	if !o.linked {
		return 0, fmt.Errorf("%w: %s is not linked", ErrInitOrder, o.Name)
	}
	if (index+1)*relaEntrySize > o.lazyTableSize {
		return 0, fmt.Errorf("%w: %s: PLT index %d out of range", ErrMalformedObject, o.Name, index)
	}
	r, err := readRela(l.target, o.Base+o.lazyRelocations+index*relaEntrySize)
	if err != nil {
		return 0, err
	}
	if typ := elf.R_X86_64(elf.R_TYPE64(r.Info)); typ != elf.R_X86_64_JMP_SLOT {
		return 0, fmt.Errorf("%w: %s: PLT type %v", ErrUnsupportedRelocation, o.Name, typ)
	}
	v, err := l.bindSlot(o, r)
	if err == nil && l.verbose {
		l.log.Debug("lazy binding", "object", o.Name, "index", index, "target", fmt.Sprintf("%#x", v))
	}
	return v, err
}

// processCopies runs the COPY relocations of o against definitions in other modules.
func (l *Loader) processCopies(o *SharedObject) error {
	if o.relocationsSize == 0 {
		return nil
	}
	return l.table(o, o.relocations, o.relocationsSize, func(r elf.Rela64) error {
		if elf.R_X86_64(elf.R_TYPE64(r.Info)) != elf.R_X86_64_COPY {
			return nil
		}
		sym, err := symbolAt(l.target, o, elf.R_SYM64(r.Info))
		if err != nil {
			return err
		}
		def, found, err := o.scope.Resolve(sym, ResolveCopy)
		if err != nil {
			return err
		}
		if !found {
			name, _ := symbolName(l.target, sym)
			return fmt.Errorf("%w: copy of %q in %s", ErrUnresolvedSymbol, name, o.Name)
		}
		size := sym.Sym.Size
		if def.Sym.Size != size {
			name, _ := symbolName(l.target, sym)
			l.log.Warn("copy size mismatch", "symbol", name, "object", o.Name, "size", size, "definition", def.Object.Name, "defined", def.Sym.Size)
			size = min(size, def.Sym.Size)
		}
		buf := make([]byte, size)
		if err = l.target.ReadAt(buf, def.Address()); err != nil {
			return err
		}
		return l.target.WriteAt(buf, o.Base+r.Off)
	})
}
