package rtld

import (
	"debug/elf"
	"errors"
	"fmt"
)

var (
	// ErrDuplicateObject occurs when an object name is injected twice.
	ErrDuplicateObject = errors.New("duplicate object")
	// ErrNotFound occurs when a library is missing on every search prefix.
	ErrNotFound = errors.New("library not found")
	// ErrMalformedObject occurs on a binary that breaks the ELF contract the loader relies on.
	ErrMalformedObject = errors.New("malformed object")
	// ErrUnsupportedRelocation occurs on relocation types or layouts the loader does not implement.
	ErrUnsupportedRelocation = errors.New("unsupported relocation")
	// ErrUnresolvedSymbol occurs when a non-weak reference has no definition in scope.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	// ErrIllegalPermissions occurs on a segment permission combination that cannot be mapped.
	ErrIllegalPermissions = errors.New("illegal combination of segment permissions")
	// ErrCyclicDependency occurs when initializer scheduling meets a dependency cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrTlsModel occurs when static TLS is referenced in an object without an initial TLS offset.
	ErrTlsModel = errors.New("object does not use the initial TLS model")
	// ErrInitOrder occurs when an object is initialized before one of its dependencies.
	ErrInitOrder = errors.New("dependency not initialized")
	// ErrFault occurs on access to unmapped or protected target memory.
	ErrFault = errors.New("memory fault")
	// ErrSessionFailed wraps the first fatal error of a session; the session refuses further work.
	ErrSessionFailed = errors.New("load session failed")
	// ErrUnknownModule occurs when a module identity does not name a registered object.
	ErrUnknownModule = errors.New("unknown module")
)

const symSize = 24 // sizeof(Elf64_Sym)

// SymbolRef is a view of one symbol table entry of one object. It owns nothing.
type SymbolRef struct {
	Object *SharedObject
	Index  uint32
	Sym    elf.Sym64
}

// Bind of the symbol.
func (r SymbolRef) Bind() elf.SymBind {
	return elf.ST_BIND(r.Sym.Info)
}

// Type of the symbol.
func (r SymbolRef) Type() elf.SymType {
	return elf.ST_TYPE(r.Sym.Info)
}

// Defined reports whether the entry carries a definition.
func (r SymbolRef) Defined() bool {
	return elf.SectionIndex(r.Sym.Shndx) != elf.SHN_UNDEF
}

// Address is the symbol's virtual address. Only meaningful for definitions.
func (r SymbolRef) Address() uint64 {
	return r.Object.Base + r.Sym.Value
}

// symbolAt reads entry idx of o's dynamic symbol table.
func symbolAt(m Memory, o *SharedObject, idx uint32) (SymbolRef, error) {
	var b [symSize]byte
	addr := o.Base + o.symbolTable + uint64(idx)*symSize
	if err := m.ReadAt(b[:], addr); err != nil {
		return SymbolRef{}, fmt.Errorf("%w: symbol %d of %s: %v", ErrMalformedObject, idx, o.Name, err)
	}
	return SymbolRef{Object: o, Index: idx, Sym: elf.Sym64{
		Name:  byteOrder.Uint32(b[0:]),
		Info:  b[4],
		Other: b[5],
		Shndx: byteOrder.Uint16(b[6:]),
		Value: byteOrder.Uint64(b[8:]),
		Size:  byteOrder.Uint64(b[16:]),
	}}, nil
}

// symbolName reads the name of r from its object's string table.
func symbolName(m Memory, r SymbolRef) (string, error) {
	if r.Sym.Name == 0 {
		return "", fmt.Errorf("%w: symbol %d of %s has no name", ErrMalformedObject, r.Index, r.Object.Name)
	}
	return readString(m, r.Object.Base+r.Object.stringTable+uint64(r.Sym.Name))
}
