package rtld

import (
	"debug/elf"
	"fmt"
)

// ResolveFlags alter a [Scope.Resolve] request.
type ResolveFlags int

const (
	// ResolveCopy skips the requesting object, a copy relocation binds to another module's definition.
	ResolveCopy ResolveFlags = 1 << iota
)

// Scope is the ordered, duplicate free list of objects searched to resolve a symbol.
type Scope struct {
	registry *Registry
	objects  []*SharedObject
	present  map[*SharedObject]struct{}
}

// NewScope create an empty scope over the objects of r.
func NewScope(r *Registry) *Scope {
	return &Scope{registry: r, present: make(map[*SharedObject]struct{})}
}

// Build appends root and its dependencies in depth first pre-order.
func (s *Scope) Build(root *SharedObject) {
	if _, ok := s.present[root]; ok {
		return
	}
	s.present[root] = struct{}{}
	s.objects = append(s.objects, root)
	for _, h := range root.Dependencies {
		if d := s.registry.Object(h); d != nil {
			s.Build(d)
		}
	}
}

// Objects in search order.
func (s *Scope) Objects() []*SharedObject {
	return append([]*SharedObject(nil), s.objects...)
}

func (s *Scope) Contains(o *SharedObject) bool {
	_, ok := s.present[o]
	return ok
}

// Resolve finds the first definition of ref's symbol in scope order.
func (s *Scope) Resolve(ref SymbolRef, flags ResolveFlags) (SymbolRef, bool, error) {
	name, err := symbolName(s.registry.target, ref)
	if err != nil {
		return SymbolRef{}, false, err
	}
	var exclude *SharedObject
	if flags&ResolveCopy != 0 {
		exclude = ref.Object
	}
	return s.ResolveName(name, exclude)
}

// ResolveName resolves a plain name, skipping exclude when not nil.
func (s *Scope) ResolveName(name string, exclude *SharedObject) (SymbolRef, bool, error) {
	h := elfHash(name)
	for _, o := range s.objects {
		if o == exclude {
			continue
		}
		r, ok, err := lookup(s.registry.target, o, name, h)
		if err != nil || ok {
			return r, ok, err
		}
	}
	return SymbolRef{}, false, nil
}

// elfHash is the SysV ELF hash.
func elfHash(name string) uint32 {
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

// lookup searches o's hash table for a GLOBAL or WEAK definition of name.
func lookup(m Memory, o *SharedObject, name string, hash uint32) (SymbolRef, bool, error) {
	if o.hashTable == 0 {
		return SymbolRef{}, false, nil
	}
	table := o.Base + o.hashTable
	nbucket, err := readUint32(m, table)
	if err != nil {
		return SymbolRef{}, false, fmt.Errorf("%w: %s: hash table: %v", ErrMalformedObject, o.Name, err)
	}
	nchain, err := readUint32(m, table+4)
	if err != nil {
		return SymbolRef{}, false, fmt.Errorf("%w: %s: hash table: %v", ErrMalformedObject, o.Name, err)
	}
	if nbucket == 0 {
		return SymbolRef{}, false, nil
	}
	buckets := table + 8
	chains := buckets + 4*uint64(nbucket)
	idx, err := readUint32(m, buckets+4*uint64(hash%nbucket))
	if err != nil {
		return SymbolRef{}, false, fmt.Errorf("%w: %s: hash bucket: %v", ErrMalformedObject, o.Name, err)
	}
	for steps := uint32(0); idx != 0; steps++ {
		if idx >= nchain || steps >= nchain {
			return SymbolRef{}, false, fmt.Errorf("%w: %s: hash chain out of range at %d", ErrMalformedObject, o.Name, idx)
		}
		c, err := symbolAt(m, o, idx)
		if err != nil {
			return SymbolRef{}, false, err
		}
		if c.Defined() && c.Sym.Name != 0 && (c.Bind() == elf.STB_GLOBAL || c.Bind() == elf.STB_WEAK) {
			n, err := symbolName(m, c)
			if err != nil {
				return SymbolRef{}, false, err
			}
			if n == name {
				return c, true, nil
			}
		}
		if idx, err = readUint32(m, chains+4*uint64(idx)); err != nil {
			return SymbolRef{}, false, fmt.Errorf("%w: %s: hash chain: %v", ErrMalformedObject, o.Name, err)
		}
	}
	return SymbolRef{}, false, nil
}
