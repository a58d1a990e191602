package rtld

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// PageSize of the target.
const PageSize = 0x1000

// Permission of a mapping. Only the two combinations below exist.
type Permission int

const (
	// PermReadExecuteShared maps unmodified file-backed segments.
	PermReadExecuteShared Permission = iota + 1
	// PermReadWriteCopyOnWrite maps writable segments materialized via allocate and copy.
	PermReadWriteCopyOnWrite
)

func (p Permission) String() string {
	switch p {
	case PermReadExecuteShared:
		return "r-x shared"
	case PermReadWriteCopyOnWrite:
		return "rw- cow"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

type (
	// Memory is the byte-addressable view of the target address space.
	Memory interface {
		ReadAt(p []byte, addr uint64) error
		WriteAt(p []byte, addr uint64) error
	}
	// Mapper establishes page mappings. A nil mem maps anonymous zeroed memory.
	Mapper interface {
		Map(mem io.ReaderAt, offset, length, addr uint64, perm Permission) (uint64, error)
	}
	// Target is everything the loader needs from the process it links.
	Target interface {
		Memory
		Mapper
		SetThreadPointer(tp uint64) error
		Call(addr uint64) error //invoke a function of the target, used for initializers
	}
)

// byteOrder of x86-64.
var byteOrder = binary.LittleEndian

func readWord(m Memory, addr uint64) (uint64, error) {
	var b [8]byte
	if err := m.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return byteOrder.Uint64(b[:]), nil
}

func writeWord(m Memory, addr, v uint64) error {
	var b [8]byte
	byteOrder.PutUint64(b[:], v)
	return m.WriteAt(b[:], addr)
}

func readUint32(m Memory, addr uint64) (uint32, error) {
	var b [4]byte
	if err := m.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(b[:]), nil
}

// maxString bounds string reads from untrusted string tables.
const maxString = 4096

func readString(m Memory, addr uint64) (string, error) {
	buf := make([]byte, 0, 32)
	var chunk [64]byte
	for len(buf) < maxString {
		// stay inside the current page so a string ending near unmapped memory still reads
		n := uint64(len(chunk))
		if rest := PageSize - (addr+uint64(len(buf)))%PageSize; rest < n {
			n = rest
		}
		if err := m.ReadAt(chunk[:n], addr+uint64(len(buf))); err != nil {
			return "", err
		}
		for i := uint64(0); i < n; i++ {
			if chunk[i] == 0 {
				return string(append(buf, chunk[:i]...)), nil
			}
		}
		buf = append(buf, chunk[:n]...)
	}
	return "", fmt.Errorf("%w: unterminated string at %#x", ErrMalformedObject, addr)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	if r := v % align; r != 0 {
		v += align - r
	}
	return v
}

type page struct {
	data [PageSize]byte
	perm Permission
}

// AddressSpace is a simulated x86-64 process: sparse pages, a thread pointer and a call table.
//
// Calls to addresses bound with [AddressSpace.Bind] run the bound function; every call
// is recorded in order. Unbound calls are recorded only, which is how the dry-run
// linker treats native code it cannot execute.
type AddressSpace struct {
	pages map[uint64]*page
	tp    uint64
	calls []uint64
	funcs map[uint64]func() error
}

// NewAddressSpace create an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{pages: make(map[uint64]*page), funcs: make(map[uint64]func() error)}
}

func (a *AddressSpace) Map(mem io.ReaderAt, offset, length, addr uint64, perm Permission) (uint64, error) {
	if perm != PermReadExecuteShared && perm != PermReadWriteCopyOnWrite {
		return 0, fmt.Errorf("%w: %v", ErrIllegalPermissions, perm)
	}
	if addr%PageSize != 0 || length%PageSize != 0 {
		return 0, fmt.Errorf("%w: unaligned mapping %#x+%#x", ErrFault, addr, length)
	}
	if addr+length < addr {
		return 0, fmt.Errorf("%w: mapping %#x+%#x wraps", ErrFault, addr, length)
	}
	for off := uint64(0); off < length; off += PageSize {
		p := &page{perm: perm}
		if mem != nil {
			if _, err := mem.ReadAt(p.data[:], int64(offset+off)); err != nil && !errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: map %#x: %v", ErrFault, addr+off, err)
			}
		}
		a.pages[(addr+off)/PageSize] = p
	}
	return addr, nil
}

// Mapped reports whether addr lies in a mapped page and the page's permission.
func (a *AddressSpace) Mapped(addr uint64) (Permission, bool) {
	p, ok := a.pages[addr/PageSize]
	if !ok {
		return 0, false
	}
	return p.perm, true
}

func (a *AddressSpace) ReadAt(b []byte, addr uint64) error {
	for done := 0; done < len(b); {
		cur := addr + uint64(done)
		p, ok := a.pages[cur/PageSize]
		if !ok {
			return fmt.Errorf("%w: read of unmapped address %#x", ErrFault, cur)
		}
		done += copy(b[done:], p.data[cur%PageSize:])
	}
	return nil
}

func (a *AddressSpace) WriteAt(b []byte, addr uint64) error {
	for done := 0; done < len(b); {
		cur := addr + uint64(done)
		p, ok := a.pages[cur/PageSize]
		if !ok {
			return fmt.Errorf("%w: write to unmapped address %#x", ErrFault, cur)
		}
		if p.perm != PermReadWriteCopyOnWrite {
			return fmt.Errorf("%w: write to read-only address %#x", ErrFault, cur)
		}
		done += copy(p.data[cur%PageSize:], b[done:])
	}
	return nil
}

func (a *AddressSpace) SetThreadPointer(tp uint64) error {
	a.tp = tp
	return nil
}

// ThreadPointer returns the installed thread pointer, 0 before installation.
func (a *AddressSpace) ThreadPointer() uint64 {
	return a.tp
}

// Bind attaches f to the function address addr.
func (a *AddressSpace) Bind(addr uint64, f func() error) {
	a.funcs[addr] = f
}

func (a *AddressSpace) Call(addr uint64) error {
	a.calls = append(a.calls, addr)
	if f, ok := a.funcs[addr]; ok {
		return f()
	}
	return nil
}

// Calls returns every called address in call order.
func (a *AddressSpace) Calls() []uint64 {
	return append([]uint64(nil), a.calls...)
}

// Word reads a 64-bit word, a convenience for callers holding the concrete type.
func (a *AddressSpace) Word(addr uint64) (uint64, error) {
	return readWord(a, addr)
}

// Regions returns the mapped ranges coalesced by permission, in address order.
func (a *AddressSpace) Regions() []Region {
	keys := make([]uint64, 0, len(a.pages))
	for k := range a.pages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var out []Region
	for _, k := range keys {
		perm := a.pages[k].perm
		if n := len(out); n > 0 && out[n-1].End == k*PageSize && out[n-1].Perm == perm {
			out[n-1].End += PageSize
			continue
		}
		out = append(out, Region{Start: k * PageSize, End: (k + 1) * PageSize, Perm: perm})
	}
	return out
}

// Region is a run of pages sharing one permission.
type Region struct {
	Start, End uint64
	Perm       Permission
}
