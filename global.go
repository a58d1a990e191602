package rtld

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/rtld/fetch"
	"io"
	"log/slog"
	"sort"
)

// Registry owns every SharedObject of a process, one per name.
//
// Objects live in an arena addressed by [Handle]; dependency edges are handles,
// so cyclic graphs hold no owning references.
type Registry struct {
	target    Target
	transport fetch.Transport
	prefixes  []string
	nextBase  uint64
	window    uint64
	byName    map[string]Handle
	objects   []*SharedObject
	log       *slog.Logger
	verbose   bool
}

// NewRegistry create a registry fetching libraries through transport and mapping them into target.
func NewRegistry(target Target, transport fetch.Transport, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		target:    target,
		transport: transport,
		prefixes:  append([]string(nil), cfg.SearchPaths...),
		nextBase:  cfg.LibraryBase,
		window:    cfg.LibraryWindow,
		byName:    make(map[string]Handle),
		log:       logger,
		verbose:   cfg.Verbose,
	}
}

// Object by handle, nil for an unknown handle.
func (r *Registry) Object(h Handle) *SharedObject {
	if h < 0 || int(h) >= len(r.objects) {
		return nil
	}
	return r.objects[h]
}

// Lookup an object by name without fetching it.
func (r *Registry) Lookup(name string) (*SharedObject, bool) {
	h, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.objects[h], true
}

// ByModuleID finds the object owning a module identity.
func (r *Registry) ByModuleID(id uint64) (*SharedObject, error) {
	if id == 0 || id > uint64(len(r.objects)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModule, id)
	}
	return r.objects[id-1], nil
}

// Objects in registration order.
func (r *Registry) Objects() []*SharedObject {
	return append([]*SharedObject(nil), r.objects...)
}

// Names of registered objects, sorted.
func (r *Registry) Names() []string {
	n := fn.MapKeys(r.byName)
	sort.Strings(n)
	return n
}

func (r *Registry) register(o *SharedObject) error {
	if _, ok := r.byName[o.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateObject, o.Name)
	}
	o.Handle = Handle(len(r.objects))
	r.objects = append(r.objects, o)
	r.byName[o.Name] = o.Handle
	return nil
}

// InjectPreMapped registers the main executable whose segments are already mapped at base.
func (r *Registry) InjectPreMapped(name string, base, dynamic uint64) (o *SharedObject, err error) {
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateObject, name)
	}
	o = &SharedObject{Name: name, IsMain: true, Base: base, dynamic: dynamic}
	return o, r.admit(o)
}

// InjectFromHeaders registers the main executable from its program headers; segments must already be mapped.
func (r *Registry) InjectFromHeaders(name string, base uint64, phdrs []elf.Prog64, entry uint64) (o *SharedObject, err error) {
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateObject, name)
	}
	o = &SharedObject{Name: name, IsMain: true, Base: base, Entry: entry}
	if err = applyHeaders(o, phdrs); err != nil {
		return nil, err
	}
	return o, r.admit(o)
}

// admit parses, registers and then discovers dependencies of o.
func (r *Registry) admit(o *SharedObject) (err error) {
	if err = parseDynamic(r.target, o); err != nil {
		return
	}
	if err = r.register(o); err != nil {
		return
	}
	if r.verbose {
		r.log.Info("object registered", "name", o.Name, "base", fmt.Sprintf("%#x", o.Base), "handle", o.Handle)
	}
	return r.discoverDependencies(o)
}

func (r *Registry) discoverDependencies(o *SharedObject) error {
	names, err := neededNames(r.target, o)
	if err != nil {
		return err
	}
	for _, name := range names {
		dep, err := r.RequestByName(name)
		if err != nil {
			return fmt.Errorf("%s needed by %s: %w", name, o.Name, err)
		}
		o.Dependencies = append(o.Dependencies, dep.Handle)
	}
	return nil
}

// RequestByName returns the object called name, fetching and mapping it on first request.
func (r *Registry) RequestByName(name string) (o *SharedObject, err error) {
	if h, ok := r.byName[name]; ok {
		return r.objects[h], nil
	}
	o = &SharedObject{Name: name, Base: r.allocateWindow()}
	if err = r.fetch(o); err != nil {
		return nil, err
	}
	if err = r.admit(o); err != nil {
		return nil, err
	}
	return
}

func (r *Registry) allocateWindow() uint64 {
	b := r.nextBase
	r.nextBase += r.window
	return b
}

// fetch tries every search prefix in order; only a missing file moves on to the next one.
func (r *Registry) fetch(o *SharedObject) error {
	for _, prefix := range r.prefixes {
		path := prefix + o.Name
		f, err := r.transport.Open(path)
		if err != nil {
			if fetch.IsNotFound(err) {
				if r.verbose {
					r.log.Debug("library not on prefix", "path", path)
				}
				continue
			}
			return fmt.Errorf("open %s: %w", path, err)
		}
		if r.verbose {
			r.log.Info("loading library", "path", path, "base", fmt.Sprintf("%#x", o.Base))
		}
		err = r.load(o, f)
		fn.IgnoreClose(f)
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotFound, o.Name)
}

// load maps every segment of the image in f at o.Base and records its headers.
func (r *Registry) load(o *SharedObject, f fetch.File) error {
	hdr, phdrs, err := readHeaders(f, o.Name)
	if err != nil {
		return err
	}
	if hdr.Entry != 0 {
		o.Entry = o.Base + hdr.Entry
	}
	if err = applyHeaders(o, phdrs); err != nil {
		return err
	}
	return mapSegments(r.target, o, f, phdrs)
}

const (
	ehdrSize = 64
	phdrSize = 56
	maxPhdrs = 256
)

// readHeaders checks the ELF header and returns it with the program headers.
func readHeaders(f fetch.File, name string) (hdr elf.Header64, phdrs []elf.Prog64, err error) {
	var b [ehdrSize]byte
	if err = f.Seek(0); err != nil {
		return
	}
	if err = fetch.ReadFull(f, b[:]); err != nil {
		err = fmt.Errorf("%w: %s: header: %v", ErrMalformedObject, name, err)
		return
	}
	if err = binary.Read(bytes.NewReader(b[:]), byteOrder, &hdr); err != nil {
		return
	}
	switch {
	case !bytes.Equal(hdr.Ident[:4], []byte(elf.ELFMAG)):
		err = fmt.Errorf("%w: %s: bad magic", ErrMalformedObject, name)
	case elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64:
		err = fmt.Errorf("%w: %s: not a 64-bit object", ErrMalformedObject, name)
	case elf.Type(hdr.Type) != elf.ET_EXEC && elf.Type(hdr.Type) != elf.ET_DYN:
		err = fmt.Errorf("%w: %s: object type %v", ErrMalformedObject, name, elf.Type(hdr.Type))
	case hdr.Phentsize != phdrSize || hdr.Phnum > maxPhdrs:
		err = fmt.Errorf("%w: %s: program header table %d x %d", ErrMalformedObject, name, hdr.Phnum, hdr.Phentsize)
	}
	if err != nil {
		return
	}
	raw := make([]byte, int(hdr.Phnum)*phdrSize)
	if err = f.Seek(int64(hdr.Phoff)); err != nil {
		return
	}
	if err = fetch.ReadFull(f, raw); err != nil {
		err = fmt.Errorf("%w: %s: program headers: %v", ErrMalformedObject, name, err)
		return
	}
	phdrs = make([]elf.Prog64, hdr.Phnum)
	err = binary.Read(bytes.NewReader(raw), byteOrder, phdrs)
	return
}

const (
	flagsRX = elf.PF_R | elf.PF_X
	flagsRW = elf.PF_R | elf.PF_W
)

// mapSegments maps PT_LOAD segments: read-only ones straight from the file's memory
// object, writable ones as zeroed copy-on-write memory filled from the file.
func mapSegments(t Target, o *SharedObject, f fetch.File, phdrs []elf.Prog64) error {
	if o.Base%PageSize != 0 {
		return fmt.Errorf("%w: %s: base %#x is not page aligned", ErrMalformedObject, o.Name, o.Base)
	}
	var mem io.ReaderAt
	for _, ph := range phdrs {
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		misalign := ph.Vaddr % PageSize
		addr := o.Base + ph.Vaddr - misalign
		length := alignUp(misalign+ph.Memsz, PageSize)
		flags := elf.ProgFlag(ph.Flags) & (elf.PF_R | elf.PF_W | elf.PF_X)
		switch {
		case flags&elf.PF_W == 0:
			if flags != flagsRX {
				return fmt.Errorf("%w: %s: segment at %#x is %v", ErrIllegalPermissions, o.Name, ph.Vaddr, flags)
			}
			if ph.Off < misalign || (ph.Off-misalign)%PageSize != 0 {
				return fmt.Errorf("%w: %s: read-only segment at unaligned file offset %#x", ErrMalformedObject, o.Name, ph.Off)
			}
			if mem == nil {
				var err error
				if mem, err = f.Map(); err != nil {
					return fmt.Errorf("map %s: %w", o.Name, err)
				}
			}
			if _, err := t.Map(mem, ph.Off-misalign, length, addr, PermReadExecuteShared); err != nil {
				return fmt.Errorf("map %s segment %#x: %w", o.Name, ph.Vaddr, err)
			}
		case flags == flagsRW:
			if _, err := t.Map(nil, 0, length, addr, PermReadWriteCopyOnWrite); err != nil {
				return fmt.Errorf("map %s segment %#x: %w", o.Name, ph.Vaddr, err)
			}
			if ph.Filesz == 0 {
				continue
			}
			buf := make([]byte, ph.Filesz)
			if err := f.Seek(int64(ph.Off)); err != nil {
				return err
			}
			if err := fetch.ReadFull(f, buf); err != nil {
				return fmt.Errorf("%w: %s segment %#x: %v", ErrMalformedObject, o.Name, ph.Vaddr, err)
			}
			if err := t.WriteAt(buf, o.Base+ph.Vaddr); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s: segment at %#x is %v", ErrIllegalPermissions, o.Name, ph.Vaddr, flags)
		}
	}
	return nil
}
