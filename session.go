package rtld

import (
	"debug/elf"
	"errors"
	"fmt"
	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/rtld/fetch"
	"github.com/davecgh/go-spew/spew"
	"io"
	"log/slog"
)

// Session is the load context of one process: registry, scope and loader share it.
//
// A fatal error poisons the session, every later call returns the first one
// wrapped with [ErrSessionFailed]. Nothing is rolled back, a partially linked
// address space cannot continue.
type Session struct {
	config   Config
	target   Target
	registry *Registry
	scope    *Scope
	loader   *Loader
	log      *slog.Logger
	main     *SharedObject
	loaded   bool
	err      error
}

// NewSession create a load session over target. A nil logger uses [slog.Default].
func NewSession(cfg Config, target Target, transport fetch.Transport, logger *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry(target, transport, cfg, logger)
	scope := NewScope(r)
	return &Session{
		config:   cfg,
		target:   target,
		registry: r,
		scope:    scope,
		loader:   NewLoader(r, scope, cfg, logger),
		log:      logger,
	}, nil
}

func (s *Session) Registry() *Registry { return s.registry }
func (s *Session) Scope() *Scope       { return s.scope }
func (s *Session) Loader() *Loader     { return s.loader }
func (s *Session) Main() *SharedObject { return s.main }

// Err is the fatal error of the session, nil while healthy.
func (s *Session) Err() error { return s.err }

func (s *Session) fail(err error) error {
	if s.err == nil {
		s.err = fmt.Errorf("%w: %w", ErrSessionFailed, err)
		s.log.Error("load session failed", "error", err)
	}
	return s.err
}

// InjectPreMapped registers the already mapped main executable.
func (s *Session) InjectPreMapped(name string, base, dynamic uint64) (*SharedObject, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, err := s.registry.InjectPreMapped(name, base, dynamic)
	if err != nil {
		return nil, s.fail(err)
	}
	s.main = o
	return o, nil
}

// InjectFromHeaders registers the already mapped main executable from its program headers.
func (s *Session) InjectFromHeaders(name string, base uint64, phdrs []elf.Prog64, entry uint64) (*SharedObject, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, err := s.registry.InjectFromHeaders(name, base, phdrs, entry)
	if err != nil {
		return nil, s.fail(err)
	}
	s.main = o
	return o, nil
}

// Spawn maps the executable at path the way process creation does and injects it.
// Position independent executables get the next library window as base.
func (s *Session) Spawn(path string) (o *SharedObject, err error) {
	if s.err != nil {
		return nil, s.err
	}
	if _, ok := s.registry.Lookup(path); ok {
		return nil, s.fail(fmt.Errorf("%w: %s", ErrDuplicateObject, path))
	}
	f, err := s.registry.transport.Open(path)
	if err != nil {
		if fetch.IsNotFound(err) {
			return nil, s.fail(fmt.Errorf("%w: %s", ErrNotFound, path))
		}
		return nil, s.fail(err)
	}
	defer fn.IgnoreClose(f)
	hdr, phdrs, err := readHeaders(f, path)
	if err != nil {
		return nil, s.fail(err)
	}
	exe := &SharedObject{Name: path}
	if elf.Type(hdr.Type) == elf.ET_DYN {
		exe.Base = s.registry.allocateWindow()
	}
	if err = mapSegments(s.target, exe, f, phdrs); err != nil {
		return nil, s.fail(err)
	}
	var entry uint64
	if hdr.Entry != 0 {
		entry = exe.Base + hdr.Entry
	}
	return s.InjectFromHeaders(path, exe.Base, phdrs, entry)
}

// Load links main and everything it depends on, installs TLS and runs initializers.
func (s *Session) Load(main *SharedObject) error {
	if s.err != nil {
		return s.err
	}
	if s.loaded {
		return errors.New("session already loaded")
	}
	if main == nil || !main.IsMain {
		return fmt.Errorf("load: %v is not a main object", main)
	}
	s.loaded = true
	l := s.loader
	l.Enqueue(main)
	s.scope.Build(main)
	if s.config.Verbose {
		s.log.Info("load order", "objects", l.names(l.Queue()))
	}
	if _, err := l.PlanStaticTls(); err != nil {
		return s.fail(err)
	}
	if err := l.LinkAll(); err != nil {
		return s.fail(err)
	}
	if err := l.CopyAll(); err != nil {
		return s.fail(err)
	}
	if _, err := l.InstallTls(s.config.TlsBase); err != nil {
		return s.fail(err)
	}
	if err := l.InitAll(); err != nil {
		return s.fail(err)
	}
	if s.config.Verbose {
		s.log.Info("load complete", "init", l.InitOrder())
	}
	return nil
}

// Lookup resolves a global or weak definition in the session scope.
func (s *Session) Lookup(name string) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	r, ok, err := s.scope.ResolveName(name, nil)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnresolvedSymbol, name)
	}
	return r.Address(), nil
}

// LazyResolve binds PLT entry index of a module. A failure is fatal as for any relocation.
func (s *Session) LazyResolve(moduleID, index uint64) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	v, err := s.loader.LazyResolve(moduleID, index)
	if err != nil {
		return 0, s.fail(err)
	}
	return v, nil
}

// Dump writes objects and TLS layout for debugging.
func (s *Session) Dump(w io.Writer) {
	sp := spew.NewDefaultConfig()
	sp.MaxDepth = 2
	sp.DisablePointerAddresses = true
	sp.DisableMethods = true
	for _, o := range s.registry.Objects() {
		sp.Fdump(w, o)
	}
	if t := s.loader.Tls(); t != nil {
		sp.Fdump(w, t.InitialSize, t.ThreadPointer)
	}
}
