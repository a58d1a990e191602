package rtld

import (
	"fmt"
	"log/slog"
	"strings"
)

// Binding policy of PLT entries.
type Binding int

const (
	BindEager Binding = iota //resolve every PLT entry while linking
	BindLazy                 //leave PLT entries to the trampoline
)

func (b Binding) String() string {
	if b == BindLazy {
		return "lazy"
	}
	return "eager"
}

// Loader drives linking: link queue, relocation, init scheduling and initializers.
//
// Use Steps:
//
//  1. [Loader.Enqueue] the main object.
//  2. [Loader.PlanStaticTls] once the queue is known.
//  3. [Loader.LinkAll] then [Loader.CopyAll].
//  4. [Loader.InstallTls] and [Loader.InitAll].
type Loader struct {
	registry   *Registry
	scope      *Scope
	target     Target
	binding    Binding
	trampoline uint64
	linkQueue  []Handle
	enqueued   map[Handle]struct{}
	initQueue  []Handle
	linked     []Handle
	initOrder  []Handle
	tls        *TlsLayout
	log        *slog.Logger
	verbose    bool
}

// NewLoader create a loader linking objects of r against scope.
func NewLoader(r *Registry, scope *Scope, cfg Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry:   r,
		scope:      scope,
		target:     r.target,
		binding:    cfg.Binding,
		trampoline: cfg.Trampoline,
		enqueued:   make(map[Handle]struct{}),
		log:        logger,
		verbose:    cfg.Verbose,
	}
}

// Enqueue o and, recursively, its dependencies. Visited objects are skipped.
func (l *Loader) Enqueue(o *SharedObject) {
	if _, ok := l.enqueued[o.Handle]; ok {
		return
	}
	l.enqueued[o.Handle] = struct{}{}
	l.linkQueue = append(l.linkQueue, o.Handle)
	for _, h := range o.Dependencies {
		if d := l.registry.Object(h); d != nil {
			l.Enqueue(d)
		}
	}
}

// Queue returns the pending link queue.
func (l *Loader) Queue() []Handle {
	return append([]Handle(nil), l.linkQueue...)
}

// LinkAll drains the link queue: relocations, lazy binding setup and init scheduling.
func (l *Loader) LinkAll() error {
	for len(l.linkQueue) > 0 {
		o := l.registry.Object(l.linkQueue[0])
		l.linkQueue = l.linkQueue[1:]
		o.scope = l.scope
		if err := l.processStatic(o); err != nil {
			return err
		}
		if err := l.setupLazyBinding(o); err != nil {
			return err
		}
		if !o.scheduledForInit {
			if err := l.scheduleInit(o); err != nil {
				return err
			}
		}
		o.linked = true
		l.linked = append(l.linked, o.Handle)
		if l.verbose {
			l.log.Info("object linked", "name", o.Name)
		}
	}
	return nil
}

// scheduleInit places o after all its dependencies in the init queue.
func (l *Loader) scheduleInit(o *SharedObject) error {
	o.onInitStack = true
	for _, h := range o.Dependencies {
		d := l.registry.Object(h)
		if d.onInitStack {
			return fmt.Errorf("%w: %s -> %s", ErrCyclicDependency, o.Name, d.Name)
		}
		if d.scheduledForInit {
			continue
		}
		if err := l.scheduleInit(d); err != nil {
			return err
		}
	}
	o.onInitStack = false
	o.scheduledForInit = true
	l.initQueue = append(l.initQueue, o.Handle)
	return nil
}

// CopyAll runs copy relocations of every linked object in link order.
func (l *Loader) CopyAll() error {
	for _, h := range l.linked {
		if err := l.processCopies(l.registry.Object(h)); err != nil {
			return err
		}
	}
	return nil
}

// InitAll runs DT_INIT then DT_INIT_ARRAY of every scheduled object in queue order.
func (l *Loader) InitAll() error {
	for len(l.initQueue) > 0 {
		o := l.registry.Object(l.initQueue[0])
		l.initQueue = l.initQueue[1:]
		if o.initialized {
			continue
		}
		if !o.linked {
			return fmt.Errorf("%w: %s is not linked", ErrInitOrder, o.Name)
		}
		for _, h := range o.Dependencies {
			if d := l.registry.Object(h); !d.initialized {
				return fmt.Errorf("%w: %s before %s", ErrInitOrder, o.Name, d.Name)
			}
		}
		if err := l.initialize(o); err != nil {
			return err
		}
		o.initialized = true
		l.initOrder = append(l.initOrder, o.Handle)
		if l.verbose {
			l.log.Info("object initialized", "name", o.Name)
		}
	}
	return nil
}

func (l *Loader) initialize(o *SharedObject) error {
	if o.initFunction != 0 {
		if err := l.target.Call(o.Base + o.initFunction); err != nil {
			return fmt.Errorf("init %s: %w", o.Name, err)
		}
	}
	if o.initArraySize%8 != 0 {
		return fmt.Errorf("%w: %s: DT_INIT_ARRAYSZ %d", ErrMalformedObject, o.Name, o.initArraySize)
	}
	for i := uint64(0); i < o.initArraySize; i += 8 {
		fp, err := readWord(l.target, o.Base+o.initArray+i)
		if err != nil {
			return fmt.Errorf("init %s: %w", o.Name, err)
		}
		if err = l.target.Call(fp); err != nil {
			return fmt.Errorf("init %s: %w", o.Name, err)
		}
	}
	return nil
}

// LinkOrder returns the names of linked objects in link order.
func (l *Loader) LinkOrder() []string {
	return l.names(l.linked)
}

// InitOrder returns the names of initialized objects in initializer order.
func (l *Loader) InitOrder() []string {
	return l.names(l.initOrder)
}

func (l *Loader) names(hs []Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = l.registry.Object(h).Name
	}
	return out
}

// Summary renders link and init order on one line each.
func (l *Loader) Summary() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "link: %s\n", strings.Join(l.LinkOrder(), " "))
	fmt.Fprintf(b, "init: %s\n", strings.Join(l.InitOrder(), " "))
	return b.String()
}
