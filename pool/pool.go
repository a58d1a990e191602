package pool

import (
	"errors"
	"fmt"
	"github.com/ZenLiuCN/fn"
	. "github.com/ZenLiuCN/rtld"
	"slices"
	"sort"
	"sync"
)

// Pool holds loaded sessions by process name for concurrent symbol lookups.
//
// A session is read-only once loaded, so lookups only take the read lock.
type Pool struct {
	Sessions map[string]*Session
	Loaded   []*Session
	sync.RWMutex
}

var (
	ErrAlreadyLoad    = errors.New("process already loaded")
	ErrNotLoad        = errors.New("process not loaded")
	ErrMissingProcess = errors.New("process not in pool")
	ErrCorrupted      = errors.New("recording corrupted")
)

// Add a loaded, healthy session under process.
func (p *Pool) Add(process string, s *Session) error {
	if s == nil || s.Main() == nil || !s.Main().Initialized() {
		return fmt.Errorf("%w: %s", ErrNotLoad, process)
	}
	if err := s.Err(); err != nil {
		return err
	}
	p.Lock()
	defer p.Unlock()
	if _, ok := p.Sessions[process]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoad, process)
	}
	p.Sessions[process] = s
	p.Loaded = append(p.Loaded, s)
	return nil
}

// Remove the session of process.
func (p *Pool) Remove(process string) error {
	p.Lock()
	defer p.Unlock()
	return p.remove(process)
}

func (p *Pool) remove(process string) error {
	s, ok := p.Sessions[process]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoad, process)
	}
	i := slices.Index(p.Loaded, s)
	if i < 0 {
		return ErrCorrupted
	}
	delete(p.Sessions, process)
	p.Loaded = slices.Delete(p.Loaded, i, i+1)
	return nil
}

// Replace the session of process, as after a process restart.
func (p *Pool) Replace(process string, s *Session) error {
	p.Lock()
	if err := p.remove(process); err != nil {
		p.Unlock()
		return err
	}
	p.Unlock()
	return p.Add(process, s)
}

// Require fetch the address of symbol in the scope of process.
func (p *Pool) Require(process, symbol string) (uint64, error) {
	p.RLock()
	defer p.RUnlock()
	if s, ok := p.Sessions[process]; ok {
		return s.Lookup(symbol)
	}
	return 0, fmt.Errorf("%w: %s", ErrMissingProcess, process)
}

// Name of the process s is registered under.
func (p *Pool) Name(s *Session) string {
	p.RLock()
	defer p.RUnlock()
	return fn.MapKeyOf(p.Sessions, s)
}

// Processes in sorted order.
func (p *Pool) Processes() []string {
	p.RLock()
	defer p.RUnlock()
	v := fn.MapKeys(p.Sessions)
	sort.Strings(v)
	return v
}

// NewPool create new pool
func NewPool() *Pool {
	return &Pool{Sessions: make(map[string]*Session)}
}
