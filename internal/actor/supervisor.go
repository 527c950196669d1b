package actor

import (
	"fmt"
	"sync"
)

// SupervisorOptions configures a supervisor.
type SupervisorOptions struct {
	// ID prefixes every child id ("<id>/<name>").
	ID string

	// OnChildCrash receives every reducer failure from every child, after
	// the child's own crash handler.
	OnChildCrash func(childID string, err error)
}

// Supervisor is a registry of named child actors. It scopes child ids under
// its own id, funnels child crashes to one handler, and can stop all
// children atomically.
type Supervisor struct {
	id           string
	onChildCrash func(childID string, err error)

	mu       sync.Mutex
	children map[string]Ref
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	return &Supervisor{
		id:           opts.ID,
		onChildCrash: opts.OnChildCrash,
		children:     make(map[string]Ref),
	}
}

// ID returns the supervisor's id.
func (s *Supervisor) ID() string { return s.id }

// Spawn creates a child actor registered under name. The child's public id
// is "<supervisor-id>/<name>". Spawning a duplicate name fails.
func Spawn[E any, S comparable](s *Supervisor, name string, opts Options[E, S]) (*Actor[E, S], error) {
	childID := s.id + "/" + name

	s.mu.Lock()
	if _, exists := s.children[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor %q: child %q already exists", s.id, name)
	}
	s.mu.Unlock()

	userCrash := opts.OnCrash
	opts.ID = childID
	opts.OnCrash = func(err error) {
		if userCrash != nil {
			userCrash(err)
		}
		if s.onChildCrash != nil {
			s.onChildCrash(childID, err)
		}
	}
	child := New(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.children[name]; exists {
		return nil, fmt.Errorf("supervisor %q: child %q already exists", s.id, name)
	}
	s.children[name] = child
	return child, nil
}

// Get returns the child registered under name, or nil.
func (s *Supervisor) Get(name string) Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[name]
}

// StopAll stops every child and clears the registry.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	children := s.children
	s.children = make(map[string]Ref)
	s.mu.Unlock()

	for _, child := range children {
		child.Stop()
	}
}
