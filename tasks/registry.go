package tasks

import (
	"fmt"
	"sync"

	"github.com/wippyai/vmbridge/errors"
)

// MaxPrograms is the capacity of a Registry.
const MaxPrograms = 8

// Program is a registered object image.
type Program struct {
	Name  string
	Image []byte
	ID    int
}

// Registry holds programs addressable by ID, as task_create refers to them.
type Registry struct {
	programs []Program
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a program or replaces the one registered under id.
func (r *Registry) Register(id int, name string, image []byte) error {
	if id <= 0 {
		return errors.InvalidInput(errors.PhaseSchedule, fmt.Sprintf("program id %d must be positive", id))
	}
	if len(image) == 0 {
		return errors.InvalidInput(errors.PhaseSchedule, fmt.Sprintf("program %d has an empty image", id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := Program{ID: id, Name: name, Image: image}
	for i := range r.programs {
		if r.programs[i].ID == id {
			r.programs[i] = p
			return nil
		}
	}
	if len(r.programs) >= MaxPrograms {
		return errors.New(errors.PhaseSchedule, errors.KindFull).
			Symbol(name).
			Detail("registry holds %d programs", MaxPrograms).
			Build()
	}
	r.programs = append(r.programs, p)
	return nil
}

// Lookup returns the program registered under id.
func (r *Registry) Lookup(id int) (Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.programs {
		if p.ID == id {
			return p, true
		}
	}
	return Program{}, false
}

// Programs returns the registered programs in registration order.
func (r *Registry) Programs() []Program {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Program(nil), r.programs...)
}
