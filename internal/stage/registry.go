package stage

import (
	"errors"
	"fmt"
	"time"

	"conveyor/internal/config"
)

// Descriptor binds a stage name to its handler and queue tuning.
type Descriptor struct {
	Name          Name
	Concurrency   int
	LeaseDuration time.Duration
	MaxAttempts   int
	// CountsTowardProgress excludes bookkeeping stages from workflow
	// progress when false.
	CountsTowardProgress bool
	Handler              Handler
}

// Registry holds the full stage chain, validated once at startup.
type Registry struct {
	descriptors map[Name]Descriptor
}

// NewRegistry validates and indexes the descriptors. Every chain stage must
// appear exactly once with a usable handler; anything else is a wiring bug
// surfaced before the first job is leased.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	byName := make(map[Name]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if _, err := ParseName(string(d.Name)); err != nil {
			return nil, err
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("stage %s registered twice", d.Name)
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("stage %s has no handler", d.Name)
		}
		if d.Concurrency < 1 {
			return nil, fmt.Errorf("stage %s concurrency must be positive", d.Name)
		}
		if d.LeaseDuration <= 0 {
			return nil, fmt.Errorf("stage %s lease duration must be positive", d.Name)
		}
		if d.MaxAttempts < 1 {
			return nil, fmt.Errorf("stage %s max attempts must be positive", d.Name)
		}
		byName[d.Name] = d
	}
	for _, name := range chain {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("stage %s is not registered", name)
		}
	}
	if len(byName) != len(chain) {
		return nil, errors.New("registry holds stages outside the chain")
	}
	return &Registry{descriptors: byName}, nil
}

// Get resolves a descriptor by stage name.
func (r *Registry) Get(name Name) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// All returns descriptors in chain order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(chain))
	for _, name := range chain {
		out = append(out, r.descriptors[name])
	}
	return out
}

// NewDescriptor applies a stage's configured tuning to its handler. The
// persist stage is bookkeeping and does not count toward progress.
func NewDescriptor(name Name, settings config.StageSettings, handler Handler) Descriptor {
	return Descriptor{
		Name:                 name,
		Concurrency:          settings.Concurrency,
		LeaseDuration:        time.Duration(settings.LeaseSeconds) * time.Second,
		MaxAttempts:          settings.MaxAttempts,
		CountsTowardProgress: name != NamePersist,
		Handler:              handler,
	}
}
