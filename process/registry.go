package process

import (
	"fmt"
	"sync"

	"github.com/manwithacat/dazzle-sub009/compensation"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/statemachine"
)

// EntityRegistration pairs an entity's table metadata with its optional
// state machine.
type EntityRegistration struct {
	Meta    storage.EntityMeta
	Machine *statemachine.Spec
}

// Registry holds everything the DSL compiler registers with an adapter:
// process specs, schedules, entity metadata, handlers and compensations.
// Safe for concurrent use; registration normally happens before
// Initialize, lookups happen on every execution.
type Registry struct {
	mu            sync.RWMutex
	processes     map[string]ProcessSpec
	schedules     map[string]ScheduleSpec
	entities      map[string]EntityRegistration
	handlers      map[string]HandlerFunc
	compensations *compensation.Registry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processes:     make(map[string]ProcessSpec),
		schedules:     make(map[string]ScheduleSpec),
		entities:      make(map[string]EntityRegistration),
		handlers:      make(map[string]HandlerFunc),
		compensations: compensation.NewRegistry(),
	}
}

// AddProcess validates and stores a process spec.
func (r *Registry) AddProcess(spec ProcessSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("process spec has no name")
	}
	for i, step := range spec.Steps {
		if step.Name == "" {
			return fmt.Errorf("process %s: step %d has no name", spec.Name, i)
		}
		switch step.Kind {
		case StepEntityCreate, StepEntityRead, StepEntityUpdate, StepEntityDelete, StepTransition:
			if step.Entity == "" {
				return fmt.Errorf("process %s: step %s (%s) names no entity", spec.Name, step.Name, step.Kind)
			}
		case StepHandler:
			if step.Handler == "" {
				return fmt.Errorf("process %s: step %s names no handler", spec.Name, step.Name)
			}
		case StepHumanTask:
			// assignee is optional
		case StepWaitSignal:
			if step.Signal == "" {
				return fmt.Errorf("process %s: step %s names no signal", spec.Name, step.Name)
			}
		case StepEmitEvent:
			if step.EventType == "" || step.Topic == "" {
				return fmt.Errorf("process %s: step %s needs an event type and topic", spec.Name, step.Name)
			}
		default:
			return fmt.Errorf("process %s: step %s has unknown kind %q", spec.Name, step.Name, step.Kind)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[spec.Name] = spec
	return nil
}

// Process looks up a registered process spec.
func (r *Registry) Process(name string) (ProcessSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.processes[name]
	return spec, ok
}

// AddSchedule validates and stores a schedule spec.
func (r *Registry) AddSchedule(spec ScheduleSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("schedule spec has no name")
	}
	if spec.ProcessName == "" {
		return fmt.Errorf("schedule %s names no process", spec.Name)
	}
	if spec.Cron == "" && spec.Interval <= 0 {
		return fmt.Errorf("schedule %s needs a cron expression or interval", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[spec.Name] = spec
	return nil
}

// Schedule looks up a registered schedule.
func (r *Registry) Schedule(name string) (ScheduleSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.schedules[name]
	return spec, ok
}

// Schedules returns all registered schedules.
func (r *Registry) Schedules() []ScheduleSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ScheduleSpec, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, s)
	}
	return out
}

// AddEntity stores entity metadata and its optional state machine.
func (r *Registry) AddEntity(meta storage.EntityMeta, machine *statemachine.Spec) error {
	if meta.Name == "" || meta.TableName == "" {
		return fmt.Errorf("entity registration needs a name and table")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[meta.Name] = EntityRegistration{Meta: meta, Machine: machine}
	return nil
}

// Entity looks up a registered entity.
func (r *Registry) Entity(name string) (EntityRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entities[name]
	return reg, ok
}

// Entities returns all registered entities.
func (r *Registry) Entities() []EntityRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntityRegistration, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	return out
}

// AddHandler registers a named handler function.
func (r *Registry) AddHandler(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Handler looks up a registered handler.
func (r *Registry) Handler(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Compensations exposes the compensation function registry.
func (r *Registry) Compensations() *compensation.Registry {
	return r.compensations
}
