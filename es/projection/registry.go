package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/keyfold/keysourcing/es"
)

// Registry is the lifecycle manager for named projections: it registers,
// initializes, starts and stops them. Construct one at application
// startup, register every projection, call Init then StartAll; graceful
// shutdown is Names then Stop for each (or StopAll).
type Registry struct {
	deps   Dependencies
	logger es.Logger

	mu       sync.Mutex
	handlers map[string]*Handler
	started  map[string]bool
}

// NewRegistry creates a registry whose handlers share the given stores.
func NewRegistry(deps Dependencies, logger es.Logger) *Registry {
	return &Registry{
		deps:     deps,
		logger:   logger,
		handlers: make(map[string]*Handler),
		started:  make(map[string]bool),
	}
}

// Register associates a projection with its polling configuration.
// Registering a second projection under an already taken name is an error.
func (r *Registry) Register(config HandlerConfig, projection Projection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := projection.Name()
	if name == "" {
		return fmt.Errorf("projection name must not be empty")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("projection %q already registered", name)
	}

	if config.Logger == nil {
		config.Logger = r.logger
	}
	r.handlers[name] = NewHandler(projection, config, r.deps)
	return nil
}

// Init calls Init on all registered projections. Safe to invoke on every
// process start.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, handler := range r.handlers {
		if err := handler.projection.Init(ctx, r.deps.DB); err != nil {
			return fmt.Errorf("failed to init projection %q: %w", name, err)
		}
	}
	return nil
}

// Start launches the named projection's handler. Starting an unknown name
// is an error; starting an already started projection is a no-op.
func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handler, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("projection %q not registered", name)
	}
	if r.started[name] {
		return nil
	}

	handler.Start(ctx)
	r.started[name] = true
	return nil
}

// Stop stops the named projection's handler, waiting for its in-flight
// tick. Stopping an unknown name is an error; stopping an already stopped
// projection is a no-op.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handler, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("projection %q not registered", name)
	}
	if !r.started[name] {
		return nil
	}

	// The lock is held across handler.Stop so a concurrent Start cannot
	// observe the projection as stopped while the handler still runs.
	handler.Stop()
	r.started[name] = false
	return nil
}

// StartAll starts every registered projection.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.Names() {
		if err := r.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered projection.
func (r *Registry) StopAll() {
	for _, name := range r.Names() {
		//nolint:errcheck // Names only returns registered projections
		r.Stop(name)
	}
}

// Names returns the registered projection names, sorted, for orderly
// shutdown and monitoring.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the named projection's handler for state inspection, or
// nil when the name is unknown.
func (r *Registry) Handler(name string) *Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[name]
}
