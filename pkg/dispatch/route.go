// Package dispatch is the single choke-point every operation passes
// through. A dispatch establishes the tenant context, enforces the route's
// permission, validates input, and only then runs the handler. The
// permission gate always precedes input validation so an unauthorized
// caller cannot probe input schemas.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/platinummonkey/warden/pkg/tenant"
)

// Kind separates reads from writes. Mutations get cancellation handling at
// the write boundary; queries can be abandoned freely.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// Input is a route's validated input contract
type Input interface {
	Validate() map[string]string
}

// Handler executes a route's business logic with an established tenant
// context in ctx and input that already passed validation.
type Handler func(ctx context.Context, tc *tenant.Context, input Input) (interface{}, error)

// Route defines one operation. Exactly one of Permission or SelfService
// must be set: a route either names the permission that gates it, or
// declares that its handler independently verifies the acting user is the
// subject of the operation.
type Route struct {
	Name        string
	Kind        Kind
	Permission  string
	SelfService bool

	// TenantRequired rejects dispatch when no tenant resolves. Routes that
	// operate before a tenant exists, such as accepting an invitation,
	// leave it false.
	TenantRequired bool

	// CrossTenant elevates the context past tenant scoping. Reserved for
	// system administration routes; every elevation is audited.
	CrossTenant bool

	// NewInput returns a zero value of the route's input contract to
	// decode into. Nil means the route takes no input.
	NewInput func() Input

	Handler Handler
}

// Registry is the route table. It is populated at process start and
// read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	sealed bool
	routes map[string]*Route
}

// NewRegistry creates an empty route table
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]*Route)}
}

// Register adds a route. It rejects duplicates and routes that neither
// name a permission nor declare themselves self-service, so a forgotten
// gate fails at startup instead of at request time.
func (r *Registry) Register(route *Route) error {
	if route.Name == "" {
		return fmt.Errorf("route name is required")
	}
	if route.Kind != KindQuery && route.Kind != KindMutation {
		return fmt.Errorf("route %s: kind must be query or mutation", route.Name)
	}
	if route.Handler == nil {
		return fmt.Errorf("route %s: handler is required", route.Name)
	}
	if route.Permission == "" && !route.SelfService {
		return fmt.Errorf("route %s: requires a permission or an explicit self-service declaration", route.Name)
	}
	if route.Permission != "" && route.SelfService {
		return fmt.Errorf("route %s: cannot be both permissioned and self-service", route.Name)
	}
	if route.CrossTenant && route.Permission == "" {
		return fmt.Errorf("route %s: cross-tenant routes must be permissioned", route.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("route %s: registry is sealed", route.Name)
	}
	if _, exists := r.routes[route.Name]; exists {
		return fmt.Errorf("route %s: already registered", route.Name)
	}
	r.routes[route.Name] = route
	return nil
}

// MustRegister registers a route and panics on error. Used in startup
// route tables.
func (r *Registry) MustRegister(route *Route) {
	if err := r.Register(route); err != nil {
		panic(err)
	}
}

// Seal marks the table read-only. Registration after Seal is an error.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Lookup finds a route by name
func (r *Registry) Lookup(name string) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[name]
	return route, ok
}

// Names returns the registered route names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	return names
}
