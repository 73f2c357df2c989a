/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package di is a small service container used to assemble the application
// root. Registrations carry a lifetime: SINGLETON values are built once per
// container and TRANSIENT values on every resolution, while SCOPED values are
// built once per Scope opened with NewScope. Factories receive a Resolver so
// construction can recurse into dependencies, and the container reports
// circular registrations with the full dependency chain in the error.
//
// Command, query, and event handlers live in their own registries, so a
// handler never collides with a plain service of the same name. Nothing in
// this package is process-global: the container is created at startup and
// passed down.
package di

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/bus"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// Lifetime controls how resolved values are cached.
type Lifetime string

const (
	// Singleton services are constructed at most once per container.
	Singleton Lifetime = "SINGLETON"
	// Transient services are constructed on every resolution.
	Transient Lifetime = "TRANSIENT"
	// Scoped services are constructed once per Scope and are not resolvable
	// directly on the container.
	Scoped Lifetime = "SCOPED"
)

// Factory builds a service, pulling its dependencies through the Resolver it
// is handed.
type Factory[T any] func(r Resolver) (T, error)

// Resolver resolves registered services. The Container, the Scopes it opens,
// and the argument passed to factories all satisfy it.
type Resolver interface {
	site() (*Container, *Scope, []reflect.Type)
}

// Container holds service registrations and singleton values, plus the
// command, query, and event handler registries.
type Container struct {
	log *zap.Logger

	mu            sync.RWMutex
	registrations map[reflect.Type]*registration
	singletons    map[reflect.Type]interface{}

	commands *bus.CommandBus
	queries  *bus.QueryBus
	events   *bus.EventBus
}

type registration struct {
	lifetime Lifetime
	build    func(r Resolver) (interface{}, error)
}

func New(log *zap.Logger) *Container {
	return &Container{
		log:           log.Named("di"),
		registrations: map[reflect.Type]*registration{},
		singletons:    map[reflect.Type]interface{}{},
		commands:      bus.NewCommandBus(log),
		queries:       bus.NewQueryBus(log),
		events:        bus.NewEventBus(log),
	}
}

// Commands is the command handler registry.
func (c *Container) Commands() *bus.CommandBus { return c.commands }

// Queries is the query handler registry.
func (c *Container) Queries() *bus.QueryBus { return c.queries }

// Events is the event handler registry.
func (c *Container) Events() *bus.EventBus { return c.events }

// NewScope opens a resolution scope with its own cache for SCOPED services.
// Singletons remain shared with the container.
func (c *Container) NewScope() *Scope {
	return &Scope{container: c, cache: map[reflect.Type]interface{}{}}
}

func (c *Container) site() (*Container, *Scope, []reflect.Type) { return c, nil, nil }

// Scope caches SCOPED services for one unit of work. Scopes are cheap; open
// one per dispatch and drop it when done.
type Scope struct {
	container *Container

	mu    sync.Mutex
	cache map[reflect.Type]interface{}
}

func (s *Scope) site() (*Container, *Scope, []reflect.Type) { return s.container, s, nil }

// resolution is the Resolver handed to factories. It carries the in-flight
// chain so recursive construction keeps cycle detection intact.
type resolution struct {
	container *Container
	scope     *Scope
	chain     []reflect.Type
}

func (r *resolution) site() (*Container, *Scope, []reflect.Type) {
	return r.container, r.scope, r.chain
}

// RegisterFactory registers a factory for T under the given lifetime.
func RegisterFactory[T any](c *Container, lifetime Lifetime, factory Factory[T]) error {
	if factory == nil {
		return errors.Newf(errors.KindConfiguration, "INVALID_REGISTRATION",
			"factory for %s is nil", typeOf[T]())
	}
	return c.register(typeOf[T](), lifetime, func(r Resolver) (interface{}, error) {
		return factory(r)
	})
}

// RegisterType binds interface I to an implementation built by the factory.
// Resolving I constructs the implementation; the binding is checked at
// registration time.
func RegisterType[I any, T any](c *Container, lifetime Lifetime, factory Factory[T]) error {
	iface, impl := typeOf[I](), typeOf[T]()
	if iface.Kind() != reflect.Interface {
		return errors.Newf(errors.KindConfiguration, "INVALID_REGISTRATION",
			"binding target %s is not an interface", iface)
	}
	if !impl.AssignableTo(iface) {
		return errors.Newf(errors.KindConfiguration, "INVALID_REGISTRATION",
			"%s does not implement %s", impl, iface)
	}
	if factory == nil {
		return errors.Newf(errors.KindConfiguration, "INVALID_REGISTRATION",
			"factory for %s is nil", iface)
	}
	return c.register(iface, lifetime, func(r Resolver) (interface{}, error) {
		return factory(r)
	})
}

// RegisterInstance registers an already-built value as a singleton.
func RegisterInstance[T any](c *Container, instance T) error {
	t := typeOf[T]()
	if v := reflect.ValueOf(&instance).Elem(); nilable(v.Kind()) && v.IsNil() {
		return errors.Newf(errors.KindConfiguration, "INVALID_REGISTRATION",
			"instance for %s is nil", t)
	}
	if err := c.register(t, Singleton, func(Resolver) (interface{}, error) {
		return instance, nil
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.singletons[t] = instance
	c.mu.Unlock()
	return nil
}

func (c *Container) register(t reflect.Type, lifetime Lifetime, build func(Resolver) (interface{}, error)) error {
	switch lifetime {
	case Singleton, Transient, Scoped:
	default:
		return errors.Newf(errors.KindConfiguration, "INVALID_REGISTRATION",
			"unknown lifetime %q for %s", lifetime, t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registrations[t]; ok {
		return errors.Newf(errors.KindConfiguration, "SERVICE_ALREADY_REGISTERED",
			"service %s already registered", t)
	}
	c.registrations[t] = &registration{lifetime: lifetime, build: build}
	c.log.Debug("service registered",
		zap.String("service", t.String()),
		zap.String("lifetime", string(lifetime)))
	return nil
}

// Resolve constructs T, recursing into its dependencies and caching the
// result according to the registered lifetime.
func Resolve[T any](r Resolver) (T, error) {
	var zero T
	container, scope, chain := r.site()
	v, err := container.resolveType(scope, chain, typeOf[T]())
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, errors.Newf(errors.KindConfiguration, "SERVICE_TYPE_MISMATCH",
			"registration for %s produced %T", typeOf[T](), v)
	}
	return typed, nil
}

// ResolveOptional resolves T if it is registered. Absence is reported through
// the bool; construction failures of a registered service still error.
func ResolveOptional[T any](r Resolver) (T, bool, error) {
	var zero T
	container, _, _ := r.site()
	if !container.registered(typeOf[T]()) {
		return zero, false, nil
	}
	v, err := Resolve[T](r)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (c *Container) registered(t reflect.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.registrations[t]
	return ok
}

func (c *Container) resolveType(scope *Scope, chain []reflect.Type, t reflect.Type) (interface{}, error) {
	for _, seen := range chain {
		if seen == t {
			return nil, errors.Newf(errors.KindConfiguration, "CIRCULAR_DEPENDENCY",
				"circular dependency detected: %s", renderChain(append(chain, t)))
		}
	}
	chain = append(chain, t)

	c.mu.RLock()
	reg, ok := c.registrations[t]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.KindConfiguration, "SERVICE_NOT_REGISTERED",
			"no registration for %s", t)
	}

	switch reg.lifetime {
	case Singleton:
		c.mu.RLock()
		v, ok := c.singletons[t]
		c.mu.RUnlock()
		if ok {
			return v, nil
		}
		v, err := c.build(reg, scope, chain, t)
		if err != nil {
			return nil, err
		}
		// Two goroutines racing the first resolution may both run the
		// factory; the value stored first wins.
		c.mu.Lock()
		if winner, ok := c.singletons[t]; ok {
			v = winner
		} else {
			c.singletons[t] = v
		}
		c.mu.Unlock()
		return v, nil
	case Scoped:
		if scope == nil {
			return nil, errors.Newf(errors.KindConfiguration, "SCOPE_REQUIRED",
				"service %s is SCOPED and must be resolved through a scope", t)
		}
		scope.mu.Lock()
		v, ok := scope.cache[t]
		scope.mu.Unlock()
		if ok {
			return v, nil
		}
		v, err := c.build(reg, scope, chain, t)
		if err != nil {
			return nil, err
		}
		scope.mu.Lock()
		if winner, ok := scope.cache[t]; ok {
			v = winner
		} else {
			scope.cache[t] = v
		}
		scope.mu.Unlock()
		return v, nil
	default:
		return c.build(reg, scope, chain, t)
	}
}

func (c *Container) build(reg *registration, scope *Scope, chain []reflect.Type, t reflect.Type) (interface{}, error) {
	v, err := reg.build(&resolution{container: c, scope: scope, chain: chain})
	if err != nil {
		return nil, fmt.Errorf("constructing %s, %w", t, err)
	}
	return v, nil
}

func renderChain(chain []reflect.Type) string {
	names := make([]string, 0, len(chain))
	for _, t := range chain {
		names = append(names, t.String())
	}
	return strings.Join(names, " -> ")
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func nilable(k reflect.Kind) bool {
	switch k {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return true
	default:
		return false
	}
}
