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

package storage

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

// Registry tracks the storage backends that initialized successfully. Startup
// registers every backend it can bring up and resolves the configured one by
// name, so a broken secondary backend degrades to a warning instead of
// refusing to boot.
type Registry struct {
	log *zap.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:       log.Named("storage"),
		factories: map[string]Factory{},
	}
}

// Register records a named backend. A duplicate name is a wiring mistake.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Newf(errors.KindConfiguration, "BACKEND_ALREADY_REGISTERED",
			"storage backend %q is already registered", name)
	}
	r.factories[name] = factory
	r.log.Info("registered storage backend", zap.String("backend", name))
	return nil
}

// Factory returns the factory registered under name.
func (r *Registry) Factory(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.Newf(errors.KindConfiguration, "BACKEND_NOT_REGISTERED",
			"storage backend %q is not registered, have %v", name, r.names())
	}
	return factory, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
