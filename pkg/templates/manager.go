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

package templates

import (
	"context"

	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/cache"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
)

const (
	cachePrefix = "templates/"
	cacheKeySet = cachePrefix + "set"
)

// Manager serves template snapshots through the cache service. With a TTL
// cache the loader runs once per window and concurrent callers share one
// load; with the no-op cache every call reads the files fresh.
type Manager struct {
	log    *zap.Logger
	loader *Loader
	cache  cache.Service
}

func NewManager(log *zap.Logger, loader *Loader, cacheSvc cache.Service) *Manager {
	if cacheSvc == nil {
		cacheSvc = cache.NewNoOp()
	}
	return &Manager{
		log:    log.Named("template-manager"),
		loader: loader,
		cache:  cacheSvc,
	}
}

// Load returns the current template snapshot.
func (m *Manager) Load(ctx context.Context) (*Set, error) {
	v, err := m.cache.GetOrLoad(ctx, cacheKeySet, func(ctx context.Context) (interface{}, error) {
		set, err := m.loader.Load(ctx)
		if err != nil {
			return nil, err
		}
		m.log.Info("loaded templates",
			zap.Int("count", set.Len()),
			zap.Int("invalid", len(set.Problems())),
			zap.Strings("files", set.Files()))
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Set), nil
}

// GetTemplate returns one template by id.
func (m *Manager) GetTemplate(ctx context.Context, id string) (*v1.Template, error) {
	set, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	tmpl, ok := set.Get(id)
	if !ok {
		return nil, errors.NewNotFound("template", id)
	}
	return tmpl, nil
}

// ListTemplates returns every template sorted by id.
func (m *Manager) ListTemplates(ctx context.Context) ([]*v1.Template, error) {
	set, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	return set.All(), nil
}

// Reload drops the cached snapshot and loads the files again.
func (m *Manager) Reload(ctx context.Context) (*Set, error) {
	m.Invalidate()
	return m.Load(ctx)
}

// Invalidate drops the cached snapshot without reloading.
func (m *Manager) Invalidate() {
	if removed := m.cache.Invalidate(cachePrefix); removed > 0 {
		m.log.Debug("invalidated template cache", zap.Int("entries", removed))
	}
}

// CacheStats reports cache effectiveness.
func (m *Manager) CacheStats() cache.Stats {
	return m.cache.Stats()
}
