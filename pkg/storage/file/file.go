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

// Package file persists aggregates as one JSON document per aggregate kind
// under a base directory. Units of work stage mutations in memory; commit
// re-reads each touched document under the store lock, merges the staged
// records, and swaps the document with a temp file rename so readers never
// observe a torn write.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
)

const (
	requestsFile  = "requests.json"
	machinesFile  = "machines.json"
	templatesFile = "templates.json"
)

// Store owns the base directory. The mutex serializes commits so concurrent
// units of work merge against the latest document instead of clobbering each
// other's records.
type Store struct {
	log       *zap.Logger
	basePath  string
	publisher storage.EventPublisher

	mu sync.Mutex
}

func NewStore(log *zap.Logger, cfg config.FileStorageConfig, publisher storage.EventPublisher) (*Store, error) {
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory %q, %w", cfg.BasePath, err)
	}
	return &Store{
		log:       log.Named("file-storage"),
		basePath:  cfg.BasePath,
		publisher: publisher,
	}, nil
}

func (s *Store) Factory() storage.Factory {
	return func() storage.UnitOfWork { return s.newUnitOfWork() }
}

type unitOfWork struct {
	store     *Store
	requests  *collection[*v1.Request]
	machines  *collection[*v1.Machine]
	templates *collection[*v1.Template]
	saved     []*v1.Request
}

func (s *Store) newUnitOfWork() *unitOfWork {
	u := &unitOfWork{store: s}
	u.requests = newCollection(s, requestsFile,
		func(r *v1.Request) string { return r.RequestID },
		func(r *v1.Request) { u.saved = append(u.saved, r) })
	u.machines = newCollection[*v1.Machine](s, machinesFile,
		func(m *v1.Machine) string { return m.MachineID }, nil)
	u.templates = newCollection[*v1.Template](s, templatesFile,
		func(t *v1.Template) string { return t.TemplateID }, nil)
	return u
}

func (u *unitOfWork) Begin(context.Context) error { return nil }

// Commit flushes the touched documents in a fixed order. The documents are
// not atomic as a set; a failure leaves earlier documents written and the
// events unpublished.
func (u *unitOfWork) Commit(ctx context.Context) error {
	u.store.mu.Lock()
	for _, flush := range []func() error{u.requests.flush, u.machines.flush, u.templates.flush} {
		if err := flush(); err != nil {
			u.store.mu.Unlock()
			storage.RecordCommit(config.StorageBackendFile, err)
			return err
		}
	}
	u.store.mu.Unlock()
	storage.RecordCommit(config.StorageBackendFile, nil)
	u.publishSaved(ctx)
	u.clear()
	return nil
}

func (u *unitOfWork) Rollback(context.Context) error {
	storage.RecordRollback(config.StorageBackendFile)
	u.clear()
	return nil
}

func (u *unitOfWork) Requests() storage.RequestRepository   { return u.requests }
func (u *unitOfWork) Machines() storage.MachineRepository   { return u.machines }
func (u *unitOfWork) Templates() storage.TemplateRepository { return u.templates }

// publishSaved drains the buffered events from every request saved in this
// unit of work, preserving emission order across requests.
func (u *unitOfWork) publishSaved(ctx context.Context) {
	if u.store.publisher == nil {
		return
	}
	var events []v1.DomainEvent
	for _, request := range u.saved {
		events = append(events, request.DrainEvents()...)
	}
	if len(events) == 0 {
		return
	}
	u.store.log.Debug("publishing domain events after commit", zap.Int("events", len(events)))
	storage.RecordEventsPublished(config.StorageBackendFile, len(events))
	u.store.publisher(ctx, events...)
}

func (u *unitOfWork) clear() {
	u.requests.reset()
	u.machines.reset()
	u.templates.reset()
	u.saved = nil
}

// collection is one staged view over a JSON document. Reads overlay the
// staged records on the committed document so a unit of work sees its own
// writes.
type collection[T any] struct {
	store   *Store
	file    string
	id      func(T) string
	onSave  func(T)
	staged  map[string]T
	deleted map[string]struct{}
}

func newCollection[T any](store *Store, file string, id func(T) string, onSave func(T)) *collection[T] {
	return &collection[T]{
		store:   store,
		file:    file,
		id:      id,
		onSave:  onSave,
		staged:  map[string]T{},
		deleted: map[string]struct{}{},
	}
}

func (c *collection[T]) Save(_ context.Context, item T) error {
	id := c.id(item)
	if id == "" {
		return errors.New(errors.KindValidation, "AGGREGATE_ID_MISSING",
			"cannot save an aggregate without an id")
	}
	c.staged[id] = item
	delete(c.deleted, id)
	if c.onSave != nil {
		c.onSave(item)
	}
	return nil
}

func (c *collection[T]) GetByID(_ context.Context, id string) (T, bool, error) {
	var zero T
	if _, gone := c.deleted[id]; gone {
		return zero, false, nil
	}
	if item, ok := c.staged[id]; ok {
		return item, true, nil
	}
	records, err := c.store.readDocument(c.file)
	if err != nil {
		return zero, false, err
	}
	raw, ok := records[id]
	if !ok {
		return zero, false, nil
	}
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return zero, false, fmt.Errorf("decoding %s record %q, %w", c.file, id, err)
	}
	return item, true, nil
}

func (c *collection[T]) FindAll(context.Context) ([]T, error) {
	records, err := c.store.readDocument(c.file)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(records)+len(c.staged))
	for id := range records {
		ids[id] = struct{}{}
	}
	for id := range c.staged {
		ids[id] = struct{}{}
	}
	ordered := lo.Keys(ids)
	sort.Strings(ordered)

	items := make([]T, 0, len(ordered))
	for _, id := range ordered {
		if _, gone := c.deleted[id]; gone {
			continue
		}
		if item, ok := c.staged[id]; ok {
			items = append(items, item)
			continue
		}
		var item T
		if err := json.Unmarshal(records[id], &item); err != nil {
			return nil, fmt.Errorf("decoding %s record %q, %w", c.file, id, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *collection[T]) FindBy(ctx context.Context, filters map[string]interface{}) ([]T, error) {
	items, err := c.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(items, func(item T, _ int) bool {
		return storage.Matches(item, filters)
	}), nil
}

func (c *collection[T]) Delete(_ context.Context, id string) error {
	delete(c.staged, id)
	c.deleted[id] = struct{}{}
	return nil
}

func (c *collection[T]) dirty() bool {
	return len(c.staged) > 0 || len(c.deleted) > 0
}

// flush merges the staged mutations into the latest committed document.
// Caller holds the store lock.
func (c *collection[T]) flush() error {
	if !c.dirty() {
		return nil
	}
	records, err := c.store.readDocument(c.file)
	if err != nil {
		return err
	}
	for id, item := range c.staged {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encoding %s record %q, %w", c.file, id, err)
		}
		records[id] = raw
	}
	for id := range c.deleted {
		delete(records, id)
	}
	return c.store.writeDocument(c.file, records)
}

func (c *collection[T]) reset() {
	c.staged = map[string]T{}
	c.deleted = map[string]struct{}{}
}

// readDocument treats a missing or empty document as an empty record set.
func (s *Store) readDocument(name string) (map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(filepath.Join(s.basePath, name))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("reading %s, %w", name, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	records := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decoding %s, %w", name, err)
	}
	return records, nil
}

// writeDocument stages the full record set in a temp file and renames it into
// place.
func (s *Store) writeDocument(name string, records map[string]json.RawMessage) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s, %w", name, err)
	}
	tmp, err := os.CreateTemp(s.basePath, name+".*")
	if err != nil {
		return fmt.Errorf("staging %s, %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("staging %s, %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("staging %s, %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.basePath, name)); err != nil {
		return fmt.Errorf("replacing %s, %w", name, err)
	}
	return nil
}
