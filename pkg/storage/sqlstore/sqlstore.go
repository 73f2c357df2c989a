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

// Package sqlstore persists aggregates through database/sql, one table per
// aggregate kind with the shape (id TEXT PRIMARY KEY, data TEXT). The data
// column holds the aggregate's JSON form so the schema never chases the
// domain model; FindBy filters in memory after a scan. Units of work map
// directly onto database transactions. The bundled driver is the pure-Go
// sqlite build; the driver name stays configurable for compatible engines.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	v1 "github.com/awslabs/open-resource-broker-sub002/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub002/pkg/config"
	"github.com/awslabs/open-resource-broker-sub002/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub002/pkg/storage"
)

const (
	requestsTable  = "requests"
	machinesTable  = "machines"
	templatesTable = "templates"
)

// Store owns the database handle. sqlite allows one writer, so the pool is
// clamped to a single connection for that driver.
type Store struct {
	log       *zap.Logger
	db        *sql.DB
	publisher storage.EventPublisher
}

func NewStore(ctx context.Context, log *zap.Logger, cfg config.SQLStorageConfig, publisher storage.EventPublisher) (*Store, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database, %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	store := &Store{
		log:       log.Named("sql-storage"),
		db:        db,
		publisher: publisher,
	}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, table := range []string{requestsTable, machinesTable, templatesTable} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data TEXT NOT NULL)", table)); err != nil {
			return fmt.Errorf("creating table %s, %w", table, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Factory() storage.Factory {
	return func() storage.UnitOfWork { return &unitOfWork{store: s} }
}

type unitOfWork struct {
	store *Store
	tx    *sql.Tx
	saved []*v1.Request
}

func (u *unitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return errors.New(errors.KindConfiguration, "UNIT_OF_WORK_ACTIVE",
			"unit of work already has an open transaction")
	}
	tx, err := u.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction, %w", err)
	}
	u.tx = tx
	return nil
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	tx, err := u.transaction()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		storage.RecordCommit(config.StorageBackendSQL, err)
		return fmt.Errorf("committing transaction, %w", err)
	}
	u.tx = nil
	storage.RecordCommit(config.StorageBackendSQL, nil)
	u.publishSaved(ctx)
	u.saved = nil
	return nil
}

// Rollback after a finished transaction is a no-op so the Execute cleanup
// path stays safe to call unconditionally.
func (u *unitOfWork) Rollback(context.Context) error {
	if u.tx == nil {
		return nil
	}
	storage.RecordRollback(config.StorageBackendSQL)
	err := u.tx.Rollback()
	u.tx = nil
	u.saved = nil
	if err != nil && !stderrors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction, %w", err)
	}
	return nil
}

func (u *unitOfWork) Requests() storage.RequestRepository {
	return &table[*v1.Request]{
		uow:    u,
		name:   requestsTable,
		id:     func(r *v1.Request) string { return r.RequestID },
		onSave: func(r *v1.Request) { u.saved = append(u.saved, r) },
	}
}

func (u *unitOfWork) Machines() storage.MachineRepository {
	return &table[*v1.Machine]{
		uow:  u,
		name: machinesTable,
		id:   func(m *v1.Machine) string { return m.MachineID },
	}
}

func (u *unitOfWork) Templates() storage.TemplateRepository {
	return &table[*v1.Template]{
		uow:  u,
		name: templatesTable,
		id:   func(t *v1.Template) string { return t.TemplateID },
	}
}

func (u *unitOfWork) transaction() (*sql.Tx, error) {
	if u.tx == nil {
		return nil, errors.New(errors.KindConfiguration, "UNIT_OF_WORK_INACTIVE",
			"unit of work has no open transaction, call Begin first")
	}
	return u.tx, nil
}

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
	storage.RecordEventsPublished(config.StorageBackendSQL, len(events))
	u.store.publisher(ctx, events...)
}

// table adapts one aggregate kind onto its backing table. The table name is
// a package constant, never caller input, so building statements with
// Sprintf stays safe.
type table[T any] struct {
	uow    *unitOfWork
	name   string
	id     func(T) string
	onSave func(T)
}

func (t *table[T]) Save(ctx context.Context, item T) error {
	tx, err := t.uow.transaction()
	if err != nil {
		return err
	}
	id := t.id(item)
	if id == "" {
		return errors.New(errors.KindValidation, "AGGREGATE_ID_MISSING",
			"cannot save an aggregate without an id")
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding %s record %q, %w", t.name, id, err)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data", t.name)
	if _, err := tx.ExecContext(ctx, query, id, string(raw)); err != nil {
		return fmt.Errorf("saving %s record %q, %w", t.name, id, err)
	}
	if t.onSave != nil {
		t.onSave(item)
	}
	return nil
}

func (t *table[T]) GetByID(ctx context.Context, id string) (T, bool, error) {
	var zero T
	tx, err := t.uow.transaction()
	if err != nil {
		return zero, false, err
	}
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM %s WHERE id = ?", t.name), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("loading %s record %q, %w", t.name, id, err)
	}
	var item T
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return zero, false, fmt.Errorf("decoding %s record %q, %w", t.name, id, err)
	}
	return item, true, nil
}

func (t *table[T]) FindAll(ctx context.Context) ([]T, error) {
	tx, err := t.uow.transaction()
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT data FROM %s ORDER BY id", t.name))
	if err != nil {
		return nil, fmt.Errorf("scanning %s, %w", t.name, err)
	}
	defer rows.Close()

	var items []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning %s, %w", t.name, err)
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decoding %s record, %w", t.name, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s, %w", t.name, err)
	}
	return items, nil
}

func (t *table[T]) FindBy(ctx context.Context, filters map[string]interface{}) ([]T, error) {
	items, err := t.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(items, func(item T, _ int) bool {
		return storage.Matches(item, filters)
	}), nil
}

func (t *table[T]) Delete(ctx context.Context, id string) error {
	tx, err := t.uow.transaction()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.name), id); err != nil {
		return fmt.Errorf("deleting %s record %q, %w", t.name, id, err)
	}
	return nil
}
