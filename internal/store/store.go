// Package store is the durable keyed record store behind jobs, recipes, batches and their satellite records.
//
// Every record is a Model serialised to JSON and addressed by (Kind, ID). Backends only need to move opaque
// bodies around; the typed helpers in this package do the encoding. Three backends are provided: go-memdb
// (in-process, used by tests and single node deployments), sqlite and postgres.
package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Kind names a record type. It doubles as the memdb table name and the kind column of the sql backends.
type Kind string

// Record is a raw, encoded row.
type Record struct {
	ID   int64
	Body []byte
}

// Tx is a single atomic unit of work against a backend. Records come back ordered by id.
type Tx interface {
	// Get returns the records of kind with the given ids, skipping ids that do not exist. When forUpdate is
	// set the rows stay locked until the transaction ends.
	Get(ctx context.Context, kind Kind, ids []int64, forUpdate bool) ([]Record, error)
	// Scan returns every record of kind.
	Scan(ctx context.Context, kind Kind) ([]Record, error)
	// Put inserts or replaces records.
	Put(ctx context.Context, kind Kind, records []Record) error
	// Delete removes records. Ids that do not exist are ignored.
	Delete(ctx context.Context, kind Kind, ids []int64) error
	// NextID allocates a new id for kind. Ids are never reused.
	NextID(ctx context.Context, kind Kind) (int64, error)
}

// Store runs functions inside transactions. Update commits when fn returns nil and rolls back otherwise.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Model is implemented by every persisted type. Kind must not dereference its receiver.
type Model interface {
	Kind() Kind
	GetID() int64
	setID(id int64)
}

type modelPtr[T any] interface {
	*T
	Model
}

func kindOf[T any, P modelPtr[T]]() Kind {
	var p P
	return p.Kind()
}

func decode[T any, P modelPtr[T]](records []Record) ([]P, error) {
	models := make([]P, 0, len(records))
	for _, r := range records {
		m := P(new(T))
		if err := json.Unmarshal(r.Body, m); err != nil {
			return nil, errors.Wrapf(err, "decoding %s %d", m.Kind(), r.ID)
		}
		m.setID(r.ID)
		models = append(models, m)
	}
	return models, nil
}

// Get returns the model with the given id, or nil if it does not exist.
func Get[T any, P modelPtr[T]](ctx context.Context, tx Tx, id int64) (P, error) {
	models, err := GetMany[T, P](ctx, tx, []int64{id})
	if err != nil || len(models) == 0 {
		return nil, err
	}
	return models[0], nil
}

// GetMany returns the models with the given ids ordered by id. Missing ids are skipped.
func GetMany[T any, P modelPtr[T]](ctx context.Context, tx Tx, ids []int64) ([]P, error) {
	records, err := tx.Get(ctx, kindOf[T, P](), ids, false)
	if err != nil {
		return nil, err
	}
	return decode[T, P](records)
}

// GetLocked is GetMany with the rows locked for the remainder of the transaction. Rows are locked in id order
// so that concurrent callers cannot deadlock.
func GetLocked[T any, P modelPtr[T]](ctx context.Context, tx Tx, ids []int64) ([]P, error) {
	records, err := tx.Get(ctx, kindOf[T, P](), sortedUnique(ids), true)
	if err != nil {
		return nil, err
	}
	return decode[T, P](records)
}

// List returns every model accepted by filter, ordered by id. A nil filter accepts everything.
func List[T any, P modelPtr[T]](ctx context.Context, tx Tx, filter func(P) bool) ([]P, error) {
	records, err := tx.Scan(ctx, kindOf[T, P]())
	if err != nil {
		return nil, err
	}
	all, err := decode[T, P](records)
	if err != nil || filter == nil {
		return all, err
	}
	filtered := all[:0]
	for _, m := range all {
		if filter(m) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// Insert saves new models, allocating an id for every model whose id is zero.
func Insert[T any, P modelPtr[T]](ctx context.Context, tx Tx, models ...P) error {
	for _, m := range models {
		if m.GetID() != 0 {
			continue
		}
		id, err := tx.NextID(ctx, m.Kind())
		if err != nil {
			return err
		}
		m.setID(id)
	}
	return Save[T, P](ctx, tx, models...)
}

// Save inserts or replaces models that already have ids.
func Save[T any, P modelPtr[T]](ctx context.Context, tx Tx, models ...P) error {
	if len(models) == 0 {
		return nil
	}
	records := make([]Record, 0, len(models))
	for _, m := range models {
		if m.GetID() == 0 {
			return errors.Errorf("cannot save %s without an id", m.Kind())
		}
		body, err := json.Marshal(m)
		if err != nil {
			return errors.Wrapf(err, "encoding %s %d", m.Kind(), m.GetID())
		}
		records = append(records, Record{ID: m.GetID(), Body: body})
	}
	return tx.Put(ctx, kindOf[T, P](), records)
}

// Delete removes the models with the given ids.
func Delete[T any, P modelPtr[T]](ctx context.Context, tx Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Delete(ctx, kindOf[T, P](), sortedUnique(ids))
}

// DeleteWhere removes every model accepted by filter.
func DeleteWhere[T any, P modelPtr[T]](ctx context.Context, tx Tx, filter func(P) bool) error {
	models, err := List[T, P](ctx, tx, filter)
	if err != nil {
		return err
	}
	return Delete[T, P](ctx, tx, IDs(models))
}

func sortedUnique(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	result := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// IDs returns the ids of models in order.
func IDs[P Model](models []P) []int64 {
	ids := make([]int64, len(models))
	for i, m := range models {
		ids[i] = m.GetID()
	}
	return ids
}
