package store

import (
	"context"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	sequencesTable = "sequences"
	idIndex        = "id"
)

type memDbRow struct {
	ID   int64
	Body []byte
}

type memDbSequence struct {
	Kind string
	Last int64
}

// MemDbStore keeps every record in an in-memory go-memdb database with one table per kind. Write transactions
// are serialised by memdb, so locked reads need no further work.
type MemDbStore struct {
	db *memdb.MemDB
}

func NewMemDbStore() (*MemDbStore, error) {
	db, err := memdb.NewMemDB(memDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemDbStore{db: db}, nil
}

func (s *MemDbStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	return fn(&memDbTx{txn: txn})
}

func (s *MemDbStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	if err := fn(&memDbTx{txn: txn}); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemDbStore) Close() error {
	return nil
}

type memDbTx struct {
	txn *memdb.Txn
}

func (t *memDbTx) Get(_ context.Context, kind Kind, ids []int64, _ bool) ([]Record, error) {
	records := make([]Record, 0, len(ids))
	for _, id := range sortedUnique(ids) {
		obj, err := t.txn.First(string(kind), idIndex, id)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if obj != nil {
			row := obj.(*memDbRow)
			records = append(records, Record{ID: row.ID, Body: row.Body})
		}
	}
	return records, nil
}

func (t *memDbTx) Scan(_ context.Context, kind Kind) ([]Record, error) {
	it, err := t.txn.Get(string(kind), idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var records []Record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*memDbRow)
		records = append(records, Record{ID: row.ID, Body: row.Body})
	}
	return records, nil
}

func (t *memDbTx) Put(_ context.Context, kind Kind, records []Record) error {
	for _, r := range records {
		// Rows must not be modified once inserted, so the body is copied.
		body := make([]byte, len(r.Body))
		copy(body, r.Body)
		if err := t.txn.Insert(string(kind), &memDbRow{ID: r.ID, Body: body}); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (t *memDbTx) Delete(_ context.Context, kind Kind, ids []int64) error {
	for _, id := range ids {
		err := t.txn.Delete(string(kind), &memDbRow{ID: id})
		if err != nil && !errors.Is(err, memdb.ErrNotFound) {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (t *memDbTx) NextID(_ context.Context, kind Kind) (int64, error) {
	seq := &memDbSequence{Kind: string(kind)}
	obj, err := t.txn.First(sequencesTable, idIndex, string(kind))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if obj != nil {
		seq.Last = obj.(*memDbSequence).Last
	}
	seq.Last++
	if err := t.txn.Insert(sequencesTable, seq); err != nil {
		return 0, errors.WithStack(err)
	}
	return seq.Last, nil
}

// memDbSchema has one table per kind, indexed by id, plus the id sequences.
func memDbSchema() *memdb.DBSchema {
	tables := make(map[string]*memdb.TableSchema, len(AllKinds)+1)
	for _, kind := range AllKinds {
		tables[string(kind)] = &memdb.TableSchema{
			Name: string(kind),
			Indexes: map[string]*memdb.IndexSchema{
				idIndex: {
					Name:    idIndex,
					Unique:  true,
					Indexer: &memdb.IntFieldIndex{Field: "ID"},
				},
			},
		}
	}
	tables[sequencesTable] = &memdb.TableSchema{
		Name: sequencesTable,
		Indexes: map[string]*memdb.IndexSchema{
			idIndex: {
				Name:    idIndex,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "Kind"},
			},
		},
	}
	return &memdb.DBSchema{Tables: tables}
}
