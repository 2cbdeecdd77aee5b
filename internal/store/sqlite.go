package store

import (
	"context"
	"database/sql"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
    kind TEXT NOT NULL,
    id INTEGER NOT NULL,
    body BLOB NOT NULL,
    PRIMARY KEY (kind, id)
);
CREATE TABLE IF NOT EXISTS sequences (
    kind TEXT PRIMARY KEY,
    last_id INTEGER NOT NULL
);`

// SqliteStore keeps records in a single sqlite file (or ":memory:"). The pool holds one connection, which
// serialises transactions and makes locked reads plain reads.
type SqliteStore struct {
	db   *sql.DB
	goqu *goqu.Database
}

func NewSqliteStore(ctx context.Context, path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return &SqliteStore{db: db, goqu: goqu.New("sqlite3", db)}, nil
}

func (s *SqliteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.withTx(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *SqliteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.withTx(ctx, nil, fn)
}

func (s *SqliteStore) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx Tx) error) error {
	tx, err := s.goqu.BeginTx(ctx, opts)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %s", rbErr)
		}
		return err
	}
	return errors.WithStack(tx.Commit())
}

func (s *SqliteStore) Close() error {
	return errors.WithStack(s.db.Close())
}

type sqliteTx struct {
	tx *goqu.TxDatabase
}

func (t *sqliteTx) Get(ctx context.Context, kind Kind, ids []int64, _ bool) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []recordRow
	err := t.tx.From(recordsTable).
		Select(idColumn, bodyColumn).
		Where(kindColumn.Eq(string(kind)), idColumn.In(ids)).
		Order(idColumn.Asc()).
		Prepared(true).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return toRecords(rows), nil
}

func (t *sqliteTx) Scan(ctx context.Context, kind Kind) ([]Record, error) {
	var rows []recordRow
	err := t.tx.From(recordsTable).
		Select(idColumn, bodyColumn).
		Where(kindColumn.Eq(string(kind))).
		Order(idColumn.Asc()).
		Prepared(true).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return toRecords(rows), nil
}

func (t *sqliteTx) Put(ctx context.Context, kind Kind, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := t.tx.Insert(recordsTable).
		Rows(recordRows(kind, records)...).
		OnConflict(goqu.DoUpdate("kind, id", goqu.Record{"body": goqu.L("excluded.body")})).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (t *sqliteTx) Delete(ctx context.Context, kind Kind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Delete(recordsTable).
		Where(kindColumn.Eq(string(kind)), idColumn.In(ids)).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (t *sqliteTx) NextID(ctx context.Context, kind Kind) (int64, error) {
	_, err := t.tx.Insert(sequenceTable).
		Rows(goqu.Record{"kind": string(kind), "last_id": 1}).
		OnConflict(goqu.DoUpdate("kind", goqu.Record{"last_id": goqu.L("sequences.last_id + 1")})).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var id int64
	_, err = t.tx.From(sequenceTable).
		Select(lastIDColumn).
		Where(kindColumn.Eq(string(kind))).
		Prepared(true).
		ScanValContext(ctx, &id)
	return id, errors.WithStack(err)
}

func toRecords(rows []recordRow) []Record {
	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = Record{ID: row.ID, Body: row.Body}
	}
	return records
}
