package store

import (
	"context"
	"embed"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/batchflow/internal/common/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var postgresDialect = goqu.Dialect("postgres")

// PostgresStore keeps records in a single jsonb table. Locked reads use SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore migrates the database to the latest schema and returns a store using it.
func NewPostgresStore(ctx context.Context, db *pgxpool.Pool) (*PostgresStore, error) {
	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate updates the supplied database to the latest version.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	migrations, err := database.ReadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	return database.ClassifyError(database.UpdateDatabase(ctx, db, migrations))
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

func (s *PostgresStore) withTx(ctx context.Context, opts pgx.TxOptions, fn func(tx Tx) error) error {
	err := s.db.BeginTxFunc(ctx, opts, func(tx pgx.Tx) error {
		return fn(&postgresTx{tx: tx})
	})
	return database.ClassifyError(err)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Get(ctx context.Context, kind Kind, ids []int64, forUpdate bool) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ds := postgresDialect.From(recordsTable).
		Select(idColumn, bodyColumn).
		Where(kindColumn.Eq(string(kind)), idColumn.In(ids)).
		Order(idColumn.Asc())
	if forUpdate {
		ds = ds.ForUpdate(exp.Wait)
	}
	return t.query(ctx, ds)
}

func (t *postgresTx) Scan(ctx context.Context, kind Kind) ([]Record, error) {
	ds := postgresDialect.From(recordsTable).
		Select(idColumn, bodyColumn).
		Where(kindColumn.Eq(string(kind))).
		Order(idColumn.Asc())
	return t.query(ctx, ds)
}

func (t *postgresTx) query(ctx context.Context, ds *goqu.SelectDataset) ([]Record, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var id int64
		var body pgtype.JSONB
		if err := rows.Scan(&id, &body); err != nil {
			return nil, errors.WithStack(err)
		}
		records = append(records, Record{ID: id, Body: body.Bytes})
	}
	return records, errors.WithStack(rows.Err())
}

func (t *postgresTx) Put(ctx context.Context, kind Kind, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	query, args, err := postgresDialect.Insert(recordsTable).
		Rows(recordRows(kind, records)...).
		OnConflict(goqu.DoUpdate("kind, id", goqu.Record{"body": goqu.L("EXCLUDED.body")})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return errors.WithStack(err)
}

func (t *postgresTx) Delete(ctx context.Context, kind Kind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := postgresDialect.Delete(recordsTable).
		Where(kindColumn.Eq(string(kind)), idColumn.In(ids)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return errors.WithStack(err)
}

func (t *postgresTx) NextID(ctx context.Context, kind Kind) (int64, error) {
	query, args, err := postgresDialect.Insert(sequenceTable).
		Rows(goqu.Record{"kind": string(kind), "last_id": 1}).
		OnConflict(goqu.DoUpdate("kind", goqu.Record{"last_id": goqu.L("sequences.last_id + 1")})).
		Returning(lastIDColumn).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var id int64
	err = t.tx.QueryRow(ctx, query, args...).Scan(&id)
	return id, errors.WithStack(err)
}
