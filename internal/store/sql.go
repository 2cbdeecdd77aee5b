package store

import (
	"github.com/doug-martin/goqu/v9"
)

// Table and column names shared by the sql backends.
var (
	recordsTable  = goqu.T("records")
	sequenceTable = goqu.T("sequences")
	kindColumn    = goqu.C("kind")
	idColumn      = goqu.C("id")
	bodyColumn    = goqu.C("body")
	lastIDColumn  = goqu.C("last_id")
)

type recordRow struct {
	ID   int64  `db:"id"`
	Body []byte `db:"body"`
}

func recordRows(kind Kind, records []Record) []interface{} {
	rows := make([]interface{}, len(records))
	for i, r := range records {
		rows[i] = goqu.Record{"kind": string(kind), "id": r.ID, "body": string(r.Body)}
	}
	return rows
}
