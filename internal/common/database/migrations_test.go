package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_add_index.sql":     {Data: []byte("CREATE INDEX x ON records (kind);")},
		"migrations/001_create_tables.sql": {Data: []byte("CREATE TABLE records ();")},
		"migrations/010_later.sql":         {Data: []byte("SELECT 1;")},
		"migrations/README.md":             {Data: []byte("ignored")},
	}
	migrations, err := ReadMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, NewMigration(1, "001_create_tables.sql", "CREATE TABLE records ();"), migrations[0])
	assert.Equal(t, 2, migrations[1].id)
	assert.Equal(t, 10, migrations[2].id)
}

func TestReadMigrations_BadName(t *testing.T) {
	fsys := fstest.MapFS{"migrations/create.sql": {Data: []byte("SELECT 1;")}}
	_, err := ReadMigrations(fsys, "migrations")
	assert.Error(t, err)
}
