package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesFileAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	stmt := `CREATE TABLE IF NOT EXISTS things (id INTEGER PRIMARY KEY, name TEXT)`
	require.NoError(t, Migrate(db, stmt, stmt))

	_, err = db.Exec(`INSERT INTO things (name) VALUES (?)`, "a")
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM things`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestMigrateReportsBadStatement(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, Migrate(db, "NOT SQL"))
}
