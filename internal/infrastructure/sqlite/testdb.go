package sqlite

import (
	"database/sql"
	"testing"
)

// OpenTestDB opens a migrated in-memory database that is closed when
// the test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// OpenTestStore wraps [OpenTestDB] in a [Store].
func OpenTestStore(t *testing.T) *Store {
	t.Helper()
	return &Store{DB: OpenTestDB(t)}
}
