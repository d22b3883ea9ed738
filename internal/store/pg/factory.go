package pg

import (
	"database/sql"
	"fmt"

	"github.com/neomagi/neomagi/internal/store"
)

// NewStoresDB wires all Postgres-backed stores over an open handle.
func NewStoresDB(db *sql.DB) *store.Stores {
	return &store.Stores{
		Sessions: NewSessionStore(db),
		Memory:   NewMemoryStore(db),
		Budget:   NewBudgetStore(db),
	}
}

// NewStores opens the database and wires all Postgres-backed stores.
func NewStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewStoresDB(db), nil
}
