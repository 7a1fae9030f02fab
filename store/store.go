package store

import (
	"context"
	"fmt"
)

// Rating is one piece of human feedback. Rows are never updated or deleted.
type Rating struct {
	ID       int64  `json:"id"`
	OutfitID string `json:"outfit_id"`
	ImageURL string `json:"image_url"`
	Keyword  string `json:"keyword"`
	Rating   int    `json:"rating"`
}

// Store is the append-only ratings log.
type Store interface {
	// Append inserts r and returns the id assigned to it. r.ID is ignored.
	Append(ctx context.Context, r Rating) (int64, error)
	// ReadAll returns every row in insertion (id) order.
	ReadAll(ctx context.Context) ([]Rating, error)
	Close() error
}

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Open connects to the configured backend and creates the schema if it is missing.
func Open(ctx context.Context, driver, url string) (Store, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteStore(ctx, url)
	case DriverPostgres:
		return NewPostgresStore(ctx, url)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
