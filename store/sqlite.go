package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open(DriverSQLite, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS ratings (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        outfit_id TEXT,
        image_url TEXT,
        keyword TEXT,
        rating INTEGER
    );
    `
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, r Rating) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO ratings (outfit_id, image_url, keyword, rating) VALUES (?, ?, ?, ?)",
		r.OutfitID, r.ImageURL, r.Keyword, r.Rating)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rating: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read rating id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context) ([]Rating, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, outfit_id, image_url, keyword, rating FROM ratings ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	defer rows.Close()

	var ratings []Rating
	for rows.Next() {
		var (
			r                           Rating
			outfitID, imageURL, keyword sql.NullString
			rating                      sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &outfitID, &imageURL, &keyword, &rating); err != nil {
			return nil, fmt.Errorf("failed to scan rating row: %w", err)
		}
		r.OutfitID, r.ImageURL, r.Keyword, r.Rating = outfitID.String, imageURL.String, keyword.String, int(rating.Int64)
		ratings = append(ratings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ratings: %w", err)
	}
	return ratings, nil
}
