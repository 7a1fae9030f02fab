package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS ratings (
			id BIGSERIAL PRIMARY KEY,
			outfit_id TEXT,
			image_url TEXT,
			keyword TEXT,
			rating INTEGER
		)
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, r Rating) (int64, error) {
	const query = `
		INSERT INTO ratings (outfit_id, image_url, keyword, rating)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	var id int64
	if err := s.pool.QueryRow(ctx, query, r.OutfitID, r.ImageURL, r.Keyword, r.Rating).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert rating: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ReadAll(ctx context.Context) ([]Rating, error) {
	const query = `
		SELECT id, COALESCE(outfit_id, ''), COALESCE(image_url, ''), COALESCE(keyword, ''), COALESCE(rating, 0)
		FROM ratings
		ORDER BY id ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	defer rows.Close()

	var ratings []Rating
	for rows.Next() {
		var r Rating
		if err := rows.Scan(&r.ID, &r.OutfitID, &r.ImageURL, &r.Keyword, &r.Rating); err != nil {
			return nil, fmt.Errorf("failed to scan rating row: %w", err)
		}
		ratings = append(ratings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ratings: %w", err)
	}
	return ratings, nil
}
