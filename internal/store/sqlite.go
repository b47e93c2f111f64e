package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// GetListing retrieves a listing by internal id
func (s *SQLiteStorage) GetListing(ctx context.Context, id int64) (*Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, marketplace_id, title_original, title_optimized,
		       tags_original, tags_optimized,
		       description_original, description_optimized,
		       base_keyword, product_type, status, optimization_score,
		       notes, created_at, updated_at
		FROM listings WHERE id = ?`, id)

	listing, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	return listing, nil
}

// ListListings returns listings, optionally filtered by status.
// An empty status matches everything.
func (s *SQLiteStorage) ListListings(ctx context.Context, status ListingStatus, limit, offset int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, marketplace_id, title_original, title_optimized,
		       tags_original, tags_optimized,
		       description_original, description_optimized,
		       base_keyword, product_type, status, optimization_score,
		       notes, created_at, updated_at
		FROM listings`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var listings []*Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, listing)
	}
	return listings, rows.Err()
}

// UpsertListing inserts the listing or updates it in place when a row
// with the same marketplace id already exists. The listing's ID is set
// on insert.
func (s *SQLiteStorage) UpsertListing(ctx context.Context, listing *Listing) error {
	tagsOrig, err := marshalTags(listing.TagsOriginal)
	if err != nil {
		return err
	}
	tagsOpt, err := marshalTags(listing.TagsOptimized)
	if err != nil {
		return err
	}

	status := listing.Status
	if status == "" {
		status = StatusPending
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (
			marketplace_id, title_original, title_optimized,
			tags_original, tags_optimized,
			description_original, description_optimized,
			base_keyword, product_type, status, optimization_score,
			notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(marketplace_id) DO UPDATE SET
			title_original = excluded.title_original,
			title_optimized = excluded.title_optimized,
			tags_original = excluded.tags_original,
			tags_optimized = excluded.tags_optimized,
			description_original = excluded.description_original,
			description_optimized = excluded.description_optimized,
			base_keyword = excluded.base_keyword,
			product_type = excluded.product_type,
			status = excluded.status,
			optimization_score = excluded.optimization_score,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		listing.MarketplaceID, listing.TitleOriginal, listing.TitleOptimized,
		tagsOrig, tagsOpt,
		listing.DescriptionOriginal, listing.DescriptionOptimized,
		listing.BaseKeyword, listing.ProductType, string(status),
		listing.OptimizationScore, listing.Notes, now, now)
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", listing.MarketplaceID, err)
	}

	listing.Status = status
	listing.UpdatedAt = now

	if listing.ID == 0 {
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			listing.ID = id
		}
		// On conflict the rowid of the updated row is not reported
		// reliably by every driver; resolve it explicitly.
		row := s.db.QueryRowContext(ctx,
			"SELECT id FROM listings WHERE marketplace_id = ?", listing.MarketplaceID)
		var id int64
		if err := row.Scan(&id); err == nil {
			listing.ID = id
		}
	}
	return nil
}

// AddOptimizationHistory appends one audit record. History rows are
// never updated or deleted by this core.
func (s *SQLiteStorage) AddOptimizationHistory(ctx context.Context, h *OptimizationHistory) error {
	changes, err := marshalJSONMap(h.Changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}
	metrics, err := marshalJSONMap(h.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO optimization_history (
			listing_id, optimization_type, changes, algorithm_version, metrics, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		h.ListingID, h.OptimizationType, changes, h.AlgorithmVersion, metrics, now)
	if err != nil {
		return fmt.Errorf("add optimization history: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	h.CreatedAt = now
	return nil
}

// ListHistory returns a listing's audit trail, oldest first.
func (s *SQLiteStorage) ListHistory(ctx context.Context, listingID int64) ([]*OptimizationHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, listing_id, optimization_type, changes, algorithm_version, metrics, created_at
		FROM optimization_history WHERE listing_id = ? ORDER BY id`, listingID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []*OptimizationHistory
	for rows.Next() {
		var h OptimizationHistory
		var changes, metrics string
		if err := rows.Scan(&h.ID, &h.ListingID, &h.OptimizationType,
			&changes, &h.AlgorithmVersion, &metrics, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(changes), &h.Changes); err != nil {
			h.Changes = nil
		}
		if err := json.Unmarshal([]byte(metrics), &h.Metrics); err != nil {
			h.Metrics = nil
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

// ListKeywords returns corpus keywords, optionally filtered by category,
// highest search volume first.
func (s *SQLiteStorage) ListKeywords(ctx context.Context, category string, limit int) ([]*Keyword, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, text, search_volume, competition, category, created_at FROM keywords"
	args := []interface{}{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY search_volume DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list keywords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keywords []*Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.ID, &k.Text, &k.SearchVolume, &k.Competition, &k.Category, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		keywords = append(keywords, &k)
	}
	return keywords, rows.Err()
}

// UpsertKeyword inserts or refreshes a corpus keyword by its text.
func (s *SQLiteStorage) UpsertKeyword(ctx context.Context, keyword *Keyword) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO keywords (text, search_volume, competition, category)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(text) DO UPDATE SET
			search_volume = excluded.search_volume,
			competition = excluded.competition,
			category = excluded.category`,
		keyword.Text, keyword.SearchVolume, keyword.Competition, keyword.Category)
	if err != nil {
		return fmt.Errorf("upsert keyword %q: %w", keyword.Text, err)
	}

	if keyword.ID == 0 {
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			keyword.ID = id
		}
		row := s.db.QueryRowContext(ctx, "SELECT id FROM keywords WHERE text = ?", keyword.Text)
		var id int64
		if err := row.Scan(&id); err == nil {
			keyword.ID = id
		}
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanListing
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	var l Listing
	var status, tagsOrig, tagsOpt string
	err := s.Scan(&l.ID, &l.MarketplaceID, &l.TitleOriginal, &l.TitleOptimized,
		&tagsOrig, &tagsOpt,
		&l.DescriptionOriginal, &l.DescriptionOptimized,
		&l.BaseKeyword, &l.ProductType, &status, &l.OptimizationScore,
		&l.Notes, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}

	l.Status = ListingStatus(status)
	if err := json.Unmarshal([]byte(tagsOrig), &l.TagsOriginal); err != nil {
		l.TagsOriginal = nil
	}
	if err := json.Unmarshal([]byte(tagsOpt), &l.TagsOptimized); err != nil {
		l.TagsOptimized = nil
	}
	return &l, nil
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(data), nil
}

func marshalJSONMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
