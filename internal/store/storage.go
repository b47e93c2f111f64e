// Package store persists listings, the keyword corpus, and the
// append-only optimization audit trail in SQLite.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors
var (
	// ErrNotFound is returned when a requested record doesn't exist
	ErrNotFound = errors.New("not found")
)

// ListingStatus tracks where a listing sits in the approval workflow.
// Transitions past "optimized" belong to the external approval flow.
type ListingStatus string

const (
	StatusPending   ListingStatus = "pending"
	StatusOptimized ListingStatus = "optimized"
	StatusApproved  ListingStatus = "approved"
	StatusRejected  ListingStatus = "rejected"
	StatusUpdated   ListingStatus = "updated"
)

// Listing is a marketplace listing with its original and optimized text.
type Listing struct {
	ID                   int64
	MarketplaceID        string
	TitleOriginal        string
	TitleOptimized       string
	TagsOriginal         []string
	TagsOptimized        []string
	DescriptionOriginal  string
	DescriptionOptimized string
	BaseKeyword          string
	ProductType          string
	Status               ListingStatus
	OptimizationScore    float64 // 0-100
	Notes                string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Keyword is a corpus record sourced from upstream keyword research.
// Read-only from the optimizer's perspective.
type Keyword struct {
	ID           int64
	Text         string
	SearchVolume int
	Competition  float64
	Category     string
	CreatedAt    time.Time
}

// OptimizationHistory is one append-only audit record of an optimization
// pass over a listing.
type OptimizationHistory struct {
	ID               int64
	ListingID        int64
	OptimizationType string
	Changes          map[string]interface{}
	AlgorithmVersion string
	Metrics          map[string]interface{}
	CreatedAt        time.Time
}

// Storage defines the persistence contract consumed by the optimizer
// and the RAG index.
type Storage interface {
	// Listing operations
	GetListing(ctx context.Context, id int64) (*Listing, error)
	ListListings(ctx context.Context, status ListingStatus, limit, offset int) ([]*Listing, error)
	UpsertListing(ctx context.Context, listing *Listing) error

	// History operations (append-only)
	AddOptimizationHistory(ctx context.Context, h *OptimizationHistory) error
	ListHistory(ctx context.Context, listingID int64) ([]*OptimizationHistory, error)

	// Keyword operations
	ListKeywords(ctx context.Context, category string, limit int) ([]*Keyword, error)
	UpsertKeyword(ctx context.Context, keyword *Keyword) error

	// Database operations
	Close() error
}
