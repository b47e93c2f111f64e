// Package rag builds an in-memory similarity index over the keyword and
// listing corpora and retrieves the most relevant records as generation
// context.
//
// The index maps are built single-threaded before any concurrent batch
// run and are treated as read-only afterwards; callers must not re-index
// while a batch is in flight.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mstanton/listwise/internal/store"
)

// Embedder produces vector embeddings from text. *genclient.Client
// satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KeywordMatch is one keyword retrieval result.
type KeywordMatch struct {
	Keyword    *store.Keyword
	Similarity float64
}

// ListingMatch is one listing retrieval result.
type ListingMatch struct {
	Listing    *store.Listing
	Similarity float64
}

// MarketData is the combined retrieval context for a query.
type MarketData struct {
	Keywords []KeywordMatch
	Listings []ListingMatch
}

type indexedKeyword struct {
	vector  []float32
	keyword *store.Keyword
}

type indexedListing struct {
	vector  []float32
	listing *store.Listing
}

// RAG indexes corpora as embeddings and serves similarity retrieval.
type RAG struct {
	embedder Embedder
	store    store.Storage
	logger   *zap.Logger

	keywordIndex map[int64]indexedKeyword
	listingIndex map[int64]indexedListing
}

// New creates an empty RAG system; call IndexKeywords/IndexListings to
// populate it.
func New(embedder Embedder, st store.Storage, logger *zap.Logger) *RAG {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RAG{
		embedder:     embedder,
		store:        st,
		logger:       logger,
		keywordIndex: make(map[int64]indexedKeyword),
		listingIndex: make(map[int64]indexedListing),
	}
}

// IndexKeywords embeds up to limit corpus keywords into the index.
// Re-indexing overwrites prior entries. Returns the indexed count.
func (r *RAG) IndexKeywords(ctx context.Context, limit int) (int, error) {
	keywords, err := r.store.ListKeywords(ctx, "", limit)
	if err != nil {
		return 0, fmt.Errorf("load keywords: %w", err)
	}

	indexed := 0
	for _, kw := range keywords {
		vec, err := r.embedder.Embed(ctx, kw.Text)
		if err != nil || len(vec) == 0 {
			r.logger.Warn("skipping keyword with failed embedding",
				zap.String("keyword", kw.Text), zap.Error(err))
			continue
		}
		r.keywordIndex[kw.ID] = indexedKeyword{vector: vec, keyword: kw}
		indexed++
	}

	r.logger.Info("keyword index built",
		zap.Int("indexed", indexed), zap.Int("total", len(keywords)))
	return indexed, nil
}

// IndexListings embeds up to limit listings into the index.
// Re-indexing overwrites prior entries. Returns the indexed count.
func (r *RAG) IndexListings(ctx context.Context, limit int) (int, error) {
	listings, err := r.store.ListListings(ctx, "", limit, 0)
	if err != nil {
		return 0, fmt.Errorf("load listings: %w", err)
	}

	indexed := 0
	for _, l := range listings {
		text := ListingText(l)
		if text == "" {
			continue
		}
		vec, err := r.embedder.Embed(ctx, text)
		if err != nil || len(vec) == 0 {
			r.logger.Warn("skipping listing with failed embedding",
				zap.Int64("listing_id", l.ID), zap.Error(err))
			continue
		}
		r.listingIndex[l.ID] = indexedListing{vector: vec, listing: l}
		indexed++
	}

	r.logger.Info("listing index built",
		zap.Int("indexed", indexed), zap.Int("total", len(listings)))
	return indexed, nil
}

// IndexSize reports the number of indexed keywords and listings.
func (r *RAG) IndexSize() (keywords, listings int) {
	return len(r.keywordIndex), len(r.listingIndex)
}

// RetrieveRelevantKeywords returns the topK keywords most similar to
// query, sorted by descending similarity.
func (r *RAG) RetrieveRelevantKeywords(ctx context.Context, query string, topK int) ([]KeywordMatch, error) {
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	ids := make([]int64, 0, len(r.keywordIndex))
	vectors := make([][]float32, 0, len(r.keywordIndex))
	for id, entry := range r.keywordIndex {
		if len(entry.vector) == 0 {
			continue
		}
		ids = append(ids, id)
		vectors = append(vectors, entry.vector)
	}

	scores := batchSimilarity(queryVec, vectors)

	matches := make([]KeywordMatch, len(ids))
	for i, id := range ids {
		matches[i] = KeywordMatch{
			Keyword:    r.keywordIndex[id].keyword,
			Similarity: scores[i],
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// RetrieveSimilarListings returns the topK listings most similar to
// query, sorted by descending similarity.
func (r *RAG) RetrieveSimilarListings(ctx context.Context, query string, topK int) ([]ListingMatch, error) {
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	ids := make([]int64, 0, len(r.listingIndex))
	vectors := make([][]float32, 0, len(r.listingIndex))
	for id, entry := range r.listingIndex {
		if len(entry.vector) == 0 {
			continue
		}
		ids = append(ids, id)
		vectors = append(vectors, entry.vector)
	}

	scores := batchSimilarity(queryVec, vectors)

	matches := make([]ListingMatch, len(ids))
	for i, id := range ids {
		matches[i] = ListingMatch{
			Listing:    r.listingIndex[id].listing,
			Similarity: scores[i],
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// RetrieveMarketData combines keyword and listing retrieval for a query.
// Either half failing yields an empty half, not an error, so a partial
// context is still usable for generation.
func (r *RAG) RetrieveMarketData(ctx context.Context, query string, keywordCount, listingCount int) *MarketData {
	md := &MarketData{}

	keywords, err := r.RetrieveRelevantKeywords(ctx, query, keywordCount)
	if err != nil {
		r.logger.Warn("keyword retrieval failed", zap.String("query", query), zap.Error(err))
	} else {
		md.Keywords = keywords
	}

	listings, err := r.RetrieveSimilarListings(ctx, query, listingCount)
	if err != nil {
		r.logger.Warn("listing retrieval failed", zap.String("query", query), zap.Error(err))
	} else {
		md.Listings = listings
	}

	return md
}

// ListingText is the normalized text representation indexed for a
// listing: original title, optimized title, and tags joined together.
func ListingText(l *store.Listing) string {
	parts := make([]string, 0, 3)
	if l.TitleOriginal != "" {
		parts = append(parts, l.TitleOriginal)
	}
	if l.TitleOptimized != "" {
		parts = append(parts, l.TitleOptimized)
	}
	if len(l.TagsOriginal) > 0 {
		parts = append(parts, strings.Join(l.TagsOriginal, " "))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
