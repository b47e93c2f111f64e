// Package batch amortizes retrieval cost across many listings by
// clustering them by embedding similarity, retrieving market context
// once per cluster, and dispatching cluster work across a bounded pool.
package batch

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mstanton/listwise/internal/embcache"
	"github.com/mstanton/listwise/internal/rag"
	"github.com/mstanton/listwise/internal/store"
)

const (
	// DefaultClusterSize is the target number of listings per cluster
	DefaultClusterSize = 10

	// DefaultMaxWorkers bounds concurrent cluster tasks
	DefaultMaxWorkers = 4

	// Per-cluster retrieval breadth
	clusterKeywordCount = 5
	clusterListingCount = 3

	kmeansMaxIterations = 100
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever serves shared market context for a cluster.
type Retriever interface {
	RetrieveMarketData(ctx context.Context, query string, keywordCount, listingCount int) *rag.MarketData
}

// Optimizer performs per-listing optimization. The shared market data
// passed to OptimizeListing lets it skip its own retrieval call.
type Optimizer interface {
	ExtractKeywordAndProduct(ctx context.Context, title string) (baseKeyword, productType string)
	OptimizeListing(ctx context.Context, listing *store.Listing, shared *rag.MarketData) (*store.Listing, error)
}

// cacheStatser is satisfied by embedders that expose cache counters.
type cacheStatser interface {
	CacheStats() embcache.Stats
}

// Config tunes the processor.
type Config struct {
	ClusterSize int
	MaxWorkers  int
}

// Processor clusters listings and runs optimization across a bounded
// worker pool.
type Processor struct {
	embedder  Embedder
	retriever Retriever
	logger    *zap.Logger

	clusterSize int
	maxWorkers  int
}

// New creates a Processor with defaults applied for zero config values.
func New(embedder Embedder, retriever Retriever, cfg Config, logger *zap.Logger) *Processor {
	if cfg.ClusterSize <= 0 {
		cfg.ClusterSize = DefaultClusterSize
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		embedder:    embedder,
		retriever:   retriever,
		logger:      logger,
		clusterSize: cfg.ClusterSize,
		maxWorkers:  cfg.MaxWorkers,
	}
}

// OptimizeListings clusters the input and optimizes each cluster on the
// worker pool. Results arrive in completion order, not input order; a
// failed listing or cluster is logged and omitted rather than aborting
// the batch.
func (p *Processor) OptimizeListings(ctx context.Context, listings []*store.Listing, opt Optimizer) []*store.Listing {
	if len(listings) == 0 {
		return nil
	}

	runID := uuid.NewString()
	clusters := p.clusterListings(ctx, listings, 0)
	p.logger.Info("batch run started",
		zap.String("run_id", runID),
		zap.Int("listings", len(listings)),
		zap.Int("clusters", len(clusters)),
		zap.Int("max_workers", p.maxWorkers))

	var (
		mu      sync.Mutex
		results []*store.Listing
	)

	g := new(errgroup.Group)
	g.SetLimit(p.maxWorkers)
	for i := range clusters {
		cluster := clusters[i]
		clusterIdx := i
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("cluster task panicked",
						zap.String("run_id", runID),
						zap.Int("cluster", clusterIdx),
						zap.Any("panic", r))
				}
			}()

			optimized := p.optimizeCluster(ctx, cluster, opt)
			mu.Lock()
			results = append(results, optimized...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("batch run finished",
		zap.String("run_id", runID),
		zap.Int("optimized", len(results)),
		zap.Int("failed", len(listings)-len(results)))
	return results
}

// CacheStats passes through the embedding cache counters when the
// embedder exposes them; useful for verifying that cluster-level
// context sharing cut redundant embedding calls.
func (p *Processor) CacheStats() embcache.Stats {
	if cs, ok := p.embedder.(cacheStatser); ok {
		return cs.CacheStats()
	}
	return embcache.Stats{}
}

// clusterListings groups listings by embedding similarity. nClusters of
// zero derives the count from the configured cluster size. Every input
// listing lands in exactly one cluster.
func (p *Processor) clusterListings(ctx context.Context, listings []*store.Listing, nClusters int) [][]*store.Listing {
	if nClusters <= 0 {
		nClusters = len(listings) / p.clusterSize
		if nClusters < 1 {
			nClusters = 1
		}
	}

	// Singleton clusters: nothing to gain from running k-means.
	if len(listings) <= nClusters {
		clusters := make([][]*store.Listing, len(listings))
		for i, l := range listings {
			clusters[i] = []*store.Listing{l}
		}
		return clusters
	}

	vectors := make([][]float32, len(listings))
	dim := 0
	failed := 0
	for i, l := range listings {
		vec, err := p.embedder.Embed(ctx, clusterText(l))
		if err != nil || len(vec) == 0 {
			failed++
			continue
		}
		vectors[i] = vec
		if dim == 0 {
			dim = len(vec)
		}
	}

	if dim == 0 {
		// Every embedding failed; clustering is meaningless.
		p.logger.Warn("all listing embeddings failed, using one cluster",
			zap.Int("listings", len(listings)))
		return [][]*store.Listing{listings}
	}

	// A failed embedding becomes a zero vector so the batch proceeds;
	// the listing ends up wherever the zero point lands.
	if failed > 0 {
		p.logger.Warn("substituting zero vectors for failed embeddings",
			zap.Int("failed", failed))
		for i, v := range vectors {
			if len(v) != dim {
				vectors[i] = make([]float32, dim)
			}
		}
	}

	labels := kmeans(vectors, nClusters, kmeansMaxIterations)

	grouped := make(map[int][]*store.Listing)
	order := make([]int, 0, nClusters)
	for i, label := range labels {
		if _, seen := grouped[label]; !seen {
			order = append(order, label)
		}
		grouped[label] = append(grouped[label], listings[i])
	}

	clusters := make([][]*store.Listing, 0, len(order))
	for _, label := range order {
		clusters = append(clusters, grouped[label])
	}
	return clusters
}

// optimizeCluster retrieves market data once for the cluster's dominant
// keyword/product-type pair, then optimizes each member sequentially
// with that shared context.
func (p *Processor) optimizeCluster(ctx context.Context, cluster []*store.Listing, opt Optimizer) []*store.Listing {
	type pair struct {
		keyword string
		product string
	}

	counts := make(map[pair]int)
	order := make([]pair, 0, len(cluster))
	for _, l := range cluster {
		keyword := l.BaseKeyword
		product := l.ProductType
		if keyword == "" || product == "" {
			extractedKw, extractedPt := opt.ExtractKeywordAndProduct(ctx, l.TitleOriginal)
			if keyword == "" {
				keyword = extractedKw
			}
			if product == "" {
				product = extractedPt
			}
		}
		key := pair{keyword: keyword, product: product}
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}

	// Most common pair wins; first-seen breaks ties deterministically.
	best := order[0]
	for _, key := range order {
		if counts[key] > counts[best] {
			best = key
		}
	}

	query := strings.TrimSpace(best.keyword + " " + best.product)
	var shared *rag.MarketData
	if query != "" && p.retriever != nil {
		shared = p.retriever.RetrieveMarketData(ctx, query, clusterKeywordCount, clusterListingCount)
	}

	results := make([]*store.Listing, 0, len(cluster))
	for _, l := range cluster {
		optimized, err := opt.OptimizeListing(ctx, l, shared)
		if err != nil {
			p.logger.Warn("listing optimization failed",
				zap.Int64("listing_id", l.ID),
				zap.String("marketplace_id", l.MarketplaceID),
				zap.Error(err))
			continue
		}
		results = append(results, optimized)
	}
	return results
}

// clusterText is the text embedded for clustering: the original title
// plus the original tags.
func clusterText(l *store.Listing) string {
	if len(l.TagsOriginal) == 0 {
		return l.TitleOriginal
	}
	return strings.TrimSpace(l.TitleOriginal + " " + strings.Join(l.TagsOriginal, " "))
}
