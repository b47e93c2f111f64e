package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mstanton/listwise/internal/rag"
	"github.com/mstanton/listwise/internal/store"
)

// stubEmbedder derives a deterministic vector from the text so similar
// titles cluster together.
type stubEmbedder struct {
	fail  map[string]bool
	calls int64
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.fail[text] {
		return nil, errors.New("embed failed")
	}
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r) / 1000
	}
	return vec, nil
}

// stubRetriever counts retrieval calls and returns a fixed context.
type stubRetriever struct {
	calls int64
}

func (s *stubRetriever) RetrieveMarketData(_ context.Context, query string, _, _ int) *rag.MarketData {
	atomic.AddInt64(&s.calls, 1)
	return &rag.MarketData{
		Keywords: []rag.KeywordMatch{
			{Keyword: &store.Keyword{Text: query}, Similarity: 1},
		},
	}
}

// stubOptimizer succeeds unless the listing id is in failIDs.
type stubOptimizer struct {
	failIDs map[int64]bool
	sawMD   int64
}

func (s *stubOptimizer) ExtractKeywordAndProduct(_ context.Context, title string) (string, string) {
	return title, "product"
}

func (s *stubOptimizer) OptimizeListing(_ context.Context, l *store.Listing, shared *rag.MarketData) (*store.Listing, error) {
	if s.failIDs[l.ID] {
		return nil, errors.New("optimization blew up")
	}
	if shared != nil {
		atomic.AddInt64(&s.sawMD, 1)
	}
	out := *l
	out.Status = store.StatusOptimized
	return &out, nil
}

func makeListings(n int) []*store.Listing {
	listings := make([]*store.Listing, n)
	for i := range listings {
		listings[i] = &store.Listing{
			ID:            int64(i + 1),
			MarketplaceID: fmt.Sprintf("m-%d", i+1),
			TitleOriginal: fmt.Sprintf("Handmade ceramic mug %d", i+1),
			TagsOriginal:  []string{"mug", "ceramic"},
			BaseKeyword:   "ceramic mug",
			ProductType:   "mug",
		}
	}
	return listings
}

func newTestProcessor(emb Embedder, ret Retriever, cfg Config) *Processor {
	return New(emb, ret, cfg, zap.NewNop())
}

func TestClusteringCompleteness(t *testing.T) {
	for _, n := range []int{1, 3, 7, 25, 60} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			p := newTestProcessor(&stubEmbedder{}, &stubRetriever{}, Config{ClusterSize: 5})
			listings := makeListings(n)

			clusters := p.clusterListings(context.Background(), listings, 0)

			seen := make(map[int64]int)
			total := 0
			for _, cluster := range clusters {
				for _, l := range cluster {
					seen[l.ID]++
					total++
				}
			}
			assert.Equal(t, n, total, "no listing duplicated or dropped")
			for id, count := range seen {
				assert.Equal(t, 1, count, "listing %d appears once", id)
			}
		})
	}
}

func TestSingleClusterWhenCountMatchesClusterSize(t *testing.T) {
	// 5 listings with cluster_size=5 collapse into exactly one cluster.
	p := newTestProcessor(&stubEmbedder{}, &stubRetriever{}, Config{ClusterSize: 5})
	listings := makeListings(5)

	clusters := p.clusterListings(context.Background(), listings, 0)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0], 5)
}

func TestSingletonClustersSkipKMeans(t *testing.T) {
	emb := &stubEmbedder{}
	p := newTestProcessor(emb, &stubRetriever{}, Config{ClusterSize: 5})
	listings := makeListings(3)

	clusters := p.clusterListings(context.Background(), listings, 3)
	assert.Len(t, clusters, 3)
	assert.Zero(t, atomic.LoadInt64(&emb.calls), "singleton split needs no embeddings")
}

func TestClusteringSurvivesFailedEmbeddings(t *testing.T) {
	emb := &stubEmbedder{fail: map[string]bool{
		clusterText(&store.Listing{
			TitleOriginal: "Handmade ceramic mug 2",
			TagsOriginal:  []string{"mug", "ceramic"},
		}): true,
	}}
	p := newTestProcessor(emb, &stubRetriever{}, Config{ClusterSize: 2})
	listings := makeListings(6)

	clusters := p.clusterListings(context.Background(), listings, 0)

	total := 0
	for _, cluster := range clusters {
		total += len(cluster)
	}
	assert.Equal(t, 6, total, "zero-vector substitution keeps the listing in the batch")
}

func TestClusteringAllEmbeddingsFailed(t *testing.T) {
	fail := make(map[string]bool)
	listings := makeListings(4)
	for _, l := range listings {
		fail[clusterText(l)] = true
	}
	p := newTestProcessor(&stubEmbedder{fail: fail}, &stubRetriever{}, Config{ClusterSize: 2})

	clusters := p.clusterListings(context.Background(), listings, 0)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0], 4)
}

func TestOptimizeListingsResilience(t *testing.T) {
	// 10 listings, 3 mocked to fail: exactly 7 results, no panic.
	p := newTestProcessor(&stubEmbedder{}, &stubRetriever{}, Config{ClusterSize: 3, MaxWorkers: 2})
	listings := makeListings(10)
	opt := &stubOptimizer{failIDs: map[int64]bool{2: true, 5: true, 9: true}}

	results := p.OptimizeListings(context.Background(), listings, opt)
	assert.Len(t, results, 7)
	for _, r := range results {
		assert.Equal(t, store.StatusOptimized, r.Status)
		assert.False(t, opt.failIDs[r.ID], "failed listing must not appear in results")
	}
}

func TestSharedMarketDataRetrievedOncePerCluster(t *testing.T) {
	ret := &stubRetriever{}
	p := newTestProcessor(&stubEmbedder{}, ret, Config{ClusterSize: 5, MaxWorkers: 1})
	listings := makeListings(5) // one cluster

	opt := &stubOptimizer{}
	results := p.OptimizeListings(context.Background(), listings, opt)

	require.Len(t, results, 5)
	assert.Equal(t, int64(1), atomic.LoadInt64(&ret.calls), "one retrieval for the whole cluster")
	assert.Equal(t, int64(5), atomic.LoadInt64(&opt.sawMD), "every listing received the shared context")
}

func TestOptimizeListingsEmptyInput(t *testing.T) {
	p := newTestProcessor(&stubEmbedder{}, &stubRetriever{}, Config{})
	assert.Nil(t, p.OptimizeListings(context.Background(), nil, &stubOptimizer{}))
}

func TestKMeansDeterministic(t *testing.T) {
	vectors := make([][]float32, 30)
	for i := range vectors {
		vectors[i] = []float32{float32(i % 3), float32((i + 1) % 3), float32(i) / 30}
	}

	first := kmeans(vectors, 3, kmeansMaxIterations)
	second := kmeans(vectors, 3, kmeansMaxIterations)
	assert.Equal(t, first, second, "fixed seed makes clustering reproducible")
}

func TestKMeansLabelRange(t *testing.T) {
	vectors := [][]float32{
		{0, 0}, {0.1, 0}, {10, 10}, {10.1, 10}, {20, 0}, {20.1, 0},
	}
	labels := kmeans(vectors, 3, kmeansMaxIterations)
	require.Len(t, labels, len(vectors))
	for _, l := range labels {
		assert.GreaterOrEqual(t, l, 0)
		assert.Less(t, l, 3)
	}
}

func TestCacheStatsWithoutStatser(t *testing.T) {
	p := newTestProcessor(&stubEmbedder{}, &stubRetriever{}, Config{})
	assert.Zero(t, p.CacheStats().MaxSize)
}
