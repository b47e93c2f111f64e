package rag

import (
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// largeBatchSize is used on multi-core hosts where batches are
	// scored in parallel
	largeBatchSize = 2048

	// smallBatchSize bounds peak memory on constrained hosts
	smallBatchSize = 64
)

// scratchPool recycles normalized-query buffers between retrieval
// passes. Buffers are float64 so batched scores agree exactly with the
// pairwise CosineSimilarity path.
var scratchPool = sync.Pool{
	New: func() interface{} {
		buf := make([]float64, 0, 4096)
		return &buf
	},
}

func acquireScratch(n int) *[]float64 {
	buf := scratchPool.Get().(*[]float64)
	if cap(*buf) < n {
		grown := make([]float64, n)
		return &grown
	}
	*buf = (*buf)[:n]
	return buf
}

func releaseScratch(buf *[]float64) {
	*buf = (*buf)[:0]
	scratchPool.Put(buf)
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// normalizeInto writes the L2-normalized form of v into dst in full
// float64 precision. A zero vector normalizes to itself.
func normalizeInto(dst []float64, v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		for i, x := range v {
			dst[i] = float64(x)
		}
		return
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		dst[i] = float64(x) / norm
	}
}

// adaptiveBatchSize picks the scoring batch size from the host's core
// count: thousands per batch when batches run in parallel, tens
// otherwise.
func adaptiveBatchSize() int {
	if runtime.NumCPU() >= 4 {
		return largeBatchSize
	}
	return smallBatchSize
}

// batchSimilarity scores query against every candidate, batched to
// bound peak memory. The query is normalized once into a pooled scratch
// buffer; candidates with a different dimension (including empty ones)
// score 0. Scratch memory is returned to the pool before returning.
func batchSimilarity(query []float32, candidates [][]float32) []float64 {
	scores := make([]float64, len(candidates))
	if len(query) == 0 || len(candidates) == 0 {
		return scores
	}

	scratch := acquireScratch(len(query))
	defer releaseScratch(scratch)
	qn := (*scratch)[:len(query)]
	normalizeInto(qn, query)

	batchSize := adaptiveBatchSize()
	scoreBatch := func(start, end int) {
		for i := start; i < end; i++ {
			cand := candidates[i]
			if len(cand) != len(query) {
				continue
			}
			var dot, norm float64
			for j := range cand {
				dot += qn[j] * float64(cand[j])
				norm += float64(cand[j]) * float64(cand[j])
			}
			if norm == 0 {
				continue
			}
			scores[i] = dot / math.Sqrt(norm)
		}
	}

	if len(candidates) <= batchSize || runtime.NumCPU() < 2 {
		scoreBatch(0, len(candidates))
		return scores
	}

	// Batches write disjoint ranges of scores, so no lock is needed.
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		g.Go(func() error {
			scoreBatch(start, end)
			return nil
		})
	}
	_ = g.Wait()

	return scores
}
