package batch

import (
	"math"
	"math/rand"
)

// kmeansSeed fixes the RNG so repeated runs over the same listings
// produce the same cluster assignment.
const kmeansSeed = 42

// kmeans partitions vectors into k clusters and returns one label per
// vector. All vectors must share the same dimension; callers substitute
// zero vectors for missing embeddings beforehand.
func kmeans(vectors [][]float32, k, maxIter int) []int {
	labels := make([]int, len(vectors))
	if k <= 1 || len(vectors) <= k {
		for i := range labels {
			if i < k {
				labels[i] = i
			}
		}
		return labels
	}

	rng := rand.New(rand.NewSource(kmeansSeed))
	centroids := seedCentroids(rng, vectors, k)

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, v := range vectors {
			best := nearestCentroid(v, centroids)
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		recomputeCentroids(rng, vectors, labels, centroids)
	}

	return labels
}

// seedCentroids picks k initial centroids, weighting later picks toward
// points far from the centroids chosen so far (k-means++ style).
func seedCentroids(rng *rand.Rand, vectors [][]float32, k int) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, toFloat64(vectors[rng.Intn(len(vectors))]))

	dists := make([]float64, len(vectors))
	for len(centroids) < k {
		var total float64
		for i, v := range vectors {
			d := math.MaxFloat64
			for _, c := range centroids {
				if sq := squaredDistance(v, c); sq < d {
					d = sq
				}
			}
			dists[i] = d
			total += d
		}

		if total == 0 {
			// All remaining points coincide with a centroid; any pick works.
			centroids = append(centroids, toFloat64(vectors[rng.Intn(len(vectors))]))
			continue
		}

		target := rng.Float64() * total
		var cum float64
		picked := len(vectors) - 1
		for i, d := range dists {
			cum += d
			if cum >= target {
				picked = i
				break
			}
		}
		centroids = append(centroids, toFloat64(vectors[picked]))
	}

	return centroids
}

// recomputeCentroids replaces each centroid with the mean of its
// members. An emptied cluster is re-seeded from a random point.
func recomputeCentroids(rng *rand.Rand, vectors [][]float32, labels []int, centroids [][]float64) {
	dim := len(centroids[0])
	counts := make([]int, len(centroids))
	for i := range centroids {
		for j := 0; j < dim; j++ {
			centroids[i][j] = 0
		}
	}

	for i, v := range vectors {
		c := labels[i]
		counts[c]++
		for j, x := range v {
			centroids[c][j] += float64(x)
		}
	}

	for i, n := range counts {
		if n == 0 {
			centroids[i] = toFloat64(vectors[rng.Intn(len(vectors))])
			continue
		}
		for j := 0; j < dim; j++ {
			centroids[i][j] /= float64(n)
		}
	}
}

func nearestCentroid(v []float32, centroids [][]float64) int {
	best := 0
	bestDist := math.MaxFloat64
	for i, c := range centroids {
		if d := squaredDistance(v, c); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func squaredDistance(v []float32, c []float64) float64 {
	var sum float64
	for i := range v {
		d := float64(v[i]) - c[i]
		sum += d * d
	}
	return sum
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
