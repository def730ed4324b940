// Package retrieval ranks stored memories against a conversation query.
//
// Ranking combines four signals: semantic similarity from the vector search,
// access frequency, recency of the last access, and the density of the
// knowledge graph around the memory's entity. Weights come from the
// memory_scoring settings key.
package retrieval

import (
	"math"
	"time"

	"github.com/mnemohq/mnemo/internal/settings"
	"github.com/mnemohq/mnemo/pkg/memory"
)

// Scoring signal saturation points: access frequency saturates at 100 hits,
// graph density at 10 nodes / 20 edges around the entity.
const (
	accessSaturation = 100
	nodeSaturation   = 10
	edgeSaturation   = 20
)

// FinalScore computes the composite relevance score for a memory.
//
// similarity must already be in [0, 1]. accessCount is the stored access
// counter, age is time elapsed since the memory was last accessed, and density is
// the value returned by [GraphDensity]. Every component is clamped to [0, 1]
// before weighting, so the result lies in [0, 1] whenever the weights sum
// to at most 1.
func FinalScore(w settings.MemoryScoring, similarity float64, accessCount int, age time.Duration, density float64) float64 {
	access := clamp01(float64(accessCount) / accessSaturation)
	recency := clamp01(math.Exp(-w.RecencyLambda * float64(age.Milliseconds())))

	return w.SimilarityWeight*clamp01(similarity) +
		w.AccessWeight*access +
		w.RecencyWeight*recency +
		w.GraphWeight*clamp01(density)
}

// GraphDensity condenses a neighborhood subgraph into a single [0, 1] signal.
// Node count, edge count, and mean edge weight contribute 0.4/0.3/0.3; each
// term saturates so one giant hub cannot dominate ranking.
//
// A nil or empty subgraph yields 0, which is also what memories without a
// linked entity receive.
func GraphDensity(sg *memory.Subgraph) float64 {
	if sg == nil || len(sg.Nodes) == 0 {
		return 0
	}

	nodes := clamp01(float64(len(sg.Nodes)) / nodeSaturation)
	edges := clamp01(float64(len(sg.Edges)) / edgeSaturation)

	var meanWeight float64
	if len(sg.Edges) > 0 {
		var sum float64
		for _, e := range sg.Edges {
			sum += e.Weight
		}
		meanWeight = clamp01(sum / float64(len(sg.Edges)))
	}

	return 0.4*nodes + 0.3*edges + 0.3*meanWeight
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
