package opsignal

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// cosineSimilarity calculates cosine similarity between two vectors, clamped
// to [0,1] so every similarity in the pipeline shares the same bounds.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	dot := floats.Dot(a, b)
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (normA * normB)
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// normalizedEuclidean returns the Euclidean distance between a and b scaled
// to [0,1]. Inputs are expected to have components in [0,1], so the maximum
// possible distance is sqrt(len).
func normalizedEuclidean(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	dist := floats.Distance(a, b, 2) / math.Sqrt(float64(len(a)))
	if dist > 1 {
		dist = 1
	}
	return dist
}

// DomainSimilarity compares the unweighted domain vectors of two feature
// records: 1 − normalized Euclidean distance.
func DomainSimilarity(a, b *ClusteringFeatures) float64 {
	return 1.0 - normalizedEuclidean(a.DomainFeatures.Vector, b.DomainFeatures.Vector)
}

// SemanticSimilarity blends the cosine similarities of the title,
// description, and business-context embeddings (0.5 / 0.4 / 0.1).
func SemanticSimilarity(a, b *ClusteringFeatures) float64 {
	title := cosineSimilarity(a.SemanticFeatures.TitleEmbedding, b.SemanticFeatures.TitleEmbedding)
	desc := cosineSimilarity(a.SemanticFeatures.DescriptionEmbedding, b.SemanticFeatures.DescriptionEmbedding)
	ctx := cosineSimilarity(a.SemanticFeatures.ContextEmbedding, b.SemanticFeatures.ContextEmbedding)
	return 0.5*title + 0.4*desc + 0.1*ctx
}

// CombinedSimilarity is the weighted blend of domain and semantic
// similarity, normalized by the weight sum so it stays within [0,1].
func CombinedSimilarity(a, b *ClusteringFeatures, cfg PipelineConfig) float64 {
	total := cfg.DomainWeight + cfg.SemanticWeight
	if total == 0 {
		return 0
	}
	return (cfg.DomainWeight*DomainSimilarity(a, b) + cfg.SemanticWeight*SemanticSimilarity(a, b)) / total
}
