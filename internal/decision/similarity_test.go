package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical strings", "门票多少钱", "门票多少钱", 1.0},
		{"both empty", "", "", 1.0},
		{"one empty", "门票", "", 0},
		{"containment", "门票多少钱", "请问门票多少钱", 0.9},
		{"containment is symmetric", "请问门票多少钱", "门票多少钱", 0.9},
		{"disjoint", "abc", "xyz", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 0.001)
		})
	}

	t.Run("character overlap scores between 0 and 1", func(t *testing.T) {
		// 门票价格 vs 门票时间: shared {门,票}, union {门,票,价,格,时,间}.
		got := Similarity("门票价格", "门票时间")
		assert.InDelta(t, 2.0/6.0, got, 0.001)
	})

	t.Run("repeated characters count once", func(t *testing.T) {
		assert.InDelta(t, 1.0, Similarity("aab", "abb"), 0.001)
	})
}

func TestSimilarityThresholdBehavior(t *testing.T) {
	// Near-identical phrasings land above the default 0.8 cutoff, while
	// questions about different topics land well below it.
	assert.GreaterOrEqual(t, Similarity("景区门票多少钱", "景区门票多少钱呢"), 0.8)
	assert.Less(t, Similarity("门票多少钱", "停车场在哪里"), 0.8)
}
