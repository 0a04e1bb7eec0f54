// Package knowledge implements the Knowledge agent: read-only retrieval over
// a merchant's knowledge items, with weighted scoring and LLM-assisted
// disambiguation when several items score high.
package knowledge

import (
	"sort"
	"strings"

	"github.com/parleychat/parley/internal/merchant"
)

// Weights are the scoring weights applied per knowledge item.
type Weights struct {
	Keyword float64 // Per matched keyword
	Title   float64 // Title substring match
	Body    float64 // Body substring match
}

// Scored pairs a knowledge item with its computed score.
type Scored struct {
	Item  merchant.KnowledgeItem
	Score float64
}

// score computes one item's relevance to the query:
//
//	(keyword weight × matched keywords) + title bonus + body bonus,
//	all multiplied by the item's weight.
//
// Title matches in either containment direction; the body bonus requires the
// query to appear in the content.
func score(item merchant.KnowledgeItem, query string, w Weights) float64 {
	matched := 0
	for _, kw := range item.Keywords {
		if kw != "" && strings.Contains(query, kw) {
			matched++
		}
	}

	s := w.Keyword * float64(matched)
	if item.Name != "" && (strings.Contains(query, item.Name) || strings.Contains(item.Name, query)) {
		s += w.Title
	}
	if item.Content != "" && strings.Contains(item.Content, query) {
		s += w.Body
	}

	return s * item.Weight
}

// Rank scores the enabled items against the query and returns those with a
// positive score, highest first. The sort is stable: ties keep discovery
// order, so repeated searches with the same input return the same order.
func Rank(items []merchant.KnowledgeItem, query string, w Weights) []Scored {
	var ranked []Scored
	for _, item := range items {
		if !item.Enabled {
			continue
		}
		if s := score(item, query, w); s > 0 {
			ranked = append(ranked, Scored{Item: item, Score: s})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}
