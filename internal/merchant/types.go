// Package merchant owns per-tenant configuration: hot questions, knowledge
// items and prompt strings. Profiles load from a configurable backing store
// (local YAML files or a Redis document store with automatic local fallback)
// and sit behind a short-TTL cache that is rebuilt wholesale on expiry.
package merchant

import (
	"fmt"
	"strings"
)

// KnowledgeItem is one entry in a merchant's knowledge base. Items are held
// read-only by the Knowledge agent for the lifetime of a profile load.
type KnowledgeItem struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Content  string   `yaml:"content" json:"content"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Category string   `yaml:"category" json:"category"`
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Weight   float64  `yaml:"weight" json:"weight"` // Score multiplier, defaults to 1.0
}

// HotQuestion is a merchant-curated high-priority Q&A entry, checked before
// general knowledge retrieval. Hit counts are mutated only through the
// store's increment operation, never on this struct.
type HotQuestion struct {
	ID       string   `yaml:"id" json:"id"`
	Question string   `yaml:"question" json:"question"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Answer   string   `yaml:"answer" json:"answer"`
	HitCount int64    `yaml:"hit_count" json:"hitCount"`
	Enabled  bool     `yaml:"enabled" json:"enabled"`
}

// Profile is a merchant's full conversational configuration.
type Profile struct {
	MerchantID    string          `yaml:"merchant_id" json:"merchantId"`
	SystemPrompt  string          `yaml:"system_prompt" json:"systemPrompt"`   // Persona for the generative fallback
	ChitChatReply string          `yaml:"chitchat_reply" json:"chitchatReply"` // Templated tier-3 reply
	HotQuestions  []HotQuestion   `yaml:"hot_questions" json:"hotQuestions"`
	Knowledge     []KnowledgeItem `yaml:"knowledge" json:"knowledge"`
}

// Validate checks the profile and applies the default knowledge weight.
func (p *Profile) Validate() error {
	if p.MerchantID == "" {
		return fmt.Errorf("merchant_id is required")
	}

	seen := make(map[string]bool, len(p.HotQuestions))
	for i, hq := range p.HotQuestions {
		if hq.ID == "" {
			return fmt.Errorf("hot question at index %d has no id", i)
		}
		if seen[hq.ID] {
			return fmt.Errorf("duplicate hot question id %q", hq.ID)
		}
		seen[hq.ID] = true
	}

	for i := range p.Knowledge {
		if p.Knowledge[i].ID == "" {
			return fmt.Errorf("knowledge item at index %d has no id", i)
		}
		if p.Knowledge[i].Weight == 0 {
			p.Knowledge[i].Weight = 1.0
		}
	}

	return nil
}

// MatchHotQuestion returns the first enabled hot question whose keywords are
// contained in the question text, or nil. First match wins; there is no
// scoring at this tier.
func (p *Profile) MatchHotQuestion(question string) *HotQuestion {
	for i := range p.HotQuestions {
		hq := &p.HotQuestions[i]
		if !hq.Enabled {
			continue
		}
		for _, kw := range hq.Keywords {
			if kw != "" && strings.Contains(question, kw) {
				return hq
			}
		}
	}
	return nil
}

// EnabledKnowledge returns the enabled knowledge items in load order.
func (p *Profile) EnabledKnowledge() []KnowledgeItem {
	items := make([]KnowledgeItem, 0, len(p.Knowledge))
	for _, item := range p.Knowledge {
		if item.Enabled {
			items = append(items, item)
		}
	}
	return items
}
