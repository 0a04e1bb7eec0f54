// Package intent implements the Intake agent's deterministic intent
// classification and question refinement.
//
// Classification is an ordered rule match: chit-chat short-circuits first,
// then the domain categories are tested in fixed priority order. First match
// wins, so a later category can never override an earlier keyword hit.
package intent

import (
	"regexp"
	"strings"
)

// Intent categories, in classification priority order.
const (
	CategoryChitChat = "chitchat"
	CategoryPrice    = "price"
	CategoryLocation = "location"
	CategoryTime     = "time"
	CategoryFacility = "facility"
	CategoryEvent    = "event"
	CategoryOther    = "other"
)

// Rule is one classification rule: a category plus the keywords and patterns
// that select it. A rule matches when any keyword is contained in the text or
// any pattern matches it.
type Rule struct {
	Category string
	Keywords []string
	Patterns []*regexp.Regexp
}

func (r *Rule) matches(text string) bool {
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	for _, p := range r.Patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Classifier resolves a question's intent category against an ordered rule
// table. Rule order is a policy decision: it makes classification
// deterministic and testable.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier over the given ordered rules.
func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// DefaultRules returns the built-in rule table, chit-chat first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: CategoryChitChat,
			Keywords: []string{"谢谢", "再见", "拜拜", "辛苦了"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`^(你好|您好|嗨|早上好|晚上好)`),
				regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|bye)\b`),
			},
		},
		{
			Category: CategoryPrice,
			Keywords: []string{"多少钱", "价格", "票价", "门票", "收费", "费用", "优惠"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(price|cost|ticket|fee)`),
			},
		},
		{
			Category: CategoryLocation,
			Keywords: []string{"在哪", "怎么走", "地址", "位置", "路线", "怎么去"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(where|address|location|directions)`),
			},
		},
		{
			Category: CategoryTime,
			Keywords: []string{"几点", "时间", "开门", "关门", "营业", "开放"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(when|hours|open|close)`),
			},
		},
		{
			Category: CategoryFacility,
			Keywords: []string{"厕所", "卫生间", "停车", "餐厅", "设施", "寄存", "轮椅"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(toilet|restroom|parking|restaurant|wifi|locker)`),
			},
		},
		{
			Category: CategoryEvent,
			Keywords: []string{"活动", "演出", "表演", "节目", "展览"},
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(event|show|performance|exhibition)`),
			},
		},
	}
}

// Classify returns the first matching rule's category, or CategoryOther when
// nothing matches.
func (c *Classifier) Classify(text string) string {
	for _, rule := range c.rules {
		if rule.matches(text) {
			return rule.Category
		}
	}
	return CategoryOther
}
