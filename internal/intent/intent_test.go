package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultRules())

	tests := []struct {
		text string
		want string
	}{
		{"门票多少钱", CategoryPrice},
		{"成人票价格是多少", CategoryPrice},
		{"景区在哪里", CategoryLocation},
		{"几点开门", CategoryTime},
		{"停车场在几楼", CategoryFacility},
		{"今天有什么演出", CategoryEvent},
		{"你好", CategoryChitChat},
		{"谢谢你", CategoryChitChat},
		{"hello there", CategoryChitChat},
		{"how much is the ticket", CategoryPrice},
		{"where is the entrance", CategoryLocation},
		{"帮我写一首诗", CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.text))
		})
	}
}

func TestClassifyPriority(t *testing.T) {
	c := NewClassifier(DefaultRules())

	t.Run("earlier category wins over later keyword hit", func(t *testing.T) {
		// Contains both price (门票) and time (开放, 时间) keywords.
		assert.Equal(t, CategoryPrice, c.Classify("开放时间内门票多少钱"))
	})

	t.Run("chitchat short-circuits everything", func(t *testing.T) {
		assert.Equal(t, CategoryChitChat, c.Classify("你好，门票多少钱"))
	})
}

func TestRefine(t *testing.T) {
	r := NewRefiner(DefaultRules(), 3, 3)

	t.Run("keeps short CJK question intact", func(t *testing.T) {
		assert.Equal(t, "门票多少钱", r.Refine("门票多少钱", CategoryPrice))
	})

	t.Run("windows long CJK question around the match", func(t *testing.T) {
		// Match is 多少钱; window is 3 runes either side.
		got := r.Refine("请问一下你们景区门票多少钱有优惠吗", CategoryPrice)
		assert.Equal(t, "区门票多少钱有优惠", got)
	})

	t.Run("windows segmented text by words", func(t *testing.T) {
		got := r.Refine("excuse me how much is the ticket price today my friend", CategoryPrice)
		assert.Equal(t, "much is the ticket price today my", got)
	})

	t.Run("falls back to punctuation stripping without a pattern", func(t *testing.T) {
		assert.Equal(t, "帮我写一首诗", r.Refine("帮我写一首诗？？", CategoryOther))
	})
}

func TestStripTrailingPunctuation(t *testing.T) {
	assert.Equal(t, "几点开门", StripTrailingPunctuation("几点开门？"))
	assert.Equal(t, "ok", StripTrailingPunctuation("ok!!  "))
	assert.Equal(t, "", StripTrailingPunctuation("？！"))
}
