package observer

import "time"

// MerchantStats is one merchant's rolling daily counter set. The running
// average response time is updated incrementally so no per-reply samples are
// retained.
type MerchantStats struct {
	Date          string  `json:"date"`
	TotalDialogs  int64   `json:"totalDialogs"`
	VoiceDialogs  int64   `json:"voiceDialogs"`
	TextDialogs   int64   `json:"textDialogs"`
	CacheHits     int64   `json:"cacheHits"`
	LLMFallbacks  int64   `json:"llmFallbacks"`
	MultiMatches  int64   `json:"multiMatches"`
	AvgResponseMs float64 `json:"avgResponseMs"`

	responses int64
}

// recordResponse folds one reply's elapsed time into the running average:
// avg' = (avg*(n-1) + new) / n.
func (s *MerchantStats) recordResponse(elapsedMs int64) {
	s.responses++
	n := float64(s.responses)
	s.AvgResponseMs = (s.AvgResponseMs*(n-1) + float64(elapsedMs)) / n
}

// MissingQuestion is one entry in the unresolved-question frequency table,
// keyed by the literal question text. Merchants use it to spot knowledge-base
// gaps worth backfilling.
type MissingQuestion struct {
	Question  string    `json:"question"`
	Intent    string    `json:"intent"`
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// AgentActivity tracks one upstream agent's traffic for liveness checks.
type AgentActivity struct {
	LastSeen time.Time `json:"lastSeen"`
	Messages int64     `json:"messages"`
}

// Snapshot is a point-in-time copy of everything the observer tracks,
// served on the stats endpoint and logged on daily rollover.
type Snapshot struct {
	Date      string                                `json:"date"`
	Merchants map[string]MerchantStats              `json:"merchants"`
	Agents    map[string]AgentActivity              `json:"agents"`
	Missing   map[string]map[string]MissingQuestion `json:"missingQuestions"`
}
