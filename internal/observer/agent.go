// Package observer implements the observability agent: a wildcard bus
// subscriber that keeps per-merchant daily dialog counters, per-agent
// liveness records, and a frequency table of questions the knowledge base
// could not answer.
//
// Everything here is best-effort. Recording never returns an error to the
// publisher, and a full event queue drops events rather than slowing the
// reply path down.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/decision"
	"github.com/parleychat/parley/internal/intake"
	"github.com/parleychat/parley/pkg/envelope"
)

// Config tunes the observer's liveness checks and event queue.
type Config struct {
	// OfflineAfter is how long an agent may stay silent before it is flagged
	// as possibly offline.
	OfflineAfter time.Duration

	// CheckInterval is how often liveness is evaluated.
	CheckInterval time.Duration

	// QueueSize bounds the event channel between the bus callback and the
	// processing loop.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 60 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Agent is the observability agent. Construct with New, then call Run.
type Agent struct {
	cfg    Config
	events chan *envelope.Envelope

	mu        sync.Mutex
	day       string
	merchants map[string]*MerchantStats
	agents    map[string]*AgentActivity
	missing   map[string]map[string]*MissingQuestion

	// now is swappable for rollover tests.
	now func() time.Time
}

// New builds the observer and attaches it to every envelope the bus carries.
func New(b *bus.Bus, cfg Config) *Agent {
	cfg = cfg.withDefaults()
	a := &Agent{
		cfg:       cfg,
		events:    make(chan *envelope.Envelope, cfg.QueueSize),
		merchants: make(map[string]*MerchantStats),
		agents:    make(map[string]*AgentActivity),
		missing:   make(map[string]map[string]*MissingQuestion),
		now:       time.Now,
	}
	a.day = a.today()

	b.Subscribe(envelope.TopicWildcard, a.enqueue)
	return a
}

// Name identifies the agent in logs.
func (a *Agent) Name() string {
	return envelope.AgentObserver
}

// enqueue hands an envelope to the processing loop without ever blocking the
// publisher. When the queue is full the event is counted as dropped and
// discarded.
func (a *Agent) enqueue(env *envelope.Envelope) error {
	select {
	case a.events <- env:
	default:
		log.Printf("[Observer] event queue full, dropping %s from %s", env.Action, env.From)
	}
	return nil
}

// Run drains the event queue and runs periodic liveness checks until the
// context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	log.Printf("[Observer] starting (offlineAfter=%v checkInterval=%v)", a.cfg.OfflineAfter, a.cfg.CheckInterval)

	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logSnapshot("shutdown")
			return ctx.Err()
		case env := <-a.events:
			a.Record(env)
		case <-ticker.C:
			a.checkLiveness()
		}
	}
}

// Record folds one envelope into the counters. Exported so tests and
// synchronous callers can bypass the queue.
func (a *Agent) Record(env *envelope.Envelope) {
	if env == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.rolloverLocked()
	a.touchAgentLocked(env.From)

	switch env.Action {
	case envelope.ActionIntakeDone:
		a.recordIntakeLocked(env)
	case envelope.ActionDecisionDone:
		a.recordDecisionLocked(env)
	case envelope.ActionNotFound:
		a.recordMissingLocked(env)
	case envelope.ActionMultiMatch:
		a.merchantLocked(env.MerchantID).MultiMatches++
	default:
		// Unknown or uninteresting actions still count toward liveness.
	}
}

func (a *Agent) recordIntakeLocked(env *envelope.Envelope) {
	done, err := envelope.DecodeDone(env)
	if err != nil {
		log.Printf("[Observer] decoding intake event: %v", err)
		return
	}
	stats := a.merchantLocked(env.MerchantID)
	if done.InputType == intake.InputVoice {
		stats.VoiceDialogs++
	} else {
		stats.TextDialogs++
	}
}

func (a *Agent) recordDecisionLocked(env *envelope.Envelope) {
	done, err := envelope.DecodeDone(env)
	if err != nil {
		log.Printf("[Observer] decoding decision event: %v", err)
		return
	}
	stats := a.merchantLocked(env.MerchantID)
	stats.TotalDialogs++
	stats.recordResponse(done.ElapsedMs)

	switch done.Source {
	case decision.SourceUserCache:
		stats.CacheHits++
	case decision.SourceLLM:
		stats.LLMFallbacks++
	}
}

func (a *Agent) recordMissingLocked(env *envelope.Envelope) {
	notFound, err := envelope.DecodeNotFound(env)
	if err != nil {
		log.Printf("[Observer] decoding not-found event: %v", err)
		return
	}
	if notFound.Question == "" {
		return
	}

	table, ok := a.missing[env.MerchantID]
	if !ok {
		table = make(map[string]*MissingQuestion)
		a.missing[env.MerchantID] = table
	}

	now := a.now()
	entry, ok := table[notFound.Question]
	if !ok {
		table[notFound.Question] = &MissingQuestion{
			Question:  notFound.Question,
			Intent:    notFound.Intent,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
		}
		return
	}
	entry.Count++
	entry.LastSeen = now
}

func (a *Agent) merchantLocked(merchantID string) *MerchantStats {
	if merchantID == "" {
		merchantID = "unknown"
	}
	stats, ok := a.merchants[merchantID]
	if !ok {
		stats = &MerchantStats{Date: a.day}
		a.merchants[merchantID] = stats
	}
	return stats
}

func (a *Agent) touchAgentLocked(name string) {
	if name == "" {
		return
	}
	activity, ok := a.agents[name]
	if !ok {
		activity = &AgentActivity{}
		a.agents[name] = activity
	}
	activity.LastSeen = a.now()
	activity.Messages++
}

// rolloverLocked resets the daily counters when the calendar date changes,
// logging the closing day's snapshot first. Liveness records and the
// missing-question table survive the rollover.
func (a *Agent) rolloverLocked() {
	today := a.today()
	if today == a.day {
		return
	}

	snapshot := a.snapshotLocked()
	if payload, err := json.Marshal(snapshot); err == nil {
		log.Printf("[Observer] daily rollover, closing %s: %s", a.day, payload)
	}

	a.day = today
	a.merchants = make(map[string]*MerchantStats)
}

func (a *Agent) today() string {
	return a.now().Format("2006-01-02")
}

// checkLiveness flags agents that have been silent beyond the configured
// window. Flagging is a log line only; nothing is restarted from here.
func (a *Agent) checkLiveness() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.cfg.OfflineAfter)
	for name, activity := range a.agents {
		if activity.LastSeen.Before(cutoff) {
			log.Printf("[Observer] agent %s possibly offline: last seen %s (%d messages total)",
				name, activity.LastSeen.Format(time.RFC3339), activity.Messages)
		}
	}
}

// SilentAgents returns the names of agents silent beyond the configured
// window, for the stats endpoint.
func (a *Agent) SilentAgents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.cfg.OfflineAfter)
	var silent []string
	for name, activity := range a.agents {
		if activity.LastSeen.Before(cutoff) {
			silent = append(silent, name)
		}
	}
	return silent
}

// Stats returns a deep copy of the current counters.
func (a *Agent) Stats() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Agent) snapshotLocked() Snapshot {
	snap := Snapshot{
		Date:      a.day,
		Merchants: make(map[string]MerchantStats, len(a.merchants)),
		Agents:    make(map[string]AgentActivity, len(a.agents)),
		Missing:   make(map[string]map[string]MissingQuestion, len(a.missing)),
	}
	for id, stats := range a.merchants {
		snap.Merchants[id] = *stats
	}
	for name, activity := range a.agents {
		snap.Agents[name] = *activity
	}
	for id, table := range a.missing {
		copied := make(map[string]MissingQuestion, len(table))
		for q, entry := range table {
			copied[q] = *entry
		}
		snap.Missing[id] = copied
	}
	return snap
}

func (a *Agent) logSnapshot(reason string) {
	snap := a.Stats()
	if payload, err := json.Marshal(snap); err == nil {
		log.Printf("[Observer] %s snapshot: %s", reason, payload)
	}
}
