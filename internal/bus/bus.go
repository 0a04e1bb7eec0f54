package bus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleychat/parley/pkg/envelope"
)

// Handler receives an envelope at publish time, synchronously, in
// registration order. A handler error is logged and swallowed so one failing
// subscriber cannot block the others.
type Handler func(*envelope.Envelope) error

// Options tunes bus behavior. The zero value is usable; defaults are applied
// by New.
type Options struct {
	// MaxRetries bounds agent-reported failures before an entry goes
	// terminal. Default 3; -1 (not 0) parks an entry on its first failure.
	MaxRetries int

	// GracePeriod is how long completed and failed entries are retained for
	// late diagnostics before garbage collection. Default 30s.
	GracePeriod time.Duration

	// ClaimLease bounds how long an entry may sit in processing before the
	// janitor treats the claimant as crashed and returns the entry to
	// pending (counted as a retry). Default 60s; -1 (not 0) disables lease
	// recovery.
	ClaimLease time.Duration

	// DeliveryOnly lists recipients whose envelopes are delivered to
	// subscribers without creating pool entries. The user channel is always
	// delivery-only; subscription-driven agents belong here too, otherwise
	// their unclaimed entries accumulate.
	DeliveryOnly []string
}

func (o Options) withDefaults() Options {
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = 3
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = 30 * time.Second
	}
	switch {
	case o.ClaimLease == 0:
		o.ClaimLease = 60 * time.Second
	case o.ClaimLease < 0:
		o.ClaimLease = 0
	}
	return o
}

type subscriber struct {
	id      int
	handler Handler
}

// Bus is the central mailbox. It is safe for concurrent use from multiple
// goroutines; all state is guarded by a single mutex.
type Bus struct {
	mu     sync.Mutex
	opts   Options
	tasks  map[string]*Task
	order  []string // live task IDs in insertion order, for stable Peek
	subs   map[string][]subscriber
	nextID int
}

// New creates a bus with the given options.
func New(opts Options) *Bus {
	return &Bus{
		opts:  opts.withDefaults(),
		tasks: make(map[string]*Task),
		subs:  make(map[string][]subscriber),
	}
}

// Publish accepts an envelope and returns the ID of the pool entry created
// for it. Publish never rejects: there is no backpressure at the bus.
//
// Side effects, in order: the pool entry is inserted (unless the recipient
// is delivery-only, in which case the envelope reaches subscribers only),
// then all wildcard subscribers and all subscribers on the envelope's
// "{from}→{to}" topic are invoked synchronously in registration order.
//
// Returns an empty task ID for delivery-only envelopes.
func (b *Bus) Publish(env *envelope.Envelope) string {
	var taskID string

	if !b.deliveryOnly(env.To) {
		taskID = uuid.New().String()
		task := &Task{
			ID:        taskID,
			Envelope:  env,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		}

		b.mu.Lock()
		b.tasks[taskID] = task
		b.order = append(b.order, taskID)
		b.mu.Unlock()
	}

	b.notify(env)
	return taskID
}

func (b *Bus) deliveryOnly(to string) bool {
	if to == envelope.ChannelUser {
		return true
	}
	for _, name := range b.opts.DeliveryOnly {
		if to == name {
			return true
		}
	}
	return false
}

// notify invokes wildcard subscribers first, then topic subscribers, each in
// registration order. Handlers run outside the pool mutex so a slow
// subscriber cannot stall claim/complete traffic.
func (b *Bus) notify(env *envelope.Envelope) {
	b.mu.Lock()
	handlers := make([]subscriber, 0, len(b.subs[envelope.TopicWildcard])+len(b.subs[env.Topic()]))
	handlers = append(handlers, b.subs[envelope.TopicWildcard]...)
	handlers = append(handlers, b.subs[env.Topic()]...)
	b.mu.Unlock()

	for _, sub := range handlers {
		b.invoke(sub, env)
	}
}

func (b *Bus) invoke(sub subscriber, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bus] Subscriber %d panicked on %s: %v", sub.id, env.Action, r)
		}
	}()

	if err := sub.handler(env); err != nil {
		log.Printf("[Bus] Subscriber %d failed on %s: %v", sub.id, env.Action, err)
	}
}

// Subscribe registers a handler for a topic, which is either a literal
// "{from}→{to}" string (see envelope.Topic) or envelope.TopicWildcard.
// Returns the subscription ID for Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscriber{id: b.nextID, handler: handler})
	return b.nextID
}

// Unsubscribe removes a subscription by topic and ID. Unknown IDs are a no-op.
func (b *Bus) Unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Peek returns copies of up to limit pending entries addressed to agentName,
// in insertion order. Non-destructive and never blocks.
func (b *Bus) Peek(agentName string, limit int) []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Task
	for _, id := range b.order {
		if len(out) >= limit {
			break
		}
		task, ok := b.tasks[id]
		if !ok || task.Status != StatusPending || task.Envelope.To != agentName {
			continue
		}
		out = append(out, task.clone())
	}
	return out
}

// Claim atomically transitions a pending entry to processing and records the
// claimant. Returns ErrNotClaimable if the entry is missing or no longer
// pending; exactly one of any set of racing claimants succeeds.
func (b *Bus) Claim(taskID, agentName string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok || task.Status != StatusPending {
		return nil, ErrNotClaimable
	}

	task.Status = StatusProcessing
	task.AssignedTo = agentName
	task.ClaimedAt = time.Now()
	return task.clone(), nil
}

// Complete marks a claimed entry completed. The entry is retained for the
// grace period, then garbage-collected by the janitor.
func (b *Bus) Complete(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	task.Status = StatusCompleted
	task.DoneAt = time.Now()
	return nil
}

// Fail records an agent-reported failure. Below the retry bound the entry
// returns to pending with the claimant cleared; at the bound it goes
// terminally failed and is parked until garbage collection.
func (b *Bus) Fail(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	if task.Retries < b.opts.MaxRetries {
		task.Retries++
		task.Status = StatusPending
		task.AssignedTo = ""
		return nil
	}

	task.Status = StatusFailed
	task.DoneAt = time.Now()
	return nil
}

// Get returns a copy of an entry by ID, or nil if it is gone.
func (b *Bus) Get(taskID string) *Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return nil
	}
	return task.clone()
}

// Counts reports the number of live entries per status. Used by the observer
// health endpoint.
func (b *Bus) Counts() map[Status]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[Status]int, 4)
	for _, task := range b.tasks {
		counts[task.Status]++
	}
	return counts
}

// Sweep garbage-collects completed and failed entries older than the grace
// period and, when a claim lease is configured, returns orphaned processing
// entries to pending. Called periodically by the janitor; exported so tests
// can drive it directly.
func (b *Bus) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.order[:0]
	for _, id := range b.order {
		task, ok := b.tasks[id]
		if !ok {
			continue
		}

		switch task.Status {
		case StatusCompleted, StatusFailed:
			if now.Sub(task.DoneAt) >= b.opts.GracePeriod {
				delete(b.tasks, id)
				continue
			}

		case StatusProcessing:
			if b.opts.ClaimLease > 0 && now.Sub(task.ClaimedAt) >= b.opts.ClaimLease {
				log.Printf("[Bus] Reclaiming orphaned task %s (claimant %q, action %s)",
					task.ID, task.AssignedTo, task.Envelope.Action)
				if task.Retries < b.opts.MaxRetries {
					task.Retries++
					task.Status = StatusPending
					task.AssignedTo = ""
				} else {
					task.Status = StatusFailed
					task.DoneAt = now
				}
			}
		}

		live = append(live, id)
	}
	b.order = live
}

// RunJanitor sweeps on the given interval until the context is cancelled.
func (b *Bus) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Sweep(now)
		}
	}
}
