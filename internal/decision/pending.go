package decision

import (
	"sync"

	"github.com/parleychat/parley/pkg/envelope"
)

// pendingTable correlates outstanding Knowledge-agent requests with their
// replies by trace ID. Each entry resolves at most once: whichever of the
// reply or the caller's timeout happens first removes the entry, and the
// loser finds nothing to resolve.
type pendingTable struct {
	mu      sync.Mutex
	waiting map[string]chan *envelope.Envelope
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiting: make(map[string]chan *envelope.Envelope)}
}

// register creates the one-shot rendezvous for a trace ID. The returned
// channel receives exactly zero or one envelope.
func (p *pendingTable) register(traceID string) <-chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 1)

	p.mu.Lock()
	p.waiting[traceID] = ch
	p.mu.Unlock()

	return ch
}

// resolve delivers a reply and removes the entry. Returns false if the entry
// was already resolved or cancelled, so late replies are dropped silently.
func (p *pendingTable) resolve(traceID string, env *envelope.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiting[traceID]
	if ok {
		delete(p.waiting, traceID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}

// cancel removes an entry without delivering anything. Called on timeout.
func (p *pendingTable) cancel(traceID string) {
	p.mu.Lock()
	delete(p.waiting, traceID)
	p.mu.Unlock()
}

// size reports the number of outstanding requests.
func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
