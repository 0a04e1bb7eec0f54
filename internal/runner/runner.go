// Package runner drives an agent against the task pool. Each agent owns one
// Runner: a poll loop that peeks the pool for tasks addressed to the agent,
// claims them, and dispatches each claimed task to the agent's handler in its
// own goroutine so slow tasks never block claiming of the agent's other work.
package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/bus"
)

// Agent is the contract a pool-driven agent implements. Handle is invoked once
// per claimed task; a nil return completes the task, a non-nil return fails it
// and lets the pool decide whether to retry.
type Agent interface {
	Name() string
	Handle(ctx context.Context, task *bus.Task) error
}

// Options configures a Runner's poll loop.
type Options struct {
	// PollInterval is how often the pool is peeked for new work.
	PollInterval time.Duration

	// PeekBatch caps how many pending tasks are examined per poll.
	PeekBatch int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.PeekBatch <= 0 {
		o.PeekBatch = 8
	}
	return o
}

// Runner polls the task pool on behalf of a single agent.
type Runner struct {
	bus   *bus.Bus
	agent Agent
	opts  Options
	wg    sync.WaitGroup
}

// New creates a Runner for the given agent. It panics only on nil arguments,
// which is a wiring bug in the composition root.
func New(b *bus.Bus, agent Agent, opts Options) *Runner {
	if b == nil || agent == nil {
		panic("runner: nil bus or agent")
	}
	return &Runner{bus: b, agent: agent, opts: opts.withDefaults()}
}

// Run blocks until the context is cancelled, polling for tasks addressed to
// the agent. In-flight handlers are waited for before Run returns, so a
// cancelled Run leaves no task half-processed without a completion verdict.
func (r *Runner) Run(ctx context.Context) error {
	name := r.agent.Name()
	log.Printf("[Runner:%s] starting (poll=%v batch=%d)", name, r.opts.PollInterval, r.opts.PeekBatch)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Runner:%s] shutdown signal received, draining in-flight tasks", name)
			r.wg.Wait()
			log.Printf("[Runner:%s] shutdown complete", name)
			return ctx.Err()

		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll claims every currently-pending task addressed to the agent, up to the
// peek batch, and dispatches each claim concurrently.
func (r *Runner) poll(ctx context.Context) {
	name := r.agent.Name()

	for _, task := range r.bus.Peek(name, r.opts.PeekBatch) {
		claimed, err := r.bus.Claim(task.ID, name)
		if err != nil {
			// Another claimant won the race, or the task moved on. Both are
			// normal under concurrent runners.
			if !bus.IsNotClaimable(err) {
				log.Printf("[Runner:%s] claim %s: %v", name, task.ID, err)
			}
			continue
		}

		r.wg.Add(1)
		go r.process(ctx, claimed)
	}
}

// process runs the agent handler for one claimed task and records the verdict.
func (r *Runner) process(ctx context.Context, task *bus.Task) {
	defer r.wg.Done()
	name := r.agent.Name()

	err := r.handle(ctx, task)
	if err != nil {
		log.Printf("[Runner:%s] task %s failed (attempt %d): %v", name, task.ID, task.Retries+1, err)
		if failErr := r.bus.Fail(task.ID); failErr != nil {
			log.Printf("[Runner:%s] recording failure for task %s: %v", name, task.ID, failErr)
		}
		return
	}

	if doneErr := r.bus.Complete(task.ID); doneErr != nil {
		log.Printf("[Runner:%s] completing task %s: %v", name, task.ID, doneErr)
	}
}

// handle invokes the agent with panic containment: a panicking handler fails
// the task instead of taking the whole process down.
func (r *Runner) handle(ctx context.Context, task *bus.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.agent.Handle(ctx, task)
}
