package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/pkg/envelope"
)

// recordingAgent is a scriptable Agent for runner tests.
type recordingAgent struct {
	mu    sync.Mutex
	name  string
	fn    func(task *bus.Task) error
	seen  []string
	block chan struct{}
}

func (a *recordingAgent) Name() string { return a.name }

func (a *recordingAgent) Handle(_ context.Context, task *bus.Task) error {
	a.mu.Lock()
	a.seen = append(a.seen, task.ID)
	fn := a.fn
	a.mu.Unlock()

	if a.block != nil {
		<-a.block
	}
	if fn != nil {
		return fn(task)
	}
	return nil
}

func (a *recordingAgent) handled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

func publishTask(b *bus.Bus, to string, traceID string) string {
	env := envelope.New(traceID, envelope.AgentIntake, to,
		envelope.ActionParsed, "merchant-1", "user-1", "session-1", nil)
	return b.Publish(env)
}

func startRunner(t *testing.T, b *bus.Bus, agent Agent) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r := New(b, agent, Options{PollInterval: 5 * time.Millisecond})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestRunnerCompletesSuccessfulTasks(t *testing.T) {
	b := bus.New(bus.Options{})
	agent := &recordingAgent{name: envelope.AgentDecision}
	startRunner(t, b, agent)

	id := publishTask(b, envelope.AgentDecision, "t-1")

	require.Eventually(t, func() bool {
		task := b.Get(id)
		return task != nil && task.Status == bus.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{id}, agent.handled())
}

func TestRunnerIgnoresOtherAgentsTasks(t *testing.T) {
	b := bus.New(bus.Options{})
	agent := &recordingAgent{name: envelope.AgentDecision}
	startRunner(t, b, agent)

	id := publishTask(b, envelope.AgentKnowledge, "t-1")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, agent.handled())
	assert.Equal(t, bus.StatusPending, b.Get(id).Status)
}

func TestRunnerRetriesFailedTasks(t *testing.T) {
	b := bus.New(bus.Options{MaxRetries: 2})
	agent := &recordingAgent{
		name: envelope.AgentDecision,
		fn:   func(*bus.Task) error { return fmt.Errorf("transient") },
	}
	startRunner(t, b, agent)

	id := publishTask(b, envelope.AgentDecision, "t-1")

	// One initial attempt plus two retries, then the task parks as failed.
	require.Eventually(t, func() bool {
		return b.Get(id).Status == bus.StatusFailed
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, agent.handled(), 3)
}

func TestRunnerSurvivesPanickingHandler(t *testing.T) {
	b := bus.New(bus.Options{MaxRetries: 0})
	agent := &recordingAgent{
		name: envelope.AgentDecision,
		fn:   func(*bus.Task) error { panic("boom") },
	}
	startRunner(t, b, agent)

	bad := publishTask(b, envelope.AgentDecision, "t-1")
	require.Eventually(t, func() bool {
		return b.Get(bad).Status == bus.StatusFailed
	}, time.Second, 5*time.Millisecond)

	// The loop is still alive and processes later tasks.
	agent.mu.Lock()
	agent.fn = nil
	agent.mu.Unlock()
	good := publishTask(b, envelope.AgentDecision, "t-2")
	require.Eventually(t, func() bool {
		return b.Get(good).Status == bus.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRunnerDispatchesConcurrently(t *testing.T) {
	b := bus.New(bus.Options{})
	block := make(chan struct{})
	agent := &recordingAgent{name: envelope.AgentDecision, block: block}
	startRunner(t, b, agent)

	publishTask(b, envelope.AgentDecision, "t-1")
	publishTask(b, envelope.AgentDecision, "t-2")

	// Both tasks reach the handler even though neither has returned yet:
	// a blocked task must not stall claiming of the rest of the pool.
	require.Eventually(t, func() bool {
		return len(agent.handled()) == 2
	}, time.Second, 5*time.Millisecond)
	close(block)

	require.Eventually(t, func() bool {
		counts := b.Counts()
		return counts[bus.StatusCompleted] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRunnerDrainsInFlightOnShutdown(t *testing.T) {
	b := bus.New(bus.Options{})
	block := make(chan struct{})
	agent := &recordingAgent{name: envelope.AgentDecision, block: block}

	ctx, cancel := context.WithCancel(context.Background())
	r := New(b, agent, Options{PollInterval: 5 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	id := publishTask(b, envelope.AgentDecision, "t-1")
	require.Eventually(t, func() bool {
		return len(agent.handled()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
		t.Fatal("runner returned while a handler was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not return after handlers drained")
	}
	assert.Equal(t, bus.StatusCompleted, b.Get(id).Status)
}
