package collab

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall(t *testing.T) {
	ctx := context.Background()

	t.Run("returns first success", func(t *testing.T) {
		calls := 0
		got, err := Call(ctx, "test", CallOptions{Attempts: 3}, func(context.Context) (string, error) {
			calls++
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries up to the attempt bound", func(t *testing.T) {
		calls := 0
		_, err := Call(ctx, "test", CallOptions{Attempts: 3, Backoff: time.Millisecond}, func(context.Context) (string, error) {
			calls++
			return "", fmt.Errorf("transient")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, calls)
	})

	t.Run("succeeds after transient failure", func(t *testing.T) {
		calls := 0
		got, err := Call(ctx, "test", CallOptions{Attempts: 3, Backoff: time.Millisecond}, func(context.Context) (int, error) {
			calls++
			if calls < 2 {
				return 0, fmt.Errorf("transient")
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 2, calls)
	})

	t.Run("per-attempt timeout cancels slow calls", func(t *testing.T) {
		_, err := Call(ctx, "slow", CallOptions{Timeout: 10 * time.Millisecond, Attempts: 2, Backoff: time.Millisecond},
			func(attemptCtx context.Context) (string, error) {
				<-attemptCtx.Done()
				return "", attemptCtx.Err()
			})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 attempts")
	})

	t.Run("parent cancellation stops retrying", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		calls := 0
		done := make(chan error, 1)
		go func() {
			_, err := Call(cancelCtx, "test", CallOptions{Attempts: 10, Backoff: time.Second}, func(context.Context) (string, error) {
				calls++
				return "", fmt.Errorf("transient")
			})
			done <- err
		}()

		// Let the first attempt fail, then cancel during backoff.
		time.Sleep(20 * time.Millisecond)
		cancel()

		err := <-done
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestFakes(t *testing.T) {
	ctx := context.Background()

	t.Run("fake LLM records calls", func(t *testing.T) {
		llm := &FakeLLM{Reply: "answer"}
		res, err := llm.Chat(ctx, []Message{{Role: "user", Content: "q"}}, "prompt")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "answer", res.Content)
		require.Equal(t, 1, llm.CallCount())
		assert.Equal(t, "prompt", llm.Calls[0].SystemPrompt)
	})

	t.Run("fake ASR propagates error", func(t *testing.T) {
		asr := &FakeASR{Err: fmt.Errorf("provider down")}
		_, err := asr.SpeechToText(ctx, []byte("audio"))
		require.Error(t, err)
		assert.Equal(t, 1, asr.CallCount())
	})
}
