// Package collab defines the contracts for external collaborators (speech
// recognition and language models) and the uniform call-with-timeout-and-
// retry helper every collaborator is invoked through.
//
// Vendor-specific payloads never leak past this package: agents see only the
// typed results below.
package collab

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Message is one chat message in a collaborator conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is the typed outcome of a language-model call.
type ChatResult struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ASRResult is the typed outcome of a speech-to-text call.
type ASRResult struct {
	Success  bool   `json:"success"`
	Text     string `json:"text,omitempty"`
	Error    string `json:"error,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// LLM is the language-model collaborator contract. Used for the generative
// fallback and for candidate disambiguation.
type LLM interface {
	Chat(ctx context.Context, messages []Message, systemPrompt string) (*ChatResult, error)
}

// ASR is the speech-to-text collaborator contract.
type ASR interface {
	SpeechToText(ctx context.Context, audio []byte) (*ASRResult, error)
}

// CallOptions tunes the uniform collaborator call helper.
type CallOptions struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// Attempts is the total number of tries, including the first. Values
	// below 1 are treated as 1.
	Attempts int

	// Backoff is the pause between attempts.
	Backoff time.Duration
}

// Call invokes fn with a per-attempt timeout and bounded retries. It is the
// single path through which every external collaborator is reached, so
// timeout and retry behavior is uniform regardless of vendor.
func Call[T any](ctx context.Context, name string, opts CallOptions, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}

		result, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}

		lastErr = err
		log.Printf("[Collab] %s attempt %d/%d failed: %v", name, attempt, attempts, err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("%s cancelled: %w", name, ctx.Err())
			case <-time.After(opts.Backoff):
			}
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}
