package collab

import (
	"context"
	"sync"
)

// Fakes for agent tests. Kept out of _test files so every agent package can
// share them, following the pattern of a dedicated in-repo test double.

// FakeLLM is a scriptable LLM collaborator.
type FakeLLM struct {
	mu sync.Mutex

	// Reply is returned on every call when ChatFunc is nil.
	Reply string

	// Err, when set, is returned instead of a result.
	Err error

	// ChatFunc, when set, overrides the canned behavior entirely.
	ChatFunc func(ctx context.Context, messages []Message, systemPrompt string) (*ChatResult, error)

	// Calls records every invocation.
	Calls []FakeLLMCall
}

// FakeLLMCall is one recorded LLM invocation.
type FakeLLMCall struct {
	Messages     []Message
	SystemPrompt string
}

// Chat implements LLM.
func (f *FakeLLM) Chat(ctx context.Context, messages []Message, systemPrompt string) (*ChatResult, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, FakeLLMCall{Messages: messages, SystemPrompt: systemPrompt})
	f.mu.Unlock()

	if f.ChatFunc != nil {
		return f.ChatFunc(ctx, messages, systemPrompt)
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return &ChatResult{Success: true, Content: f.Reply}, nil
}

// CallCount returns how many times Chat was invoked.
func (f *FakeLLM) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// FakeASR is a scriptable speech-to-text collaborator.
type FakeASR struct {
	Text string
	Err  error

	mu    sync.Mutex
	calls int
}

// SpeechToText implements ASR.
func (f *FakeASR) SpeechToText(ctx context.Context, audio []byte) (*ASRResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	return &ASRResult{Success: true, Text: f.Text, Provider: "fake"}, nil
}

// CallCount returns how many times SpeechToText was invoked.
func (f *FakeASR) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
