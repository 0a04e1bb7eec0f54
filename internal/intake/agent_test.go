package intake

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/collab"
	"github.com/parleychat/parley/internal/intent"
	"github.com/parleychat/parley/internal/session"
	"github.com/parleychat/parley/pkg/envelope"
)

type fixture struct {
	agent    *Agent
	bus      *bus.Bus
	asr      *collab.FakeASR
	sessions *session.Store
	parsed   []*envelope.Envelope
	events   []*envelope.Envelope
}

func setup(t *testing.T) *fixture {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	sessions, err := session.NewStore(&redis.Options{Addr: mr.Addr()}, "test", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	f := &fixture{
		bus:      bus.New(bus.Options{}),
		asr:      &collab.FakeASR{Text: "门票多少钱"},
		sessions: sessions,
	}

	rules := intent.DefaultRules()
	f.agent = New(f.bus, sessions, f.asr, intent.NewClassifier(rules), intent.NewRefiner(rules, 3, 3))

	f.bus.Subscribe(envelope.Topic(envelope.AgentIntake, envelope.AgentDecision), func(e *envelope.Envelope) error {
		f.parsed = append(f.parsed, e)
		return nil
	})
	f.bus.Subscribe(envelope.Topic(envelope.AgentIntake, envelope.AgentObserver), func(e *envelope.Envelope) error {
		f.events = append(f.events, e)
		return nil
	})

	return f
}

func textRequest(text string) *Request {
	return &Request{
		MerchantID: "merchant-1",
		UserID:     "user-1",
		SessionID:  "session-1",
		InputType:  InputText,
		Text:       text,
	}
}

func TestHandleTextInput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	result, err := f.agent.Handle(ctx, textRequest("请问门票多少钱？"))
	require.NoError(t, err)
	require.NotEmpty(t, result.TraceID)
	assert.Equal(t, intent.CategoryPrice, result.Intent)
	assert.NotEmpty(t, result.Refined)

	t.Run("parsed task dispatched to decision", func(t *testing.T) {
		require.Len(t, f.parsed, 1)
		env := f.parsed[0]
		assert.Equal(t, result.TraceID, env.TraceID)
		assert.Equal(t, envelope.ActionParsed, env.Action)

		payload, err := envelope.DecodeParsed(env)
		require.NoError(t, err)
		assert.Equal(t, "请问门票多少钱？", payload.RawInput)
		assert.Equal(t, result.Refined, payload.Refined)
		assert.Equal(t, InputText, payload.InputType)
	})

	t.Run("user turn persisted before return", func(t *testing.T) {
		key := session.Key{MerchantID: "merchant-1", UserID: "user-1", SessionID: "session-1"}
		turns, err := f.sessions.All(ctx, key)
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, session.RoleUser, turns[0].Role)
		assert.Equal(t, "请问门票多少钱？", turns[0].Content)
		assert.Equal(t, result.TraceID, turns[0].TicketID)
	})

	t.Run("completion event published to observer", func(t *testing.T) {
		require.Len(t, f.events, 1)
		done, err := envelope.DecodeDone(f.events[0])
		require.NoError(t, err)
		assert.Equal(t, InputText, done.InputType)
		assert.Equal(t, intent.CategoryPrice, done.Intent)
	})
}

func TestHandleVoiceInput(t *testing.T) {
	t.Run("transcript flows through classification", func(t *testing.T) {
		f := setup(t)

		result, err := f.agent.Handle(context.Background(), &Request{
			MerchantID: "merchant-1", UserID: "user-1", SessionID: "session-1",
			InputType: InputVoice, Audio: []byte{0x01, 0x02},
		})
		require.NoError(t, err)
		assert.Equal(t, intent.CategoryPrice, result.Intent)
		assert.Equal(t, "门票多少钱", result.RawInput)
		assert.Equal(t, 1, f.asr.CallCount())
	})

	t.Run("provider failure surfaces as ASR failure", func(t *testing.T) {
		f := setup(t)
		f.asr.Err = fmt.Errorf("provider unreachable")

		_, err := f.agent.Handle(context.Background(), &Request{
			MerchantID: "merchant-1", UserID: "user-1", SessionID: "session-1",
			InputType: InputVoice, Audio: []byte{0x01},
		})
		require.ErrorIs(t, err, ErrASRFailure)
		assert.Empty(t, f.parsed, "failed input must never reach the pool")
	})

	t.Run("empty transcript surfaces as ASR failure", func(t *testing.T) {
		f := setup(t)
		f.asr.Text = "   "

		_, err := f.agent.Handle(context.Background(), &Request{
			MerchantID: "merchant-1", UserID: "user-1", SessionID: "session-1",
			InputType: InputVoice, Audio: []byte{0x01},
		})
		require.ErrorIs(t, err, ErrASRFailure)
	})
}

func TestHandleRejectsMalformedInput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *Request
	}{
		{"nil request", nil},
		{"missing merchant", &Request{UserID: "u", SessionID: "s", InputType: InputText, Text: "hi"}},
		{"empty text", textRequest("   ")},
		{"voice without audio", &Request{MerchantID: "m", UserID: "u", SessionID: "s", InputType: InputVoice}},
		{"unknown input type", &Request{MerchantID: "m", UserID: "u", SessionID: "s", InputType: "video", Text: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.agent.Handle(ctx, tt.req)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, f.parsed)
	assert.Empty(t, f.events)
}

func TestHandleChitChatShortCircuitsClassification(t *testing.T) {
	f := setup(t)

	result, err := f.agent.Handle(context.Background(), textRequest("你好"))
	require.NoError(t, err)
	assert.Equal(t, intent.CategoryChitChat, result.Intent)
}
