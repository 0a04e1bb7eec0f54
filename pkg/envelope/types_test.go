package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() *Envelope {
	return New(NewTraceID(), AgentIntake, AgentDecision, ActionParsed,
		"merchant-1", "user-1", "session-1",
		MustEncode(&ParsedPayload{RawInput: "门票多少钱", Refined: "门票 多少钱", Intent: "price", InputType: "text"}))
}

func TestNew(t *testing.T) {
	before := time.Now().UnixMilli()
	e := validEnvelope()
	after := time.Now().UnixMilli()

	assert.Equal(t, AgentIntake, e.From)
	assert.Equal(t, AgentDecision, e.To)
	assert.Equal(t, ActionParsed, e.Action)
	assert.GreaterOrEqual(t, e.Timestamp, before)
	assert.LessOrEqual(t, e.Timestamp, after)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr string
	}{
		{"valid envelope", func(e *Envelope) {}, ""},
		{"missing trace ID", func(e *Envelope) { e.TraceID = "" }, "trace ID"},
		{"missing from", func(e *Envelope) { e.From = "" }, "from"},
		{"missing to", func(e *Envelope) { e.To = "" }, "to"},
		{"missing action", func(e *Envelope) { e.Action = "" }, "action"},
		{"missing merchant ID", func(e *Envelope) { e.MerchantID = "" }, "merchant ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEnvelope()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTopic(t *testing.T) {
	e := validEnvelope()
	assert.Equal(t, "intake→decision", e.Topic())
	assert.Equal(t, "decision→knowledge", Topic(AgentDecision, AgentKnowledge))
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Run("parsed payload", func(t *testing.T) {
		e := validEnvelope()
		p, err := DecodeParsed(e)
		require.NoError(t, err)
		assert.Equal(t, "price", p.Intent)
		assert.Equal(t, "门票多少钱", p.RawInput)
	})

	t.Run("rejects mismatched action", func(t *testing.T) {
		e := validEnvelope()
		_, err := DecodeQuery(e)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected action")
	})

	t.Run("rejects malformed data", func(t *testing.T) {
		e := validEnvelope()
		e.Data = []byte("{not json")
		_, err := DecodeParsed(e)
		assert.Error(t, err)
	})

	t.Run("completion payload accepts both done actions", func(t *testing.T) {
		data := MustEncode(&DonePayload{Source: "knowledge", ElapsedMs: 42})
		for _, action := range []Action{ActionIntakeDone, ActionDecisionDone} {
			e := New(NewTraceID(), AgentDecision, AgentObserver, action, "m", "u", "s", data)
			p, err := DecodeDone(e)
			require.NoError(t, err)
			assert.Equal(t, int64(42), p.ElapsedMs)
		}
		e := validEnvelope()
		_, err := DecodeDone(e)
		assert.Error(t, err)
	})
}
