// Package intake is the front door of the dialog core. It normalizes a raw
// user input (text or voice) into a parsed question, classifies its intent,
// and hands the result to the Decision agent over the task pool.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/collab"
	"github.com/parleychat/parley/internal/intent"
	"github.com/parleychat/parley/internal/session"
	"github.com/parleychat/parley/pkg/envelope"
)

// Input types accepted by Handle.
const (
	InputText  = "text"
	InputVoice = "voice"
)

// ErrASRFailure wraps every speech-to-text failure so callers can branch on
// it without string matching.
var ErrASRFailure = errors.New("speech recognition failed")

// Request is one raw user utterance entering the system.
type Request struct {
	MerchantID string
	UserID     string
	SessionID  string
	InputType  string // InputText or InputVoice
	Text       string // required for text input
	Audio      []byte // required for voice input
}

// Result is what the caller gets back synchronously. The answer itself
// arrives later on the user channel, correlated by TraceID.
type Result struct {
	TraceID  string
	Intent   string
	Refined  string
	RawInput string
}

// Agent normalizes user input and dispatches it to the Decision agent.
type Agent struct {
	bus        *bus.Bus
	sessions   *session.Store
	asr        collab.ASR
	classifier *intent.Classifier
	refiner    *intent.Refiner
	asrTimeout time.Duration
}

// New builds an Intake agent. asr may be nil when voice input is disabled;
// Handle then rejects voice requests as input errors.
func New(b *bus.Bus, sessions *session.Store, asr collab.ASR, classifier *intent.Classifier, refiner *intent.Refiner) *Agent {
	return &Agent{
		bus:        b,
		sessions:   sessions,
		asr:        asr,
		classifier: classifier,
		refiner:    refiner,
		asrTimeout: 10 * time.Second,
	}
}

// Name identifies the agent on envelopes it emits.
func (a *Agent) Name() string {
	return envelope.AgentIntake
}

// Handle processes one user utterance end to end: transcribe if voice,
// classify and refine, then perform all three dispatch side effects (task to
// Decision, user turn to the session store, completion event to the
// observer) before returning. Malformed input is rejected synchronously and
// never reaches the pool.
func (a *Agent) Handle(ctx context.Context, req *Request) (*Result, error) {
	if err := a.validate(req); err != nil {
		return nil, err
	}

	text := req.Text
	if req.InputType == InputVoice {
		transcript, err := a.transcribe(ctx, req.Audio)
		if err != nil {
			return nil, err
		}
		text = transcript
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty input after normalization")
	}

	category := a.classifier.Classify(text)
	refined := a.refiner.Refine(text, category)
	traceID := envelope.NewTraceID()

	parsed := &envelope.ParsedPayload{
		RawInput:  text,
		Refined:   refined,
		Intent:    category,
		InputType: req.InputType,
	}

	// The three side effects below are the whole point of intake; any one
	// failing fails the operation loudly rather than leaving a half-dispatched
	// turn behind.
	key := session.Key{MerchantID: req.MerchantID, UserID: req.UserID, SessionID: req.SessionID}
	if err := a.sessions.Append(ctx, key, &session.Turn{
		Role:      session.RoleUser,
		Content:   text,
		Refined:   refined,
		Intent:    category,
		Timestamp: time.Now().UnixMilli(),
		TicketID:  traceID,
	}); err != nil {
		return nil, fmt.Errorf("appending user turn: %w", err)
	}

	a.bus.Publish(envelope.New(traceID, envelope.AgentIntake, envelope.AgentDecision,
		envelope.ActionParsed, req.MerchantID, req.UserID, req.SessionID,
		envelope.MustEncode(parsed)))

	a.bus.Publish(envelope.New(traceID, envelope.AgentIntake, envelope.AgentObserver,
		envelope.ActionIntakeDone, req.MerchantID, req.UserID, req.SessionID,
		envelope.MustEncode(&envelope.DonePayload{
			InputType: req.InputType,
			Question:  refined,
			Intent:    category,
		})))

	return &Result{TraceID: traceID, Intent: category, Refined: refined, RawInput: text}, nil
}

func (a *Agent) validate(req *Request) error {
	switch {
	case req == nil:
		return fmt.Errorf("nil request")
	case req.MerchantID == "" || req.UserID == "" || req.SessionID == "":
		return fmt.Errorf("merchantId, userId and sessionId are required")
	case req.InputType == InputText:
		if strings.TrimSpace(req.Text) == "" {
			return fmt.Errorf("text input requires non-empty text")
		}
	case req.InputType == InputVoice:
		if len(req.Audio) == 0 {
			return fmt.Errorf("voice input requires non-empty audio")
		}
		if a.asr == nil {
			return fmt.Errorf("voice input is not enabled")
		}
	default:
		return fmt.Errorf("unknown input type %q", req.InputType)
	}
	return nil
}

// transcribe runs the ASR collaborator once. ASR failures propagate to the
// caller as ErrASRFailure; intake never retries them internally.
func (a *Agent) transcribe(ctx context.Context, audio []byte) (string, error) {
	result, err := collab.Call(ctx, "asr", collab.CallOptions{Timeout: a.asrTimeout, Attempts: 1},
		func(ctx context.Context) (*collab.ASRResult, error) {
			return a.asr.SpeechToText(ctx, audio)
		})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrASRFailure, err)
	}
	if !result.Success || strings.TrimSpace(result.Text) == "" {
		return "", fmt.Errorf("%w: provider %s returned no text", ErrASRFailure, result.Provider)
	}
	return result.Text, nil
}
