package envelope

import (
	"encoding/json"
	"fmt"
)

// Payload structs form the tagged union carried in Envelope.Data. Each Action
// has exactly one payload shape; Decode fails loudly on malformed data so
// consumers never perform unchecked field access.

// ParsedPayload accompanies ActionParsed: the normalized user turn.
type ParsedPayload struct {
	RawInput  string `json:"rawInput"`  // Original text (post-ASR for voice input)
	Refined   string `json:"refined"`   // Compressed question used for retrieval
	Intent    string `json:"intent"`    // Resolved intent category
	InputType string `json:"inputType"` // "voice" or "text"
}

// QueryPayload accompanies ActionQueryKnowledge.
type QueryPayload struct {
	Question string `json:"question"`
	Intent   string `json:"intent"`
}

// FoundPayload accompanies ActionFound: a resolved knowledge item.
type FoundPayload struct {
	ItemID  string `json:"itemId"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// NotFoundPayload accompanies ActionNotFound. The literal question is carried
// so the observer can record it in the missing-question table.
type NotFoundPayload struct {
	Question string `json:"question"`
	Intent   string `json:"intent"`
}

// MultiMatchPayload accompanies ActionMultiMatch. Candidate count only; the
// candidate list itself never leaves the Knowledge agent.
type MultiMatchPayload struct {
	Question   string `json:"question"`
	Candidates int    `json:"candidates"`
}

// ResponsePayload accompanies ActionResponse: the answer delivered to the
// user channel.
type ResponsePayload struct {
	Content string `json:"content"`
	Source  string `json:"source"` // Resolution tier: user_cache, hot_question, chitchat, knowledge, llm
}

// DonePayload accompanies the completion events (ActionIntakeDone,
// ActionDecisionDone) consumed by the observer.
type DonePayload struct {
	Source    string `json:"source,omitempty"` // Resolution tier, Decision completions only
	ElapsedMs int64  `json:"elapsedMs"`        // Claim-to-persist latency, Decision completions only
	InputType string `json:"inputType,omitempty"`
	Question  string `json:"question,omitempty"`
	Intent    string `json:"intent,omitempty"`
}

// Encode marshals a payload for use as Envelope.Data.
func Encode(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// MustEncode is Encode for payloads built from struct literals, where a
// marshal failure is a programming error.
func MustEncode(payload any) []byte {
	data, err := Encode(payload)
	if err != nil {
		panic(err)
	}
	return data
}

// DecodeParsed decodes an ActionParsed payload.
func DecodeParsed(e *Envelope) (*ParsedPayload, error) {
	return decode[ParsedPayload](e, ActionParsed)
}

// DecodeQuery decodes an ActionQueryKnowledge payload.
func DecodeQuery(e *Envelope) (*QueryPayload, error) {
	return decode[QueryPayload](e, ActionQueryKnowledge)
}

// DecodeFound decodes an ActionFound payload.
func DecodeFound(e *Envelope) (*FoundPayload, error) {
	return decode[FoundPayload](e, ActionFound)
}

// DecodeNotFound decodes an ActionNotFound payload.
func DecodeNotFound(e *Envelope) (*NotFoundPayload, error) {
	return decode[NotFoundPayload](e, ActionNotFound)
}

// DecodeMultiMatch decodes an ActionMultiMatch payload.
func DecodeMultiMatch(e *Envelope) (*MultiMatchPayload, error) {
	return decode[MultiMatchPayload](e, ActionMultiMatch)
}

// DecodeResponse decodes an ActionResponse payload.
func DecodeResponse(e *Envelope) (*ResponsePayload, error) {
	return decode[ResponsePayload](e, ActionResponse)
}

// DecodeDone decodes a completion-event payload (either completion action).
func DecodeDone(e *Envelope) (*DonePayload, error) {
	if e.Action != ActionIntakeDone && e.Action != ActionDecisionDone {
		return nil, fmt.Errorf("expected completion action, got %q", e.Action)
	}
	var p DonePayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.Action, err)
	}
	return &p, nil
}

func decode[T any](e *Envelope, want Action) (*T, error) {
	if e.Action != want {
		return nil, fmt.Errorf("expected action %q, got %q", want, e.Action)
	}
	var p T
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", want, err)
	}
	return &p, nil
}
