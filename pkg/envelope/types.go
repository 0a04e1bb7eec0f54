// Package envelope provides the type-safe message definitions for the Parley
// agent pipeline. An Envelope is the immutable unit of inter-agent
// communication: every user turn moves through the system as a sequence of
// envelopes correlated by a single trace ID (the "ticket").
//
// Payloads are a tagged union keyed by the envelope's Action. Consumers
// decode the payload for the actions they understand and ignore the rest.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known agent names. These appear in the From/To fields of envelopes and
// as the addressee of task-pool entries.
const (
	AgentIntake    = "intake"    // Agent A: input normalization and intent classification
	AgentDecision  = "decision"  // Agent B: the answer-resolution waterfall
	AgentKnowledge = "knowledge" // Agent C: read-only knowledge retrieval
	AgentObserver  = "observer"  // Agent D: observability, never on the reply path
	ChannelUser    = "user"      // Outward-facing reply channel, not a pollable agent
)

// Action identifies the payload shape and the intent of an envelope.
// The vocabulary is closed but extensible: consumers must ignore (log and
// skip) actions they do not recognize.
type Action string

const (
	// ActionParsed is published by the Intake agent once a user turn has been
	// transcribed, classified and refined. Addressed to the Decision agent.
	ActionParsed Action = "A_PARSED"

	// ActionIntakeDone is the Intake agent's completion event for observability.
	ActionIntakeDone Action = "A_DONE"

	// ActionQueryKnowledge is the Decision agent's retrieval request to the
	// Knowledge agent, correlated by trace ID.
	ActionQueryKnowledge Action = "B_QUERY_C"

	// ActionFound is the Knowledge agent's positive reply.
	ActionFound Action = "C_FOUND"

	// ActionNotFound is the Knowledge agent's explicit negative reply.
	ActionNotFound Action = "C_NOT_FOUND"

	// ActionMultiMatch notifies the observer that a query matched several
	// knowledge items and required disambiguation. Count only, no candidates.
	ActionMultiMatch Action = "C_MULTI_MATCH"

	// ActionResponse carries the final answer to the user channel.
	ActionResponse Action = "B_RESPONSE"

	// ActionDecisionDone is the Decision agent's completion summary
	// (resolved source plus elapsed milliseconds) for observability.
	ActionDecisionDone Action = "B_DONE"
)

// Envelope is one message moving through the task bus. Envelopes are
// immutable once published; ownership transfers to the bus at publish time.
type Envelope struct {
	TraceID    string          `json:"traceId"`    // Correlation key stable across one full user turn
	From       string          `json:"from"`       // Publishing agent name
	To         string          `json:"to"`         // Addressed agent name or ChannelUser
	Action     Action          `json:"action"`     // Payload tag
	MerchantID string          `json:"merchantId"` // Tenant identifier
	UserID     string          `json:"userId"`     // End-user identifier
	SessionID  string          `json:"sessionId"`  // Conversation session identifier
	Timestamp  int64           `json:"timestamp"`  // Unix milliseconds at publish time
	Data       json.RawMessage `json:"data"`       // JSON payload, shape depends on Action
}

// New builds an envelope with the timestamp set to now. The payload must
// already be encoded; use the Encode helpers in payload.go.
func New(traceID, from, to string, action Action, merchantID, userID, sessionID string, data []byte) *Envelope {
	return &Envelope{
		TraceID:    traceID,
		From:       from,
		To:         to,
		Action:     action,
		MerchantID: merchantID,
		UserID:     userID,
		SessionID:  sessionID,
		Timestamp:  time.Now().UnixMilli(),
		Data:       data,
	}
}

// NewTraceID returns a fresh correlation ID for a new user turn.
func NewTraceID() string {
	return uuid.New().String()
}

// Topic returns the routing topic for this envelope, in "{from}→{to}" form.
// Subscribers register against either a literal topic or the wildcard.
func (e *Envelope) Topic() string {
	return Topic(e.From, e.To)
}

// Topic builds the "{from}→{to}" routing topic string.
func Topic(from, to string) string {
	return fmt.Sprintf("%s→%s", from, to)
}

// TopicWildcard matches every published envelope, regardless of route.
const TopicWildcard = "*"

// Validate checks that the envelope carries the fields every consumer relies
// on. Payload contents are validated by the consumer decoding them.
func (e *Envelope) Validate() error {
	if e.TraceID == "" {
		return fmt.Errorf("envelope trace ID cannot be empty")
	}
	if e.From == "" {
		return fmt.Errorf("envelope from cannot be empty")
	}
	if e.To == "" {
		return fmt.Errorf("envelope to cannot be empty")
	}
	if e.Action == "" {
		return fmt.Errorf("envelope action cannot be empty")
	}
	if e.MerchantID == "" {
		return fmt.Errorf("envelope merchant ID cannot be empty")
	}
	return nil
}
