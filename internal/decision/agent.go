// Package decision implements the Decision agent (B): the tiered resolution
// waterfall that chooses where an answer comes from. Tiers run in fixed
// order (session cache, merchant hot questions, scripted chit-chat, a
// time-boxed knowledge-base round trip, generative fallback) and every path
// terminates by persisting the assistant turn, publishing the reply to the
// user channel, and publishing a completion summary.
package decision

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/collab"
	"github.com/parleychat/parley/internal/intent"
	"github.com/parleychat/parley/internal/merchant"
	"github.com/parleychat/parley/internal/session"
	"github.com/parleychat/parley/pkg/envelope"
)

// Answer source tags, one per waterfall tier.
const (
	SourceUserCache   = "user_cache"
	SourceHotQuestion = "hot_question"
	SourceChitChat    = "chitchat"
	SourceKnowledge   = "knowledge"
	SourceLLM         = "llm"
)

// defaultChitChatReply is used when a merchant profile configures none.
const defaultChitChatReply = "你好！很高兴为您服务。"

// Config tunes the waterfall.
type Config struct {
	// CacheSimilarity is the tier-1 threshold.
	CacheSimilarity float64

	// KnowledgeTimeout bounds the tier-4 round trip. Timeout is treated
	// identically to an explicit "not found".
	KnowledgeTimeout time.Duration

	// Apology is the reply when the generative fallback itself fails. The
	// user always receives some reply.
	Apology string
}

// Agent is the Decision agent. Stateless across tasks: all state is
// message-local plus the transient pending-request table.
type Agent struct {
	bus       *bus.Bus
	sessions  *session.Store
	merchants *merchant.Store
	llm       collab.LLM
	cfg       Config
	pending   *pendingTable
}

// New creates the Decision agent.
func New(b *bus.Bus, sessions *session.Store, merchants *merchant.Store, llm collab.LLM, cfg Config) *Agent {
	return &Agent{
		bus:       b,
		sessions:  sessions,
		merchants: merchants,
		llm:       llm,
		cfg:       cfg,
		pending:   newPendingTable(),
	}
}

// Name implements runner.Agent.
func (a *Agent) Name() string {
	return envelope.AgentDecision
}

// PendingRequests reports the number of outstanding knowledge round trips.
func (a *Agent) PendingRequests() int {
	return a.pending.size()
}

// Handle implements runner.Agent. Parsed questions enter the waterfall;
// knowledge replies resolve the pending table; everything else is ignored.
func (a *Agent) Handle(ctx context.Context, task *bus.Task) error {
	env := task.Envelope
	switch env.Action {
	case envelope.ActionParsed:
		return a.resolve(ctx, task)

	case envelope.ActionFound, envelope.ActionNotFound:
		if !a.pending.resolve(env.TraceID, env) {
			log.Printf("[Decision] Dropping late knowledge reply for trace %s", env.TraceID)
		}
		return nil

	default:
		log.Printf("[Decision] Ignoring unrecognized action %q", env.Action)
		return nil
	}
}

// resolve runs the waterfall for one parsed question.
func (a *Agent) resolve(ctx context.Context, task *bus.Task) error {
	env := task.Envelope
	parsed, err := envelope.DecodeParsed(env)
	if err != nil {
		return fmt.Errorf("malformed parsed payload: %w", err)
	}

	start := task.ClaimedAt
	if start.IsZero() {
		start = time.Now()
	}

	key := session.Key{MerchantID: env.MerchantID, UserID: env.UserID, SessionID: env.SessionID}

	// Profile failures degrade the waterfall (tiers 2 and 3 lose their
	// merchant configuration) but never abort it.
	profile, err := a.merchants.Get(ctx, env.MerchantID)
	if err != nil {
		log.Printf("[Decision] Profile load failed for %s: %v", env.MerchantID, err)
		profile = nil
	}

	answer, source := a.waterfall(ctx, env, parsed, key, profile)

	// Persist, reply, report. The elapsed measurement ends when the answer
	// is persisted.
	turn := &session.Turn{
		Role:      session.RoleAssistant,
		Content:   answer,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		TicketID:  env.TraceID,
	}
	if err := a.sessions.Append(ctx, key, turn); err != nil {
		log.Printf("[Decision] Failed to persist assistant turn for trace %s: %v", env.TraceID, err)
	}
	elapsed := time.Since(start).Milliseconds()

	a.bus.Publish(envelope.New(env.TraceID, envelope.AgentDecision, envelope.ChannelUser,
		envelope.ActionResponse, env.MerchantID, env.UserID, env.SessionID,
		envelope.MustEncode(&envelope.ResponsePayload{Content: answer, Source: source})))

	a.bus.Publish(envelope.New(env.TraceID, envelope.AgentDecision, envelope.AgentObserver,
		envelope.ActionDecisionDone, env.MerchantID, env.UserID, env.SessionID,
		envelope.MustEncode(&envelope.DonePayload{
			Source:    source,
			ElapsedMs: elapsed,
			InputType: parsed.InputType,
			Question:  parsed.RawInput,
			Intent:    parsed.Intent,
		})))

	return nil
}

func (a *Agent) waterfall(ctx context.Context, env *envelope.Envelope, parsed *envelope.ParsedPayload, key session.Key, profile *merchant.Profile) (answer, source string) {
	// Tier 1: don't re-derive an answer already given in this session.
	if answer, ok := a.cachedAnswer(ctx, key, parsed.RawInput, env.TraceID); ok {
		return answer, SourceUserCache
	}

	// Tier 2: merchant hot questions, first keyword match wins.
	if profile != nil {
		if hq := profile.MatchHotQuestion(parsed.RawInput); hq != nil {
			a.merchants.RecordHit(env.MerchantID, hq.ID)
			return hq.Answer, SourceHotQuestion
		}
	}

	// Tier 3: scripted chit-chat, no knowledge lookup.
	if parsed.Intent == intent.CategoryChitChat {
		reply := defaultChitChatReply
		if profile != nil && profile.ChitChatReply != "" {
			reply = profile.ChitChatReply
		}
		return reply, SourceChitChat
	}

	// Tier 4: time-boxed knowledge round trip.
	if answer, ok := a.queryKnowledge(ctx, env, parsed); ok {
		return answer, SourceKnowledge
	}

	// Tier 5: generative fallback.
	return a.generate(ctx, profile, parsed), SourceLLM
}

// cachedAnswer searches the session's full history for the most recent prior
// user turn similar to the current question that is immediately followed by
// an assistant turn.
func (a *Agent) cachedAnswer(ctx context.Context, key session.Key, question, traceID string) (string, bool) {
	turns, err := a.sessions.All(ctx, key)
	if err != nil {
		log.Printf("[Decision] Session history read failed: %v", err)
		return "", false
	}

	for i := len(turns) - 2; i >= 0; i-- {
		turn := turns[i]
		if turn.Role != session.RoleUser || turn.TicketID == traceID {
			continue
		}
		if turns[i+1].Role != session.RoleAssistant {
			continue
		}
		if Similarity(turn.Content, question) >= a.cfg.CacheSimilarity {
			return turns[i+1].Content, true
		}
	}
	return "", false
}

// queryKnowledge publishes a query to the Knowledge agent and waits for its
// reply under the configured timeout. Exactly one of reply or timeout
// resolves the pending entry; a timeout is the same business outcome as an
// explicit "not found".
func (a *Agent) queryKnowledge(ctx context.Context, env *envelope.Envelope, parsed *envelope.ParsedPayload) (string, bool) {
	replyCh := a.pending.register(env.TraceID)

	a.bus.Publish(envelope.New(env.TraceID, envelope.AgentDecision, envelope.AgentKnowledge,
		envelope.ActionQueryKnowledge, env.MerchantID, env.UserID, env.SessionID,
		envelope.MustEncode(&envelope.QueryPayload{Question: parsed.Refined, Intent: parsed.Intent})))

	timer := time.NewTimer(a.cfg.KnowledgeTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply.Action != envelope.ActionFound {
			return "", false
		}
		found, err := envelope.DecodeFound(reply)
		if err != nil {
			log.Printf("[Decision] Malformed knowledge reply for trace %s: %v", env.TraceID, err)
			return "", false
		}
		return found.Content, true

	case <-timer.C:
		a.pending.cancel(env.TraceID)
		log.Printf("[Decision] Knowledge round trip timed out for trace %s", env.TraceID)
		return "", false

	case <-ctx.Done():
		a.pending.cancel(env.TraceID)
		return "", false
	}
}

// generate invokes the language model with the merchant's system prompt. A
// collaborator failure becomes the configured apology, never an error to the
// user.
func (a *Agent) generate(ctx context.Context, profile *merchant.Profile, parsed *envelope.ParsedPayload) string {
	if a.llm == nil {
		return a.cfg.Apology
	}

	systemPrompt := ""
	if profile != nil {
		systemPrompt = profile.SystemPrompt
	}

	result, err := collab.Call(ctx, "llm-generate",
		collab.CallOptions{Timeout: 10 * time.Second, Attempts: 2, Backoff: 200 * time.Millisecond},
		func(callCtx context.Context) (*collab.ChatResult, error) {
			return a.llm.Chat(callCtx, []collab.Message{{Role: "user", Content: parsed.Refined}}, systemPrompt)
		})
	if err != nil || !result.Success {
		log.Printf("[Decision] Generative fallback failed: %v", err)
		return a.cfg.Apology
	}
	return result.Content
}
