package knowledge

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/collab"
	"github.com/parleychat/parley/internal/merchant"
	"github.com/parleychat/parley/internal/session"
	"github.com/parleychat/parley/pkg/envelope"
)

// Agent is the Knowledge agent (C). It is read-only with respect to the bus:
// it only replies to the requester and never writes shared state.
type Agent struct {
	bus       *bus.Bus
	merchants *merchant.Store
	sessions  *session.Store
	llm       collab.LLM
	weights   Weights
	window    int64 // Recent turns fetched for disambiguation
}

// New creates the Knowledge agent.
func New(b *bus.Bus, merchants *merchant.Store, sessions *session.Store, llm collab.LLM, weights Weights, contextWindow int64) *Agent {
	return &Agent{
		bus:       b,
		merchants: merchants,
		sessions:  sessions,
		llm:       llm,
		weights:   weights,
		window:    contextWindow,
	}
}

// Name implements runner.Agent.
func (a *Agent) Name() string {
	return envelope.AgentKnowledge
}

// Handle implements runner.Agent. Unrecognized actions are logged and
// ignored so vocabulary growth never breaks this consumer.
func (a *Agent) Handle(ctx context.Context, task *bus.Task) error {
	env := task.Envelope
	switch env.Action {
	case envelope.ActionQueryKnowledge:
		return a.handleQuery(ctx, env)
	default:
		log.Printf("[Knowledge] Ignoring unrecognized action %q", env.Action)
		return nil
	}
}

func (a *Agent) handleQuery(ctx context.Context, env *envelope.Envelope) error {
	query, err := envelope.DecodeQuery(env)
	if err != nil {
		return fmt.Errorf("malformed query payload: %w", err)
	}

	profile, err := a.merchants.Get(ctx, env.MerchantID)
	if err != nil {
		log.Printf("[Knowledge] Profile load failed for %s: %v", env.MerchantID, err)
		a.replyNotFound(env, query)
		return nil
	}

	ranked := Rank(profile.EnabledKnowledge(), query.Question, a.weights)

	switch len(ranked) {
	case 0:
		a.replyNotFound(env, query)

	case 1:
		a.replyFound(env, ranked[0].Item)

	default:
		item := a.disambiguate(ctx, env, query.Question, ranked)
		a.notifyMultiMatch(env, query.Question, len(ranked))
		a.replyFound(env, item)
	}

	return nil
}

// disambiguate picks one of several high-scoring candidates: first by asking
// the language model to choose against recent conversation context, then by
// a category-in-context rule, then by highest score.
func (a *Agent) disambiguate(ctx context.Context, env *envelope.Envelope, question string, ranked []Scored) merchant.KnowledgeItem {
	recent := a.recentContext(ctx, env)

	if idx, ok := a.pickByLLM(ctx, question, recent, ranked); ok {
		return ranked[idx].Item
	}

	if idx, ok := pickByCategory(recent, ranked); ok {
		return ranked[idx].Item
	}

	return ranked[0].Item
}

func (a *Agent) recentContext(ctx context.Context, env *envelope.Envelope) string {
	key := session.Key{MerchantID: env.MerchantID, UserID: env.UserID, SessionID: env.SessionID}
	turns, err := a.sessions.Recent(ctx, key, a.window)
	if err != nil {
		log.Printf("[Knowledge] Context fetch failed for trace %s: %v", env.TraceID, err)
		return ""
	}

	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(turn.Role)
		sb.WriteString(": ")
		sb.WriteString(turn.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (a *Agent) pickByLLM(ctx context.Context, question, recent string, ranked []Scored) (int, bool) {
	if a.llm == nil {
		return 0, false
	}

	var sb strings.Builder
	sb.WriteString("用户问题：")
	sb.WriteString(question)
	sb.WriteString("\n")
	if recent != "" {
		sb.WriteString("最近对话：\n")
		sb.WriteString(recent)
	}
	sb.WriteString("候选条目：\n")
	for i, s := range ranked {
		fmt.Fprintf(&sb, "%d. %s\n", i, s.Item.Name)
	}
	sb.WriteString("请只回复最符合用户问题的候选条目编号。")

	result, err := collab.Call(ctx, "llm-disambiguate",
		collab.CallOptions{Timeout: 2 * time.Second, Attempts: 1},
		func(callCtx context.Context) (*collab.ChatResult, error) {
			return a.llm.Chat(callCtx, []collab.Message{{Role: "user", Content: sb.String()}}, "")
		})
	if err != nil || !result.Success {
		return 0, false
	}

	idx, err := strconv.Atoi(strings.TrimSpace(result.Content))
	if err != nil || idx < 0 || idx >= len(ranked) {
		return 0, false
	}
	return idx, true
}

// pickByCategory returns the first candidate whose category string appears
// literally in the recent-context text.
func pickByCategory(recent string, ranked []Scored) (int, bool) {
	if recent == "" {
		return 0, false
	}
	for i, s := range ranked {
		if s.Item.Category != "" && strings.Contains(recent, s.Item.Category) {
			return i, true
		}
	}
	return 0, false
}

func (a *Agent) replyFound(env *envelope.Envelope, item merchant.KnowledgeItem) {
	a.bus.Publish(envelope.New(env.TraceID, envelope.AgentKnowledge, envelope.AgentDecision,
		envelope.ActionFound, env.MerchantID, env.UserID, env.SessionID,
		envelope.MustEncode(&envelope.FoundPayload{ItemID: item.ID, Name: item.Name, Content: item.Content})))
}

func (a *Agent) replyNotFound(env *envelope.Envelope, query *envelope.QueryPayload) {
	a.bus.Publish(envelope.New(env.TraceID, envelope.AgentKnowledge, envelope.AgentDecision,
		envelope.ActionNotFound, env.MerchantID, env.UserID, env.SessionID,
		envelope.MustEncode(&envelope.NotFoundPayload{Question: query.Question, Intent: query.Intent})))
}

func (a *Agent) notifyMultiMatch(env *envelope.Envelope, question string, candidates int) {
	a.bus.Publish(envelope.New(env.TraceID, envelope.AgentKnowledge, envelope.AgentObserver,
		envelope.ActionMultiMatch, env.MerchantID, env.UserID, env.SessionID,
		envelope.MustEncode(&envelope.MultiMatchPayload{Question: question, Candidates: candidates})))
}
