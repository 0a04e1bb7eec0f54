package decision

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
	"github.com/parleychat/parley/internal/merchant"
	"github.com/parleychat/parley/internal/session"
	"github.com/parleychat/parley/pkg/envelope"
)

type staticLoader struct{ profile *merchant.Profile }

func (l *staticLoader) Load(context.Context, string) (*merchant.Profile, error) {
	return l.profile, nil
}

type fixture struct {
	bus       *bus.Bus
	agent     *Agent
	llm       *collab.FakeLLM
	hits      *merchant.MemoryHits
	sessions  *session.Store
	replies   []*envelope.Envelope
	summaries []*envelope.Envelope
	queries   []*envelope.Envelope
}

func setup(t *testing.T, profile *merchant.Profile, cfg Config) *fixture {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	sessions, err := session.NewStore(&redis.Options{Addr: mr.Addr()}, "test", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	if cfg.CacheSimilarity == 0 {
		cfg.CacheSimilarity = 0.8
	}
	if cfg.KnowledgeTimeout == 0 {
		cfg.KnowledgeTimeout = 100 * time.Millisecond
	}
	if cfg.Apology == "" {
		cfg.Apology = "抱歉，请稍后再试。"
	}

	f := &fixture{
		bus:      bus.New(bus.Options{}),
		llm:      &collab.FakeLLM{Reply: "生成的回答"},
		hits:     merchant.NewMemoryHits(),
		sessions: sessions,
	}

	merchants := merchant.NewStore(&staticLoader{profile: profile}, f.hits, time.Minute)
	f.agent = New(f.bus, sessions, merchants, f.llm, cfg)

	f.bus.Subscribe(envelope.Topic(envelope.AgentDecision, envelope.ChannelUser), func(e *envelope.Envelope) error {
		f.replies = append(f.replies, e)
		return nil
	})
	f.bus.Subscribe(envelope.Topic(envelope.AgentDecision, envelope.AgentObserver), func(e *envelope.Envelope) error {
		f.summaries = append(f.summaries, e)
		return nil
	})
	f.bus.Subscribe(envelope.Topic(envelope.AgentDecision, envelope.AgentKnowledge), func(e *envelope.Envelope) error {
		f.queries = append(f.queries, e)
		return nil
	})

	return f
}

// respondWithKnowledge simulates the Knowledge agent: every query gets the
// given reply action published back synchronously.
func (f *fixture) respondWithKnowledge(action envelope.Action, content string) {
	f.bus.Subscribe(envelope.Topic(envelope.AgentDecision, envelope.AgentKnowledge), func(e *envelope.Envelope) error {
		var data []byte
		if action == envelope.ActionFound {
			data = envelope.MustEncode(&envelope.FoundPayload{ItemID: "k-1", Name: "条目", Content: content})
		} else {
			q, err := envelope.DecodeQuery(e)
			if err != nil {
				return err
			}
			data = envelope.MustEncode(&envelope.NotFoundPayload{Question: q.Question, Intent: q.Intent})
		}
		reply := envelope.New(e.TraceID, envelope.AgentKnowledge, envelope.AgentDecision,
			action, e.MerchantID, e.UserID, e.SessionID, data)
		f.agent.pending.resolve(e.TraceID, reply)
		return nil
	})
}

func parsedTask(traceID, raw, refined, category string) *bus.Task {
	env := envelope.New(traceID, envelope.AgentIntake, envelope.AgentDecision,
		envelope.ActionParsed, "merchant-1", "user-1", "session-1",
		envelope.MustEncode(&envelope.ParsedPayload{
			RawInput: raw, Refined: refined, Intent: category, InputType: "text",
		}))
	return &bus.Task{ID: "task-" + traceID, Envelope: env, ClaimedAt: time.Now()}
}

func hotProfile() *merchant.Profile {
	p := &merchant.Profile{
		MerchantID:    "merchant-1",
		SystemPrompt:  "景区客服",
		ChitChatReply: "你好，欢迎光临！",
		HotQuestions: []merchant.HotQuestion{
			{ID: "hq-1", Question: "门票多少钱", Keywords: []string{"门票"}, Answer: "成人票80元", Enabled: true},
		},
		Knowledge: []merchant.KnowledgeItem{
			{ID: "k-1", Name: "门票价格", Content: "成人票80元，儿童票40元", Keywords: []string{"门票"}, Enabled: true},
		},
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

func sessionKey() session.Key {
	return session.Key{MerchantID: "merchant-1", UserID: "user-1", SessionID: "session-1"}
}

// appendUserTurn mirrors the Intake agent's side effect of persisting the
// user turn before the Decision agent runs.
func appendUserTurn(t *testing.T, f *fixture, content, traceID string) {
	require.NoError(t, f.sessions.Append(context.Background(), sessionKey(), &session.Turn{
		Role: session.RoleUser, Content: content, Timestamp: time.Now().UnixMilli(), TicketID: traceID,
	}))
}

func lastReply(t *testing.T, f *fixture) *envelope.ResponsePayload {
	require.NotEmpty(t, f.replies)
	payload, err := envelope.DecodeResponse(f.replies[len(f.replies)-1])
	require.NoError(t, err)
	return payload
}

func TestHotQuestionTier(t *testing.T) {
	f := setup(t, hotProfile(), Config{})
	appendUserTurn(t, f, "门票多少钱", "t-1")

	require.NoError(t, f.agent.Handle(context.Background(), parsedTask("t-1", "门票多少钱", "门票多少钱", "price")))

	reply := lastReply(t, f)
	assert.Equal(t, SourceHotQuestion, reply.Source)
	assert.Equal(t, "成人票80元", reply.Content)

	// Hit counted exactly once, asynchronously.
	assert.Eventually(t, func() bool {
		return f.hits.HitCount("merchant-1", "hq-1") == 1
	}, time.Second, 10*time.Millisecond)

	// Tier 2 pre-empts the knowledge round trip entirely.
	assert.Empty(t, f.queries)
}

func TestUserCacheTier(t *testing.T) {
	t.Run("identical question asked twice resolves from cache", func(t *testing.T) {
		f := setup(t, hotProfile(), Config{})
		ctx := context.Background()

		appendUserTurn(t, f, "门票多少钱", "t-1")
		require.NoError(t, f.agent.Handle(ctx, parsedTask("t-1", "门票多少钱", "门票多少钱", "price")))
		first := lastReply(t, f)
		require.Equal(t, SourceHotQuestion, first.Source)

		appendUserTurn(t, f, "门票多少钱", "t-2")
		require.NoError(t, f.agent.Handle(ctx, parsedTask("t-2", "门票多少钱", "门票多少钱", "price")))
		second := lastReply(t, f)

		assert.Equal(t, SourceUserCache, second.Source)
		assert.Equal(t, first.Content, second.Content)
		assert.Empty(t, f.queries, "cache hit bypasses knowledge lookup")
		assert.Eventually(t, func() bool {
			return f.hits.HitCount("merchant-1", "hq-1") == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("tier 1 pre-empts all later tiers by ordering", func(t *testing.T) {
		f := setup(t, hotProfile(), Config{})
		ctx := context.Background()

		// Seed a prior exchange whose answer differs from the hot answer.
		require.NoError(t, f.sessions.Append(ctx, sessionKey(), &session.Turn{
			Role: session.RoleUser, Content: "门票多少钱", TicketID: "t-0",
		}))
		require.NoError(t, f.sessions.Append(ctx, sessionKey(), &session.Turn{
			Role: session.RoleAssistant, Content: "缓存的回答", Source: SourceLLM, TicketID: "t-0",
		}))

		appendUserTurn(t, f, "门票多少钱", "t-1")
		require.NoError(t, f.agent.Handle(ctx, parsedTask("t-1", "门票多少钱", "门票多少钱", "price")))

		reply := lastReply(t, f)
		assert.Equal(t, SourceUserCache, reply.Source)
		assert.Equal(t, "缓存的回答", reply.Content)
	})

	t.Run("dissimilar history does not hit the cache", func(t *testing.T) {
		f := setup(t, hotProfile(), Config{})
		ctx := context.Background()

		require.NoError(t, f.sessions.Append(ctx, sessionKey(), &session.Turn{
			Role: session.RoleUser, Content: "停车场在哪里", TicketID: "t-0",
		}))
		require.NoError(t, f.sessions.Append(ctx, sessionKey(), &session.Turn{
			Role: session.RoleAssistant, Content: "东门停车场", TicketID: "t-0",
		}))

		appendUserTurn(t, f, "门票多少钱", "t-1")
		require.NoError(t, f.agent.Handle(ctx, parsedTask("t-1", "门票多少钱", "门票多少钱", "price")))

		assert.Equal(t, SourceHotQuestion, lastReply(t, f).Source)
	})
}

func TestChitChatTier(t *testing.T) {
	f := setup(t, hotProfile(), Config{})
	appendUserTurn(t, f, "你好", "t-1")

	require.NoError(t, f.agent.Handle(context.Background(), parsedTask("t-1", "你好", "你好", "chitchat")))

	reply := lastReply(t, f)
	assert.Equal(t, SourceChitChat, reply.Source)
	assert.Equal(t, "你好，欢迎光临！", reply.Content)
	assert.Empty(t, f.queries, "chit-chat never consults the knowledge base")
	assert.Equal(t, 0, f.llm.CallCount())
}

func TestKnowledgeTier(t *testing.T) {
	t.Run("positive reply resolves with knowledge source", func(t *testing.T) {
		f := setup(t, hotProfile(), Config{})
		f.respondWithKnowledge(envelope.ActionFound, "景区全年开放")
		appendUserTurn(t, f, "景区开放吗", "t-1")

		require.NoError(t, f.agent.Handle(context.Background(), parsedTask("t-1", "景区开放吗", "景区开放", "time")))

		reply := lastReply(t, f)
		assert.Equal(t, SourceKnowledge, reply.Source)
		assert.Equal(t, "景区全年开放", reply.Content)
		assert.Equal(t, 0, f.llm.CallCount())
		assert.Zero(t, f.agent.PendingRequests())
	})

	t.Run("explicit not-found falls through to the generative tier", func(t *testing.T) {
		f := setup(t, hotProfile(), Config{})
		f.respondWithKnowledge(envelope.ActionNotFound, "")
		appendUserTurn(t, f, "有缆车吗", "t-1")

		require.NoError(t, f.agent.Handle(context.Background(), parsedTask("t-1", "有缆车吗", "有缆车", "other")))

		reply := lastReply(t, f)
		assert.Equal(t, SourceLLM, reply.Source)
		assert.Equal(t, "生成的回答", reply.Content)
		assert.Zero(t, f.agent.PendingRequests())
	})

	t.Run("silent timeout behaves like not-found and leaks nothing", func(t *testing.T) {
		f := setup(t, hotProfile(), Config{KnowledgeTimeout: 50 * time.Millisecond})
		appendUserTurn(t, f, "有缆车吗", "t-1")

		require.NoError(t, f.agent.Handle(context.Background(), parsedTask("t-1", "有缆车吗", "有缆车", "other")))

		reply := lastReply(t, f)
		assert.Equal(t, SourceLLM, reply.Source)
		require.Len(t, f.queries, 1, "the query was published before the timeout")
		assert.Zero(t, f.agent.PendingRequests(), "pending table must not leak the trace ID")
	})
}

func TestGenerativeTier(t *testing.T) {
	t.Run("collaborator failure returns the configured apology", func(t *testing.T) {
		f := setup(t, hotProfile(), Config{Apology: "抱歉，我暂时无法回答。"})
		f.llm.Err = fmt.Errorf("provider down")
		f.respondWithKnowledge(envelope.ActionNotFound, "")
		appendUserTurn(t, f, "有缆车吗", "t-1")

		require.NoError(t, f.agent.Handle(context.Background(), parsedTask("t-1", "有缆车吗", "有缆车", "other")))

		reply := lastReply(t, f)
		assert.Equal(t, SourceLLM, reply.Source)
		assert.Equal(t, "抱歉，我暂时无法回答。", reply.Content)
	})

	t.Run("system prompt comes from the merchant profile", func(t *testing.T) {
		f := setup(t, hotProfile(), Config{})
		f.respondWithKnowledge(envelope.ActionNotFound, "")
		appendUserTurn(t, f, "有缆车吗", "t-1")

		require.NoError(t, f.agent.Handle(context.Background(), parsedTask("t-1", "有缆车吗", "有缆车", "other")))

		require.GreaterOrEqual(t, f.llm.CallCount(), 1)
		assert.Equal(t, "景区客服", f.llm.Calls[0].SystemPrompt)
	})
}

func TestEveryPathTerminates(t *testing.T) {
	f := setup(t, hotProfile(), Config{})
	ctx := context.Background()
	appendUserTurn(t, f, "门票多少钱", "t-1")

	require.NoError(t, f.agent.Handle(ctx, parsedTask("t-1", "门票多少钱", "门票多少钱", "price")))

	t.Run("assistant turn persisted with source tag", func(t *testing.T) {
		turns, err := f.sessions.All(ctx, sessionKey())
		require.NoError(t, err)
		last := turns[len(turns)-1]
		assert.Equal(t, session.RoleAssistant, last.Role)
		assert.Equal(t, SourceHotQuestion, last.Source)
		assert.Equal(t, "t-1", last.TicketID)
	})

	t.Run("completion summary published with elapsed time", func(t *testing.T) {
		require.Len(t, f.summaries, 1)
		done, err := envelope.DecodeDone(f.summaries[0])
		require.NoError(t, err)
		assert.Equal(t, SourceHotQuestion, done.Source)
		assert.GreaterOrEqual(t, done.ElapsedMs, int64(0))
	})
}

func TestLateKnowledgeReplyIsDropped(t *testing.T) {
	f := setup(t, hotProfile(), Config{})

	reply := envelope.New("unknown-trace", envelope.AgentKnowledge, envelope.AgentDecision,
		envelope.ActionFound, "merchant-1", "user-1", "session-1",
		envelope.MustEncode(&envelope.FoundPayload{Content: "太迟了"}))

	require.NoError(t, f.agent.Handle(context.Background(), &bus.Task{ID: "task-late", Envelope: reply}))
	assert.Empty(t, f.replies)
}
