// Package app is the composition root: it wires the bus, the session store,
// the merchant retrieval layer, the collaborators, and all four agents into
// one runnable pipeline. Nothing here holds business logic; every object is
// constructed explicitly and handed its dependencies.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/collab"
	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/decision"
	"github.com/parleychat/parley/internal/intake"
	"github.com/parleychat/parley/internal/intent"
	"github.com/parleychat/parley/internal/knowledge"
	"github.com/parleychat/parley/internal/merchant"
	"github.com/parleychat/parley/internal/observer"
	"github.com/parleychat/parley/internal/runner"
	"github.com/parleychat/parley/internal/session"
	"github.com/parleychat/parley/pkg/envelope"
)

// App holds the fully wired pipeline.
type App struct {
	Config    *config.Config
	Bus       *bus.Bus
	Sessions  *session.Store
	Merchants *merchant.Store
	Intake    *intake.Agent
	Decision  *decision.Agent
	Knowledge *knowledge.Agent
	Observer  *observer.Agent
	Health    *observer.HealthServer

	rdb     *redis.Client
	runners []*runner.Runner
}

// New wires an App from configuration. The returned App owns its Redis
// connections; call Close when done.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	sessions, err := session.NewStore(redisOpts, cfg.InstanceName, cfg.Session.TTL())
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}
	if err := sessions.Ping(ctx); err != nil {
		sessions.Close()
		return nil, fmt.Errorf("redis not accessible: %w", err)
	}

	rdb := redis.NewClient(redisOpts)
	redisLoader, err := merchant.NewRedisLoader(rdb, cfg.InstanceName)
	if err != nil {
		sessions.Close()
		rdb.Close()
		return nil, fmt.Errorf("creating merchant loader: %w", err)
	}

	// Merchant profiles come from Redis first, local files as fallback; hit
	// counters live next to the profiles in Redis.
	loader := &merchant.FallbackLoader{
		Primary:  redisLoader,
		Fallback: &merchant.FileLoader{Dir: cfg.MerchantDataDir},
	}
	merchants := merchant.NewStore(loader, redisLoader, cfg.Knowledge.MerchantTTL())

	// The observer consumes via its wildcard subscription, so envelopes
	// addressed to it must not linger as unclaimed pool entries.
	b := bus.New(bus.Options{
		MaxRetries:   cfg.Bus.Retries(),
		GracePeriod:  cfg.Bus.GracePeriod(),
		ClaimLease:   cfg.Bus.ClaimLease(),
		DeliveryOnly: []string{envelope.AgentObserver},
	})

	var llm collab.LLM
	var asr collab.ASR
	if cfg.LLM.APIKey != "" {
		openaiCfg := collab.OpenAIConfig{
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			ChatModel: cfg.LLM.Model,
			ASRModel:  cfg.ASR.Model,
		}
		chat, err := collab.NewOpenAIChat(openaiCfg)
		if err != nil {
			sessions.Close()
			rdb.Close()
			return nil, fmt.Errorf("creating LLM collaborator: %w", err)
		}
		speech, err := collab.NewOpenAIASR(openaiCfg)
		if err != nil {
			sessions.Close()
			rdb.Close()
			return nil, fmt.Errorf("creating ASR collaborator: %w", err)
		}
		llm, asr = chat, speech
	} else {
		log.Printf("[App] OPENAI_API_KEY not set: voice input and generative fallback disabled")
	}

	rules := intent.DefaultRules()
	intakeAgent := intake.New(b, sessions, asr, intent.NewClassifier(rules), intent.NewRefiner(rules, 3, 3))

	decisionAgent := decision.New(b, sessions, merchants, llm, decision.Config{
		CacheSimilarity:  cfg.Waterfall.CacheSimilarity,
		KnowledgeTimeout: cfg.Waterfall.KnowledgeTimeout(),
		Apology:          cfg.Waterfall.Apology,
	})

	knowledgeAgent := knowledge.New(b, merchants, sessions, llm, knowledge.Weights{
		Keyword: cfg.Knowledge.KeywordWeight,
		Title:   cfg.Knowledge.TitleWeight,
		Body:    cfg.Knowledge.BodyWeight,
	}, cfg.Knowledge.ContextWindow)

	observerAgent := observer.New(b, observer.Config{
		OfflineAfter:  cfg.Observer.OfflineAfter(),
		CheckInterval: cfg.Observer.CheckInterval(),
	})

	runnerOpts := runner.Options{
		PollInterval: cfg.Agents.PollInterval(),
		PeekBatch:    cfg.Agents.PeekBatch,
	}

	return &App{
		Config:    cfg,
		Bus:       b,
		Sessions:  sessions,
		Merchants: merchants,
		Intake:    intakeAgent,
		Decision:  decisionAgent,
		Knowledge: knowledgeAgent,
		Observer:  observerAgent,
		Health:    observer.NewHealthServer(observerAgent, sessions, cfg.Observer.HealthAddr),
		rdb:       rdb,
		runners: []*runner.Runner{
			runner.New(b, decisionAgent, runnerOpts),
			runner.New(b, knowledgeAgent, runnerOpts),
		},
	}, nil
}

// Run starts the runners, the pool janitor, the observer loop, and the
// health endpoint, then blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Health.Start(); err != nil {
		return fmt.Errorf("starting health server: %w", err)
	}
	defer a.Health.Shutdown(context.Background())

	done := make(chan struct{})
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		a.Bus.RunJanitor(subCtx, a.Config.Bus.JanitorInterval())
		done <- struct{}{}
	}()
	go func() {
		_ = a.Observer.Run(subCtx)
		done <- struct{}{}
	}()
	for _, r := range a.runners {
		r := r
		go func() {
			_ = r.Run(subCtx)
			done <- struct{}{}
		}()
	}

	log.Printf("[App] instance %q running with agents: %s, %s, %s, %s",
		a.Config.InstanceName,
		envelope.AgentIntake, envelope.AgentDecision, envelope.AgentKnowledge, envelope.AgentObserver)

	<-ctx.Done()
	cancel()
	for i := 0; i < 2+len(a.runners); i++ {
		<-done
	}
	return nil
}

// Close releases the App's Redis connections.
func (a *App) Close() error {
	err := a.Sessions.Close()
	if rerr := a.rdb.Close(); err == nil {
		err = rerr
	}
	return err
}
