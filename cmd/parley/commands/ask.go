package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/parleychat/parley/internal/app"
	"github.com/parleychat/parley/internal/intake"
	"github.com/parleychat/parley/internal/printer"
	"github.com/parleychat/parley/pkg/envelope"
)

var (
	askConfigPath string
	askMerchantID string
	askUserID     string
	askSessionID  string
	askTimeout    time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question through the waterfall",
	Long: `Ask a single question through the full resolution waterfall and print
the answer together with the tier that resolved it.

The pipeline runs in-process for the duration of the command, so a Redis
instance must be reachable. Reusing --session across invocations exercises
the session-cache tier.

Examples:
  # One-shot question
  parley ask --merchant demo "门票多少钱"

  # Same session twice: the second ask resolves from the session cache
  parley ask --merchant demo --session s1 "门票多少钱"
  parley ask --merchant demo --session s1 "门票多少钱"`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askConfigPath, "config", "c", "", "Path to parley.yml (defaults to ./parley.yml when present)")
	askCmd.Flags().StringVarP(&askMerchantID, "merchant", "m", "", "Merchant ID (required)")
	askCmd.Flags().StringVarP(&askUserID, "user", "u", "cli", "User ID")
	askCmd.Flags().StringVarP(&askSessionID, "session", "s", "", "Session ID (random per invocation if omitted)")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 15*time.Second, "How long to wait for the answer")
	askCmd.MarkFlagRequired("merchant")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := loadConfig(askConfigPath)
	if err != nil {
		return err
	}

	sessionID := askSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg)
	if err != nil {
		return printer.Error(
			"failed to start pipeline",
			err.Error(),
			[]string{"Check that Redis is reachable at the configured redis_url:\n  redis-cli -u \"$REDIS_URL\" ping"},
		)
	}
	defer application.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go application.Run(runCtx)

	// The answer arrives on the user channel, correlated by trace ID.
	replyCh := make(chan *envelope.Envelope, 1)
	application.Bus.Subscribe(envelope.Topic(envelope.AgentDecision, envelope.ChannelUser), func(e *envelope.Envelope) error {
		select {
		case replyCh <- e:
		default:
		}
		return nil
	})

	result, err := application.Intake.Handle(ctx, &intake.Request{
		MerchantID: askMerchantID,
		UserID:     askUserID,
		SessionID:  sessionID,
		InputType:  intake.InputText,
		Text:       args[0],
	})
	if err != nil {
		return printer.Error("question rejected", err.Error(), nil)
	}

	select {
	case env := <-replyCh:
		payload, err := envelope.DecodeResponse(env)
		if err != nil {
			return fmt.Errorf("malformed reply: %w", err)
		}
		printer.Info("%s\n", payload.Content)
		printer.Success("answered via %s (trace %s, intent %s)\n", payload.Source, result.TraceID, result.Intent)
		return nil
	case <-time.After(askTimeout):
		return printer.Error(
			"no answer received",
			fmt.Sprintf("The pipeline did not reply within %v (trace %s).", askTimeout, result.TraceID),
			[]string{"Increase the wait with --timeout, or check parleyd logs for the trace ID."},
		)
	}
}
