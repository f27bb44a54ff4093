package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"replybot/pkg/bus"
	"replybot/pkg/channel"
	"replybot/pkg/channel/loopback"
	"replybot/pkg/config"
	"replybot/pkg/logger"
	"replybot/pkg/pipeline"
	"replybot/pkg/ui/chat"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const defaultSimulatedSender = "+15550100"

var (
	replyEventPath string
	replySender    string
)

var replyCmd = &cobra.Command{
	Use:   "reply [message]",
	Short: "Run the reply pipeline locally",
	Long: "Runs one inbound message through the reply pipeline and prints the outcome. " +
		"Replies are delivered to an in-process loopback channel. Without a message or --event, " +
		"an interactive simulator is started.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.reply")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sink := loopback.New(loopback.Name)
		rt, err := buildRuntime(ctx, cfg, channel.NewRouter(loopback.Name, sink), log)
		if err != nil {
			fmt.Printf("failed to build pipeline: %v\n", err)
			return
		}
		defer rt.Close()

		text := strings.TrimSpace(strings.Join(args, " "))
		switch {
		case replyEventPath != "":
			event, err := loadEvent(replyEventPath)
			if err != nil {
				fmt.Printf("failed to read event: %v\n", err)
				return
			}
			fmt.Println(formatOutcome(rt.orchestrator.Process(ctx, event)))
		case text != "":
			fmt.Println(formatOutcome(rt.orchestrator.Process(ctx, simulatedEvent(replySender, text))))
		default:
			send := func(ctx context.Context, text string) pipeline.Outcome {
				return rt.orchestrator.Process(ctx, simulatedEvent(replySender, text))
			}
			info := chat.SessionInfo{
				Sender:   replySender,
				Channel:  loopback.Name,
				Provider: cfg.Generation.Provider,
				Model:    cfg.Generation.Model,
			}
			if err := chat.RunSimulator(ctx, send, info); err != nil {
				fmt.Printf("simulator failed: %v\n", err)
			}
		}
	},
}

func init() {
	replyCmd.Flags().StringVar(&replyEventPath, "event", "", "path to a raw inbound JSON payload")
	replyCmd.Flags().StringVar(&replySender, "sender", defaultSimulatedSender, "sender phone number for typed messages")
	rootCmd.AddCommand(replyCmd)
}

// simulatedEvent wraps typed text in the flat {from, text} payload.
func simulatedEvent(sender, text string) bus.InboundEvent {
	id := uuid.NewString()
	payload, _ := json.Marshal(map[string]string{
		"from":      sender,
		"text":      text,
		"messageId": id,
	})

	return bus.InboundEvent{
		ID:         id,
		Channel:    loopback.Name,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}

// loadEvent reads a raw provider payload. The payload is passed through
// untouched so shape detection runs exactly as it would for the webhook.
func loadEvent(path string) (bus.InboundEvent, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return bus.InboundEvent{}, err
	}
	if !json.Valid(content) {
		return bus.InboundEvent{}, fmt.Errorf("%s is not valid JSON", path)
	}

	return bus.InboundEvent{
		ID:         uuid.NewString(),
		Channel:    loopback.Name,
		Payload:    json.RawMessage(content),
		ReceivedAt: time.Now(),
	}, nil
}

func formatOutcome(out pipeline.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s (%s) in %s\n", out.RunID, out.Status, out.State, out.Duration.Round(time.Millisecond))

	if out.State == pipeline.StateAborted {
		fmt.Fprintf(&b, "error: %v\n", out.Err)
		return strings.TrimRight(b.String(), "\n")
	}

	fmt.Fprintf(&b, "sender: %s\n", out.Message.Sender)
	fmt.Fprintf(&b, "passages: %d\n", len(out.Passages))
	if out.Reply.Text != "" {
		fmt.Fprintf(&b, "reply: %s\n", out.Reply.Text)
	}
	if out.Reply.UsedFallback {
		fmt.Fprintf(&b, "fallback: %s\n", out.Reply.Reason)
	}
	if out.Receipt.Attempted {
		fmt.Fprintf(&b, "delivery: delivered=%t attempts=%d\n", out.Receipt.Delivered, out.Receipt.Attempts)
	}
	if len(out.Annotations) > 0 {
		fmt.Fprintf(&b, "annotations: %s\n", strings.Join(out.Annotations, ","))
	}
	if out.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", out.Err)
	}

	return strings.TrimRight(b.String(), "\n")
}
