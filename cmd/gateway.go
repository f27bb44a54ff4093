package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"replybot/pkg/channel"
	"replybot/pkg/channel/loopback"
	"replybot/pkg/channel/telegram"
	"replybot/pkg/channel/whatsapp"
	"replybot/pkg/config"
	"replybot/pkg/gateway"
	"replybot/pkg/logger"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the inbound message gateway",
	Long:  "Runs replybot as a gateway: channel adapters and the webhook feed a worker pool that runs the reply pipeline.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

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
		log := slog.Default().With("component", "cmd.gateway")

		channels, err := enabledChannels(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		router := channels.router(cfg.Channels.Default)
		rt, err := buildRuntime(runCtx, cfg, router, log)
		if err != nil {
			log.Error("Failed to build pipeline", "error", err)
			return
		}
		defer rt.Close()

		svc, err := gateway.NewService(gatewayOptions(cfg), gateway.Deps{
			Bus:       rt.bus,
			Processor: rt.orchestrator,
			Provider:  rt.healthChecker(),
			Adapters:  channels.adapters,
		}, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started",
			"adapters", enabledChannelNames(channels.adapters),
			"routes", strings.Join(router.Names(), ","),
			"provider", cfg.Generation.Provider,
			"model", cfg.Generation.Model,
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// channelSet holds the adapters that receive messages and the senders that
// deliver replies. Telegram and WhatsApp are both.
type channelSet struct {
	adapters []channel.Adapter
	senders  []channel.Sender
}

func (s channelSet) router(defaultChannel string) *channel.Router {
	// Loopback is registered last so it only becomes the fallback when no
	// real channel is enabled.
	senders := append(append([]channel.Sender{}, s.senders...), loopback.New(loopback.Name))
	return channel.NewRouter(defaultChannel, senders...)
}

func enabledChannels(cfg *config.Config, log *slog.Logger) (channelSet, error) {
	var set channelSet

	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, log)
		if err != nil {
			return channelSet{}, fmt.Errorf("configure telegram channel: %w", err)
		}
		set.adapters = append(set.adapters, tg)
		set.senders = append(set.senders, tg)
	}

	if cfg.Channels.WhatsApp.Enabled {
		wa, err := whatsapp.New(cfg.Channels.WhatsApp, log)
		if err != nil {
			return channelSet{}, fmt.Errorf("configure whatsapp channel: %w", err)
		}
		set.adapters = append(set.adapters, wa)
		set.senders = append(set.senders, wa)
	}

	return set, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	if len(adapters) == 0 {
		return "none"
	}
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}

func gatewayOptions(cfg *config.Config) gateway.Options {
	g := cfg.Gateway
	return gateway.Options{
		Host:               g.Host,
		Port:               g.Port,
		WebhookPath:        g.WebhookPath,
		WebhookSecret:      envValue(g.WebhookSecretEnv),
		RateLimitPerMinute: g.RateLimitPerMinute,
		Workers:            cfg.Pipeline.Workers,
		HealthInterval:     30 * time.Second,
	}
}
