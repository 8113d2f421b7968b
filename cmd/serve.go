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

	"botcore/pkg/channel"
	"botcore/pkg/channel/telegram"
	"botcore/pkg/config"
	"botcore/pkg/gateway"
	"botcore/pkg/logger"
	"botcore/pkg/plugins/core"
	"botcore/pkg/policystore"
	"botcore/pkg/service"

	"github.com/spf13/cobra"
)

const telegramChannelName = "telegram"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  "Runs the botcore gateway: WebSocket connections, enabled in-process channels, health, readiness and metrics endpoints.",
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
		log := slog.Default().With("component", "cmd.serve")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Channel configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		services, closeStore, err := buildServices(runCtx, cfg, log)
		if err != nil {
			log.Error("Failed to register services", "error", err)
			return
		}
		defer closeStore()

		svc, err := gateway.NewService(cfg, services, adapters, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port), "channels", enabledChannelNames(adapters), "codec", cfg.Gateway.Codec)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// buildServices opens the policy store, if one is configured, and registers
// the built-in services against it. The returned func closes the store.
func buildServices(ctx context.Context, cfg *config.Config, log *slog.Logger) (*service.Registry, func(), error) {
	var (
		store     service.PolicyStore
		closeFunc = func() {}
	)
	if path := strings.TrimSpace(cfg.Store.Path); path != "" {
		db, err := policystore.Open(path, log)
		if err != nil {
			return nil, nil, err
		}
		store = db
		closeFunc = func() {
			if err := db.Close(); err != nil {
				log.Warn("Failed to close policy store", "error", err)
			}
		}
	}

	services := service.NewRegistry(store, log)
	if err := core.Register(ctx, services); err != nil {
		closeFunc()
		return nil, nil, err
	}
	return services, closeFunc, nil
}

// enabledAdapters builds the in-process channels switched on in cfg. A
// gateway without any is valid; bots then connect over WebSocket.
func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	return adapters, nil
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
