package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"botcore/pkg/channel"
	"botcore/pkg/config"
	"botcore/pkg/gateway"
	"botcore/pkg/logger"
	"botcore/pkg/ui/console"

	"github.com/spf13/cobra"
)

var consoleIdentity console.Identity

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run the gateway with a terminal chat attached",
	Long:  "Runs the botcore gateway and attaches a terminal console as one more connection, so services can be exercised by typing.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		// The terminal belongs to the console view.
		consoleLogging := cfg.Logging
		consoleLogging.Level = "error"
		appLogger, err := logger.New(consoleLogging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.console")

		if err := runConsole(cmd.Context(), cfg, consoleIdentity, log); err != nil {
			fmt.Printf("console failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVarP(&consoleIdentity.UserID, "user", "u", "console-user", "user id to speak as")
	consoleCmd.Flags().StringVarP(&consoleIdentity.Nickname, "nickname", "n", "", "nickname reported to services")
	consoleCmd.Flags().StringVarP(&consoleIdentity.GroupID, "group", "g", "", "group id to speak in; empty sends direct messages")
	consoleCmd.Flags().IntVarP(&consoleIdentity.Level, "level", "l", 6, "permission level reported by the console")
}

func runConsole(parent context.Context, cfg *config.Config, identity console.Identity, log *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapters, err := enabledAdapters(cfg, log)
	if err != nil {
		return err
	}
	term := console.NewAdapter(identity)
	adapters = append(adapters, channel.Adapter(term))

	services, closeStore, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := gateway.NewService(cfg, services, adapters, log)
	if err != nil {
		return err
	}

	events, unsubscribe := svc.Bus().SubscribeEvents(ctx, 64)
	defer unsubscribe()

	gatewayCtx, cancelGateway := context.WithCancel(ctx)
	defer cancelGateway()
	uiCtx, cancelUI := context.WithCancel(ctx)
	defer cancelUI()

	gatewayErr := make(chan error, 1)
	go func() {
		err := svc.Run(gatewayCtx)
		if err != nil {
			cancelUI()
		}
		gatewayErr <- err
	}()

	uiErr := console.Run(uiCtx, term, events)
	cancelGateway()

	if err := <-gatewayErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return uiErr
}
