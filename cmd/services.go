package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"botcore/pkg/config"
	"botcore/pkg/logger"
	"botcore/pkg/plugins/core"
	"botcore/pkg/policystore"
	"botcore/pkg/service"

	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Inspect or change persisted service policies",
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List services with their effective policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args
		return withPolicyStore(func(store *policystore.Store, log *slog.Logger) error {
			return listServices(cmd.Context(), cmd.OutOrStdout(), store, log)
		})
	},
}

var policyFlags struct {
	enabled  bool
	pm       int
	priority int
	scope    string
	block    []string
	unblock  []string
	allow    []string
}

var servicesSetCmd = &cobra.Command{
	Use:   "set <service>",
	Short: "Change and persist a service policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := policyOptions(cmd)
		if err != nil {
			return err
		}
		if len(opts) == 0 {
			return errors.New("nothing to change: pass at least one policy flag")
		}
		return withPolicyStore(func(store *policystore.Store, log *slog.Logger) error {
			return setService(cmd.Context(), cmd.OutOrStdout(), store, log, args[0], opts)
		})
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)
	servicesCmd.AddCommand(servicesListCmd, servicesSetCmd)

	flags := servicesSetCmd.Flags()
	flags.BoolVar(&policyFlags.enabled, "enabled", true, "whether the service dispatches at all")
	flags.IntVar(&policyFlags.pm, "pm", service.DefaultPM, "highest permission level admitted (0 is most privileged)")
	flags.IntVar(&policyFlags.priority, "priority", service.DefaultPriority, "dispatch order; lower runs first")
	flags.StringVar(&policyFlags.scope, "scope", "all", "all, group or direct")
	flags.StringSliceVar(&policyFlags.block, "block", nil, "group or user ids to add to the block list")
	flags.StringSliceVar(&policyFlags.unblock, "unblock", nil, "group or user ids to remove from the block list")
	flags.StringSliceVar(&policyFlags.allow, "allow", nil, "replace the allow list; pass an empty value to clear it")
}

// policyOptions turns the flags the user actually set into policy options.
func policyOptions(cmd *cobra.Command) ([]service.Option, error) {
	flags := cmd.Flags()
	var opts []service.Option

	if flags.Changed("enabled") {
		opts = append(opts, service.WithEnabled(policyFlags.enabled))
	}
	if flags.Changed("pm") {
		if policyFlags.pm < 0 {
			return nil, fmt.Errorf("pm must not be negative, got %d", policyFlags.pm)
		}
		opts = append(opts, service.WithPM(policyFlags.pm))
	}
	if flags.Changed("priority") {
		opts = append(opts, service.WithPriority(policyFlags.priority))
	}
	if flags.Changed("scope") {
		scope, err := service.ParseScope(policyFlags.scope)
		if err != nil {
			return nil, err
		}
		opts = append(opts, service.WithScope(scope))
	}
	if flags.Changed("block") {
		opts = append(opts, service.Block(compactIDs(policyFlags.block)...))
	}
	if flags.Changed("unblock") {
		opts = append(opts, service.Unblock(compactIDs(policyFlags.unblock)...))
	}
	if flags.Changed("allow") {
		opts = append(opts, service.WithAllowList(compactIDs(policyFlags.allow)...))
	}
	return opts, nil
}

func withPolicyStore(fn func(store *policystore.Store, log *slog.Logger) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return errors.New("store.path is not configured; policies are not persisted")
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	log := appLogger.With("component", "cmd.services")

	store, err := policystore.Open(cfg.Store.Path, log)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(store, log)
}

// loadServices registers the built-in services and materializes every
// persisted policy, so services owned by plugins not loaded here still show.
func loadServices(ctx context.Context, store *policystore.Store, log *slog.Logger) (*service.Registry, error) {
	services := service.NewRegistry(store, log)
	if err := core.Register(ctx, services); err != nil {
		return nil, err
	}

	names, err := store.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if _, err := services.Service(ctx, name); err != nil {
			return nil, err
		}
	}
	return services, nil
}

func listServices(ctx context.Context, out io.Writer, store *policystore.Store, log *slog.Logger) error {
	services, err := loadServices(ctx, store, log)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENABLED\tPM\tPRIORITY\tSCOPE\tBLOCKED\tALLOWED")
	for _, svc := range services.Services() {
		p := svc.Policy()
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%s\t%s\t%s\n",
			svc.Name(), p.Enabled, p.PM, p.Priority, p.Scope, listOrDash(p.BlockList), listOrDash(p.AllowList))
	}
	return w.Flush()
}

func setService(ctx context.Context, out io.Writer, store *policystore.Store, log *slog.Logger, name string, opts []service.Option) error {
	services, err := loadServices(ctx, store, log)
	if err != nil {
		return err
	}
	svc, err := services.Service(ctx, name)
	if err != nil {
		return err
	}
	if err := svc.SetPolicy(ctx, opts...); err != nil {
		return err
	}

	p := svc.Policy()
	fmt.Fprintf(out, "%s: enabled=%t pm=%d priority=%d scope=%s blocked=%s allowed=%s\n",
		svc.Name(), p.Enabled, p.PM, p.Priority, p.Scope, listOrDash(p.BlockList), listOrDash(p.AllowList))
	return nil
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func listOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ",")
}
