package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stackzilla/linode-provider/internal/app"
	"github.com/stackzilla/linode-provider/internal/blueprint"
	"github.com/stackzilla/linode-provider/internal/config"
	"github.com/stackzilla/linode-provider/internal/engine"
	"github.com/stackzilla/linode-provider/internal/storage"
	"github.com/stackzilla/linode-provider/internal/tracing"
	"github.com/stackzilla/linode-provider/internal/version"
)

type globals struct {
	envFile string
	dbPath  string
	natsURL string
	trace   bool
	debug   bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "linodectl",
		Short:         "Provision Linode instances and block volumes from a blueprint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	pf := root.PersistentFlags()
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file to load")
	pf.StringVar(&g.dbPath, "db", "", "Badger DB path (overrides "+config.EnvDBPath+")")
	pf.StringVar(&g.natsURL, "nats-url", "", "NATS server for lifecycle events")
	pf.BoolVar(&g.trace, "trace", false, "export spans to stdout")
	pf.BoolVar(&g.debug, "debug", false, "verbose logging")

	root.AddCommand(
		newApplyCmd(g),
		newDestroyCmd(g),
		newVerifyCmd(g),
		newShowCmd(g),
		newPingCmd(),
		newVersionCmd(),
	)
	return root
}

func (g *globals) config() (config.Config, error) {
	cfg, err := config.Load(g.envFile)
	if err != nil {
		return cfg, err
	}
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	if g.natsURL != "" {
		cfg.NATSURL = g.natsURL
	}
	cfg.Trace = cfg.Trace || g.trace
	cfg.Debug = cfg.Debug || g.debug
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// withApp builds the provider, runs fn and tears everything down.
func (g *globals) withApp(deps app.Deps, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Setup(cfg.Trace, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.New(cfg, deps, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func newApplyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "apply BLUEPRINT",
		Short: "Create, modify or remove resources to match the blueprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bp, err := blueprint.Load(args[0])
			if err != nil {
				return err
			}
			return g.withApp(app.Deps{}, func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.Apply(ctx, bp)
				printReport(cmd.OutOrStdout(), report)
				return err
			})
		},
	}
}

func newDestroyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Delete every recorded volume and instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(app.Deps{}, func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.Destroy(ctx)
				printReport(cmd.OutOrStdout(), report)
				return err
			})
		},
	}
}

func newVerifyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify BLUEPRINT",
		Short: "Check a blueprint without contacting Linode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bp, err := blueprint.Load(args[0])
			if err != nil {
				return err
			}
			// Verification never reads state, so a scratch store will do.
			store, err := storage.NewBadgerStore("")
			if err != nil {
				return err
			}
			return g.withApp(app.Deps{Store: store}, func(_ context.Context, a *app.App) error {
				if err := a.Engine.Verify(bp); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d instance(s), %d volume(s) verified\n",
					len(bp.Instances), len(bp.Volumes))
				return nil
			})
		},
	}
}

func newShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print recorded resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(app.Deps{}, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.State(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			})
		},
	}
}

func newPingCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that linoded is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(addr + "/ping")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "linoded HTTP address")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the provider version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "linodectl %s (%s)\n", version.Version, version.Commit)
		},
	}
}

func printReport(w io.Writer, report *engine.Report) {
	if report == nil {
		return
	}
	if len(report.Actions) == 0 {
		fmt.Fprintln(w, "nothing to do")
		return
	}
	for _, a := range report.Actions {
		line := fmt.Sprintf("%-8s %s.%s", a.Op, a.Kind, a.Name)
		if len(a.Changes) > 0 {
			line += fmt.Sprintf(" %v", a.Changes)
		}
		if a.Err != nil {
			line += " FAILED: " + a.Err.Error()
		} else if a.Op != engine.OpUnchanged {
			line += fmt.Sprintf(" (%s)", a.Duration.Round(time.Millisecond))
		}
		fmt.Fprintln(w, line)
		if a.Note != "" {
			fmt.Fprintln(w, "         note: "+a.Note)
		}
	}
}
