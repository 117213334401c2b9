package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fresh-milkshake/searcher-agent/internal/app"
	"github.com/fresh-milkshake/searcher-agent/internal/config"
	"github.com/fresh-milkshake/searcher-agent/internal/logging"
)

type options struct {
	configPath string
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "searcher",
		Short:        "Long-running research agent for papers and code",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config (default $SEARCHER_AGENT_CONFIG)")

	root.AddCommand(
		newRunCommand(opts),
		newTaskCommand(opts),
		newUserCommand(opts),
	)
	return root
}

func (o *options) load() (config.Config, error) {
	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.Load(), nil
}

func (o *options) open(ctx context.Context, cmd *cobra.Command) (*app.Application, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	logger := logging.NewWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	return app.New(ctx, cfg, logger)
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent workers and notification schedulers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
