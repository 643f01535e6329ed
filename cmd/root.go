package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/app"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/config"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/logging"
)

// newApp is the application factory. It's a variable so tests can seed the
// services a command runs against.
var newApp = app.New

// cli carries what the root command builds for its subcommands.
type cli struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
	app     *app.App
}

// newRootCmd creates and configures the root command.
func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listings",
		Short: "Discovers, extracts and enriches classified-ad listings.",
		Long: `listings walks the paginated category pages of a listings site,
extracts every discovered ad with a pool of browser sessions, and requests the
advertiser's contact numbers through the site's lead API. Progress is
checkpointed so interrupted runs resume where they stopped.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config, build the logger and
		// the application services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			c.cfg, c.logger = cfg, logger

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			c.app = a
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML); LISTINGS_* environment variables override it")

	cmd.AddCommand(newRunCmd(c))
	cmd.AddCommand(newDiscoverCmd(c))
	cmd.AddCommand(newExtractCmd(c))
	cmd.AddCommand(newEnrichCmd(c))
	cmd.AddCommand(newCheckpointCmd(c))

	return cmd
}

// close shuts the services down. Cobra skips post-run hooks when a command
// fails, so this runs after Execute instead.
func (c *cli) close() {
	if c.app != nil {
		grace := c.cfg.Shutdown.GracePeriod
		if grace <= 0 {
			grace = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := c.app.Close(ctx); err != nil {
			c.logger.Warn("error closing application services", zap.Error(err))
		}
		c.app = nil
	}
	if c.logger != nil {
		// Syncing stderr fails with EINVAL on some platforms; nothing to do about it.
		_ = c.logger.Sync()
	}
}

func (c *cli) resolveApp() (*app.App, error) {
	if c.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return c.app, nil
}

// execute runs the command tree with args and releases the services.
func execute(ctx context.Context, args []string, out io.Writer) error {
	c := &cli{}
	root := newRootCmd(c)
	if args != nil {
		root.SetArgs(args)
	}
	if out != nil {
		root.SetOut(out)
	}
	defer c.close()
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), nil, nil); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
