package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/desensitizer/internal/app"
	"github.com/raaihank/desensitizer/internal/config"
	"github.com/raaihank/desensitizer/internal/logger"
	"github.com/raaihank/desensitizer/internal/privacy"
)

// Version info injected via ldflags at build time
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// resolvedVersion returns Version unless it is "dev" and the build info
// carries a real module version
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// noConfig marks commands that run without loading configuration
const noConfig = "no-config"

// cli carries the state shared by every subcommand
type cli struct {
	configPath string
	logLevel   string
	strategy   string
	detectors  string
	types      []string

	cfg      *config.Config
	log      *logger.Logger
	services *app.Services
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "desensitize",
		Short: "Detect and mask personal information in Chinese text",
		Long: `desensitize finds personal information in Chinese text and masks it.

Names, places, organizations and times come from an NER model; phone
numbers, emails, ID cards and bank cards come from pattern rules. Each
entity is masked with one of four strategies: partial, full, hash or
placeholder.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "configuration file (default: ./config.yaml or ~/.desensitizer/config.yaml)")
	flags.StringVar(&c.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVarP(&c.strategy, "strategy", "s", "", "masking strategy: partial, full, hash or placeholder")
	flags.StringVarP(&c.detectors, "detectors", "d", "", "detectors to run: pattern, model or both")
	flags.StringSliceVarP(&c.types, "types", "t", nil, "entity types to mask, by name or label (default: all)")

	root.AddCommand(
		newTextCmd(c),
		newFileCmd(c),
		newBatchCmd(c),
		newTypesCmd(),
		newStrategiesCmd(),
		newModelCmd(c),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration and applies flag overrides. Services are
// built on demand by the commands that need them.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if _, ok := cmd.Annotations[noConfig]; ok {
		return nil
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("strategy") {
		cfg.Desensitize.Strategy = c.strategy
	}
	if flags.Changed("detectors") {
		cfg.Desensitize.Detectors = c.detectors
	}
	if flags.Changed("types") {
		cfg.Desensitize.EntityTypes = c.types
	}
	cfg.Logging.Level = c.logLevel
	cfg.Logging.Format = "console"
	cfg.Logging.File.Enabled = false

	log, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	c.cfg = cfg
	c.log = log
	return nil
}

func (c *cli) teardown(_ *cobra.Command, _ []string) error {
	if c.services != nil {
		if err := c.services.Close(); err != nil {
			c.log.Warn("Failed to close services", zap.Error(err))
		}
		c.services = nil
	}
	if c.log != nil {
		_ = c.log.Sync()
	}
	return nil
}

// build returns the pipeline services, creating them on first use
func (c *cli) build() (*app.Services, error) {
	if c.services != nil {
		return c.services, nil
	}
	s, err := app.Build(c.cfg, c.log, app.Options{WithAudit: true})
	if err != nil {
		return nil, err
	}
	c.services = s
	return s, nil
}

// options resolves the desensitize options from config and flags
func (c *cli) options() (privacy.Options, error) {
	return c.cfg.Desensitize.Options()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{noConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "desensitize %s\n", resolvedVersion())
			fmt.Fprintf(out, "Commit: %s\n", Commit)
			fmt.Fprintf(out, "Built:  %s\n", BuildDate)
			fmt.Fprintf(out, "Go:     %s\n", runtime.Version())
			return nil
		},
	}
}
