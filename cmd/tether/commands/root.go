package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farhan-ahmed1/tether/internal/config"
	"github.com/farhan-ahmed1/tether/internal/logger"
	"github.com/farhan-ahmed1/tether/internal/printer"
)

var versionString = "dev"

// globalOptions holds persistent flags and the resolved configuration
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
}

// NewRootCmd builds the full command tree
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "tether",
		Short: "tether - remote task registry with pull-based workers",
		Long: `tether hands query tasks from a central server to remote workers.

The server keeps every task in memory, admits them through a FIFO queue
(in memory or a Redis list), and collects results. Workers poll the
server, run a local program per task, and post the records back.`,
		Version: versionString,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(
		newServerCmd(g),
		newWorkerCmd(g),
		newEnqueueCmd(g),
		newStatusCmd(g),
		newResultCmd(g),
	)
	return root
}

// load resolves configuration: defaults, then the file, then flags
func (g *globalOptions) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return printer.ErrorWithContext("Invalid configuration", err.Error(),
				map[string]string{"File": g.configPath}, nil)
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = g.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = g.logFormat
	}
	if !logger.ValidLevel(cfg.Logging.Level) {
		return printer.Error("Invalid log level",
			fmt.Sprintf("%q is not a log level.", cfg.Logging.Level),
			[]string{"Use one of: debug, info, warn, error"})
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format, "tether")
	g.cfg = cfg
	return nil
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
