package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/trctl/trmv/pkg/color"
	"github.com/trctl/trmv/pkg/config"
	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/logging"
	"github.com/trctl/trmv/pkg/metrics"
)

var (
	jsonOutput bool
	noColor    bool
	configPath string
	logLevel   string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "trmv",
		Short: "trmv - crash-safe relocation of completed torrent payloads",
		Long: `trmv moves the payload of a completed torrent from its download
directory to a destination directory without ever leaving a partial copy
under the final name. It serializes moves per physical device, refuses
transfers that would eat into the destination's free-space margin, and
points the torrent daemon at the new location once the data is durable.

It is usually run by the daemon's completion hook ("trmv job"), or by an
operator for torrents already seeded from elsewhere ("trmv mv").`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $TR_CONFIG_PATH or "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func setup(cmd *cobra.Command, args []string) error {
	color.Init(noColor)

	c, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	cfg = c

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if os.Getenv("TRMV_DEBUG") != "" {
		level = string(logging.LevelDebug)
	}
	lv, err := logging.ParseLevel(level)
	if err != nil {
		return errclass.ErrConfigInvalid.WithMessage(err.Error())
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return errclass.ErrConfigInvalid.WithMessage(err.Error())
	}
	logger := logging.NewLogger(lv)
	logger.SetFormat(format)
	logging.SetGlobal(logger)

	metrics.Init()
	return nil
}

// flushMetrics writes the registry to the configured textfile.
func flushMetrics() {
	if cfg == nil || cfg.Metrics.Textfile == "" || !metrics.Enabled() {
		return
	}
	if err := metrics.Default().WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logging.Warn("metrics textfile not written", map[string]any{"error": err.Error()})
	}
}

// Execute runs the root command and exits with the code of its error class.
func Execute() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	flushMetrics()
	if err == nil {
		return errclass.ExitOK
	}
	var reported *reportedError
	if !errors.As(err, &reported) {
		fmtErr("%v", err)
	}
	return errclass.ExitCode(err)
}
