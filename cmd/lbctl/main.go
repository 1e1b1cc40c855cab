package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/lbctl/pkg/config"
	"github.com/cuemby/lbctl/pkg/log"
	"github.com/cuemby/lbctl/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// defaultConfigFile is read when --config is not given and the file exists
const defaultConfigFile = "/etc/lbctl/lbctl.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions holds the persistent flags
type globalOptions struct {
	configFile      string
	logLevel        string
	logJSON         bool
	metricsTextfile string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "lbctl",
		Short: "lbctl - fragment-based HAProxy configuration and certificate management",
		Long: `lbctl manages the configuration of an HAProxy host.

Clients register routing fragments (backend definitions plus domain to
backend mappings) with "lbctl apply". A long-running "lbctl watch" notices
changes to fragments and certificates and raises a reload marker, which a
periodic "lbctl reload" turns into a single validated proxy reload.
"lbctl certs reconcile" keeps a certificate for every mapped domain.`,
		Version: Version,
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lbctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Config file (default "+defaultConfigFile+" if present)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logJSON, "log-json", false, "Log in JSON format")
	flags.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "Write metrics to this file on exit (node_exporter textfile collector)")

	rootCmd.AddCommand(newApplyCmd(opts))
	rootCmd.AddCommand(newRemoveCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newReloadCmd(opts))
	rootCmd.AddCommand(newCertsCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// load reads the configuration and sets up logging
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, error) {
	path := o.configFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = o.logJSON
	}
	log.Init(log.Config{
		Level:      log.Level(strings.ToLower(cfg.Log.Level)),
		JSONOutput: cfg.Log.JSON,
		Output:     cmd.ErrOrStderr(),
	})

	return cfg, nil
}

// run wraps a command body with configuration loading and the metrics
// textfile, which is written whether or not the command succeeded
func (o *globalOptions) run(fn func(cmd *cobra.Command, args []string, cfg *config.Config) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := o.load(cmd)
		if err != nil {
			return err
		}

		err = fn(cmd, args, cfg)

		if o.metricsTextfile != "" {
			if werr := metrics.WriteTextfile(o.metricsTextfile); werr != nil {
				log.Logger.Warn().Err(werr).Str("path", o.metricsTextfile).Msg("Failed to write metrics textfile")
			}
		}
		return err
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lbctl version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		},
	}
}
