package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/peerswarm/lease-coordinator/config"
)

var (
	cfgFile   string
	serverURL string
	apiKey    string
	cfg       *config.Config
	logger    *zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "swarmctl",
	Short: "swarmctl - operate a swarm lease coordinator",
	Long: `An operator tool for the swarm lease coordinator. Database commands talk to
Postgres directly; task, peer, buffer and audit commands call the coordinator's
admin API with the internal API key.`,
	SilenceUsage:      true,
	PersistentPreRunE: persistentPreRun,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "coordinator base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "internal API key (defaults to security.internal_api_key)")
}

func initConfig() {
	var err error
	cfg, err = config.Read(cfgFile)
	if err != nil {
		// token inspect works without config
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
	}
}

func persistentPreRun(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}
	logger = initLogger()

	if apiKey == "" && cfg != nil {
		apiKey = cfg.Security.InternalAPIKey
	}
	return nil
}

func initLogger() *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if cfg != nil && cfg.Logging.Level != "" {
		if parsedLevel, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			level = parsedLevel
		}
	}

	var output io.Writer
	if cfg != nil && cfg.Logging.Format == "json" {
		output = os.Stderr
	} else {
		noColor := false
		if cfg != nil {
			noColor = cfg.Logging.NoColor
		}
		output = zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor}
	}

	log := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &log
}

func requireConfig(cmd *cobra.Command) error {
	if cfg == nil {
		return fmt.Errorf("config required for %s command but not loaded", cmd.CommandPath())
	}
	return nil
}

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
