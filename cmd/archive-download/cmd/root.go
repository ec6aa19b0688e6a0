package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-archive-download/internal/api"
	"go-archive-download/internal/config"
	"go-archive-download/internal/models"
)

// cfgFile holds the path to the config file specified by the user.
var cfgFile string

// Persistent flag values; applied over the loaded config in
// loadGlobalConfig when explicitly set.
var (
	logApiFlag      bool
	savePathFlag    string
	concurrencyFlag int
	apiDelayFlag    int
	apiTimeoutFlag  int
	verboseFlag     bool
)

// globalConfig holds the loaded configuration, available to every
// subcommand after PersistentPreRunE.
var globalConfig models.Config

// globalHttpTransport is the shared HTTP transport, wrapped with
// request logging when enabled.
var globalHttpTransport http.RoundTripper

var rootCmd = &cobra.Command{
	Use:   "archive-download",
	Short: "A download manager for Internet Archive items",
	Long: `archive-download queues, schedules and resumes file downloads from
archive.org items, keeping a local cache of item metadata and a
searchable index of everything it has seen.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute runs the root command. Called once from main, which also
// takes care of flushing any open logging transports on exit.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&savePathFlag, "save-path", "", "Directory to save downloads (overrides config)")
	rootCmd.PersistentFlags().IntVar(&concurrencyFlag, "concurrency", -1, "Worker pool size (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().IntVar(&apiDelayFlag, "api-delay", -1, "Delay between API calls in ms (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
}

// loadGlobalConfig loads the configuration, applies flag overrides and
// prepares the shared HTTP transport. Runs before every subcommand.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	var err error
	globalConfig, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if cmd.Flags().Changed("save-path") {
		if savePathFlag != "" {
			globalConfig.SavePath = savePathFlag
		} else {
			log.Warn("--save-path flag provided but value is empty, ignoring.")
		}
	}
	if cmd.Flags().Changed("concurrency") && concurrencyFlag > 0 {
		globalConfig.Concurrency = concurrencyFlag
	}
	if cmd.Flags().Changed("api-delay") && apiDelayFlag >= 0 {
		globalConfig.ApiDelayMs = apiDelayFlag
	}
	if cmd.Flags().Changed("api-timeout") && apiTimeoutFlag > 0 {
		globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
	}

	baseTransport := http.DefaultTransport
	globalHttpTransport = baseTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if globalConfig.SavePath != "" {
			if _, statErr := os.Stat(globalConfig.SavePath); statErr == nil {
				logFilePath = filepath.Join(globalConfig.SavePath, logFilePath)
			} else {
				log.Warnf("SavePath %q not found, saving api.log to current directory.", globalConfig.SavePath)
			}
		}
		log.Infof("API logging to file: %s", logFilePath)

		loggingTransport, err := api.NewLoggingTransport(baseTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}

	return nil
}

// newHttpClient builds the API HTTP client from the global config. Not
// for file transfers: its overall timeout would cut off long bodies.
func newHttpClient() *http.Client {
	return &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
	}
}
