package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ericselin/offline-cache/cache"
	"github.com/ericselin/offline-cache/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	addrFlag           string
	hostFlag           string
	portFlag           int
	dbFilenameFlag     string
	verbosityDebugFlag bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "offline-cache",
	Short: "Offline caching proxy",
	Long: "Serves an origin through versioned response stores so that its pages and API keep\n" +
		"answering when the origin cannot be reached.",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	RunE:              serve,
}

func init() {
	if version == "" {
		version = "DEV"
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFlag, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "Config file (.yaml or .toml)")
	pf.StringVar(&dbFilenameFlag, "db", "", "Store file name or directory (use 'memory' for in-memory stores)")
	pf.BoolVarP(&verbosityDebugFlag, "verbose", "v", false, "Verbosity: debug logging")
	pf.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	pf.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	pf.StringVar(&originFlag, "origin", "", "Origin URL to serve (overrides addr and host)")
	pf.StringVar(&addrFlag, "addr", "", "Origin IP address to serve")
	pf.StringVar(&hostFlag, "host", "", "Hostname of origin")
	pf.IntVar(&portFlag, "port", 0, "Port to listen on (default from config, 8080)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging sets the global logger from the verbosity flags.
func setupLogging(cmd *cobra.Command, args []string) error {
	logLevel := zerolog.InfoLevel
	if verbosityDebugFlag {
		logLevel = zerolog.DebugLevel
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

// loadConfig reads the config file and environment, then applies the command line flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		if dbFilenameFlag == "memory" {
			cfg.Store.Driver = "memory"
		} else {
			cfg.Store.Path = dbFilenameFlag
		}
	}
	if flags.Changed("port") {
		cfg.Listen = fmt.Sprintf(":%d", portFlag)
	}
	// get the origin address
	if originFlag != "" {
		cfg.Origin = originFlag
	} else if addrFlag != "" {
		cfg.Origin = "https://" + addrFlag
		cfg.Host = hostFlag
	} else if hostFlag != "" {
		cfg.Host = hostFlag
	}
	return cfg, nil
}

func openProvider(store config.Store) (cache.Provider, error) {
	switch store.Driver {
	case "memory":
		return cache.NewMemCache(), nil
	case "leveldb":
		p, err := cache.NewLevelDBCache(store.Path)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		p, err := cache.NewSQLiteCache(store.Path)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
