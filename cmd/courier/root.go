package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	configFilenameFlag string
	logFilenameFlag    string
	cacheDirFlag       string
	verbosityDebugFlag bool
	verbosityTraceFlag bool

	config Config
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "HTTP/1.1 client with connection pooling, authentication and a disk cache",
	Long: `courier fetches HTTP resources over pooled keep-alive connections.
It answers Basic and Digest challenges, follows redirects, can tunnel through
HTTP and SOCKS proxies and keeps cacheable responses in a local disk cache.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		var err error
		config, err = loadConfig(configFilenameFlag)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cacheDirFlag != "" {
			config.CacheDir = cacheDirFlag
		}
		return nil
	},
}

func Execute() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFilenameFlag, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stderr)")
	rootCmd.PersistentFlags().StringVar(&cacheDirFlag, "cache-dir", "", "Cache directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbosityDebugFlag, "verbose", "v", false, "Verbosity: debug logging")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(cacheCmd)
}

func setupLogging() {
	logLevel := zerolog.InfoLevel
	if verbosityDebugFlag {
		logLevel = zerolog.DebugLevel
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// log to stderr so that stdout carries only the body
	// also output to a rotated logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if logFilenameFlag != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   logFilenameFlag,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}
