package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// cliOptions is the command-line surface. Every option falls back to a
// FEEDERCORE_* environment variable so containers need no arguments.
type cliOptions struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *cliOptions {
	opts := &cliOptions{}

	defaultConfig := envOr("FEEDERCORE_CONFIG", "configs/feedercore.json")
	flag.StringVar(&opts.ConfigPath, "config", defaultConfig, "configuration file (env: FEEDERCORE_CONFIG)")
	flag.StringVar(&opts.ConfigPath, "c", defaultConfig, "configuration file (shorthand)")

	flag.StringVar(&opts.LogLevel, "log-level",
		envOr("FEEDERCORE_LOG_LEVEL", "info"),
		"debug, info, warn or error (env: FEEDERCORE_LOG_LEVEL)")
	flag.StringVar(&opts.LogFormat, "log-format",
		envOr("FEEDERCORE_LOG_FORMAT", "json"),
		"json or text (env: FEEDERCORE_LOG_FORMAT)")
	flag.BoolVar(&opts.Debug, "debug",
		envOrBool("FEEDERCORE_DEBUG", false),
		"force debug log level (env: FEEDERCORE_DEBUG)")

	flag.BoolVar(&opts.ShowVersion, "version", false, "print version and exit")
	flag.BoolVar(&opts.ShowVersion, "v", false, "print version and exit (shorthand)")
	flag.BoolVar(&opts.ShowHelp, "help", false, "print usage and exit")
	flag.BoolVar(&opts.ShowHelp, "h", false, "print usage and exit (shorthand)")
	flag.BoolVar(&opts.Validate, "validate", false, "check the configuration file and exit")

	flag.Usage = printUsage
	flag.Parse()

	if opts.Debug {
		opts.LogLevel = "debug"
	}
	return opts
}

func validateFlags(opts *cliOptions) error {
	if opts.ShowVersion || opts.ShowHelp {
		return nil
	}

	if _, err := os.Stat(opts.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", opts.ConfigPath)
	}

	switch opts.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", opts.LogLevel)
	}

	switch opts.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", opts.LogFormat)
	}

	return nil
}

func printUsage() {
	prog := os.Args[0]
	_, _ = fmt.Fprintf(os.Stderr, `%s - pet feeder telemetry core

Usage: %s [options]

Options:
`, appName, prog)
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  %s --config=/etc/feedercore/config.json
  %s --log-level=debug --log-format=text
  %s --validate

  FEEDERCORE_CONFIG=/etc/feedercore/config.json %s

Version: %s (built %s)
`, prog, prog, prog, prog, Version, BuildTime)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
