// Command snapsync runs the account range sync engine against a simulated
// network of snap peers serving a generated state.
//
// Usage:
//
//	snapsync [global flags] sim [flags]
//	snapsync [global flags] dumpconfig
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/eth2030/snapsync/log"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory of the account database (in-memory when empty)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Log level 0-5 (0=silent, 5=trace)",
		Value: 3,
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "Log format (terminal, json)",
		Value: "terminal",
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "snapsync",
		Usage:   "account range snap sync engine",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Flags:   []cli.Flag{configFlag, dataDirFlag, verbosityFlag, logFormatFlag},
		Commands: []*cli.Command{
			simCommand,
			dumpConfigCommand,
		},
	}
}

var dumpConfigCommand = &cli.Command{
	Name:  "dumpconfig",
	Usage: "Print the effective configuration as TOML",
	Action: func(c *cli.Context) error {
		cfg, err := resolveConfig(c)
		if err != nil {
			return err
		}
		return dumpConfig(c.App.Writer, cfg)
	},
}

// resolveConfig loads the config file and applies the global flags that
// were set explicitly.
func resolveConfig(c *cli.Context) (*fileConfig, error) {
	cfg, err := loadConfig(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if c.IsSet(verbosityFlag.Name) {
		cfg.Log.Verbosity = c.Int(verbosityFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.Log.Format = c.String(logFormatFlag.Name)
	}
	return cfg, nil
}

// setupLogging installs the default logger described by cfg.
func setupLogging(c *cli.Context, cfg logConfig) (*log.Logger, error) {
	level := log.VerbosityToLevel(cfg.Verbosity)
	var logger *log.Logger
	switch cfg.Format {
	case "terminal", "":
		logger = log.NewTerminal(c.App.ErrWriter, level)
	case "json":
		logger = log.NewJSON(c.App.ErrWriter, level)
	default:
		return nil, fmt.Errorf("%w: log.format %q", ErrInvalidValue, cfg.Format)
	}
	if cfg.Verbosity <= 0 {
		logger = log.Discard()
	}
	log.SetDefault(logger)
	return logger, nil
}
