package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qtrain/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "qtrain",
		Usage: "Fake-quantization-aware training for ResNet-18",
		Flags: append(loggingFlags(), configFlag()),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile, cmd.IsSet("config"))
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			log, err := setupLogging(cmd, cfg)
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			trainCmd(),
			evalCmd(),
			quantizeCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cli.Command, cfg Config) (logger.Logger, error) {
	level, format := logLevel, logFormat
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		format = cfg.LogFormat
	}
	if debug {
		level = "debug"
	}
	return logger.Setup(os.Stderr, format, level)
}
