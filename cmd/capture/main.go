package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/roman-kulish/vultur/cmd/capture/app"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel}))

	var configPath string
	var simulate bool
	flag.StringVar(&configPath, "c", "", "Path to the configuration file (YAML, or the legacy config.json)")
	flag.BoolVar(&simulate, "simulate", false, "Use simulated cameras")
	flag.Parse()

	config := app.NewConfig()
	if configPath != "" {
		var err error
		if config, err = app.LoadConfig(configPath); err != nil {
			logger.Error(fmt.Sprintf("failed to load configuration file: %s", err.Error()), slog.String("path", configPath))
			os.Exit(1)
		}
	}

	if simulate {
		config.Cameras.Driver = app.DriverSim
	}

	logLevel.Set(config.Settings.Level())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := app.Run(ctx, config, logger)
	fmt.Fprintln(os.Stdout, report.String())

	if err != nil {
		logger.Error(fmt.Sprintf("acquisition aborted: %s", err.Error()))

		cancel()
		os.Exit(1)
	}
}
