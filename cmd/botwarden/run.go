package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/botwarden"
	"github.com/loykin/botwarden/internal/logger"
)

func createRunCommand(global *GlobalFlags, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the fleet until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd.Context(), global.ConfigPath, flags)
		},
	}
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the supervisor PID to this file")
	cmd.Flags().BoolVar(&flags.Once, "once", false, "run a single cycle, print its report and exit")
	return cmd
}

func runSupervisor(parent context.Context, configPath string, flags *RunFlags) error {
	settings, err := botwarden.LoadSettings(configPath)
	if err != nil {
		return err
	}
	log, closer, err := logger.New(settings.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.PidFile != "" {
		if err := acquirePidFile(flags.PidFile); err != nil {
			return err
		}
		defer func() {
			if err := removePidFile(flags.PidFile); err != nil {
				slog.Warn("remove pidfile", "path", flags.PidFile, "error", err)
			}
		}()
	}

	app, err := botwarden.New(ctx, settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Warn("close", "error", err)
		}
	}()

	if flags.Once {
		rep := app.RunOnce(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
		if rep.Error != "" {
			return fmt.Errorf("cycle failed: %s", rep.Error)
		}
		return nil
	}
	return app.Run(ctx)
}
