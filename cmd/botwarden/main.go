package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	PidFile string
	Once    bool
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	APIUrl     string
	APITimeout string
	Worker     string
	JSON       bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, &RunFlags{}),
		createCheckCommand(globalFlags),
		createStatusCommand(&StatusFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botwarden",
		Short: "Trading bot fleet supervisor",
		Long: `Botwarden keeps a fleet of python trading bots alive, one tmux session
per bot, restarting them by policy and recovering their database.

Examples:
  botwarden run --config /etc/botwarden.toml
  botwarden run --once                      # single cycle, then exit
  botwarden check                           # validate the fleet files
  botwarden status --api-url=http://127.0.0.1:8080`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
