package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/botwarden"
)

func createCheckCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and the fleet files",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := botwarden.LoadSettings(global.ConfigPath)
			if err != nil {
				return err
			}
			return checkFleet(cmd.OutOrStdout(), settings)
		},
	}
}

func checkFleet(out io.Writer, settings *botwarden.Settings) error {
	fleet, lineErrs, err := botwarden.LoadFleet(settings)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "mode: %s (%s)\n", fleet.Mode, fleet.Source)
	_, _ = fmt.Fprintf(out, "database monitoring: %t\n", fleet.MonitorDependency)
	_, _ = fmt.Fprintf(out, "workers: %d\n", len(fleet.Workers))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, w := range fleet.Workers {
		exempt := ""
		if w.Exempt {
			exempt = "exempt"
		}
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\n", w.Path, w.Describe(), exempt)
	}
	_ = tw.Flush()

	if len(lineErrs) == 0 {
		return nil
	}
	for _, le := range lineErrs {
		_, _ = fmt.Fprintf(out, "invalid: %s\n", le.Error())
	}
	return fmt.Errorf("%d invalid fleet line(s)", len(lineErrs))
}
