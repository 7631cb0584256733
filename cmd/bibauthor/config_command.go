package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:         "show",
		Short:       "Show resolved configuration and where each value came from",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			if ctx.resolved.ConfigPath == "" {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			if asJSON {
				return writeJSON(cmd, ctx.resolved)
			}

			rows := [][]string{}
			for _, e := range ctx.resolved.Entries() {
				rows = append(rows, []string{e.Key, e.Value.Value, string(e.Value.Source), orDash(e.Value.From)})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n", ctx.resolved.ConfigPath)
			fmt.Fprintln(out, renderTable([]string{"Key", "Value", "Source", "From"}, rows, nil))
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	configCmd.AddCommand(show)
	return configCmd
}
