package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farhan-ahmed1/tether/internal/printer"
)

func newStatusCmd(g *globalOptions) *cobra.Command {
	var (
		flags  clientFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every task on a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "json" {
				return printer.Error("Invalid output format",
					fmt.Sprintf("%q is not supported.", output),
					[]string{"Use --output table or --output json"})
			}

			c, server, err := flags.newClient(cmd, g.cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			snap, err := c.Status(cmd.Context())
			if err != nil {
				return requestError(err, server)
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			printer.Summary(snap.Summary)
			printer.TaskTable(snap.Tasks)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	return cmd
}
