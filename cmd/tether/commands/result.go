package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farhan-ahmed1/tether/internal/printer"
	"github.com/farhan-ahmed1/tether/internal/task"
)

func newResultCmd(g *globalOptions) *cobra.Command {
	var (
		flags  clientFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "result TASK_ID",
		Short: "Show a task's status and records",
		Long: `Show a task's status and, once it is done, its records.

Output Formats:
  jsonl - one record per line, ready for jq (default)
  json  - the full server response`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "jsonl" && output != "json" {
				return printer.Error("Invalid output format",
					fmt.Sprintf("%q is not supported.", output),
					[]string{"Use --output jsonl or --output json"})
			}

			c, server, err := flags.newClient(cmd, g.cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Result(cmd.Context(), args[0])
			if err != nil {
				return requestError(err, server)
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			switch res.Task.Status {
			case task.StatusDone:
				data, err := task.EncodeJSONL(res.Results)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			case task.StatusFailed:
				msg := ""
				if res.Task.Error != nil {
					msg = *res.Task.Error
				}
				printer.Warning("Task %s failed: %s\n", res.Task.ID, msg)
			default:
				printer.Warning("Task %s is %s, no results yet\n", res.Task.ID, res.Task.Status)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "jsonl", "Output format: jsonl or json")
	return cmd
}
