package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farhan-ahmed1/tether/internal/task"
	"github.com/farhan-ahmed1/tether/pkg/client"
)

type enqueueOptions struct {
	clientFlags
	query      string
	topK       int
	proxy      string
	filterYear int
	quiet      bool
}

func newEnqueueCmd(g *globalOptions) *cobra.Command {
	opts := &enqueueOptions{}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a query task to a server",
		Long: `Submit a query task to a server and print its id.

Examples:
  tether enqueue --query "rust ownership" --top-k 5
  ID=$(tether enqueue -q --query "go generics" --filter-year 2022)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, server, err := opts.newClient(cmd, g.cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			req := client.EnqueueRequest{Query: opts.query, TopK: opts.topK}
			if cmd.Flags().Changed("proxy") {
				req.Proxy = &opts.proxy
			}
			if cmd.Flags().Changed("filter-year") {
				req.FilterYear = &opts.filterYear
			}

			id, err := c.Enqueue(cmd.Context(), req)
			if err != nil {
				return requestError(err, server)
			}

			if opts.quiet {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Enqueued task %s\n", id)
			return nil
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.query, "query", "", "Query text (required)")
	cmd.Flags().IntVar(&opts.topK, "top-k", task.DefaultTopK, "Number of results wanted")
	cmd.Flags().StringVar(&opts.proxy, "proxy", "", "Proxy the worker should use for this task")
	cmd.Flags().IntVar(&opts.filterYear, "filter-year", 0, "Only keep results from this year")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Print only the task id")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}
