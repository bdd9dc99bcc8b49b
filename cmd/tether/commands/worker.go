package commands

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/farhan-ahmed1/tether/internal/config"
	"github.com/farhan-ahmed1/tether/internal/logger"
	"github.com/farhan-ahmed1/tether/internal/printer"
	"github.com/farhan-ahmed1/tether/internal/worker"
)

type workerOptions struct {
	clientFlags
	id           string
	concurrency  int
	pollInterval time.Duration
	execTimeout  time.Duration
}

func newWorkerCmd(g *globalOptions) *cobra.Command {
	opts := &workerOptions{}

	cmd := &cobra.Command{
		Use:   "worker [flags] -- COMMAND [ARGS...]",
		Short: "Claim tasks from a server and run a program for each",
		Long: `Claim tasks from a server and run COMMAND once per task.

COMMAND receives the task as JSON on stdin:
  {"task_id": "...", "query": "...", "top_k": 3, "proxy": null, "filter_year": null}
and writes one JSON record per line on stdout. A non-zero exit reports the
task as failed with the tail of stderr.

Examples:
  tether worker --server http://10.0.0.5:8765 --token s3cret -- python3 search.py
  tether worker --concurrency 4 --exec-timeout 5m -- ./crawl`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.cfg
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return printer.Error("Invalid worker configuration", err.Error(), nil)
			}

			command := args
			if len(command) == 0 {
				command = cfg.Worker.Command
			}
			if len(command) == 0 {
				return printer.Error("No work command",
					"The worker needs a program to run for each task.",
					[]string{
						"Pass it after --: tether worker -- python3 search.py",
						"Set worker.command in the config file",
					})
			}

			c, server, err := opts.newClient(cmd, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			w := worker.NewWorker(c, worker.CommandExec(command[0], command[1:]...), worker.Config{
				ID:           opts.id,
				Concurrency:  cfg.Worker.Concurrency,
				PollInterval: cfg.Worker.PollInterval,
				ExecTimeout:  cfg.Worker.ExecTimeout,
				BackoffMin:   cfg.Worker.BackoffMin,
				BackoffMax:   cfg.Worker.BackoffMax,
			})

			logger.Component("cli").Info("Worker connecting", logger.Fields{
				"server":  server,
				"command": strings.Join(command, " "),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.id, "id", "", "Worker id used in logs")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Tasks executed in parallel (default 1)")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 0, "Wait between polls when the queue is empty (default 3s)")
	cmd.Flags().DurationVar(&opts.execTimeout, "exec-timeout", 0, "Fail a task whose command runs longer than this")
	return cmd
}

func (o *workerOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("concurrency") {
		cfg.Worker.Concurrency = o.concurrency
	}
	if f.Changed("poll-interval") {
		cfg.Worker.PollInterval = o.pollInterval
	}
	if f.Changed("exec-timeout") {
		cfg.Worker.ExecTimeout = o.execTimeout
	}
}
