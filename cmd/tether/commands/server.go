package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/farhan-ahmed1/tether/internal/broker"
	"github.com/farhan-ahmed1/tether/internal/config"
	"github.com/farhan-ahmed1/tether/internal/logger"
	"github.com/farhan-ahmed1/tether/internal/monitoring"
	"github.com/farhan-ahmed1/tether/internal/printer"
	"github.com/farhan-ahmed1/tether/internal/queue"
	"github.com/farhan-ahmed1/tether/internal/registry"
	"github.com/farhan-ahmed1/tether/internal/storage"
)

type serverOptions struct {
	listen       string
	token        string
	queue        string
	redisHost    string
	redisPort    int
	resultsDir   string
	redisResults bool
}

func newServerCmd(g *globalOptions) *cobra.Command {
	opts := &serverOptions{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the task server",
		Long: `Run the task server: HTTP API, task registry and result sinks.

Examples:
  # In-memory queue, results written under ./results
  tether server --token s3cret --results-dir ./results

  # Admission queue and results in Redis
  tether server --queue redis --redis-host cache --redis-results`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.cfg
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return printer.Error("Invalid server configuration", err.Error(), nil)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "Listen address (default :8765)")
	cmd.Flags().StringVar(&opts.token, "token", "", "Access token required on /api/* (default TETHER_TOKEN)")
	cmd.Flags().StringVar(&opts.queue, "queue", "", "Admission queue backend: memory or redis")
	cmd.Flags().StringVar(&opts.redisHost, "redis-host", "", "Redis host (default REDIS_HOST or localhost)")
	cmd.Flags().IntVar(&opts.redisPort, "redis-port", 0, "Redis port")
	cmd.Flags().StringVar(&opts.resultsDir, "results-dir", "", "Write <task_id>.jsonl result files here")
	cmd.Flags().BoolVar(&opts.redisResults, "redis-results", false, "Also store results in Redis")
	return cmd
}

func (o *serverOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Server.ListenAddr = o.listen
	}
	if f.Changed("token") {
		cfg.Server.Token = o.token
	}
	if f.Changed("queue") {
		cfg.Queue.Backend = o.queue
	}
	if f.Changed("redis-host") {
		cfg.Redis.Host = o.redisHost
	}
	if f.Changed("redis-port") {
		cfg.Redis.Port = o.redisPort
	}
	if f.Changed("results-dir") {
		cfg.Storage.ResultsDir = o.resultsDir
	}
	if f.Changed("redis-results") {
		cfg.Storage.Redis = o.redisResults
	}
}

// server is the assembled server process
type server struct {
	broker   *broker.Broker
	registry *registry.Registry
	queue    queue.Queue
	sink     storage.Sink
	redis    *redis.Client // only set when no Redis queue owns a connection
}

// newServer wires queue, sinks, registry, metrics and broker from cfg
func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	s := &server{}

	if cfg.Queue.Backend == config.QueueRedis {
		rq, err := queue.NewRedisQueue(queue.RedisOptions{
			Addr:     cfg.Redis.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Key:      cfg.Queue.Key,
		})
		if err != nil {
			return nil, redisError(err, cfg)
		}
		s.queue = rq
	} else {
		s.queue = queue.NewMemoryQueue()
	}

	// The Redis result sink shares the queue's connection when there is one
	var resultClient *redis.Client
	if cfg.Storage.Redis {
		if rq, ok := s.queue.(*queue.RedisQueue); ok {
			resultClient = rq.Client()
		} else {
			s.redis = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.RedisAddr(),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			})
			if err := s.redis.Ping(ctx).Err(); err != nil {
				_ = s.Close()
				return nil, redisError(err, cfg)
			}
			resultClient = s.redis
		}
	}

	var sinks []storage.Sink
	if cfg.Storage.ResultsDir != "" {
		fs, err := storage.NewFileSink(cfg.Storage.ResultsDir)
		if err != nil {
			_ = s.Close()
			return nil, printer.ErrorWithContext("Cannot use results directory", err.Error(),
				map[string]string{"Directory": cfg.Storage.ResultsDir}, nil)
		}
		sinks = append(sinks, fs)
	}
	if cfg.Storage.Redis {
		sinks = append(sinks, storage.NewRedisSink(resultClient, cfg.Storage.ResultTTL))
	}
	switch len(sinks) {
	case 0:
	case 1:
		s.sink = sinks[0]
	default:
		s.sink = storage.Multi(sinks...)
	}

	s.registry = registry.New(s.queue, registry.WithLogger(logger.Component("registry")))
	s.broker = broker.NewBroker(broker.Config{
		Addr:         cfg.Server.ListenAddr,
		Registry:     s.registry,
		Sink:         s.sink,
		Token:        cfg.Server.Token,
		Metrics:      monitoring.NewMetrics(s.registry.Summary),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	return s, nil
}

// Close releases sinks, the queue and the Redis connection
func (s *server) Close() error {
	var result *multierror.Error
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close sink: %w", err))
		}
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close queue: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// runServer serves until ctx is cancelled, then shuts down gracefully
func runServer(ctx context.Context, cfg *config.Config) error {
	s, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Component("cli").Warn("Error during cleanup", logger.Fields{"error": err.Error()})
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- s.broker.Start() }()

	select {
	case err := <-errCh:
		return serveError(err, cfg)
	case <-s.broker.Ready():
	}

	select {
	case err := <-errCh:
		return serveError(err, cfg)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.broker.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func serveError(err error, cfg *config.Config) error {
	if err == nil {
		return nil
	}
	return printer.ErrorWithContext("Server failed", err.Error(),
		map[string]string{"Listen": cfg.Server.ListenAddr}, nil)
}

func redisError(err error, cfg *config.Config) error {
	return printer.ErrorWithContext("Redis unreachable", err.Error(),
		map[string]string{"Address": cfg.Redis.RedisAddr()},
		[]string{"Start Redis or use --queue memory without --redis-results"})
}
