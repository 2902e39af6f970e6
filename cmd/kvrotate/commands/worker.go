package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/kvrotate/internal/config"
	"github.com/systmms/kvrotate/internal/logging"
	"github.com/systmms/kvrotate/internal/metrics"
	"github.com/systmms/kvrotate/internal/queue"
	"github.com/systmms/kvrotate/internal/rotation"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// NewWorkerCommand creates the worker command
func NewWorkerCommand(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume SecretNearExpiry notifications from the storage queue",
		Long: `Polls the configured storage queue and rotates each secret it is notified
about. Messages that keep failing are moved to the <queue>-poison queue. Runs
until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.Load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := cfg.ValidateWorker(); err != nil {
				return err
			}
			return runWorker(cmd.Context(), opts, cfg, logger)
		},
	}
}

func runWorker(ctx context.Context, opts *GlobalOptions, cfg *config.Config, logger *logging.Logger) error {
	svc, err := opts.services(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	clients, err := openQueue(cfg.Queue, svc)
	if err != nil {
		return err
	}
	if err := clients.EnsurePoisonQueue(ctx); err != nil {
		logger.Warn("could not create poison queue", zap.Error(err))
	}

	server := metrics.NewServer(cfg.Metrics, logger)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = server.Stop(stopCtx)
	}()

	listener := queue.NewListener(clients.Messages, clients.Poison,
		pipelineHandler(svc.Pipeline), cfg.Queue.ListenerOptions(),
		logger.With(zap.String("queue", cfg.Queue.Name)))

	server.SetReady(true)
	defer server.SetReady(false)
	return listener.Run(ctx)
}

func openQueue(cfg config.QueueConfig, svc *Services) (*queue.Clients, error) {
	if cfg.ConnectionString != "" {
		return queue.NewClients(cfg.ConnectionString, cfg.Name, nil)
	}
	return queue.NewClientsWithCredential(cfg.ServiceURL, cfg.Name, svc.Credential, nil)
}

// pipelineHandler adapts the pipeline to the queue; skipped notifications
// count as handled.
func pipelineHandler(p *rotation.Pipeline) queue.Handler {
	return func(ctx context.Context, body []byte) error {
		_, err := p.Handle(ctx, body)
		return err
	}
}
