package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/systmms/kvrotate/internal/config"
	"github.com/systmms/kvrotate/internal/devops"
	"github.com/systmms/kvrotate/internal/directory"
	"github.com/systmms/kvrotate/internal/identity"
	"github.com/systmms/kvrotate/internal/lease"
	"github.com/systmms/kvrotate/internal/logging"
	"github.com/systmms/kvrotate/internal/notifications"
	"github.com/systmms/kvrotate/internal/rotation"
	"github.com/systmms/kvrotate/internal/vault"
	"go.uber.org/zap"
)

// Services is everything a command needs to rotate secrets.
type Services struct {
	Pipeline   *rotation.Pipeline
	Credential azcore.TokenCredential

	closers []func() error
}

// Close releases connections and flushes pending notifications.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildServices wires the credential chain, the three remote systems, the
// lease and notifications into a rotation pipeline.
func BuildServices(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Services, error) {
	chain := identity.Resolve(cfg.Identity.ManagedIdentityClientID)
	logger.Debug("credential chain", zap.Stringer("chain", chain))

	graph, err := directory.NewClient(chain, &directory.ClientOptions{
		Endpoint: cfg.Directory.Endpoint,
		Scope:    cfg.Directory.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("create directory client: %w", err)
	}

	svc := &Services{Credential: chain}

	locker, err := buildLocker(cfg.Lease, svc)
	if err != nil {
		return nil, err
	}

	providers, err := notifications.BuildProviders(ctx, cfg.Notifications.Webhooks)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}

	opts := []rotation.Option{
		rotation.WithLocker(locker),
		rotation.WithLogger(logger),
		rotation.WithCommitTimeout(cfg.Queue.VisibilityTimeout),
	}
	if len(providers) > 0 {
		mgr := notifications.NewManager(cfg.Notifications.QueueSize, logger)
		for _, p := range providers {
			mgr.RegisterProvider(p)
		}
		mgr.Start(context.WithoutCancel(ctx))
		svc.closers = append(svc.closers, func() error { mgr.Stop(); return nil })
		opts = append(opts, rotation.WithNotifier(mgr))
		logger.Info("notifications enabled", zap.Int("webhooks", len(providers)))
	}

	svc.Pipeline = rotation.NewPipeline(
		vault.NewOpener(chain, cfg.Vault.DNSSuffix, nil),
		directory.NewRotator(graph, logger),
		devops.NewUpdater(chain, devops.WithScope(cfg.DevOps.Scope), devops.WithLogger(logger)),
		opts...,
	)
	return svc, nil
}

func buildLocker(cfg config.LeaseConfig, svc *Services) (lease.Locker, error) {
	if !strings.EqualFold(cfg.Backend, "redis") {
		return lease.NewLocalLocker(cfg.WaitTimeout), nil
	}
	client, err := lease.Connect(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, client.Close)
	return lease.NewRedisLocker(client, lease.RedisOptions{
		TTL:          cfg.TTL,
		WaitTimeout:  cfg.WaitTimeout,
		PollInterval: cfg.PollInterval,
	}), nil
}
