// Command postoffice runs the platform's central message broker: the HTTP
// ingress with the client socket endpoint, the RabbitMQ transport, and the
// fallback sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stage7/postoffice/internal/broker"
	"github.com/stage7/postoffice/internal/client"
	"github.com/stage7/postoffice/internal/config"
	"github.com/stage7/postoffice/internal/discovery"
	"github.com/stage7/postoffice/internal/fallback"
	"github.com/stage7/postoffice/internal/health"
	"github.com/stage7/postoffice/internal/httpclient"
	"github.com/stage7/postoffice/internal/registry"
	"github.com/stage7/postoffice/internal/router"
	"github.com/stage7/postoffice/internal/server"
	"github.com/stage7/postoffice/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: "postoffice",
		Component:   "main",
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Fatal("broker exited", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	readiness := health.NewReadiness(cfg.AllowReadyWithoutQueue)

	reg := registry.New()
	var disc registry.Discovery
	if d := discovery.New(cfg.ConsulURL, log); d != nil {
		disc = d
	}
	resolver := registry.NewResolver(reg, disc, log)

	clients := client.NewRegistry(cfg.ClientQueueLimit, log)
	b := broker.New(cfg.RabbitMQURL, cfg.ComponentID, readiness, log)
	queue := fallback.NewQueue()
	poster := httpclient.New(cfg.ServiceToken, log)

	rt := router.New(cfg.ComponentID, b, clients, queue, log)
	b.SetHandler(rt)
	clients.SetHandler(rt)

	sweeper := fallback.NewSweeper(queue, readiness, resolver, poster, clients, log)
	srv := server.New(cfg.ComponentID, ":"+cfg.AppPort, readiness, reg, resolver, clients, rt, poster, log)

	// Self-registration is best effort: the broker serves traffic whether or
	// not discovery knows about it.
	go registerSelf(ctx, cfg, resolver, disc, readiness, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return b.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	return g.Wait()
}

func registerSelf(
	ctx context.Context,
	cfg *config.Config,
	resolver *registry.Resolver,
	disc registry.Discovery,
	readiness *health.Readiness,
	log *zap.Logger,
) {
	self := registry.Component{
		ID:   cfg.ComponentID,
		Type: "PostOffice",
		URL:  cfg.PostOfficeURL,
	}
	if err := resolver.Register(ctx, self); err != nil {
		log.Warn("self registration failed", zap.Error(err))
		return
	}
	if disc != nil {
		readiness.SetDiscoveryRegistered(true)
	}
	log.Info("registered self",
		zap.String("id", self.ID),
		zap.String("url", self.URL))
}
