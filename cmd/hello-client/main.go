// hello-client sends the hello service one request every interval and logs
// each outcome as it arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"hello-connect/client"
	"hello-connect/codec"
	"hello-connect/config"
	"hello-connect/credential"
	"hello-connect/hello"
	"hello-connect/loadbalance"
	"hello-connect/logger"
	"hello-connect/middleware"
	"hello-connect/poller"
	"hello-connect/registry"
	"hello-connect/resolver"
)

const drainTimeout = 2 * time.Second

func clientCommand(c *cli.Context) (err error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if text := c.Args().First(); text != "" {
		cfg.Text = text
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	token := loadToken(cfg, log)

	reg, err := newRegistry(cfg, token, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	balancer, err := loadbalance.New(cfg.Resolver.Balancer)
	if err != nil {
		return err
	}
	dc, err := resolver.NewDiscoveryConsumer(resolver.Options{
		Token:        token,
		Registry:     reg,
		Balancer:     balancer,
		VersionRange: cfg.Resolver.VersionRange,
		CacheSize:    cfg.Resolver.CacheSize,
		Logger:       log.Named("resolver"),
	})
	if err != nil {
		return err
	}
	defer dc.Close()

	ct, err := codec.ParseCodecType(cfg.Client.Codec)
	if err != nil {
		return err
	}
	mws := []middleware.Middleware{middleware.LoggingMiddleware(log.Named("rpc"))}
	if cfg.Client.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Client.Retries, cfg.Client.RetryBackoff, middleware.TransientFailure, log.Named("retry")))
	}
	if cfg.Client.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Client.RateLimit, cfg.Client.RateBurst))
	}
	rpc, err := client.NewClient(cfg.Service,
		client.WithCodec(ct),
		client.WithPoolSize(cfg.Client.PoolSize),
		client.WithCallTimeout(cfg.Client.CallTimeout),
		client.WithMiddleware(mws...),
		client.WithLogger(log.Named("client")),
	)
	if err != nil {
		return err
	}
	defer rpc.Close()
	rpc.SetResolver(dc)

	p := poller.New(hello.NewClient(rpc).WithMethod(cfg.Method),
		poller.WithInterval(cfg.Interval),
		poller.WithPayload(poller.Constant(cfg.Text)),
		poller.WithLogger(log),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := p.Run(ctx); err != nil {
		return err
	}

	// fail what is still pending so every request gets its completion line
	// before the logger is synced
	rpc.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := p.Drain(drainCtx); err != nil {
		log.Warn("completion handlers still running", zap.Int64("outstanding", p.Outstanding()))
	}
	return nil
}

// loadToken reads the service token. A missing token is not fatal: discovery
// proceeds unauthenticated.
func loadToken(cfg *config.Config, log *zap.Logger) credential.Token {
	token, err := credential.ServiceToken(cfg.Credentials.Path, cfg.Service)
	if err != nil {
		log.Warn("no service token, discovery is unauthenticated", zap.String("service", cfg.Service), zap.Error(err))
		return ""
	}
	return token
}

func newRegistry(cfg *config.Config, token credential.Token, log *zap.Logger) (registry.Registry, error) {
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(registry.EtcdOptions{
			Endpoints:   cfg.Registry.Endpoints,
			Prefix:      cfg.Registry.Prefix,
			DialTimeout: cfg.Registry.DialTimeout,
			Token:       string(token),
			Logger:      log.Named("registry"),
		})
		if err != nil {
			return nil, err
		}
		return reg, nil
	}
	log.Info("using static providers", zap.Int("count", len(cfg.Resolver.Static)))
	if len(cfg.Resolver.Static) == 0 {
		return nil, errors.New("no registry endpoints and no static providers configured")
	}
	reg := registry.NewMemoryRegistry()
	for _, inst := range cfg.Resolver.Static {
		if err := reg.Register(context.Background(), cfg.Service, inst, cfg.Registry.TTL); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "hello-client"
	app.Usage = "poll the hello service"
	app.ArgsUsage = "[TEXT]"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML configuration `FILE`",
		},
	}
	app.Action = clientCommand
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
