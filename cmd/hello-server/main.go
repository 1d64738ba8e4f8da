// hello-server provides the hello service and advertises it in etcd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"hello-connect/config"
	"hello-connect/credential"
	"hello-connect/hello"
	"hello-connect/logger"
	"hello-connect/middleware"
	"hello-connect/registry"
	"hello-connect/server"
)

const shutdownTimeout = 10 * time.Second

func serverCommand(c *cli.Context) (err error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	opts := []server.Option{server.WithLogger(log.Named("server"))}
	if len(cfg.Registry.Endpoints) > 0 {
		token, err := credential.ServiceToken(cfg.Credentials.Path, cfg.Service)
		if err != nil {
			log.Warn("no service token, registering unauthenticated", zap.Error(err))
		}
		reg, err := registry.NewEtcdRegistry(registry.EtcdOptions{
			Endpoints:   cfg.Registry.Endpoints,
			Prefix:      cfg.Registry.Prefix,
			DialTimeout: cfg.Registry.DialTimeout,
			Token:       string(token),
			Logger:      log.Named("registry"),
		})
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.Service, registry.ServiceInstance{
			Addr:    cfg.Server.Advertise,
			Weight:  cfg.Server.Weight,
			Version: cfg.Server.Version,
		}, cfg.Registry.TTL))
	} else {
		log.Warn("no registry endpoints, serving without advertising")
	}

	if cfg.Server.PoolSize > 0 {
		opts = append(opts, server.WithPoolSize(cfg.Server.PoolSize))
	}
	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware(log.Named("rpc")))
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if err := svr.Register(&hello.Service{}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- svr.Serve("tcp", cfg.Server.Listen) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svr.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-served
}

func main() {
	app := cli.NewApp()
	app.Name = "hello-server"
	app.Usage = "serve the hello service"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML configuration `FILE`",
		},
	}
	app.Action = serverCommand
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
