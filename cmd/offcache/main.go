package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offcache/internal/offcache"
)

func main() {
	env, err := offcache.ParseEnv()
	if err != nil {
		log.Fatalf("parse env: %v", err)
	}

	var configPath string
	flag.StringVar(&configPath, "config", env.ConfigPath, "path to offcache.yaml")
	flag.Parse()

	logger := offcache.SetupLogging(env.LogLevel)

	cfg, err := offcache.LoadConfig(configPath, env)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	svc, err := offcache.NewService(cfg, logger)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	svc.Deploy(cfg)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP rereads the policy file and deploys it as a new worker
	// generation alongside the one currently serving.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			next, err := offcache.LoadConfig(configPath, env)
			if err != nil {
				logger.Error("reload config failed", "error", err)
				continue
			}
			logger.Info("deploying worker", "version", next.Version)
			svc.Deploy(next)
		}
	}()

	go func() {
		logger.Info("offcache listening", "addr", addr, "origin", cfg.Server.Origin, "version", cfg.Version)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
