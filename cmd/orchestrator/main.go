package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/FayzaCH/fog-server/internal/bootstrap"
	"github.com/FayzaCH/fog-server/internal/config"
	"github.com/FayzaCH/fog-server/internal/observability"
)

func main() {
	confPath := flag.String("conf", "conf.yml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}

	shutdownTracing, err := observability.InitTracingFromEnv("fog-orchestrator")
	if err != nil {
		logrus.WithError(err).Warn("tracing disabled")
	}

	orch, err := bootstrap.NewOrchestrator(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("bootstrap orchestrator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go orch.Engine.Run(ctx)
	go func() {
		if err := orch.Listener.Run(ctx); err != nil {
			logrus.WithError(err).Error("protocol listener failed")
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Orchestrator.APIAddr,
		Handler: orch.Server.Handler(),
	}
	go func() {
		logrus.WithField("addr", cfg.Orchestrator.APIAddr).Info("orchestrator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown")
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("tracing shutdown")
		}
	}
	os.Exit(0)
}
