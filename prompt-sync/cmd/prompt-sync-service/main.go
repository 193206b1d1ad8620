package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/app"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/config"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/processor"
)

func main() {
	runProcessor := flag.Bool("run-processor", false, "start the background queue processor")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	lg, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer lg.Sync()

	if cfg.IsProduction() && cfg.Auth.Disabled {
		lg.Fatal("PROMPT_SYNC_AUTH_DISABLED=true is forbidden in production")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup failed", "error", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.Server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerDone := make(chan struct{})
	if *runProcessor || cfg.RunProcessor {
		lg.Info("starting queue processor")
		go func() {
			defer close(workerDone)
			processor.RunWorker(ctx, a.Processor, app.WorkerConfig(cfg.Processor))
		}()
	} else {
		close(workerDone)
	}

	go func() {
		lg.Info("prompt-sync service listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("http server error", "error", err)
		}
	}()

	waitForShutdown(cancel, httpServer, lg)
	<-workerDone

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := a.Close(closeCtx); err != nil {
		lg.Warn("shutdown cleanup", "error", err)
	}
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, lg *logger.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		lg.Error("graceful shutdown failed", "error", err)
	}
}
