package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgemesh/coordinator/config"
	"github.com/edgemesh/coordinator/eventbus"
	"github.com/edgemesh/coordinator/ingest"
	"github.com/edgemesh/coordinator/middleware"
	"github.com/edgemesh/coordinator/monitors"
	"github.com/edgemesh/coordinator/repository"
	"github.com/edgemesh/coordinator/store"
)

func main() {
	cfg := config.Load()

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("failed to open store at %s: %v", cfg.StorePath, err)
	}
	defer db.Close()
	log.Printf("store opened at %s", cfg.StorePath)

	bus := eventbus.New(0)
	repo := repository.New(db, bus, cfg.NodeStaleDuration(), cfg.TaskLeaseDuration())
	svc := ingest.New(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	staleScan := monitors.NewStaleScan(repo, cfg.StaleScanPeriod, nil)
	leaseScan := monitors.NewLeaseScan(repo, cfg.LeaseScanPeriod, nil)
	staleScan.Start(ctx)
	leaseScan.Start(ctx)
	defer staleScan.Stop()
	defer leaseScan.Stop()

	api := NewAPI(repo, svc, bus, cfg.NodeStaleDuration())
	router := api.Router(cfg.SharedSecret)
	handler := middleware.CORS(router)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	go func() {
		log.Printf("edgemesh coordinator listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
