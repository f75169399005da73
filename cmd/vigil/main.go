// Command vigil serves the real-time video-analytics websocket endpoint.
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

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/insight"
	"vigil/internal/metrics"
	"vigil/internal/session"
)

func main() {
	configPath := flag.String("config", "vigil.yaml", "path to the YAML configuration file")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	cfg.LogEffective()

	detector := detect.NewHTTPDetector(detect.Options{
		Endpoint:        cfg.Detector.Endpoint,
		Conf:            cfg.Detector.Conf,
		TrackingEnabled: cfg.Tracking.Enabled,
		Persist:         cfg.Tracking.Persist,
		Tracker:         cfg.Tracking.Tracker,
	})

	var agent insight.AgentCaller
	if cfg.Insights.Enabled {
		agent = insight.NewAgentClient(cfg.Insights.AgentURL, session.AgentTimeout(cfg))
	}

	mux := http.NewServeMux()
	mux.Handle("/infer", session.NewHandler(cfg, detector, agent))
	mux.Handle("/health", newHealthHandler(cfg, detector))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	go func() {
		log.Printf("[Main] listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Main] server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("[Main] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[Main] shutdown: %v", err)
	}
}
