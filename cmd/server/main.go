package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/phaseboard/notify/internal/config"
	"github.com/phaseboard/notify/internal/demo"
	"github.com/phaseboard/notify/internal/event"
	"github.com/phaseboard/notify/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	demoMode := flag.Bool("demo", false, "Emit synthetic events instead of waiting for a real source")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	bus := event.NewBus()
	registry := ws.NewRegistry(cfg.Protocol.PingInterval, cfg.Protocol.PongTimeout, cfg.Server.MaxConnections)
	server := ws.NewServer(cfg, bus, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *demoMode {
		log.Println("Starting in demo mode (synthetic events)")
		gen := demo.NewGenerator(bus, 0)
		gen.Start(ctx)
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		server.Shutdown()
		os.Exit(0)
	}()

	log.Printf("Listening on %s:%d (ws path %s)", cfg.Server.Host, cfg.Server.Port, cfg.Server.Path)
	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
