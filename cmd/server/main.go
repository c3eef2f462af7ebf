package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deeprag/internal/api"
	"deeprag/internal/app/bootstrap"
	"deeprag/internal/platform/config"
	applog "deeprag/internal/platform/log"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "deeprag-server",
	})
	defer applog.Sync()

	app, err := bootstrap.Build(context.Background(), cfg, version)
	if err != nil {
		applog.Fatalf("❌ Failed to build application: %v", err)
	}
	defer app.Close()

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.RunTimeout = time.Duration(cfg.Server.RunTimeoutSeconds) * time.Second

	var researcher api.Researcher
	if app.Orchestrator != nil {
		researcher = app.Orchestrator
	}
	server := api.NewServer(serverConfig, researcher)
	server.SetHealth(app.Health)
	if app.Runs != nil {
		server.SetRunStore(app.Runs)
	}
	if app.Registry != nil {
		server.SetMetrics(app.Metrics, app.Registry)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}
