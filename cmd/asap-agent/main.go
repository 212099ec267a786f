package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adriannoes/asap-protocol/internal/config"
	"github.com/adriannoes/asap-protocol/internal/logger"
	"github.com/adriannoes/asap-protocol/internal/manifest"
	"github.com/adriannoes/asap-protocol/internal/metrics"
	"github.com/adriannoes/asap-protocol/internal/observability"
	"github.com/adriannoes/asap-protocol/internal/replay"
	"github.com/adriannoes/asap-protocol/internal/server"
	"github.com/adriannoes/asap-protocol/internal/snapshot"
)

func main() {
	// Initialize structured logger first
	logger.Init(logger.DefaultConfig())
	log := logger.WithComponent("main")

	cfg := config.Load()
	log.Info("asap-agent starting", "config", cfg.Redacted())

	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracer("asap-agent", cfg.Tracing.Endpoint)
		if err != nil {
			log.Error("tracer init failed", "error", err)
			os.Exit(1)
		}
		defer tp.Shutdown(context.Background())
	}

	store, err := openSnapshotStore(cfg.Snapshot)
	if err != nil {
		log.Error("snapshot store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var nonceStore replay.NonceStore
	if cfg.Replay.RedisAddr != "" {
		rs := replay.NewRedisNonceStore(cfg.Replay.RedisAddr)
		defer rs.Close()
		nonceStore = rs
	} else {
		nonceStore = replay.NewMemoryNonceStore()
	}
	guard := replay.NewGuard(cfg.Replay, nonceStore)

	sm, err := buildManifest(cfg)
	if err != nil {
		log.Error("manifest build failed", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, guard, store, metrics.NewCollector(), sm)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("asap-agent shut down")
}

func openSnapshotStore(cfg config.SnapshotConfig) (snapshot.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return snapshot.NewSQLite(cfg.DSN)
	case "postgres":
		return snapshot.NewPostgres(cfg.DSN)
	default:
		return snapshot.NewMemoryStore(), nil
	}
}

// buildManifest assembles this agent's identity, signing it when a key is
// configured.
func buildManifest(cfg config.Config) (*manifest.SignedManifest, error) {
	m, err := manifest.New(manifest.Manifest{
		ID:      cfg.AgentID,
		Name:    "ASAP Agent",
		Version: "0.1.0",
		Capabilities: manifest.Capabilities{
			Skills:          []manifest.Skill{{ID: "echo", Name: "Echo", Description: "Returns the task input unchanged"}},
			Streaming:       true,
			Persistence:     cfg.Snapshot.Backend != "memory",
			ProtocolVersion: "1.0",
		},
		Endpoints: manifest.Endpoints{
			HTTP:      cfg.BaseURL + server.EnvelopePath,
			WebSocket: cfg.BaseURL + server.WebSocketPath,
		},
		Auth: manifest.Auth{Schemes: authSchemes(cfg)},
	}, manifest.DefaultAuthSchemes())
	if err != nil {
		return nil, err
	}

	if !cfg.Manifest.ServeSigned {
		return &manifest.SignedManifest{Manifest: *m}, nil
	}
	raw, err := os.ReadFile(cfg.Manifest.SigningKeyFile)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, err
	}
	return manifest.Sign(m, ed25519.PrivateKey(key))
}

func authSchemes(cfg config.Config) []string {
	if len(cfg.Auth.Schemes) == 0 {
		return []string{"none"}
	}
	return cfg.Auth.Schemes
}
