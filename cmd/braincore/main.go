package main

import (
	"log"
	"net/http"
	"os"

	"github.com/autoflowhq/braincore/internal/auth"
	"github.com/autoflowhq/braincore/internal/auth/flow"
	"github.com/autoflowhq/braincore/internal/auth/token"
	"github.com/autoflowhq/braincore/internal/config"
	"github.com/autoflowhq/braincore/internal/db"
	"github.com/autoflowhq/braincore/internal/keypool"
	"github.com/autoflowhq/braincore/internal/metrics"
	"github.com/autoflowhq/braincore/internal/orchestrator"
	"github.com/autoflowhq/braincore/internal/provider"
	"github.com/autoflowhq/braincore/internal/provider/chatgpt"
	"github.com/autoflowhq/braincore/internal/provider/openaicompat"
	"github.com/autoflowhq/braincore/internal/secrets"
	"github.com/autoflowhq/braincore/internal/server"
	"github.com/autoflowhq/braincore/internal/version"
)

func main() {
	configPath := os.Getenv("BRAINCORE_CONFIG")
	if configPath == "" {
		configPath = "braincore.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.Init(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	var cipher secrets.Cipher
	if cfg.CipherPassphrase != "" {
		cipher, err = secrets.NewAESCipher(cfg.CipherPassphrase)
		if err != nil {
			log.Fatalf("Failed to initialize cipher: %v", err)
		}
	} else {
		log.Printf("⚠️ No cipher passphrase set; storing key material unencrypted")
		cipher = secrets.Plain{}
	}

	profiles := auth.NewProfileStore(database)
	refresher := token.NewRefresher(profiles, cfg.OAuth)
	pool := keypool.New(database, cipher, profiles, refresher, cfg)

	registry := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if p.ID == chatgpt.ProviderID {
			registry.Register(p.ID, chatgpt.New(p.BaseURL, p.DefaultModel, p.TimeoutDuration()))
			continue
		}
		registry.Register(p.ID, openaicompat.New(p.ID, p.BaseURL, p.DefaultModel, p.TimeoutDuration()))
	}

	m := metrics.New()
	orch := orchestrator.New(pool, registry, m, cfg.FallbackMaxAttempts)

	flows := map[string]*flow.Controller{}
	if cfg.OAuth.ClientID != "" {
		ctrl := flow.NewController(profiles, cfg.OAuth)
		ctrl.Subscribe(func(change flow.StateChange) {
			log.Printf("🔐 [AuthFlow] %s -> %s %s", change.FlowID, change.State, change.Detail)
		})
		flows[cfg.OAuth.Provider] = ctrl
	} else {
		log.Printf("⚠️ OAuth client id not configured; login endpoints disabled")
	}

	srv := server.New(cfg, pool, profiles, flows, orch, m)

	log.Printf("🚀 braincore %s (%s) starting on http://%s", version.Version, version.Commit, cfg.ListenAddr)
	log.Printf("📊 Metrics: http://%s/metrics", cfg.ListenAddr)
	log.Printf("🔌 Admin API: http://%s/api", cfg.ListenAddr)

	if err := http.ListenAndServe(cfg.ListenAddr, srv.Router()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
