// Command server runs the relay: an OpenAI-compatible chat-completions
// facade over the campus Agent and iBit platforms.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/teclab-ai/bitrelay/internal/api"
	"github.com/teclab-ai/bitrelay/internal/auth/bitsso"
	"github.com/teclab-ai/bitrelay/internal/backend/agent"
	"github.com/teclab-ai/bitrelay/internal/backend/ibit"
	"github.com/teclab-ai/bitrelay/internal/config"
	"github.com/teclab-ai/bitrelay/internal/logging"
	"github.com/teclab-ai/bitrelay/internal/registry"
	"github.com/teclab-ai/bitrelay/internal/usage"
)

func main() {
	var (
		configPath string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	flag.BoolVar(&verbose, "v", false, "Enable debug logging")
	flag.Parse()

	// A local .env supplies credentials during development; absence is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to load .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counter, err := usage.NewTokenCounter()
	if err != nil {
		log.Fatalf("initialize token counter: %v", err)
	}
	tracker := usage.NewTracker(prometheus.DefaultRegisterer)
	tracker.StartSummaryLoop(ctx, cfg.UsageSummaryInterval())

	reg := registry.New()

	if cfg.Agent.Enabled() {
		agentBackend, errAgent := agent.New(cfg.Agent.BaseURL, cfg.Agent.AppKey, cfg.Agent.VisitorKey)
		if errAgent != nil {
			log.Fatalf("initialize agent backend: %v", errAgent)
		}
		if cfg.Agent.CleanupOnStart {
			if errCleanup := agentBackend.CleanupSessions(ctx); errCleanup != nil {
				log.Warnf("agent conversation cleanup failed: %v", errCleanup)
			}
		}
		for _, model := range cfg.Agent.Models {
			if errReg := reg.Register(model, agentBackend); errReg != nil {
				log.Fatalf("register model %s: %v", model, errReg)
			}
		}
		log.Infof("agent backend serving models %v", cfg.Agent.Models)
	}

	if cfg.IBit.Enabled() {
		sso, errSSO := bitsso.NewClient(cfg.IBit.LoginURL, cfg.IBit.Username, cfg.IBit.Password)
		if errSSO != nil {
			log.Fatalf("initialize sso client: %v", errSSO)
		}
		ibitBackend, errIBit := ibit.New(sso, ibit.Options{
			BaseURL:     cfg.IBit.BaseURL,
			AssistantID: cfg.IBit.AssistantID,
		})
		if errIBit != nil {
			log.Fatalf("initialize ibit backend: %v", errIBit)
		}
		ibitBackend.StartKeepAlive(ctx, cfg.IBit.KeepAliveInterval())
		for _, model := range cfg.IBit.Models {
			if errReg := reg.Register(model, ibitBackend); errReg != nil {
				log.Fatalf("register model %s: %v", model, errReg)
			}
		}
		log.Infof("ibit backend serving models %v", cfg.IBit.Models)
	}

	server := api.NewServer(api.Options{
		Host:     cfg.Host,
		Port:     cfg.Port,
		APIKey:   cfg.APIKey,
		Registry: reg,
		Counter:  counter,
		Tracker:  tracker,
	})
	if err = server.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
