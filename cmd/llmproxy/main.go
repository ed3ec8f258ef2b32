// llmproxy is a reverse proxy that fronts one or more OpenAI-compatible
// chat-completion backends, failing over between them per request.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/catfishapiagg/llmproxy/internal/api"
	"github.com/catfishapiagg/llmproxy/internal/config"
	"github.com/catfishapiagg/llmproxy/internal/dispatcher"
	"github.com/catfishapiagg/llmproxy/internal/logring"
	"github.com/catfishapiagg/llmproxy/internal/newrelic"
	"github.com/catfishapiagg/llmproxy/internal/notify"
	"github.com/catfishapiagg/llmproxy/internal/policy"
	"github.com/catfishapiagg/llmproxy/internal/profiling"
	"github.com/catfishapiagg/llmproxy/internal/registry"
	"github.com/catfishapiagg/llmproxy/internal/state"
	"github.com/catfishapiagg/llmproxy/internal/storage"
	"github.com/catfishapiagg/llmproxy/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("llmproxy v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ring := logring.New(logring.DefaultCapacity)
	util.SetExtraSink(ring)

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("llmproxy v%s starting", version)

	if cfg.Server.AdminKey == "" {
		util.Warn("server.admin_key is not configured; admin endpoints will reject every request")
	}

	store, err := storage.NewFileStore(cfg.Server.DataDir)
	if err != nil {
		util.Fatalf("Failed to open data store: %v", err)
	}

	reg := registry.New(store)
	states := state.New(store)

	var mirror *storage.LogMirror
	if cfg.Redis.Enabled {
		mirror, err = storage.NewLogMirror(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			util.Errorf("Failed to connect log mirror: %v", err)
		} else {
			defer mirror.Close()
			ch, cancel := ring.Subscribe()
			defer cancel()
			go func() {
				for line := range ch {
					if err := mirror.Publish(line); err != nil {
						util.Warnf("log mirror publish failed: %v", err)
					}
				}
			}()
		}
	}

	notifier := notify.NewNotifier(&notify.WebhookConfig{
		Enabled:      cfg.Webhook.Enabled,
		DiscordURL:   cfg.Webhook.DiscordURL,
		TelegramBot:  cfg.Webhook.TelegramBot,
		TelegramChat: cfg.Webhook.TelegramChat,
	})

	disp := dispatcher.New(nil, cfg.Server.UpstreamTimeout, notifier, states)

	policyConfig := policy.DefaultConfig()
	policyConfig.RateLimitEnabled = cfg.Security.RateLimitEnabled
	policyConfig.ConnectionLimit = cfg.Security.ConnectionLimit
	policyConfig.ConnectionGrace = cfg.Security.ConnectionGrace
	policyConfig.LimitJump = cfg.Security.LimitJump
	policyConfig.BanningEnabled = cfg.Security.BanningEnabled
	policyConfig.BanTimeout = cfg.Security.BanTimeout
	policyConfig.MalformedLimit = cfg.Security.MalformedLimit
	policyConfig.ResetInterval = cfg.Security.ResetInterval

	policyServer := policy.NewPolicyServer(policyConfig, store)
	policyServer.Start()

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	var nrAgent *newrelic.Agent
	if cfg.NewRelic.Enabled {
		nrAgent = newrelic.NewAgent(&cfg.NewRelic)
		if err := nrAgent.Start(); err != nil {
			util.Errorf("Failed to start New Relic agent: %v", err)
		}
	}

	apiServer := api.NewServer(cfg, reg, states, disp, policyServer, notifier, ring)
	if err := apiServer.Start(); err != nil {
		util.Fatalf("Failed to start API server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("llmproxy started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	if err := apiServer.Stop(); err != nil {
		util.Errorf("Error stopping API server: %v", err)
	}
	if nrAgent != nil {
		nrAgent.Stop()
	}
	if pprofServer != nil {
		pprofServer.Stop()
	}
	policyServer.Stop()

	util.Info("llmproxy stopped")
}
