package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/lanternhq/modelgate/internal/adapters"
	anthropicadapter "github.com/lanternhq/modelgate/internal/adapters/anthropic"
	geminiadapter "github.com/lanternhq/modelgate/internal/adapters/gemini"
	openaiadapter "github.com/lanternhq/modelgate/internal/adapters/openai"
	"github.com/lanternhq/modelgate/internal/api"
	"github.com/lanternhq/modelgate/internal/config"
	"github.com/lanternhq/modelgate/internal/gateway"
	"github.com/lanternhq/modelgate/internal/services/cache"
	"github.com/lanternhq/modelgate/internal/services/database"
	"github.com/lanternhq/modelgate/internal/services/fallback"
	"github.com/lanternhq/modelgate/internal/services/loadbalancer"
	"github.com/lanternhq/modelgate/internal/services/registry"
	"github.com/lanternhq/modelgate/internal/services/selector"
	"github.com/lanternhq/modelgate/internal/services/telemetry"
	"github.com/lanternhq/modelgate/internal/services/usage"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/prometheus/client_golang/prometheus"
)

// buildAdapter constructs the SDK adapter named by the provider entry.
// Unknown adapter names fall through to the OpenAI-compatible client since
// most aggregators speak that wire format.
func buildAdapter(entry config.ProviderEntry) (adapters.Adapter, error) {
	switch entry.Adapter {
	case "openai":
		return openaiadapter.New(entry.ID, openaiadapter.Config{
			APIKey:  entry.APIKey,
			BaseURL: entry.BaseURL,
		}, entry.Models), nil
	case "anthropic":
		return anthropicadapter.New(entry.ID, anthropicadapter.Config{
			APIKey:  entry.APIKey,
			BaseURL: entry.BaseURL,
		}, entry.Models), nil
	case "gemini":
		return geminiadapter.New(entry.ID, geminiadapter.Config{
			APIKey: entry.APIKey,
		}, entry.Models), nil
	default:
		if entry.BaseURL == "" {
			return nil, fmt.Errorf("adapter %q requires base_url for OpenAI-compatible access", entry.Adapter)
		}
		return openaiadapter.New(entry.ID, openaiadapter.Config{
			APIKey:  entry.APIKey,
			BaseURL: entry.BaseURL,
		}, entry.Models), nil
	}
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "warn":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
	}
}

func main() {
	config.LoadEnvFiles([]string{".env.local", ".env.development", ".env"})

	cfg, err := config.LoadFromFile("config.yaml")
	if err != nil {
		fiberlog.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fiberlog.Fatalf("invalid config: %v", err)
	}
	setLogLevel(cfg.GetNormalizedLogLevel())

	reg := registry.NewWithBreakerConfig(cfg.Routing.BreakerConfig())
	stats := telemetry.New(prometheus.DefaultRegisterer)
	reg.OnBreakerTransition(stats.RecordTransition)

	for _, entry := range cfg.Providers {
		adapter, err := buildAdapter(entry)
		if err != nil {
			fiberlog.Fatalf("provider %s: %v", entry.ID, err)
		}
		reg.Register(entry.Descriptor(), entry.Models, adapter)
		fiberlog.Infof("registered provider %s (%s) with %d models", entry.ID, entry.Adapter, len(entry.Models))
	}

	var sink fallback.Sink = stats

	// Usage persistence is optional; without a database block, attempts are
	// only visible through metrics.
	var recorder *usage.Recorder
	if cfg.Database != nil {
		db, err := database.New(*cfg.Database)
		if err != nil {
			fiberlog.Fatalf("failed to connect database: %v", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				fiberlog.Errorf("database close: %v", err)
			}
		}()
		if err := db.Migrate(); err != nil {
			fiberlog.Fatalf("failed to migrate database: %v", err)
		}
		recorder = usage.NewRecorder(db)
		defer recorder.Stop()
		sink = fallback.MultiSink(stats, recorder)
		fiberlog.Infof("usage persistence enabled (%s)", db.DriverName())
	}

	balancer := loadbalancer.New(rand.NewSource(time.Now().UnixNano()))
	sel := selector.New(reg, balancer, stats)
	fb := fallback.New(sink)

	promptCache, err := cache.New(cfg.Cache)
	if err != nil {
		fiberlog.Fatalf("failed to initialize prompt cache: %v", err)
	}
	if promptCache != nil {
		defer func() {
			if err := promptCache.Close(); err != nil {
				fiberlog.Errorf("prompt cache close: %v", err)
			}
		}()
	}

	opts := []gateway.Option{}
	if cfg.Routing.MaxInputBytes > 0 {
		opts = append(opts, gateway.WithMaxInputBytes(cfg.Routing.MaxInputBytes))
	}
	if promptCache != nil {
		opts = append(opts, gateway.WithResponseCache(promptCache))
	}
	gw := gateway.New(sel, fb, cfg.Strategy(), opts...)

	server := api.NewServer(cfg, api.Deps{
		Gateway:     gw,
		Registry:    reg,
		Telemetry:   stats,
		PromptCache: promptCache,
		Factory:     buildAdapter,
	})
	if err := server.Run(); err != nil {
		fiberlog.Fatalf("server failed: %v", err)
	}
}
