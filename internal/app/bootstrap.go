package app

import (
	"context"

	"github.com/sethvargo/go-envconfig"

	"podcastd/internal/config"
	"podcastd/internal/podcast"
	"podcastd/internal/schedule"
	"podcastd/internal/store"
	"podcastd/pkg/logx"
)

// Options configure New. Only ConfigPath matters in production; the rest
// exist for the CLI and tests.
type Options struct {
	// ConfigPath is a JSON or YAML file. Empty or missing means defaults.
	ConfigPath string
	// Ephemeral forces the memory store regardless of storage.driver.
	Ephemeral bool
	// EnvLookuper replaces the process environment for PODCASTD_* overrides.
	EnvLookuper envconfig.Lookuper
	// Logger replaces the configured logging service.
	Logger logx.Logger

	Processor podcast.Processor
	Clock     schedule.Clock
	Executor  schedule.Executor
	// OnRebuild observes every watcher-triggered rebuild.
	OnRebuild func(worker string, ev store.Event, err error)
}

func newLogging(cfg *config.Config, override logx.Logger) (*logx.Service, logx.Logger) {
	if !override.IsZero() {
		return nil, override
	}
	return logx.New(cfg.Logging.Logx())
}

func openStore(ctx context.Context, cfg *config.Config, ephemeral bool, log logx.Logger) (store.Store, error) {
	if ephemeral {
		log.Info("ephemeral store; nothing will be persisted")
		return store.NewMemory(), nil
	}
	sc, err := cfg.Storage.Store()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver), logx.Bool("breaker", sc.Breaker.Enabled))
	return st, nil
}
