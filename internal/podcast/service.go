package podcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"podcastd/internal/errs"
	"podcastd/internal/store"
	"podcastd/pkg/logx"
)

// Processor does the actual work behind scheduled and manual runs.
type Processor interface {
	// Download processes the download queue.
	Download(ctx context.Context, cfg ServerConfig) error
	// Update refreshes one podcast's feed and media.
	Update(ctx context.Context, p Podcast, overwrite bool) error
	// Purge removes one podcast's media.
	Purge(ctx context.Context, p Podcast) error
}

// LogProcessor only logs. Downloading and feed generation are not part of
// this daemon yet.
type LogProcessor struct {
	Log logx.Logger
}

func (l LogProcessor) Download(_ context.Context, cfg ServerConfig) error {
	l.Log.Info("download pass", logx.String("media_dir", cfg.MediaDirectory))
	return nil
}

func (l LogProcessor) Update(_ context.Context, p Podcast, overwrite bool) error {
	l.Log.Info("podcast update",
		logx.String("podcast", p.Name),
		logx.String("feed", p.Source.FeedURL()),
		logx.Strings("sponsorblock", p.SponsorBlockCategories),
		logx.Bool("overwrite", overwrite),
	)
	return nil
}

func (l LogProcessor) Purge(_ context.Context, p Podcast) error {
	l.Log.Info("podcast media purge", logx.String("podcast", p.Name))
	return nil
}

// Service reads and writes podcast and config records.
type Service struct {
	store store.Store
	proc  Processor
	log   logx.Logger
}

func NewService(st store.Store, proc Processor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "podcast"))
	if proc == nil {
		proc = LogProcessor{Log: log}
	}
	return &Service{store: st, proc: proc, log: log}
}

// Create stores p under the key derived from its name, replacing any podcast
// with the same key. SponsorBlock categories are normalized first.
func (s *Service) Create(ctx context.Context, p Podcast) (Podcast, error) {
	p.Name = strings.TrimSpace(p.Name)
	key, err := Key(p.Name)
	if err != nil {
		return Podcast{}, err
	}
	if err := p.Source.Validate(); err != nil {
		return Podcast{}, err
	}
	if p.UpdateSchedule != nil {
		if err := p.UpdateSchedule.Validate(); err != nil {
			return Podcast{}, fmt.Errorf("update_schedule: %w", err)
		}
	}
	p.SponsorBlockCategories = NormalizeCategories(p.SponsorBlockCategories)

	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return Podcast{}, err
	}
	if err := s.store.Put(ctx, key, b); err != nil {
		return Podcast{}, err
	}
	s.log.Info("podcast saved", logx.String("key", key), logx.Bool("scheduled", p.UpdateSchedule != nil))
	return p, nil
}

func (s *Service) Get(ctx context.Context, name string) (Podcast, error) {
	key, err := Key(name)
	if err != nil {
		return Podcast{}, err
	}
	b, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return Podcast{}, err
	}
	if !ok {
		return Podcast{}, ErrPodcastNotFound
	}
	var p Podcast
	if err := json.Unmarshal(b, &p); err != nil {
		return Podcast{}, errs.Config(key, err)
	}
	return p, nil
}

// List returns every decodable podcast in key order. Undecodable records are
// logged and skipped.
func (s *Service) List(ctx context.Context) ([]Podcast, error) {
	entries, err := s.store.Scan(ctx, Prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Podcast, 0, len(entries))
	for _, e := range entries {
		var p Podcast
		if err := json.Unmarshal(e.Value, &p); err != nil {
			s.log.Warn("skipping undecodable podcast record", logx.String("key", e.Key), logx.Err(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Purge deletes the podcast record and its media.
func (s *Service) Purge(ctx context.Context, name string) error {
	p, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := s.proc.Purge(ctx, p); err != nil {
		return fmt.Errorf("purge media: %w", err)
	}
	key, _ := Key(name)
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	s.log.Info("podcast purged", logx.String("key", key))
	return nil
}

// ProcessNow runs the podcast's update once, bypassing the scheduler.
func (s *Service) ProcessNow(ctx context.Context, name string, overwrite bool) error {
	p, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	return s.proc.Update(ctx, p, overwrite)
}

// ServerConfig returns the stored config, or the default when none is stored.
func (s *Service) ServerConfig(ctx context.Context) (ServerConfig, error) {
	return loadServerConfig(ctx, s.store)
}

func (s *Service) SetServerConfig(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return errs.Config(ConfigKey, err)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, ConfigKey, b); err != nil {
		return err
	}
	s.log.Info("server config saved", logx.String("downloader_schedule", cfg.DownloaderSchedule.String()))
	return nil
}

func loadServerConfig(ctx context.Context, r store.Reader) (ServerConfig, error) {
	b, ok, err := r.Get(ctx, ConfigKey)
	if err != nil {
		return ServerConfig{}, err
	}
	if !ok {
		return DefaultServerConfig(), nil
	}
	var cfg ServerConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return ServerConfig{}, errs.Config(ConfigKey, err)
	}
	return cfg, nil
}
