package podcast

import (
	"context"
	"encoding/json"
	"fmt"

	"podcastd/internal/worker"
	"podcastd/pkg/logx"
)

// DownloaderBuilder registers the single download job from the config
// record. A malformed config record fails the build.
func DownloaderBuilder(proc Processor) worker.Builder {
	return func(sc *worker.SchedulingContext) error {
		cfg, err := loadServerConfig(sc.Context(), sc.Store)
		if err != nil {
			return err
		}
		_, err = sc.Add("downloader", cfg.DownloaderSchedule, func(ctx context.Context) error {
			return proc.Download(ctx, cfg)
		})
		if err != nil {
			return fmt.Errorf("%s.downloader_schedule: %w", ConfigKey, err)
		}
		return nil
	}
}

// PodcastBuilder registers one update job per scheduled podcast. Records that
// do not decode are logged and skipped; a record that decodes but carries an
// invalid schedule fails the build.
func PodcastBuilder(proc Processor) worker.Builder {
	return func(sc *worker.SchedulingContext) error {
		entries, err := sc.Store.Scan(sc.Context(), Prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			var p Podcast
			if err := json.Unmarshal(e.Value, &p); err != nil {
				sc.Log.Warn("skipping undecodable podcast record", logx.String("key", e.Key), logx.Err(err))
				continue
			}
			if p.UpdateSchedule == nil {
				continue
			}
			_, err := sc.Add(e.Key, *p.UpdateSchedule, func(ctx context.Context) error {
				return proc.Update(ctx, p, false)
			})
			if err != nil {
				return fmt.Errorf("%s.update_schedule: %w", e.Key, err)
			}
		}
		return nil
	}
}
