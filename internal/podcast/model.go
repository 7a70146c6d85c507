// Package podcast is the domain the schedulers serve: podcast records, the
// server configuration record, and the builders that turn both into jobs.
//
// Records are JSON under two key spaces:
//
//	config               ServerConfig (absent means DefaultServerConfig)
//	podcasts/<slug>      Podcast
package podcast

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gosimple/slug"

	"podcastd/internal/schedule"
)

const (
	ConfigKey = "config"
	Prefix    = "podcasts/"
)

var (
	ErrPodcastNotFound = errors.New("requested podcast does not exist")
	ErrInvalidName     = errors.New("podcast name must contain at least one letter or digit")
)

// Source is where a feed comes from. YouTube is the only kind; SponsorBlock
// has no data for anything else.
type Source struct {
	Youtube string `json:"Youtube"`
}

func (s Source) Validate() error {
	if strings.TrimSpace(s.Youtube) == "" {
		return errors.New("source: youtube channel id is required")
	}
	return nil
}

// FeedURL is the upstream RSS feed for the channel.
func (s Source) FeedURL() string {
	return "https://www.youtube.com/feeds/videos.xml?channel_id=" + s.Youtube
}

type Podcast struct {
	// Name is the display name; the store key is derived from it.
	Name   string `json:"name"`
	Source Source `json:"source"`
	// UpdateSchedule is nil for podcasts that are only processed on demand.
	UpdateSchedule         *schedule.Expression `json:"update_schedule"`
	SponsorBlockCategories []string             `json:"sponsorblock_categories"`
	DownloaderArguments    []string             `json:"downloader_arguments"`
}

// Slug is the key-safe form of the podcast name.
func (p Podcast) Slug() string { return slug.Make(p.Name) }

// Key returns the store key for a podcast name.
func Key(name string) (string, error) {
	s := slug.Make(name)
	if s == "" {
		return "", ErrInvalidName
	}
	return Prefix + s, nil
}

// ServerConfig holds daemon-wide settings. Some only take effect on restart.
type ServerConfig struct {
	DownloaderSchedule schedule.Expression `json:"downloader_schedule"`
	MediaDirectory     string              `json:"media_directory"`
	ServeFeedAndMedia  bool                `json:"serve_feed_and_media"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		DownloaderSchedule: schedule.Every(schedule.Minutes(5)),
		MediaDirectory:     "media",
	}
}

func (c ServerConfig) Validate() error {
	if err := c.DownloaderSchedule.Validate(); err != nil {
		return fmt.Errorf("downloader_schedule: %w", err)
	}
	if strings.TrimSpace(c.MediaDirectory) == "" {
		return errors.New("media_directory is required")
	}
	return nil
}

var sponsorBlockCategories = map[string]string{
	"sponsor":        "Sponsor",
	"intro":          "Intermission/Intro Animation",
	"outro":          "Endcards/Credits",
	"selfpromo":      "Unpaid/Self Promotion",
	"interaction":    "Interaction Reminder",
	"preview":        "Preview/Recap",
	"music_offtopic": "Non-Music Section",
}

// Categories returns the supported SponsorBlock categories and their labels.
func Categories() map[string]string {
	out := make(map[string]string, len(sponsorBlockCategories))
	for k, v := range sponsorBlockCategories {
		out[k] = v
	}
	return out
}

// NormalizeCategories expands ["all"] to every category and otherwise drops
// unsupported ones. nil stays nil (no segment removal).
func NormalizeCategories(in []string) []string {
	if in == nil {
		return nil
	}
	if len(in) == 1 && in[0] == "all" {
		out := make([]string, 0, len(sponsorBlockCategories))
		for k := range sponsorBlockCategories {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	out := make([]string, 0, len(in))
	for _, c := range in {
		if _, ok := sponsorBlockCategories[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
