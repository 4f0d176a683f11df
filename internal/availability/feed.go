package availability

import (
	"context"
	"time"

	"github.com/AntonyNeal/bloom-booking/internal/config"
)

// FeedWindow is one free window as reported by the external calendar.
// ProviderUnix is whatever integer the provider sent alongside the display
// instant; it is never trusted.
type FeedWindow struct {
	ExternalID   string
	StartAt      time.Time
	EndAt        time.Time
	LocationType string
	ProviderUnix *int64
}

// Feed reads free windows for one provider calendar.
type Feed interface {
	FreeWindows(ctx context.Context, externalProviderID string, from, to time.Time) ([]FeedWindow, error)
}

// NewFeed returns the calendar API client when a base URL is configured and
// the deterministic mock feed otherwise.
func NewFeed(cfg config.Config) Feed {
	if cfg.FeedBaseURL == "" {
		return NewMockFeed()
	}
	return NewHTTPFeed(cfg.FeedBaseURL, cfg.FeedAPIKey)
}
