package availability

import (
	"context"
	"fmt"
	"time"
)

// MockFeed provides deterministic availability for local development: hourly
// windows between 09:00 and 17:00 UTC on weekdays.
type MockFeed struct {
	slotDuration time.Duration
	firstHour    int
	lastHour     int
}

func NewMockFeed() *MockFeed {
	return &MockFeed{
		slotDuration: time.Hour,
		firstHour:    9,
		lastHour:     17,
	}
}

func (m *MockFeed) FreeWindows(_ context.Context, externalProviderID string, from, to time.Time) ([]FeedWindow, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid time range")
	}

	var windows []FeedWindow
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for h := m.firstHour; h < m.lastHour; h++ {
			start := day.Add(time.Duration(h) * time.Hour)
			if start.Before(from) || !start.Before(to) {
				continue
			}
			location := "telehealth"
			if h%2 == 0 {
				location = "in-person"
			}
			windows = append(windows, FeedWindow{
				ExternalID:   fmt.Sprintf("%s-%d", externalProviderID, start.Unix()),
				StartAt:      start,
				EndAt:        start.Add(m.slotDuration),
				LocationType: location,
			})
		}
	}
	return windows, nil
}
