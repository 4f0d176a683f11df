package availability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
)

var (
	ErrFeedUnavailable = apperr.New(apperr.Upstream, "feed_unavailable", "availability feed request failed")
	ErrBookingRejected = apperr.New(apperr.Upstream, "booking_rejected", "calendar rejected the booking")
	ErrBookingNotFound = apperr.New(apperr.NotFound, "external_booking_not_found", "calendar booking not found")
)

// HTTPFeed talks to the calendar REST API. Besides reading availability it
// finalizes and cancels bookings on the provider's calendar.
type HTTPFeed struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewHTTPFeed(baseURL, apiKey string) *HTTPFeed {
	return &HTTPFeed{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type feedWindowJSON struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	LocationType string    `json:"location_type"`
	StartUnix    *int64    `json:"start_unix,omitempty"`
}

func (f *HTTPFeed) FreeWindows(ctx context.Context, externalProviderID string, from, to time.Time) ([]FeedWindow, error) {
	q := url.Values{}
	q.Set("start_time", from.UTC().Format(time.RFC3339))
	q.Set("end_time", to.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/providers/%s/available_times?%s", f.baseURL, url.PathEscape(externalProviderID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	f.addHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ErrFeedUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrFeedUnavailable.WithCause(fmt.Errorf("status %d", resp.StatusCode))
	}

	var result struct {
		Collection []feedWindowJSON `json:"collection"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ErrFeedUnavailable.WithCause(fmt.Errorf("decode: %w", err))
	}

	windows := make([]FeedWindow, 0, len(result.Collection))
	for _, item := range result.Collection {
		if item.Status != "" && item.Status != "available" {
			continue
		}
		windows = append(windows, FeedWindow{
			ExternalID:   item.ID,
			StartAt:      item.StartTime,
			EndAt:        item.EndTime,
			LocationType: item.LocationType,
			ProviderUnix: item.StartUnix,
		})
	}
	return windows, nil
}

// ConfirmBooking books the calendar window identified by slotExternalID and
// returns the calendar's booking id.
func (f *HTTPFeed) ConfirmBooking(ctx context.Context, slotExternalID, holderID string) (string, error) {
	payload := map[string]string{
		"available_time_id": slotExternalID,
		"invitee":           holderID,
	}

	var out struct {
		ID string `json:"id"`
	}
	status, err := f.postJSON(ctx, f.baseURL+"/bookings", payload, &out)
	if err != nil {
		return "", ErrBookingRejected.WithCause(err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", ErrBookingRejected.WithCause(fmt.Errorf("status %d", status))
	}
	return out.ID, nil
}

// CancelBooking cancels a calendar booking. An unknown booking is reported as
// ErrBookingNotFound so compensation can treat it as already undone.
func (f *HTTPFeed) CancelBooking(ctx context.Context, bookingID, reason string) error {
	endpoint := fmt.Sprintf("%s/bookings/%s/cancellation", f.baseURL, url.PathEscape(bookingID))
	status, err := f.postJSON(ctx, endpoint, map[string]string{"reason": reason}, nil)
	if err != nil {
		return ErrFeedUnavailable.WithCause(err)
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrBookingNotFound
	default:
		return ErrFeedUnavailable.WithCause(fmt.Errorf("cancel booking: status %d", status))
	}
}

func (f *HTTPFeed) postJSON(ctx context.Context, endpoint string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	f.addHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (f *HTTPFeed) addHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")
}
