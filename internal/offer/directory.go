package offer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
	"github.com/AntonyNeal/bloom-booking/internal/config"
)

var (
	ErrNotListed            = apperr.New(apperr.NotFound, "practitioner_not_listed", "practitioner not found in the directory")
	ErrDirectoryUnavailable = apperr.New(apperr.Upstream, "directory_unavailable", "practitioner directory lookup failed")
)

// Listing is a practitioner as known to the external directory.
type Listing struct {
	ProviderID  string
	DisplayName string
}

// Directory looks practitioners up by email.
type Directory interface {
	Lookup(ctx context.Context, email string) (*Listing, error)
}

func NewDirectory(cfg config.Config) Directory {
	if cfg.DirectoryBaseURL == "" {
		return NewStaticDirectory(nil)
	}
	return NewHTTPDirectory(cfg.DirectoryBaseURL, cfg.DirectoryAPIKey)
}

type HTTPDirectory struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL, apiKey string) *HTTPDirectory {
	return &HTTPDirectory{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDirectory) Lookup(ctx context.Context, email string) (*Listing, error) {
	endpoint := fmt.Sprintf("%s/practitioners?email=%s", d.baseURL, url.QueryEscape(email))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ErrDirectoryUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotListed
	case resp.StatusCode != http.StatusOK:
		return nil, ErrDirectoryUnavailable.WithCause(fmt.Errorf("status %d", resp.StatusCode))
	}

	var body struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, ErrDirectoryUnavailable.WithCause(fmt.Errorf("decode: %w", err))
	}
	if body.ID == "" {
		return nil, ErrNotListed
	}
	return &Listing{ProviderID: body.ID, DisplayName: body.DisplayName}, nil
}

// StaticDirectory answers from an in-memory table. Used in development and tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	listings map[string]Listing
	err      error
}

func NewStaticDirectory(listings map[string]Listing) *StaticDirectory {
	d := &StaticDirectory{listings: make(map[string]Listing)}
	for email, l := range listings {
		d.listings[strings.ToLower(email)] = l
	}
	return d
}

func (d *StaticDirectory) Set(email string, l Listing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listings[strings.ToLower(email)] = l
}

func (d *StaticDirectory) Remove(email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listings, strings.ToLower(email))
}

// Fail makes every lookup return err until reset with nil.
func (d *StaticDirectory) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *StaticDirectory) Lookup(_ context.Context, email string) (*Listing, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.err != nil {
		return nil, d.err
	}
	l, ok := d.listings[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotListed
	}
	return &l, nil
}
