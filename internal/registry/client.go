package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HTTPRegistry fetches applications from a registry service and caches
// them for a TTL so a hot dispatch path does not hammer the upstream.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	log     zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	app     *Application
	expires time.Time
}

// NewHTTPRegistry creates a client for the registry service at baseURL.
func NewHTTPRegistry(baseURL string, ttl time.Duration, log zerolog.Logger) *HTTPRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &HTTPRegistry{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		ttl:     ttl,
		log:     log.With().Str("component", "registry").Logger(),
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (r *HTTPRegistry) GetApplication(ctx context.Context, appID string) (*Application, error) {
	if app, ok := r.cached(appID); ok {
		return app, nil
	}

	app, err := r.fetch(ctx, appID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[appID] = cacheEntry{app: app, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	cp := *app
	return &cp, nil
}

// Invalidate drops a cached application so the next lookup refetches.
func (r *HTTPRegistry) Invalidate(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, appID)
}

func (r *HTTPRegistry) cached(appID string) (*Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[appID]
	if !ok || r.now().After(entry.expires) {
		return nil, false
	}
	cp := *entry.app
	return &cp, true
}

func (r *HTTPRegistry) fetch(ctx context.Context, appID string) (*Application, error) {
	endpoint := fmt.Sprintf("%s/v1/applications/%s", r.baseURL, url.PathEscape(appID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build registry request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrAppNotFound
	default:
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var app Application
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&app); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	if app.AppID == "" {
		app.AppID = appID
	}
	r.log.Debug().Str("app_id", appID).Bool("active", app.Active).Msg("application fetched")
	return &app, nil
}
