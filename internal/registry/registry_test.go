package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestApplicationAllows(t *testing.T) {
	tests := []struct {
		name        string
		app         *Application
		serviceType string
		want        bool
	}{
		{
			name: "granted type",
			app: &Application{
				Active:      true,
				Permissions: map[string]bool{"random": true},
			},
			serviceType: "random",
			want:        true,
		},
		{
			name: "case insensitive",
			app: &Application{
				Active:      true,
				Permissions: map[string]bool{"random": true},
			},
			serviceType: "Random",
			want:        true,
		},
		{
			name: "ungranted type",
			app: &Application{
				Active:      true,
				Permissions: map[string]bool{"random": true},
			},
			serviceType: "compute",
			want:        false,
		},
		{
			name: "wildcard grant",
			app: &Application{
				Active:      true,
				Permissions: map[string]bool{"*": true},
			},
			serviceType: "compute",
			want:        true,
		},
		{
			name: "inactive app denied everything",
			app: &Application{
				Active:      false,
				Permissions: map[string]bool{"*": true},
			},
			serviceType: "random",
			want:        false,
		},
		{
			name:        "nil app",
			app:         nil,
			serviceType: "random",
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.app.Allows(tt.serviceType); got != tt.want {
				t.Errorf("Allows(%q) = %t, want %t", tt.serviceType, got, tt.want)
			}
		})
	}
}

func TestApplicationMatchesCallback(t *testing.T) {
	app := &Application{CallbackContract: "ConsumerHub", CallbackMethod: "onResult"}

	if !app.MatchesCallback("ConsumerHub", "onResult") {
		t.Error("exact callback should match")
	}
	if !app.MatchesCallback("consumerhub", "ONRESULT") {
		t.Error("callback match should be case-insensitive")
	}
	if app.MatchesCallback("OtherContract", "onResult") {
		t.Error("different contract should not match")
	}
	if app.MatchesCallback("ConsumerHub", "otherMethod") {
		t.Error("different method should not match")
	}
}

func TestMemoryRegistry(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	r.Register(&Application{AppID: "app-7", Name: "weather", Active: true})

	app, err := r.GetApplication(ctx, "app-7")
	if err != nil {
		t.Fatalf("GetApplication() error: %v", err)
	}
	if app.Name != "weather" {
		t.Errorf("name = %q, want %q", app.Name, "weather")
	}

	// Returned value is a copy.
	app.Name = "mutated"
	again, _ := r.GetApplication(ctx, "app-7")
	if again.Name != "weather" {
		t.Errorf("registry entry mutated through returned copy")
	}

	if _, err := r.GetApplication(ctx, "app-missing"); !errors.Is(err, ErrAppNotFound) {
		t.Errorf("missing app error = %v, want ErrAppNotFound", err)
	}
}

func TestHTTPRegistryCaching(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/v1/applications/app-7" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(Application{
			AppID:       "app-7",
			Name:        "weather",
			Active:      true,
			Permissions: map[string]bool{"data-fetch": true},
		})
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, time.Minute, zerolog.Nop())
	current := time.Now()
	reg.now = func() time.Time { return current }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		app, err := reg.GetApplication(ctx, "app-7")
		if err != nil {
			t.Fatalf("GetApplication() call %d error: %v", i, err)
		}
		if !app.Allows("data-fetch") {
			t.Errorf("call %d: data-fetch should be allowed", i)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1 (cached)", hits.Load())
	}

	// Expire the entry and confirm a refetch.
	current = current.Add(2 * time.Minute)
	if _, err := reg.GetApplication(ctx, "app-7"); err != nil {
		t.Fatalf("GetApplication() after expiry error: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("upstream hits = %d after expiry, want 2", hits.Load())
	}

	reg.Invalidate("app-7")
	if _, err := reg.GetApplication(ctx, "app-7"); err != nil {
		t.Fatalf("GetApplication() after invalidate error: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("upstream hits = %d after invalidate, want 3", hits.Load())
	}
}

func TestHTTPRegistryNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, time.Minute, zerolog.Nop())
	if _, err := reg.GetApplication(context.Background(), "ghost"); !errors.Is(err, ErrAppNotFound) {
		t.Errorf("error = %v, want ErrAppNotFound", err)
	}
}
