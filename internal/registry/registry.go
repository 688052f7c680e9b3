// Package registry resolves application identities to their registered
// permissions and callback bindings.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrAppNotFound indicates the application is not registered.
var ErrAppNotFound = errors.New("application not found")

// Application is a registered consumer of platform services.
type Application struct {
	AppID            string          `json:"app_id"`
	Name             string          `json:"name"`
	Owner            string          `json:"owner,omitempty"`
	Active           bool            `json:"active"`
	Permissions      map[string]bool `json:"permissions"`
	CallbackContract string          `json:"callback_contract"`
	CallbackMethod   string          `json:"callback_method"`
}

// Allows reports whether the application may request the given service
// type. A "*" grant covers every type. Lookup is case-insensitive.
func (a *Application) Allows(serviceType string) bool {
	if a == nil || !a.Active {
		return false
	}
	if a.Permissions["*"] {
		return true
	}
	return a.Permissions[strings.ToLower(serviceType)]
}

// MatchesCallback reports whether the contract and method match the
// application's registered callback binding.
func (a *Application) MatchesCallback(contract, method string) bool {
	if a == nil {
		return false
	}
	return strings.EqualFold(a.CallbackContract, contract) &&
		strings.EqualFold(a.CallbackMethod, method)
}

// Registry looks up registered applications.
type Registry interface {
	GetApplication(ctx context.Context, appID string) (*Application, error)
}

// MemoryRegistry holds applications in memory, for tests and simulated
// deployments.
type MemoryRegistry struct {
	mu   sync.RWMutex
	apps map[string]*Application
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{apps: make(map[string]*Application)}
}

// Register adds or replaces an application.
func (r *MemoryRegistry) Register(app *Application) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *app
	if cp.Permissions == nil {
		cp.Permissions = make(map[string]bool)
	}
	r.apps[app.AppID] = &cp
}

func (r *MemoryRegistry) GetApplication(_ context.Context, appID string) (*Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[appID]
	if !ok {
		return nil, ErrAppNotFound
	}
	cp := *app
	return &cp, nil
}
