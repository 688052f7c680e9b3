package dispatch

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"offchain-service-core/internal/keys"
	"offchain-service-core/internal/sandbox"
)

// Executor runs one task for a service type and returns the raw result
// bytes.
type Executor interface {
	Execute(ctx context.Context, task *Task) ([]byte, error)
}

// Catalog maps service types to their executors.
type Catalog struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{executors: make(map[string]Executor)}
}

// Register binds an executor to a service type, replacing any previous
// binding.
func (c *Catalog) Register(serviceType string, ex Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[serviceType] = ex
}

// Get returns the executor for a service type.
func (c *Catalog) Get(serviceType string) (Executor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ex, ok := c.executors[serviceType]
	return ex, ok
}

// Types returns the registered service types, sorted.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.executors))
	for t := range c.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

const (
	defaultRandomBytes = 32
	maxRandomBytes     = 256
)

// RandomExecutor serves randomness requests from the enclave RNG. The
// result is lowercase hex.
type RandomExecutor struct {
	keys *keys.Store
}

// NewRandomExecutor creates a randomness executor backed by the key
// subsystem.
func NewRandomExecutor(ks *keys.Store) *RandomExecutor {
	return &RandomExecutor{keys: ks}
}

func (e *RandomExecutor) Execute(_ context.Context, task *Task) ([]byte, error) {
	n := defaultRandomBytes
	if len(task.Payload) > 0 {
		var req struct {
			Bytes int `json:"bytes"`
		}
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return nil, fmt.Errorf("parsing random request: %w", err)
		}
		if req.Bytes > 0 {
			n = req.Bytes
		}
	}
	if n > maxRandomBytes {
		n = maxRandomBytes
	}

	raw, err := e.keys.RandomBytes(n)
	if err != nil {
		return nil, fmt.Errorf("drawing randomness: %w", err)
	}
	return []byte(hex.EncodeToString(raw)), nil
}

// RemoteExecutor forwards tasks to an external executor service over
// HTTP. The call runs under the executor's sandbox identity and
// requires the outbound network capability.
type RemoteExecutor struct {
	sandbox     *sandbox.Sandbox
	baseURL     string
	authToken   string
	client      *http.Client
	maxResponse int64
}

// NewRemoteExecutor creates a remote executor bound to a sandbox.
func NewRemoteExecutor(sb *sandbox.Sandbox, baseURL string, timeout time.Duration) *RemoteExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteExecutor{
		sandbox:     sb,
		baseURL:     baseURL,
		client:      &http.Client{Timeout: timeout},
		maxResponse: 1 << 20,
	}
}

// WithAuthToken sets the bearer credential presented on every call.
// When the executor sits behind the egress proxy this is the proxy's
// shared secret, never the upstream token.
func (e *RemoteExecutor) WithAuthToken(token string) *RemoteExecutor {
	e.authToken = token
	return e
}

func (e *RemoteExecutor) Execute(ctx context.Context, task *Task) ([]byte, error) {
	if !e.sandbox.Capabilities().Has(sandbox.CapNetworkOutbound) {
		return nil, &sandbox.CapabilityError{
			ServiceID:  e.sandbox.Identity().ServiceID,
			Capability: sandbox.CapNetworkOutbound,
		}
	}

	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.authToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling executor: %w", err)
	}
	defer resp.Body.Close()

	result, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponse))
	if err != nil {
		return nil, fmt.Errorf("reading executor response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}
	return result, nil
}
