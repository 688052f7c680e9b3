package egress

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Proxy is a loopback reverse proxy that fronts the remote executor
// backend. Callers present a shared secret; the proxy swaps it for the
// real upstream credential, so service code never holds the token.
type Proxy struct {
	server   *http.Server
	upstream *url.URL
	token    string
	secret   string
	addr     string
}

// Config carries the egress proxy settings.
type Config struct {
	Port     int
	Upstream string // scheme://host requests are forwarded to
	Token    string // credential injected on every forwarded request
	Secret   string // shared secret callers must present; empty disables the check
}

// New creates a proxy that will listen on 127.0.0.1:port and forward to
// the configured upstream with the credential injected.
func New(cfg Config) (*Proxy, error) {
	target, err := url.Parse(cfg.Upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("egress upstream %q is not a valid URL", cfg.Upstream)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	p := &Proxy{
		upstream: target,
		token:    cfg.Token,
		secret:   cfg.Secret,
		addr:     addr,
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	origDirector := rp.Director
	rp.Director = func(r *http.Request) {
		origDirector(r)
		// Strip whatever credential the caller sent before injecting ours.
		r.Header.Del("Authorization")
		r.Header.Del("X-Api-Key")
		if p.token != "" {
			r.Header.Set("Authorization", "Bearer "+p.token)
		}
		r.Host = target.Host
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handle(rp))

	p.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p, nil
}

// handle validates the caller's shared secret before forwarding.
func (p *Proxy) handle(rp *httputil.ReverseProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p.secret != "" {
			presented := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(p.secret)) != 1 {
				log.Warn().
					Str("component", "egress").
					Str("remote", r.RemoteAddr).
					Str("path", r.URL.Path).
					Msg("egress call rejected: bad secret")
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		rp.ServeHTTP(w, r)
	}
}

// Addr returns the listen address callers should use as their base URL host.
func (p *Proxy) Addr() string { return p.addr }

// Start begins listening. The server runs in a background goroutine.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("egress proxy listen: %w", err)
	}
	log.Info().
		Str("component", "egress").
		Str("addr", p.addr).
		Str("upstream", p.upstream.Host).
		Msg("egress proxy listening")
	go func() {
		_ = p.server.Serve(ln) // returns on Close/Shutdown
	}()
	return nil
}

// Close gracefully shuts down the proxy.
func (p *Proxy) Close(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
