// Package caddy implements the Caddy Route Manager (spec §4.6): idempotent
// creation of a dedicated HTTP server block and per-application
// reverse-proxy routes against the Caddy admin JSON API.
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/otturnaut/agent/pkg/errs"
)

const serverName = "otturnaut"

// Route is a single reverse-proxy route; ToWire and FromWire convert it to
// and from Caddy's JSON shape (wireRoute).
type Route struct {
	ID      string   `json:"@id"`
	Domains []string `json:"-"`
	Port    int      `json:"-"`
}

// wireRoute is the literal JSON shape Caddy expects/returns.
type wireRoute struct {
	ID     string `json:"@id"`
	Match  []struct {
		Host []string `json:"host"`
	} `json:"match"`
	Handle []struct {
		Handler   string `json:"handler"`
		Upstreams []struct {
			Dial string `json:"dial"`
		} `json:"upstreams"`
	} `json:"handle"`
}

// ToWire renders r into Caddy's expected route JSON object.
func (r Route) ToWire() ([]byte, error) {
	w := wireRoute{ID: r.ID}
	w.Match = []struct {
		Host []string `json:"host"`
	}{{Host: r.Domains}}
	w.Handle = []struct {
		Handler   string `json:"handler"`
		Upstreams []struct {
			Dial string `json:"dial"`
		} `json:"upstreams"`
	}{{
		Handler: "reverse_proxy",
		Upstreams: []struct {
			Dial string `json:"dial"`
		}{{Dial: fmt.Sprintf("127.0.0.1:%d", r.Port)}},
	}}
	return json.Marshal(w)
}

// FromWire decodes Caddy's route JSON back into a Route, failing with a
// plain "decode route: ..." error if any required field is missing or
// unparseable.
func FromWire(data []byte) (Route, error) {
	var w wireRoute
	if err := json.Unmarshal(data, &w); err != nil {
		return Route{}, fmt.Errorf("decode route: %w", err)
	}
	if w.ID == "" {
		return Route{}, errors.New("decode route: missing @id")
	}
	if len(w.Match) == 0 || len(w.Match[0].Host) == 0 {
		return Route{}, errors.New("decode route: missing host match")
	}
	if len(w.Handle) == 0 || len(w.Handle[0].Upstreams) == 0 {
		return Route{}, errors.New("decode route: missing upstreams")
	}
	dial := w.Handle[0].Upstreams[0].Dial
	_, portStr, err := net.SplitHostPort(dial)
	if err != nil {
		return Route{}, fmt.Errorf("decode route: unparseable dial %q: %w", dial, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Route{}, fmt.Errorf("decode route: unparseable port %q", portStr)
	}
	return Route{ID: w.ID, Domains: w.Match[0].Host, Port: port}, nil
}

// Config describes how to reach the Caddy admin API.
type Config struct {
	AdminEndpoint         string // e.g. http://127.0.0.1:2019
	HTTPPort              int
	HTTPSPort             int
	DisableAutomaticHTTPS bool
}

// Manager is the capability surface the saga's SwitchRoute step depends on.
type Manager struct {
	cfg Config
	hc  *http.Client
}

// New constructs a Manager talking to cfg.AdminEndpoint.
func New(cfg Config) *Manager {
	return &Manager{
		cfg: cfg,
		hc:  &http.Client{Timeout: 10 * time.Second},
	}
}

// bootstrapState tags the five-way shape of Caddy's current config, per the
// bootstrap state machine documented in spec §4.6.
type bootstrapState int

const (
	stateEmpty bootstrapState = iota
	stateAppsOnly
	stateAppsHTTPOnly
	stateServersPresent
	stateServerPresent
)

func (m *Manager) detectBootstrapState(ctx context.Context) (bootstrapState, error) {
	raw, err := m.get(ctx, "/config/")
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return stateEmpty, nil
	}

	var cfg struct {
		Apps *struct {
			HTTP *struct {
				Servers map[string]json.RawMessage `json:"servers"`
			} `json:"http"`
		} `json:"apps"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return stateEmpty, nil
	}
	if cfg.Apps == nil {
		return stateEmpty, nil
	}
	if cfg.Apps.HTTP == nil {
		return stateAppsOnly, nil
	}
	if cfg.Apps.HTTP.Servers == nil {
		return stateAppsHTTPOnly, nil
	}
	if _, ok := cfg.Apps.HTTP.Servers[serverName]; ok {
		return stateServerPresent, nil
	}
	return stateServersPresent, nil
}

// ensureServer walks the bootstrap state machine, POSTing the smallest
// subtree necessary to bring the otturnaut server block into existence.
func (m *Manager) ensureServer(ctx context.Context) error {
	state, err := m.detectBootstrapState(ctx)
	if err != nil {
		return err
	}
	if state == stateServerPresent {
		return nil
	}

	server := m.serverBlock()

	switch state {
	case stateEmpty:
		full := map[string]interface{}{
			"apps": map[string]interface{}{
				"http": map[string]interface{}{
					"servers": map[string]interface{}{serverName: server},
				},
			},
		}
		return m.post(ctx, "/config/", full)
	case stateAppsOnly:
		http := map[string]interface{}{
			"servers": map[string]interface{}{serverName: server},
		}
		return m.post(ctx, "/config/apps/http/", http)
	case stateAppsHTTPOnly:
		servers := map[string]interface{}{serverName: server}
		return m.post(ctx, "/config/apps/http/servers/", servers)
	case stateServersPresent:
		return m.post(ctx, fmt.Sprintf("/config/apps/http/servers/%s/", serverName), server)
	}
	return nil
}

func (m *Manager) serverBlock() map[string]interface{} {
	listen := []string{fmt.Sprintf(":%d", m.cfg.HTTPPort), fmt.Sprintf(":%d", m.cfg.HTTPSPort)}
	block := map[string]interface{}{
		"listen": listen,
		"routes": []interface{}{},
	}
	if m.cfg.DisableAutomaticHTTPS {
		block["automatic_https"] = map[string]interface{}{"disable": true}
	}
	return block
}

// AddRoute ensures the server block exists, then appends route to its
// routes array.
func (m *Manager) AddRoute(ctx context.Context, route Route) error {
	if err := m.ensureServer(ctx); err != nil {
		return &errs.RouteSwitchFailed{Cause: err}
	}
	wire, err := route.ToWire()
	if err != nil {
		return &errs.RouteSwitchFailed{Cause: err}
	}
	path := fmt.Sprintf("/config/apps/http/servers/%s/routes/", serverName)
	if err := m.postRaw(ctx, path, wire); err != nil {
		return &errs.RouteSwitchFailed{Cause: err}
	}
	return nil
}

// RemoveRoute deletes the route identified by routeID. Idempotent:
// NotFound is treated as success by the caller's compensation logic, but
// this call surfaces the underlying status for callers that care.
func (m *Manager) RemoveRoute(ctx context.Context, routeID string) error {
	return m.delete(ctx, "/id/"+routeID)
}

// GetRoute fetches a single route by id.
func (m *Manager) GetRoute(ctx context.Context, routeID string) (Route, error) {
	raw, err := m.get(ctx, "/id/"+routeID)
	if err != nil {
		return Route{}, err
	}
	return FromWire(raw)
}

// ListRoutes returns every route currently installed under the otturnaut
// server. A missing server (404/400) is reported as an empty list, not an
// error.
func (m *Manager) ListRoutes(ctx context.Context) ([]Route, error) {
	path := fmt.Sprintf("/config/apps/http/servers/%s/routes/", serverName)
	raw, err := m.get(ctx, path)
	if err != nil {
		var httpErr *errs.HTTPError
		if errors.Is(err, errs.ErrNotFound) || (errors.As(err, &httpErr) && httpErr.Status == http.StatusBadRequest) {
			return nil, nil
		}
		return nil, err
	}
	var wireRoutes []json.RawMessage
	if err := json.Unmarshal(raw, &wireRoutes); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	out := make([]Route, 0, len(wireRoutes))
	for _, w := range wireRoutes {
		r, err := FromWire(w)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// HealthCheck reports whether the admin API is reachable at all.
func (m *Manager) HealthCheck(ctx context.Context) error {
	_, err := m.get(ctx, "/config/")
	return err
}

func (m *Manager) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.AdminEndpoint+path, nil)
	if err != nil {
		return nil, err
	}
	return m.do(req)
}

func (m *Manager) post(ctx context.Context, path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return m.postRaw(ctx, path, payload)
}

func (m *Manager) postRaw(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AdminEndpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = m.do(req)
	return err
}

func (m *Manager) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.cfg.AdminEndpoint+path, nil)
	if err != nil {
		return err
	}
	_, err = m.do(req)
	return err
}

func (m *Manager) do(req *http.Request) ([]byte, error) {
	resp, err := m.hc.Do(req)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, errs.ErrTimeout
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.ErrTimeout
		}
		return nil, errs.ErrCaddyUnavailable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.ErrNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	default:
		return nil, &errs.HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
}
