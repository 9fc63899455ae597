// Package health implements the three-mode readiness probe used inside the
// deployment saga's HealthCheck step (spec §2, §4.7.1): process-running
// (poll the container runtime's status), HTTP GET, and raw TCP connect.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/otturnaut/agent/pkg/errs"
)

// Mode selects which readiness signal a poll checks.
type Mode int

const (
	// ModeProcessRunning is satisfied once the supplied StatusFunc reports
	// a running container. This is the saga's default HealthCheck step.
	ModeProcessRunning Mode = iota
	// ModeHTTPGet is satisfied once an HTTP GET to a target URL returns a
	// 2xx response.
	ModeHTTPGet
	// ModeTCPConnect is satisfied once a TCP dial to a target address
	// succeeds.
	ModeTCPConnect
)

// StatusFunc reports whether the thing being polled is currently running;
// used with ModeProcessRunning.
type StatusFunc func(ctx context.Context) (running bool, err error)

// Spec describes a single poll loop.
type Spec struct {
	Mode        Mode
	MaxAttempts int           // default 10
	Interval    time.Duration // default 1s
	Target      string        // URL for ModeHTTPGet, host:port for ModeTCPConnect
	Status      StatusFunc    // required for ModeProcessRunning
}

// Poll repeats the configured check up to MaxAttempts times, waiting
// Interval between attempts, and returns nil as soon as any attempt
// succeeds. Returns errs.ErrHealthCheckFailed if every attempt fails.
func Poll(ctx context.Context, spec Spec) error {
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	interval := spec.Interval
	if interval <= 0 {
		interval = time.Second
	}

	check, err := checkerFor(spec)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		ok, _ := check(ctx)
		if ok {
			return nil
		}
	}
	return errs.ErrHealthCheckFailed
}

func checkerFor(spec Spec) (func(ctx context.Context) (bool, error), error) {
	switch spec.Mode {
	case ModeProcessRunning:
		if spec.Status == nil {
			return nil, fmt.Errorf("health: ModeProcessRunning requires Status")
		}
		return spec.Status, nil
	case ModeHTTPGet:
		return httpGetCheck(spec.Target), nil
	case ModeTCPConnect:
		return tcpConnectCheck(spec.Target), nil
	default:
		return nil, fmt.Errorf("health: unknown mode %d", spec.Mode)
	}
}

func httpGetCheck(url string) func(ctx context.Context) (bool, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	}
}

func tcpConnectCheck(addr string) func(ctx context.Context) (bool, error) {
	var d net.Dialer
	return func(ctx context.Context) (bool, error) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, err
		}
		conn.Close()
		return true, nil
	}
}
