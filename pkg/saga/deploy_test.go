package saga

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otturnaut/agent/pkg/caddy"
	"github.com/otturnaut/agent/pkg/containerrt"
	"github.com/otturnaut/agent/pkg/deploy"
	"github.com/otturnaut/agent/pkg/errs"
	"github.com/otturnaut/agent/pkg/ports"
	"github.com/otturnaut/agent/pkg/registry"
)

// fakeRuntime is an in-memory containerrt.Runtime used to drive the saga
// through every branch of spec §8's scenarios without a real container
// socket.
type fakeRuntime struct {
	mu sync.Mutex

	// startStatus is the status InspectContainer reports for a newly
	// started container, consulted by HealthCheck.
	startStatus map[string]containerrt.Status

	// calls records every Stop/Remove invocation, in order, for assertions.
	stopped  []string
	removed  []string
	started  []string

	nextID int

	// when n > 0, the container reports "Stopped" for its first n-1
	// InspectContainer calls and its real status from the n-th call on,
	// simulating a slow-to-come-up app.
	flipAfter map[string]int
	inspected map[string]int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		startStatus: make(map[string]containerrt.Status),
		flipAfter:   make(map[string]int),
		inspected:   make(map[string]int),
	}
}

func (f *fakeRuntime) ListApps(ctx context.Context) ([]containerrt.ContainerSummary, error) {
	return nil, nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, id string) (containerrt.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspected[id]++
	status, ok := f.startStatus[id]
	if !ok {
		return containerrt.ContainerInfo{}, errs.ErrNotFound
	}
	if n := f.flipAfter[id]; n > 0 && f.inspected[id] < n {
		return containerrt.ContainerInfo{ID: id, Status: containerrt.StatusStopped}, nil
	}
	return containerrt.ContainerInfo{ID: id, Status: status}, nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec containerrt.CreateSpec) (string, error) {
	return "", nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error { return nil }

func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string) error { return nil }

func (f *fakeRuntime) LoadImage(ctx context.Context, tarPath string) (string, error) {
	return "", nil
}

func (f *fakeRuntime) BuildImage(ctx context.Context, spec containerrt.BuildSpec) error {
	return nil
}

func (f *fakeRuntime) Start(ctx context.Context, spec containerrt.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := spec.Name
	f.started = append(f.started, id)
	if _, ok := f.startStatus[id]; !ok {
		f.startStatus[id] = containerrt.StatusRunning
	}
	return id, nil
}

func newCaddyManager(t *testing.T) (*caddy.Manager, func()) {
	t.Helper()
	var mu sync.Mutex
	state := ""
	routes := map[string]caddy.Route{}

	mux := http.NewServeMux()
	mux.HandleFunc("/config/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			if state == "" {
				w.Write([]byte(`null`))
			} else {
				w.Write([]byte(`{"apps":{"http":{"servers":{"otturnaut":{"routes":[]}}}}}`))
			}
		case http.MethodPost:
			state = "bootstrapped"
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/config/apps/http/servers/otturnaut/routes/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		route, err := caddy.FromWire(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		routes[route.ID] = route
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/id/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		id := r.URL.Path[len("/id/"):]
		switch r.Method {
		case http.MethodGet:
			route, ok := routes[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			wire, _ := route.ToWire()
			w.Write(wire)
		case http.MethodDelete:
			delete(routes, id)
			w.WriteHeader(http.StatusOK)
		}
	})

	srv := httptest.NewServer(mux)
	m := caddy.New(caddy.Config{AdminEndpoint: srv.URL, HTTPPort: 80, HTTPSPort: 443})
	return m, srv.Close
}

func freshContext(t *testing.T, lo, hi int) *Context {
	caddyMgr, cleanup := newCaddyManager(t)
	t.Cleanup(cleanup)
	return &Context{
		Ports:       ports.New(lo, hi),
		Registry:    registry.New(),
		Runtime:     newFakeRuntime(),
		Caddy:       caddyMgr,
		HealthCheck: HealthCheckPolicy{MaxAttempts: 3, Interval: time.Millisecond},
	}
}

func freshDeployment(appID string) *deploy.Deployment {
	return &deploy.Deployment{
		DeploymentID:  "dep-" + appID,
		AppID:         appID,
		Image:         "myapp:latest",
		ContainerPort: 3000,
		Domains:       []string{"myapp.com"},
		RuntimeKind:   deploy.RuntimeDocker,
	}
}

// Scenario 1 — fresh deployment.
func TestDeployFreshDeployment(t *testing.T) {
	cb := freshContext(t, 10000, 20000)
	d := freshDeployment("myapp")

	result, err := Deploy(context.Background(), cb, d)
	require.NoError(t, err)
	assert.Equal(t, deploy.StatusCompleted, result.Status)
	assert.GreaterOrEqual(t, result.Port, 10000)
	assert.LessOrEqual(t, result.Port, 20000)
	assert.Equal(t, "otturnaut-myapp-dep-myapp", result.ContainerName)

	rec, err := cb.Registry.Get("myapp")
	require.NoError(t, err)
	assert.Equal(t, result.Port, rec.Port)
	assert.Equal(t, deploy.RecordRunning, rec.Status)

	route, err := cb.Caddy.GetRoute(context.Background(), "myapp-route")
	require.NoError(t, err)
	assert.Equal(t, result.Port, route.Port)
}

// Scenario 2 — port-allocation failure.
func TestDeployPortExhaustionFails(t *testing.T) {
	cb := freshContext(t, 50000, 50001)
	require.NoError(t, cb.Ports.MarkInUse(50000))
	require.NoError(t, cb.Ports.MarkInUse(50001))

	d := freshDeployment("myapp")
	result, err := Deploy(context.Background(), cb, d)

	require.Error(t, err)
	assert.Equal(t, deploy.StatusFailed, result.Status)

	var paf *errs.PortAllocationFailed
	assert.ErrorAs(t, err, &paf)

	rt := cb.Runtime.(*fakeRuntime)
	assert.Empty(t, rt.started, "no container should have been started")

	_, getErr := cb.Registry.Get("myapp")
	assert.ErrorIs(t, getErr, errs.ErrNotFound)
}

// Scenario 3 — health check failure triggers compensation.
func TestDeployHealthCheckFailureCompensates(t *testing.T) {
	cb := freshContext(t, 10000, 20000)
	cb.HealthCheck = HealthCheckPolicy{MaxAttempts: 2, Interval: time.Millisecond}

	rt := cb.Runtime.(*fakeRuntime)
	d := freshDeployment("myapp")
	containerName := deploy.ContainerName(d.AppID, d.DeploymentID)
	rt.startStatus[containerName] = containerrt.StatusStopped // never comes up

	result, err := Deploy(context.Background(), cb, d)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrHealthCheckFailed)
	assert.Equal(t, deploy.StatusFailed, result.Status)

	assert.Contains(t, rt.stopped, containerName)
	assert.Contains(t, rt.removed, containerName)
	assert.False(t, cb.Ports.InUse(result.Port), "the allocated port must be released on compensation")

	_, err = cb.Caddy.GetRoute(context.Background(), "myapp-route")
	assert.ErrorIs(t, err, errs.ErrNotFound, "no route should have been created")

	_, err = cb.Registry.Get("myapp")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// Scenario 4 — blue-green replacement of a running version.
func TestDeployBlueGreenReplacement(t *testing.T) {
	cb := freshContext(t, 9000, 20000)
	require.NoError(t, cb.Ports.MarkInUse(9999))
	cb.Registry.Put("myapp", deploy.AppRecord{
		DeploymentID:  "old",
		ContainerName: "otturnaut-myapp-old",
		Port:          9999,
		Domains:       []string{"myapp.com"},
		Status:        deploy.RecordRunning,
	})

	d := freshDeployment("myapp")
	result, err := Deploy(context.Background(), cb, d)
	require.NoError(t, err)
	assert.Equal(t, deploy.StatusCompleted, result.Status)
	assert.Equal(t, "otturnaut-myapp-old", result.PreviousContainerName)
	assert.Equal(t, 9999, result.PreviousPort)

	rt := cb.Runtime.(*fakeRuntime)
	assert.Contains(t, rt.stopped, "otturnaut-myapp-old")
	assert.Contains(t, rt.removed, "otturnaut-myapp-old")
	assert.False(t, cb.Ports.InUse(9999), "old port must be released")

	rec, err := cb.Registry.Get("myapp")
	require.NoError(t, err)
	assert.Equal(t, result.ContainerName, rec.ContainerName)
	assert.NotEqual(t, 9999, rec.Port)

	route, err := cb.Caddy.GetRoute(context.Background(), "myapp-route")
	require.NoError(t, err)
	assert.Equal(t, result.Port, route.Port)
}

// Scenario 5 — Caddy unavailable during switch.
func TestDeployCaddyUnavailableDuringSwitchCompensates(t *testing.T) {
	cb := freshContext(t, 10000, 20000)
	cb.Registry.Put("myapp", deploy.AppRecord{
		DeploymentID:  "old",
		ContainerName: "otturnaut-myapp-old",
		Port:          9999,
		Domains:       []string{"myapp.com"},
		Status:        deploy.RecordRunning,
	})
	// Point Caddy at an address nothing listens on.
	cb.Caddy = caddy.New(caddy.Config{AdminEndpoint: "http://127.0.0.1:1"})

	d := freshDeployment("myapp")
	result, err := Deploy(context.Background(), cb, d)
	require.Error(t, err)
	assert.Equal(t, deploy.StatusFailed, result.Status)

	var rsf *errs.RouteSwitchFailed
	assert.ErrorAs(t, err, &rsf)

	rt := cb.Runtime.(*fakeRuntime)
	newContainerName := deploy.ContainerName(d.AppID, d.DeploymentID)
	assert.Contains(t, rt.stopped, newContainerName)
	assert.Contains(t, rt.removed, newContainerName)
	assert.NotContains(t, rt.stopped, "otturnaut-myapp-old", "old container must remain untouched")

	rec, err := cb.Registry.Get("myapp")
	require.NoError(t, err)
	assert.Equal(t, "otturnaut-myapp-old", rec.ContainerName, "old record must remain intact")
}

// Scenario 6 — idempotent undeploy.
func TestUndeployIdempotent(t *testing.T) {
	cb := freshContext(t, 10000, 20000)
	d := freshDeployment("myapp")
	result, err := Deploy(context.Background(), cb, d)
	require.NoError(t, err)

	err = Undeploy(context.Background(), cb, "myapp")
	require.NoError(t, err)

	_, err = cb.Registry.Get("myapp")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, cb.Ports.InUse(result.Port))

	_, err = cb.Caddy.GetRoute(context.Background(), "myapp-route")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// Second call is a pure no-op that still reports success.
	err = Undeploy(context.Background(), cb, "myapp")
	assert.NoError(t, err)
}

func TestDeployWithNoDomainsSkipsRoute(t *testing.T) {
	cb := freshContext(t, 10000, 20000)
	d := freshDeployment("myapp")
	d.Domains = nil

	result, err := Deploy(context.Background(), cb, d)
	require.NoError(t, err)
	assert.Equal(t, deploy.StatusCompleted, result.Status)

	_, err = cb.Caddy.GetRoute(context.Background(), "myapp-route")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeployRejectsMalformedDeployment(t *testing.T) {
	cb := freshContext(t, 10000, 20000)
	d := &deploy.Deployment{} // missing everything
	result, err := Deploy(context.Background(), cb, d)
	assert.Error(t, err)
	assert.Equal(t, deploy.StatusFailed, result.Status)
}
