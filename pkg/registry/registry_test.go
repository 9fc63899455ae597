package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otturnaut/agent/pkg/containerrt"
	"github.com/otturnaut/agent/pkg/deploy"
	"github.com/otturnaut/agent/pkg/errs"
	"github.com/otturnaut/agent/pkg/ports"
)

func TestPutGetDelete(t *testing.T) {
	r := New()
	_, err := r.Get("myapp")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	rec := deploy.AppRecord{DeploymentID: "d1", ContainerName: "otturnaut-myapp-d1", Port: 10000, Status: deploy.RecordRunning}
	r.Put("myapp", rec)

	got, err := r.Get("myapp")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	r.Delete("myapp")
	_, err = r.Get("myapp")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPutReplacesExistingRecord(t *testing.T) {
	r := New()
	r.Put("myapp", deploy.AppRecord{Port: 1})
	r.Put("myapp", deploy.AppRecord{Port: 2})

	got, err := r.Get("myapp")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Port)
	assert.Len(t, r.List(), 1)
}

func TestUpdateMutatesExistingRecord(t *testing.T) {
	r := New()
	r.Put("myapp", deploy.AppRecord{Status: deploy.RecordRunning})

	err := r.Update("myapp", func(rec *deploy.AppRecord) { rec.Status = deploy.RecordStopped })
	require.NoError(t, err)

	got, _ := r.Get("myapp")
	assert.Equal(t, deploy.RecordStopped, got.Status)
}

func TestUpdateNotFound(t *testing.T) {
	r := New()
	err := r.Update("missing", func(rec *deploy.AppRecord) {})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestClearRemovesEverything(t *testing.T) {
	r := New()
	r.Put("a", deploy.AppRecord{})
	r.Put("b", deploy.AppRecord{})
	r.Clear()
	assert.Empty(t, r.List())
}

// fakeRuntime is a minimal containerrt.Runtime stand-in for exercising
// RecoverFromRuntime without a real Docker/Podman socket.
type fakeRuntime struct {
	containers []containerrt.ContainerSummary
	ports      map[string]int
}

func (f *fakeRuntime) ListApps(ctx context.Context) ([]containerrt.ContainerSummary, error) {
	return f.containers, nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, id string) (containerrt.ContainerInfo, error) {
	for _, c := range f.containers {
		if c.ID == id {
			return containerrt.ContainerInfo{ID: c.ID, Name: c.Name, Status: c.Status, HostPort: f.ports[c.ID]}, nil
		}
	}
	return containerrt.ContainerInfo{}, errs.ErrNotFound
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec containerrt.CreateSpec) (string, error) {
	return "", nil
}
func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) PullImage(ctx context.Context, ref string) error     { return nil }
func (f *fakeRuntime) LoadImage(ctx context.Context, tarPath string) (string, error) {
	return "", nil
}
func (f *fakeRuntime) BuildImage(ctx context.Context, spec containerrt.BuildSpec) error { return nil }
func (f *fakeRuntime) Start(ctx context.Context, spec containerrt.CreateSpec) (string, error) {
	return "", nil
}

func TestRecoverFromRuntimeReconstructsRunningApps(t *testing.T) {
	rt := &fakeRuntime{
		containers: []containerrt.ContainerSummary{
			{ID: "c1", Name: "otturnaut-myapp-dep1", Status: containerrt.StatusRunning},
			{ID: "c2", Name: "otturnaut-otherapp-dep2", Status: containerrt.StatusStopped}, // skipped: not running
			{ID: "c3", Name: "some-unrelated-container", Status: containerrt.StatusRunning}, // skipped: unparseable
		},
		ports: map[string]int{"c1": 15000},
	}

	r := New()
	pa := ports.New(14000, 16000)

	require.NoError(t, r.RecoverFromRuntime(context.Background(), rt, pa))

	rec, err := r.Get("myapp")
	require.NoError(t, err)
	assert.Equal(t, "dep1", rec.DeploymentID)
	assert.Equal(t, 15000, rec.Port)
	assert.Equal(t, deploy.RecordRunning, rec.Status)

	_, err = r.Get("otherapp")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	assert.True(t, pa.InUse(15000))
}
