// Package registry implements the App Registry (spec §4.4): a
// single-writer, many-reader, in-memory store of live deployment records
// keyed by app id, plus startup reconciliation against the container
// runtime.
package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/otturnaut/agent/pkg/containerrt"
	"github.com/otturnaut/agent/pkg/deploy"
	"github.com/otturnaut/agent/pkg/errs"
	"github.com/otturnaut/agent/pkg/logging"
	"github.com/otturnaut/agent/pkg/ports"
)

// maxConcurrentInspect bounds the fan-out during startup reconciliation, so
// a runtime with thousands of agent-owned containers doesn't open thousands
// of simultaneous inspect connections over the same Unix socket.
const maxConcurrentInspect = 8

// Registry is the in-memory App Registry. All operations are synchronous
// and serialized with respect to each other; callers never observe partial
// updates.
type Registry struct {
	mu      sync.RWMutex
	records map[string]deploy.AppRecord
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[string]deploy.AppRecord)}
}

// Put inserts or replaces the record for appID (spec invariant 3: at most
// one record per app id).
func (r *Registry) Put(appID string, rec deploy.AppRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[appID] = rec
}

// Get returns the record for appID, or ErrNotFound.
func (r *Registry) Get(appID string) (deploy.AppRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[appID]
	if !ok {
		return deploy.AppRecord{}, errs.ErrNotFound
	}
	return rec, nil
}

// Delete removes the record for appID, if any. Idempotent.
func (r *Registry) Delete(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, appID)
}

// List returns a snapshot of every live app record, keyed by app id.
func (r *Registry) List() map[string]deploy.AppRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]deploy.AppRecord, len(r.records))
	for k, v := range r.records {
		out[k] = v
	}
	return out
}

// Clear removes every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]deploy.AppRecord)
}

// Update mutates a single field of an existing record under the write lock,
// returning ErrNotFound if appID has no record.
func (r *Registry) Update(appID string, mutate func(*deploy.AppRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[appID]
	if !ok {
		return errs.ErrNotFound
	}
	mutate(&rec)
	r.records[appID] = rec
	return nil
}

// RecoverFromRuntime enumerates containers whose names begin with the
// agent's prefix, reconstructs records from the parsed name plus runtime
// inspection, and informs the port allocator of any bound ports (spec
// §4.4). Containers with unparseable names are skipped, as are containers
// not in the Running state.
func (r *Registry) RecoverFromRuntime(ctx context.Context, rt containerrt.Runtime, pa *ports.Allocator) error {
	containers, err := rt.ListApps(ctx)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(maxConcurrentInspect)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex

	for _, c := range containers {
		c := c
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return r.reconcileOne(gctx, rt, pa, c, &mu)
		})
	}

	return g.Wait()
}

func (r *Registry) reconcileOne(ctx context.Context, rt containerrt.Runtime, pa *ports.Allocator, c containerrt.ContainerSummary, mu *sync.Mutex) error {
	appID, deploymentID, ok := deploy.ParseContainerName(c.Name)
	if !ok {
		logging.S().Debugw("skipping unparseable container name during recovery", "name", c.Name)
		return nil
	}
	if deploymentID == "" {
		deploymentID = "unknown"
	}

	if c.Status != containerrt.StatusRunning {
		return nil
	}

	info, err := rt.InspectContainer(ctx, c.ID)
	if err != nil {
		logging.S().Warnw("failed to inspect container during recovery", "name", c.Name, "err", err)
		return nil
	}

	mu.Lock()
	defer mu.Unlock()

	r.Put(appID, deploy.AppRecord{
		DeploymentID:  deploymentID,
		ContainerName: c.Name,
		Port:          info.HostPort,
		Status:        deploy.RecordRunning,
	})
	if info.HostPort > 0 {
		_ = pa.MarkInUse(info.HostPort)
	}
	return nil
}
