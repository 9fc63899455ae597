package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/otturnaut/agent/pkg/buildpipeline"
	"github.com/otturnaut/agent/pkg/caddy"
	"github.com/otturnaut/agent/pkg/containerrt"
	"github.com/otturnaut/agent/pkg/deploy"
	"github.com/otturnaut/agent/pkg/errs"
	"github.com/otturnaut/agent/pkg/health"
	"github.com/otturnaut/agent/pkg/logging"
	"github.com/otturnaut/agent/pkg/ports"
	"github.com/otturnaut/agent/pkg/registry"
)

// HealthCheckPolicy configures the saga's default HealthCheck step.
type HealthCheckPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Context bundles the capability references the saga needs, constructed
// once per request rather than reached for through module-level state
// (spec §9 "Capability injection over global singletons").
type Context struct {
	Ports    *ports.Allocator
	Registry *registry.Registry

	// Runtime is the default container-runtime adapter, used by Undeploy
	// (which has no Deployment to read a runtime kind from) and by startup
	// reconciliation. Deploy prefers RuntimeFor when set, since a
	// deployment's RuntimeKind/RuntimeEndpoint are per-request (spec §3).
	Runtime    containerrt.Runtime
	RuntimeFor func(kind deploy.RuntimeKind, endpoint string) (containerrt.Runtime, error)

	Caddy       *caddy.Manager
	HealthCheck HealthCheckPolicy
	Notifier    Notifier
}

// runtimeFor resolves the container-runtime adapter a deployment should use,
// falling back to the context's default Runtime when no factory is wired
// (e.g. in tests that construct a single fake Runtime directly).
func (c *Context) runtimeFor(d *deploy.Deployment) (containerrt.Runtime, error) {
	if c.RuntimeFor == nil {
		return c.Runtime, nil
	}
	return c.RuntimeFor(d.RuntimeKind, d.RuntimeEndpoint)
}

func (c *Context) notify(kind, step, message string) {
	if c.Notifier == nil {
		return
	}
	c.Notifier.Notify(kind, step, message)
}

// previousState is what Step 1 discovers about the app's currently-live
// deployment, if any.
type previousState struct {
	exists        bool
	containerName string
	port          int
	record        deploy.AppRecord
}

// Deploy runs the blue-green deployment saga described in spec §4.7.1. It
// first resolves the deployment's image via the build pipeline (outside
// the saga proper, since nothing has been allocated yet), then executes
// the seven-step saga. On success d.Status is Completed; on failure it is
// Failed and the error is also returned.
func Deploy(ctx context.Context, cb *Context, d *deploy.Deployment) (*deploy.Deployment, error) {
	if err := d.Validate(); err != nil {
		d.Status = deploy.StatusFailed
		d.Error = err.Error()
		return d, err
	}

	d.Status = deploy.StatusInProgress
	d.CreatedAt = timeNow()

	rt, err := cb.runtimeFor(d)
	if err != nil {
		d.Status = deploy.StatusFailed
		d.Error = err.Error()
		return d, err
	}

	cb.notify(KindBuildProgress, "Build", "resolving deployment image")
	result, err := buildpipeline.Build(ctx, rt, d)
	if err != nil {
		d.Status = deploy.StatusFailed
		d.Error = err.Error()
		return d, err
	}
	d.Image = result.ImageTag

	var prev previousState
	var allocatedPort int
	var containerID string
	const noRouteMarker = "NoRouteNeeded"
	var routeMarker string

	steps := []Step{
		{
			Name: "LoadPreviousState",
			Run: func(ctx context.Context) error {
				cb.notify(KindDeploymentProgress, "LoadPreviousState", "checking for an existing deployment")
				rec, err := cb.Registry.Get(d.AppID)
				if err != nil {
					if errors.Is(err, errs.ErrNotFound) {
						return nil
					}
					return err
				}
				prev = previousState{exists: true, containerName: rec.ContainerName, port: rec.Port, record: rec}
				return nil
			},
		},
		{
			Name: "AllocatePort",
			Run: func(ctx context.Context) error {
				cb.notify(KindDeploymentProgress, "AllocatePort", "allocating a host port")
				port, err := cb.Ports.Allocate()
				if err != nil {
					return &errs.PortAllocationFailed{Cause: err}
				}
				allocatedPort = port
				d.Port = port
				return nil
			},
			Undo: func(ctx context.Context) error {
				cb.Ports.Release(allocatedPort)
				return nil
			},
		},
		{
			Name: "StartContainer",
			Run: func(ctx context.Context) error {
				cb.notify(KindDeploymentProgress, "StartContainer", "starting the new container")
				d.ContainerName = deploy.ContainerName(d.AppID, d.DeploymentID)
				id, err := rt.Start(ctx, containerrt.CreateSpec{
					Name:          d.ContainerName,
					Image:         d.Image,
					ContainerPort: d.ContainerPort,
					HostPort:      allocatedPort,
					Env:           d.Env,
				})
				if err != nil {
					return &errs.ContainerStartFailed{Cause: err}
				}
				containerID = id
				d.ContainerID = id
				return nil
			},
			Undo: func(ctx context.Context) error {
				return stopAndRemoveIgnoringNotFound(ctx, rt, containerID)
			},
		},
		{
			Name: "HealthCheck",
			Run: func(ctx context.Context) error {
				cb.notify(KindDeploymentProgress, "HealthCheck", "waiting for the container to report healthy")
				return health.Poll(ctx, health.Spec{
					Mode:        health.ModeProcessRunning,
					MaxAttempts: cb.HealthCheck.MaxAttempts,
					Interval:    cb.HealthCheck.Interval,
					Status: func(ctx context.Context) (bool, error) {
						info, err := rt.InspectContainer(ctx, containerID)
						if err != nil {
							return false, err
						}
						return info.Status == containerrt.StatusRunning, nil
					},
				})
			},
		},
		{
			Name: "SwitchRoute",
			Run: func(ctx context.Context) error {
				cb.notify(KindDeploymentProgress, "SwitchRoute", "switching traffic to the new container")
				if len(d.Domains) == 0 {
					routeMarker = noRouteMarker
					return nil
				}
				route := caddy.Route{ID: deploy.RouteID(d.AppID), Domains: d.Domains, Port: allocatedPort}
				if err := cb.Caddy.AddRoute(ctx, route); err != nil {
					return err
				}
				return nil
			},
			Undo: func(ctx context.Context) error {
				if routeMarker == noRouteMarker {
					return nil
				}
				if prev.exists && prev.port != 0 {
					route := caddy.Route{ID: deploy.RouteID(d.AppID), Domains: d.Domains, Port: prev.port}
					if err := cb.Caddy.AddRoute(ctx, route); err != nil {
						return fmt.Errorf("restore previous route: %w", err)
					}
					return nil
				}
				if err := cb.Caddy.RemoveRoute(ctx, deploy.RouteID(d.AppID)); err != nil && !errors.Is(err, errs.ErrNotFound) {
					return fmt.Errorf("remove route: %w", err)
				}
				return nil
			},
		},
		{
			Name: "Cleanup",
			Run: func(ctx context.Context) error {
				cb.notify(KindDeploymentProgress, "Cleanup", "retiring the previous deployment")
				if !prev.exists {
					return nil
				}
				d.PreviousContainerName = prev.containerName
				d.PreviousPort = prev.port
				if prev.containerName != "" {
					if err := stopAndRemoveIgnoringNotFound(ctx, rt, prev.containerName); err != nil {
						logging.S().Warnw("cleanup of previous deployment had non-fatal errors", "app_id", d.AppID, "err", err)
					}
				}
				if prev.port != 0 {
					cb.Ports.Release(prev.port)
				}
				return nil
			},
			// Irreversible by design: once the old container is stopped and
			// its port released we cannot restore it.
		},
		{
			Name: "UpdateAppState",
			Run: func(ctx context.Context) error {
				cb.notify(KindDeploymentProgress, "UpdateAppState", "recording the new deployment")
				cb.Registry.Put(d.AppID, deploy.AppRecord{
					DeploymentID:  d.DeploymentID,
					ContainerName: d.ContainerName,
					Port:          allocatedPort,
					Domains:       d.Domains,
					Status:        deploy.RecordRunning,
				})
				return nil
			},
			Undo: func(ctx context.Context) error {
				if prev.exists {
					cb.Registry.Put(d.AppID, prev.record)
				} else {
					cb.Registry.Delete(d.AppID)
				}
				return nil
			},
		},
	}

	if err := New(steps...).Run(ctx); err != nil {
		d.Status = deploy.StatusFailed
		d.Error = err.Error()
		d.UpdatedAt = timeNow()
		return d, err
	}

	d.Status = deploy.StatusCompleted
	d.UpdatedAt = timeNow()
	return d, nil
}

// Undeploy performs the linear, idempotent cleanup described in spec
// §4.7.2. Every action swallows NotFound and similar already-gone errors;
// the overall result is always nil.
func Undeploy(ctx context.Context, cb *Context, appID string) error {
	rec, err := cb.Registry.Get(appID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return nil
	}

	var merr *multierror.Error

	cb.notify(KindUndeployProgress, "Stop", "stopping the application container")
	info, err := cb.Runtime.InspectContainer(ctx, rec.ContainerName)
	if err == nil && info.Status == containerrt.StatusRunning {
		if err := cb.Runtime.StopContainer(ctx, rec.ContainerName); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("stop: %w", err))
		}
	}

	cb.notify(KindUndeployProgress, "Remove", "removing the application container")
	if err := cb.Runtime.RemoveContainer(ctx, rec.ContainerName); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("remove: %w", err))
	}

	if len(rec.Domains) > 0 {
		cb.notify(KindUndeployProgress, "RemoveRoute", "removing the reverse-proxy route")
		if err := cb.Caddy.RemoveRoute(ctx, deploy.RouteID(appID)); err != nil && !errors.Is(err, errs.ErrNotFound) {
			merr = multierror.Append(merr, fmt.Errorf("remove route: %w", err))
		}
	}

	cb.Ports.Release(rec.Port)
	cb.Registry.Delete(appID)

	if err := merr.ErrorOrNil(); err != nil {
		logging.S().Warnw("undeploy completed with non-fatal errors", "app_id", appID, "err", err)
	}
	return nil
}

func stopAndRemoveIgnoringNotFound(ctx context.Context, rt containerrt.Runtime, nameOrID string) error {
	if nameOrID == "" {
		return nil
	}
	var merr *multierror.Error
	if err := rt.StopContainer(ctx, nameOrID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		merr = multierror.Append(merr, fmt.Errorf("stop %s: %w", nameOrID, err))
	}
	if err := rt.RemoveContainer(ctx, nameOrID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", nameOrID, err))
	}
	return merr.ErrorOrNil()
}

func timeNow() time.Time { return time.Now() }
