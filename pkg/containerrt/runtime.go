// Package containerrt implements the Container Runtime Adapter (spec §4.5):
// a thin wrapper over the Docker Engine API, reached over a Unix domain
// socket, that Docker and Podman both speak. The same client code serves
// both; only the default socket path differs.
package containerrt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/otturnaut/agent/pkg/deploy"
	"github.com/otturnaut/agent/pkg/errs"
	"github.com/otturnaut/agent/pkg/logging"
	"github.com/otturnaut/agent/pkg/runcmd"
)

// Status is the normalized lifecycle state of a container, collapsing the
// runtime's many native states down to the three the agent reasons about
// (spec §4.5).
type Status string

const (
	StatusRunning Status = "Running"
	StatusStopped Status = "Stopped"
	StatusUnknown Status = "Unknown"
)

func normalizeStatus(native string) Status {
	switch native {
	case "running":
		return StatusRunning
	case "exited", "created", "paused":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// ContainerSummary is a lightweight listing entry returned by ListApps.
type ContainerSummary struct {
	ID     string
	Name   string
	Status Status
}

// ContainerInfo is the detailed view returned by InspectContainer.
type ContainerInfo struct {
	ID       string
	Name     string
	Status   Status
	HostPort int // 0 if the container publishes no host port
}

// defaultNofileUlimit bounds the open-file-descriptor ulimit the agent
// applies to every container it starts, the same ceiling the teacher's
// sidecar container carries (InfraMaxFilesUlimit in pkg/runner/local_docker.go).
const defaultNofileUlimit int64 = 1048576

// CreateSpec describes a container to create.
type CreateSpec struct {
	Name          string
	Image         string
	ContainerPort int
	HostPort      int
	Env           map[string]string
}

// BuildSpec describes an image build from a directory containing a
// Dockerfile.
type BuildSpec struct {
	ContextDir string
	Dockerfile string
	Tag        string
	BuildArgs  map[string]string
}

// Runtime is the capability surface the saga and registry depend on. Both
// NewDocker and NewPodman return the same concrete type; only the default
// socket path differs.
type Runtime interface {
	ListApps(ctx context.Context) ([]ContainerSummary, error)
	InspectContainer(ctx context.Context, id string) (ContainerInfo, error)
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	PullImage(ctx context.Context, ref string) error
	LoadImage(ctx context.Context, tarPath string) (string, error)
	BuildImage(ctx context.Context, spec BuildSpec) error
	Start(ctx context.Context, spec CreateSpec) (string, error)
}

// engineClient wraps *client.Client for the agent-owned container namespace.
type engineClient struct {
	cli *client.Client
}

// NewDocker builds a Runtime talking to the Docker daemon over socketPath
// (spec default: /var/run/docker.sock).
func NewDocker(socketPath string) (Runtime, error) {
	return newEngineClient(socketPath)
}

// NewPodman builds a Runtime talking to a Podman instance's Docker-API
// compatibility socket (spec default: /run/podman/podman.sock). Wire
// protocol is identical to Docker; only the socket path differs.
func NewPodman(socketPath string) (Runtime, error) {
	return newEngineClient(socketPath)
}

func newEngineClient(socketPath string) (Runtime, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return &engineClient{cli: cli}, nil
}

// ListApps enumerates every container whose name carries the agent's
// prefix, regardless of lifecycle state.
func (e *engineClient) ListApps(ctx context.Context) ([]ContainerSummary, error) {
	args := filters.NewArgs(filters.Arg("name", deploy.ContainerNamePrefix+"-"))
	containers, err := e.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}

	out := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		out = append(out, ContainerSummary{
			ID:     c.ID,
			Name:   stripNamePrefix(c.Names),
			Status: normalizeStatus(c.State),
		})
	}
	return out, nil
}

// stripNamePrefix takes the Engine API's leading-slash container name form
// (["/otturnaut-foo-bar"]) and returns the bare name.
func stripNamePrefix(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// InspectContainer returns detailed state for a single container, including
// its published host port if one was bound at create time.
func (e *engineClient) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	resp, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, err
	}

	info := ContainerInfo{
		ID:     resp.ID,
		Name:   strings.TrimPrefix(resp.Name, "/"),
		Status: StatusUnknown,
	}
	if resp.State != nil {
		info.Status = normalizeStatus(resp.State.Status)
	}
	if resp.NetworkSettings != nil {
		info.HostPort = extractHostPort(resp.NetworkSettings.Ports)
	}
	return info, nil
}

// extractHostPort returns the first bound host port found in a
// nat.PortMap, or 0 if none is published.
func extractHostPort(portMap nat.PortMap) int {
	for _, bindings := range portMap {
		for _, b := range bindings {
			if b.HostPort == "" {
				continue
			}
			if p, err := strconv.Atoi(b.HostPort); err == nil {
				return p
			}
		}
	}
	return 0
}

// CreateContainer creates (but does not start) a container per spec, with
// the container port published to hostPort on every interface.
func (e *engineClient) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	config := &dcontainer.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	hostConfig := &dcontainer.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		RestartPolicy: dcontainer.RestartPolicy{Name: "unless-stopped"},
		Resources: dcontainer.Resources{
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Hard: defaultNofileUlimit, Soft: defaultNofileUlimit},
			},
		},
	}

	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", &errs.ContainerStartFailed{Cause: err}
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (e *engineClient) StartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return &errs.ContainerStartFailed{Cause: err}
	}
	return nil
}

// StopContainer stops a running container, using the runtime's default
// grace period.
func (e *engineClient) StopContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerStop(ctx, id, dcontainer.StopOptions{})
	if err != nil && client.IsErrNotFound(err) {
		return errs.ErrNotFound
	}
	return err
}

// RemoveContainer force-removes a container. Removing a container that
// does not exist is not an error.
func (e *engineClient) RemoveContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// PullImage pulls ref from its configured registry, draining the progress
// stream and logging each line at debug level.
func (e *engineClient) PullImage(ctx context.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		logging.S().Debugw("image pull progress", "line", scanner.Text())
	}
	return scanner.Err()
}

// LoadImage loads a previously produced tarball of image layers into the
// runtime, returning the resolved image reference parsed out of the
// daemon's "Loaded image: <ref>" response line.
func (e *engineClient) LoadImage(ctx context.Context, tarPath string) (string, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return "", &errs.TarballReadFailed{Cause: err}
	}
	defer f.Close()

	resp, err := e.cli.ImageLoad(ctx, f, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return "", err
	}

	const marker = "Loaded image: "
	idx := strings.Index(buf.String(), marker)
	if idx == -1 {
		return "", errs.ErrCouldNotParseImage
	}
	rest := buf.String()[idx+len(marker):]
	ref := strings.TrimSpace(strings.SplitN(rest, `"`, 2)[0])
	if ref == "" {
		return "", errs.ErrCouldNotParseImage
	}
	return ref, nil
}

// BuildImage builds spec.ContextDir into an image tagged spec.Tag. Per spec
// §4.5, the build context tarball is produced by invoking the system tar
// binary into a uniquely-named temp file, then reading the bytes back and
// deleting the temp file, rather than linking docker's archive package.
func (e *engineClient) BuildImage(ctx context.Context, spec BuildSpec) error {
	tarPath, err := tarContextDir(ctx, spec.ContextDir)
	if err != nil {
		return err
	}
	defer os.Remove(tarPath)

	tarBytes, err := os.ReadFile(tarPath)
	if err != nil {
		return &errs.TarballReadFailed{Cause: err}
	}

	buildArgs := make(map[string]*string, len(spec.BuildArgs))
	for k, v := range spec.BuildArgs {
		v := v
		buildArgs[k] = &v
	}

	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	resp, err := e.cli.ImageBuild(ctx, bytes.NewReader(tarBytes), types.ImageBuildOptions{
		Dockerfile: dockerfile,
		Tags:       []string{spec.Tag},
		BuildArgs:  buildArgs,
		Remove:     true,
	})
	if err != nil {
		return &errs.BuildFailed{Cause: err}
	}
	defer resp.Body.Close()

	return drainBuildResponse(resp.Body)
}

// drainBuildResponse reads the daemon's JSON-lines build log, surfacing the
// first "errorDetail" it finds as a BuildError.
func drainBuildResponse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		logging.S().Debugw("image build progress", "line", line)
		if strings.Contains(line, `"errorDetail"`) {
			return &errs.BuildError{Message: line}
		}
	}
	return scanner.Err()
}

// tarContextDir invokes the system tar binary to produce a tarball of dir
// into a uniquely-named temp file, returning its path for the caller to
// read and remove.
func tarContextDir(ctx context.Context, dir string) (string, error) {
	out, err := os.CreateTemp("", "otturnaut-ctx-*.tar")
	if err != nil {
		return "", &errs.TarballCreateFailed{Cause: err}
	}
	path := out.Name()
	out.Close()

	res := runcmd.Run(ctx, runcmd.Spec{
		Name:    "tar",
		Args:    []string{"-cf", path, "-C", dir, "."},
		Timeout: 2 * time.Minute,
	})
	if res.Kind != runcmd.OK {
		os.Remove(path)
		return "", &errs.TarballCreateFailed{Cause: fmt.Errorf("tar exited %d: %s", res.ExitCode, res.Output)}
	}
	return path, nil
}

// Start is the composite create+start operation the saga's StartContainer
// step uses (spec §4.7.1).
func (e *engineClient) Start(ctx context.Context, spec CreateSpec) (string, error) {
	id, err := e.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := e.StartContainer(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}
