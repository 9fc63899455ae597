// Package deploy holds the data model shared across the agent core: the
// deployment request, the source-build descriptor, the app record, and the
// naming/tagging conventions that tie them to the container runtime and
// Caddy (spec §3, §6).
package deploy

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/xid"

	"github.com/otturnaut/agent/pkg/errs"
)

// RuntimeKind tags which container-runtime wire dialect a deployment targets.
// Docker and Podman speak the same HTTP API; this only selects the default
// socket path when RuntimeEndpoint is left empty.
type RuntimeKind string

const (
	RuntimeDocker RuntimeKind = "docker"
	RuntimePodman RuntimeKind = "podman"
)

// Status is the lifecycle state the saga reports back on a Deployment.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusRolledBack Status = "RolledBack"
)

// RecordStatus is the lifecycle state stored against an AppRecord in the
// registry (distinct from Status, which belongs to a single Deployment run).
type RecordStatus string

const (
	RecordRunning   RecordStatus = "Running"
	RecordStopped   RecordStatus = "Stopped"
	RecordDeploying RecordStatus = "Deploying"
)

// ContainerNamePrefix is the fixed prefix every container the agent manages
// carries, used both to tag new containers and to recognize agent-owned
// containers during startup reconciliation.
const ContainerNamePrefix = "otturnaut"

// SourceBuild describes how to build a deployment's image from a git
// repository, as opposed to supplying a pre-built image reference.
type SourceBuild struct {
	RepoURL    string            `json:"repo_url" validate:"required"`
	Ref        string            `json:"ref"`
	Dockerfile string            `json:"dockerfile"`
	BuildArgs  map[string]string `json:"build_args,omitempty"`
	SSHKeyPath string            `json:"ssh_key_path,omitempty"`
}

// Normalize fills in the documented defaults ("main" ref, "Dockerfile" path).
func (s *SourceBuild) Normalize() {
	if s.Ref == "" {
		s.Ref = "main"
	}
	if s.Dockerfile == "" {
		s.Dockerfile = "Dockerfile"
	}
}

// Deployment is the input to the saga, populated progressively as the saga
// executes (spec §3). Validation enforces the Image XOR Source invariant via
// a struct-level rule registered on the package validator below.
type Deployment struct {
	DeploymentID string `json:"deployment_id" validate:"required"`
	AppID        string `json:"app_id" validate:"required"`

	Image  string       `json:"image,omitempty"`
	Source *SourceBuild `json:"source,omitempty"`

	ContainerPort int               `json:"container_port" validate:"required,gt=0"`
	Env           map[string]string `json:"env,omitempty"`
	Domains       []string          `json:"domains,omitempty"`

	RuntimeKind     RuntimeKind `json:"runtime_kind" validate:"required,oneof=docker podman"`
	RuntimeEndpoint string      `json:"runtime_endpoint,omitempty"`

	// Fields populated by the saga.
	Port                   int          `json:"port,omitempty"`
	ContainerName          string       `json:"container_name,omitempty"`
	ContainerID            string       `json:"container_id,omitempty"`
	PreviousContainerName  string       `json:"previous_container_name,omitempty"`
	PreviousPort           int          `json:"previous_port,omitempty"`
	Status                 Status       `json:"status,omitempty"`
	Error                  string       `json:"error,omitempty"`
	CreatedAt              time.Time    `json:"created_at,omitempty"`
	UpdatedAt              time.Time    `json:"updated_at,omitempty"`
}

// AppRecord is the value stored in the App Registry per live application
// (spec §3, invariant 3).
type AppRecord struct {
	DeploymentID  string       `json:"deployment_id"`
	ContainerName string       `json:"container_name"`
	Port          int          `json:"port"`
	Domains       []string     `json:"domains"`
	Status        RecordStatus `json:"status"`
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateDeployment, Deployment{})
	return v
}()

// validateDeployment enforces the "Image XOR Source" invariant, mirroring
// the cross-field validation style the teacher uses for Instances in
// pkg/api/composition_validation.go.
func validateDeployment(sl validator.StructLevel) {
	d := sl.Current().Interface().(Deployment)
	hasImage := d.Image != ""
	hasSource := d.Source != nil
	switch {
	case hasImage == hasSource:
		sl.ReportError(d.Image, "Image", "Image", "image_xor_source", "")
	}
}

// Validate checks structural invariants on a freshly-constructed Deployment,
// returning ErrMalformedDeployment-class errors (never retried, per spec §7).
func (d *Deployment) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMalformedDeployment, err)
	}
	return nil
}

// NewDeploymentID mints a 12-byte, URL-safe, time-sortable deployment id.
func NewDeploymentID() string {
	return xid.New().String()
}

// ContainerName computes the structured container name for a deployment
// (spec invariant 1): otturnaut-{app_id}-{deployment_id}.
func ContainerName(appID, deploymentID string) string {
	return fmt.Sprintf("%s-%s-%s", ContainerNamePrefix, appID, deploymentID)
}

// ImageTag computes the image tag the build pipeline produces (spec
// invariant 2): otturnaut-{app_id}:{commit_hash}.
func ImageTag(appID, commitHash string) string {
	return fmt.Sprintf("%s-%s:%s", ContainerNamePrefix, appID, commitHash)
}

// RouteID computes the Caddy route id for an application's reverse-proxy
// route: {app_id}-route.
func RouteID(appID string) string {
	return appID + "-route"
}

// ParseContainerName recovers (appID, deploymentID) from a container name of
// shape otturnaut-{app_id}-{deployment_id}, splitting on the first "-"
// after the prefix, i.e. the first two separators of the whole name (spec
// invariant 1); everything after that lands in deploymentID. ok is false for any name
// that does not match this shape; such names are treated as externally
// owned and ignored by startup reconciliation.
func ParseContainerName(name string) (appID, deploymentID string, ok bool) {
	const prefix = ContainerNamePrefix + "-"
	if !strings.HasPrefix(name, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, prefix)
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
