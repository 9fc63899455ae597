// Package config loads the agent's local configuration: the ephemeral port
// range, the Caddy admin endpoint, the default container runtime socket, and
// the debug HTTP server's listen address. Following config.EnvConfig.Load()
// as referenced throughout the teacher's pkg/cmd/*.go, configuration is
// TOML, resolved from $OTTURNAUT_HOME/agent.toml with coalesced defaults.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/imdario/mergo"
)

// PortRange is the closed range [Low, High] the port allocator vends from.
type PortRange struct {
	Low  int `toml:"low"`
	High int `toml:"high"`
}

// CaddyConfig configures how the agent talks to the Caddy admin API and what
// the managed server block listens on.
type CaddyConfig struct {
	AdminEndpoint        string `toml:"admin_endpoint"`
	HTTPPort             int    `toml:"http_port"`
	HTTPSPort            int    `toml:"https_port"`
	DisableAutomaticHTTPS bool  `toml:"disable_automatic_https"`
}

// RuntimeConfig configures the default container-runtime sockets.
type RuntimeConfig struct {
	DockerSocket string `toml:"docker_socket"`
	PodmanSocket string `toml:"podman_socket"`
}

// DebugServerConfig configures the local operator-facing introspection HTTP
// server (not the control-plane transport, which is out of scope).
type DebugServerConfig struct {
	Listen string `toml:"listen"`
}

// HealthCheckConfig configures the default saga health-check poll.
type HealthCheckConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	IntervalMS  int `toml:"interval_ms"`
}

// AgentConfig is the agent's top-level configuration object.
type AgentConfig struct {
	Ports       PortRange         `toml:"ports"`
	Caddy       CaddyConfig       `toml:"caddy"`
	Runtime     RuntimeConfig     `toml:"runtime"`
	Debug       DebugServerConfig `toml:"debug"`
	HealthCheck HealthCheckConfig `toml:"health_check"`
}

// defaultConfig mirrors the teacher's defaultConfig pattern in
// pkg/runner/local_docker.go: a package-level value that incoming
// configuration is merged onto, so zero-valued fields fall back sanely.
var defaultConfig = AgentConfig{
	Ports: PortRange{Low: 20000, High: 29999},
	Caddy: CaddyConfig{
		AdminEndpoint: "http://127.0.0.1:2019",
		HTTPPort:      80,
		HTTPSPort:     443,
	},
	Runtime: RuntimeConfig{
		DockerSocket: "/var/run/docker.sock",
		PodmanSocket: "/run/podman/podman.sock",
	},
	Debug: DebugServerConfig{
		Listen: "127.0.0.1:7780",
	},
	HealthCheck: HealthCheckConfig{
		MaxAttempts: 10,
		IntervalMS:  1000,
	},
}

// Home returns $OTTURNAUT_HOME, or ~/.otturnaut if unset.
func Home() string {
	if h := os.Getenv("OTTURNAUT_HOME"); h != "" {
		return h
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".otturnaut")
	}
	return filepath.Join(os.TempDir(), "otturnaut")
}

// Load reads agent.toml under Home(), merging it onto defaultConfig. A
// missing file is not an error; the agent runs on defaults.
func Load() (*AgentConfig, error) {
	cfg := defaultConfig

	path := filepath.Join(Home(), "agent.toml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}

	var loaded AgentConfig
	if _, err := toml.DecodeFile(path, &loaded); err != nil {
		return nil, err
	}

	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return nil, err
	}
	return &cfg, nil
}
