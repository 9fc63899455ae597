package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/otturnaut/agent/pkg/caddy"
	"github.com/otturnaut/agent/pkg/config"
	"github.com/otturnaut/agent/pkg/containerrt"
	"github.com/otturnaut/agent/pkg/debugserver"
	"github.com/otturnaut/agent/pkg/deploy"
	"github.com/otturnaut/agent/pkg/logging"
	"github.com/otturnaut/agent/pkg/ports"
	"github.com/otturnaut/agent/pkg/progress"
	"github.com/otturnaut/agent/pkg/registry"
	"github.com/otturnaut/agent/pkg/saga"
)

func main() {
	app := &cli.App{
		Name:                 "otturnaut-agent",
		Usage:                "host-local deployment orchestration agent",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "v", Usage: "enable debug logging"},
		},
		Before: func(c *cli.Context) error {
			configureLogging(c)
			return nil
		},
		Commands: []*cli.Command{
			daemonCommand,
			deployCommand,
			undeployCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configureLogging(c *cli.Context) {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			panic(err)
		}
		logging.SetLevel(l)
		return
	}
	if c.Bool("v") {
		logging.SetLevel(zapcore.DebugLevel)
	}
}

var daemonCommand = &cli.Command{
	Name:  "daemon",
	Usage: "recover app state from the runtime once, then run the debug HTTP server",
	Action: func(c *cli.Context) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		cb, err := buildContext(cfg)
		if err != nil {
			return err
		}

		rt := cb.Runtime
		logging.S().Infow("recovering app state from runtime")
		if err := cb.Registry.RecoverFromRuntime(ctx, rt, cb.Ports); err != nil {
			logging.S().Warnw("startup reconciliation failed", "err", err)
		}

		srv, err := debugserver.New(cfg.Debug.Listen, cb.Registry)
		if err != nil {
			return fmt.Errorf("start debug server: %w", err)
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.S().Errorw("debug server shutdown failed", "err", err)
			}
		}()

		logging.S().Infow("agent daemon listening", "addr", srv.Addr())
		if err := srv.Serve(); err != nil && err.Error() != "http: Server closed" {
			return err
		}
		return nil
	},
}

var deployCommand = &cli.Command{
	Name:  "deploy",
	Usage: "execute a single blue-green deployment",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "app-id", Required: true},
		&cli.StringFlag{Name: "image", Usage: "fully-qualified image reference"},
		&cli.StringFlag{Name: "repo-url", Usage: "git repository to build from"},
		&cli.StringFlag{Name: "ref", Value: "main"},
		&cli.StringFlag{Name: "dockerfile", Value: "Dockerfile"},
		&cli.IntFlag{Name: "container-port", Required: true},
		&cli.StringSliceFlag{Name: "domain"},
		&cli.StringSliceFlag{Name: "env", Usage: "KEY=VALUE, repeatable"},
		&cli.StringFlag{Name: "runtime", Value: "docker"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cb, err := buildContext(cfg)
		if err != nil {
			return err
		}
		pw := progress.New(os.Stdout)
		cb.Notifier = pw

		d := &deploy.Deployment{
			DeploymentID:  deploy.NewDeploymentID(),
			AppID:         c.String("app-id"),
			Image:         c.String("image"),
			ContainerPort: c.Int("container-port"),
			Domains:       c.StringSlice("domain"),
			Env:           parseEnv(c.StringSlice("env")),
			RuntimeKind:   deploy.RuntimeKind(c.String("runtime")),
		}
		if repo := c.String("repo-url"); repo != "" {
			d.Source = &deploy.SourceBuild{
				RepoURL:    repo,
				Ref:        c.String("ref"),
				Dockerfile: c.String("dockerfile"),
			}
		}

		result, err := saga.Deploy(c.Context, cb, d)
		if err != nil {
			pw.WriteError(err.Error())
			return fmt.Errorf("deployment failed: %w (container=%s port=%d)", err, result.ContainerName, result.Port)
		}
		pw.WriteResult(result)
		return nil
	},
}

var undeployCommand = &cli.Command{
	Name:  "undeploy",
	Usage: "idempotently tear down a deployed application",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "app-id", Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cb, err := buildContext(cfg)
		if err != nil {
			return err
		}
		cb.Notifier = progress.New(os.Stdout)
		return saga.Undeploy(c.Context, cb, c.String("app-id"))
	},
}

// buildContext wires the capability bundle the saga depends on, once per
// process invocation (spec §9 "capability injection over global
// singletons").
func buildContext(cfg *config.AgentConfig) (*saga.Context, error) {
	rt, err := containerrt.NewDocker(cfg.Runtime.DockerSocket)
	if err != nil {
		return nil, fmt.Errorf("construct container runtime: %w", err)
	}

	return &saga.Context{
		Ports:      ports.New(cfg.Ports.Low, cfg.Ports.High),
		Registry:   registry.New(),
		Runtime:    rt,
		RuntimeFor: runtimeFactory(cfg),
		Caddy: caddy.New(caddy.Config{
			AdminEndpoint:         cfg.Caddy.AdminEndpoint,
			HTTPPort:              cfg.Caddy.HTTPPort,
			HTTPSPort:             cfg.Caddy.HTTPSPort,
			DisableAutomaticHTTPS: cfg.Caddy.DisableAutomaticHTTPS,
		}),
		HealthCheck: saga.HealthCheckPolicy{
			MaxAttempts: cfg.HealthCheck.MaxAttempts,
			Interval:    time.Duration(cfg.HealthCheck.IntervalMS) * time.Millisecond,
		},
	}, nil
}

// runtimeFactory returns the closure saga.Context.RuntimeFor uses to pick a
// container-runtime adapter per deployment request (spec §3: RuntimeKind and
// RuntimeEndpoint are per-deployment fields, not process-wide config). An
// empty endpoint falls back to the daemon's configured default socket for
// that kind.
func runtimeFactory(cfg *config.AgentConfig) func(deploy.RuntimeKind, string) (containerrt.Runtime, error) {
	return func(kind deploy.RuntimeKind, endpoint string) (containerrt.Runtime, error) {
		switch kind {
		case deploy.RuntimePodman:
			if endpoint == "" {
				endpoint = cfg.Runtime.PodmanSocket
			}
			return containerrt.NewPodman(endpoint)
		case deploy.RuntimeDocker, "":
			if endpoint == "" {
				endpoint = cfg.Runtime.DockerSocket
			}
			return containerrt.NewDocker(endpoint)
		default:
			return nil, fmt.Errorf("unsupported runtime kind %q", kind)
		}
	}
}

func parseEnv(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
