// Package buildpipeline composes the Source Fetcher and Container Runtime
// Adapter into the single atomic image-producing step the deployment saga
// invokes ahead of StartContainer (spec §2, component "Build pipeline
// (C1+C2+C5 glue)").
package buildpipeline

import (
	"context"

	"github.com/otturnaut/agent/pkg/containerrt"
	"github.com/otturnaut/agent/pkg/deploy"
	"github.com/otturnaut/agent/pkg/logging"
	"github.com/otturnaut/agent/pkg/source"
)

// Result is the outcome of a successful build.
type Result struct {
	ImageTag   string
	CommitHash string
}

// Build resolves a deployment's image. If d.Image is set, it is used
// directly and nothing is built. Otherwise source.Fetch clones the
// configured repository, the resulting commit hash computes the image tag
// (spec invariant 2), and rt.BuildImage produces it; the scratch checkout
// is always cleaned up, success or failure.
func Build(ctx context.Context, rt containerrt.Runtime, d *deploy.Deployment) (Result, error) {
	if d.Image != "" {
		return Result{ImageTag: d.Image}, nil
	}

	d.Source.Normalize()

	fetched, err := source.Fetch(ctx, d.Source.RepoURL, d.Source.Ref, 1, d.Source.SSHKeyPath)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := source.Cleanup(fetched.Dir); cerr != nil {
			logging.S().Warnw("failed to clean up build scratch dir", "dir", fetched.Dir, "err", cerr)
		}
	}()

	tag := deploy.ImageTag(d.AppID, fetched.CommitHash)

	err = rt.BuildImage(ctx, containerrt.BuildSpec{
		ContextDir: fetched.Dir,
		Dockerfile: d.Source.Dockerfile,
		Tag:        tag,
		BuildArgs:  d.Source.BuildArgs,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{ImageTag: tag, CommitHash: fetched.CommitHash}, nil
}
