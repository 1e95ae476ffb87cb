package executor

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/opnlabs/gantry/pkg/models"
)

const WORKING_DIR = "/app"

// DockerExecutorOptions control image pulls and registry access.
type DockerExecutorOptions struct {
	ShowImagePull bool
	Username      string
	Password      string
}

// DockerExecutor runs each step command in a fresh container of one image,
// with the instance workspace bind-mounted at WORKING_DIR. Steps of one
// instance share state only through that workspace, as they would across
// host shells.
type DockerExecutor struct {
	image string
	opts  DockerExecutorOptions
}

// NewDockerExecutor returns an executor backed by the given image.
func NewDockerExecutor(image string, opts DockerExecutorOptions) *DockerExecutor {
	return &DockerExecutor{image: image, opts: opts}
}

// Run executes one command. cmd.Dir must be an absolute host path.
func (d *DockerExecutor) Run(ctx context.Context, cmd Command) (err error) {
	provision := func(stage string, cause error) error {
		return &models.StepError{
			Step:   cmd.Name,
			Reason: models.StepReasonProvisioning,
			Cause:  fmt.Errorf("%s: %w", stage, cause),
		}
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return provision("creating docker client", err)
	}
	defer cli.Close()

	name := slug.Make(cmd.Name + uuid.NewString())

	pullOpts := types.ImagePullOptions{}
	if d.opts.Username != "" {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username: d.opts.Username,
			Password: d.opts.Password,
		})
		if err != nil {
			return provision("encoding registry credentials", err)
		}
		pullOpts.RegistryAuth = auth
	}

	reader, err := cli.ImagePull(ctx, d.image, pullOpts)
	if err != nil {
		return provision(fmt.Sprintf("pulling %s", d.image), err)
	}
	pullOut := io.Discard
	if d.opts.ShowImagePull {
		pullOut = cmd.Stdout
	}
	// The pull completes only once its progress stream is drained.
	if _, err := io.Copy(pullOut, reader); err != nil {
		reader.Close()
		return provision(fmt.Sprintf("pulling %s", d.image), err)
	}
	reader.Close()

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Env:        cmd.Env,
		Cmd:        []string{"/bin/sh", "-c", cmd.Script},
		WorkingDir: WORKING_DIR,
	}, &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: cmd.Dir,
				Target: WORKING_DIR,
			},
		},
	}, nil, nil, name)
	if err != nil {
		return provision("creating container", err)
	}
	defer cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return provision("starting container", err)
	}

	logs, err := cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return provision("attaching logs", err)
	}
	defer logs.Close()

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		// Docker multiplexes both streams over one connection; stdcopy
		// splits them back out.
		stdcopy.StdCopy(cmd.Stdout, cmd.Stderr, logs)
	}()

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			cli.ContainerKill(context.Background(), resp.ID, "KILL")
			return ctx.Err()
		}
		return provision("waiting for container", err)
	case status := <-statusCh:
		<-logsDone
		if status.Error != nil {
			return provision("waiting for container", fmt.Errorf("%s", status.Error.Message))
		}
		if status.StatusCode != 0 {
			return &models.StepError{Step: cmd.Name, ExitCode: int(status.StatusCode), Reason: models.StepReasonExit}
		}
		return nil
	case <-ctx.Done():
		cli.ContainerKill(context.Background(), resp.ID, "KILL")
		return ctx.Err()
	}
}
