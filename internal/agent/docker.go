package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/protoeng/orchestrator/internal/cost"
)

// DockerAdapter runs the agent process inside a container scoped to the
// step's worktree mount, for callers who want process isolation beyond the
// worktree directory boundary alone. Grounded on dispatch/docker.go's
// container lifecycle (create, start, wait, capture, remove), narrowed from
// that file's session/handle bookkeeping to one container per Execute call
// since the adapter contract here is synchronous rather than poll-based.
type DockerAdapter struct {
	cli        *client.Client
	Image      string
	Env        map[string]string
	Logger     *slog.Logger
	Classifier ErrorClassifier
}

// NewDockerAdapter constructs a DockerAdapter. Returns an error if the
// Docker client cannot be initialized from the ambient environment
// (DOCKER_HOST, etc).
func NewDockerAdapter(image string, env map[string]string, logger *slog.Logger, classifier ErrorClassifier) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("agent: init docker client: %w", err)
	}
	if classifier == nil {
		classifier = DefaultClassifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerAdapter{cli: cli, Image: image, Env: env, Logger: logger, Classifier: classifier}, nil
}

func (a *DockerAdapter) Execute(ctx context.Context, req ExecRequest) (Result, error) {
	if a.Image == "" {
		return Result{}, fmt.Errorf("agent: docker adapter has no image configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Limits.WallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Limits.WallTime)
		defer cancel()
	}

	env := make([]string, 0, len(a.Env)+1)
	env = append(env, fmt.Sprintf("PROMPT_REF=%s", req.PromptRef))
	for k, v := range a.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image:      a.Image,
		WorkingDir: "/workspace",
		Env:        env,
		Tty:        false,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: req.WorkingDirectory, Target: "/workspace"},
		},
	}

	created, err := a.cli.ContainerCreate(runCtx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return a.classifiedResult(err), nil
	}
	defer a.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})

	if err := a.cli.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return a.classifiedResult(err), nil
	}

	statusCh, errCh := a.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return a.classifiedResult(err), nil
		}
	case res := <-statusCh:
		exitCode = res.StatusCode
	case <-runCtx.Done():
		return Result{Status: StatusTransientError, Error: &ResultError{Class: "timeout", Message: "wall time exceeded"}}, nil
	}

	out, err := a.cli.ContainerLogs(context.Background(), created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return a.classifiedResult(err), nil
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil && err != io.EOF {
		return a.classifiedResult(err), nil
	}

	if exitCode != 0 {
		return Result{
			Status: StatusPermanentError,
			Error:  &ResultError{Class: "nonzero_exit", Message: stderr.String()},
		}, nil
	}

	if err := writePrimaryOutput(req.OutputTargets.Primary, stdout.Bytes()); err != nil {
		return Result{}, fmt.Errorf("agent: write primary output: %w", err)
	}

	usage := cost.ExtractTokenUsage(stdout.String(), req.PromptRef)

	return Result{
		Status:             StatusOK,
		StdoutBytesWritten: int64(stdout.Len()),
		PromptVersion:      req.PromptRef,
		TokensUsed:         usage.Input + usage.Output,
	}, nil
}

func (a *DockerAdapter) classifiedResult(err error) Result {
	status := a.Classifier.Classify(err)
	a.Logger.Warn("agent docker execution error", "error", err, "status", status)
	return Result{Status: status, Error: &ResultError{Class: string(status), Message: err.Error()}}
}
