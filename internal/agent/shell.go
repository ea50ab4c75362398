package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/protoeng/orchestrator/internal/cost"
)

// ShellAdapter invokes a configured command as a bare child process, with
// the resolved prompt and input/output paths passed as CLI flags and
// environment variables. Grounded on dispatch/tmux.go's command
// construction and dispatch/shell_escape.go's argv-safety conventions
// (here enforced structurally: arguments are passed via exec.Cmd's argv,
// never interpolated into a shell string, which is strictly safer than the
// teacher's string-escaping approach).
type ShellAdapter struct {
	Command    string
	ExtraArgs  []string
	Env        map[string]string
	Logger     *slog.Logger
	Classifier ErrorClassifier
}

// NewShellAdapter constructs a ShellAdapter with a DefaultClassifier if
// classifier is nil.
func NewShellAdapter(command string, extraArgs []string, env map[string]string, logger *slog.Logger, classifier ErrorClassifier) *ShellAdapter {
	if classifier == nil {
		classifier = DefaultClassifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellAdapter{Command: command, ExtraArgs: extraArgs, Env: env, Logger: logger, Classifier: classifier}
}

func (a *ShellAdapter) Execute(ctx context.Context, req ExecRequest) (Result, error) {
	if a.Command == "" {
		return Result{}, fmt.Errorf("agent: shell adapter has no command configured")
	}

	args := append([]string(nil), a.ExtraArgs...)
	args = append(args, "--prompt-ref", req.PromptRef)
	for name, path := range req.ResolvedInputs {
		args = append(args, "--input", fmt.Sprintf("%s=%s", name, path))
	}
	args = append(args, "--output", req.OutputTargets.Primary)

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Limits.WallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Limits.WallTime)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, a.Command, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = os.Environ()
	for k, v := range a.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	a.Logger.Info("agent shell execution finished",
		"command", a.Command, "prompt_ref", req.PromptRef, "duration_s", duration.Seconds(), "error", runErr)

	if runErr != nil {
		status := a.Classifier.Classify(runErr)
		if runCtx.Err() == context.DeadlineExceeded {
			status = StatusTransientError
		}
		return Result{
			Status: status,
			Error:  &ResultError{Class: string(status), Message: strings.TrimSpace(stderr.String())},
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

func writePrimaryOutput(path string, data []byte) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Sha256Hex is a small helper shared by backends that need to hash captured
// artifacts (spec §4.4 step 5: "compute sha256 and size per artifact").
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
