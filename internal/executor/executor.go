// Package executor is the step executor (C8): it resolves a step's prompt
// and inputs, checks the token budget, invokes the resolved AgentAdapter,
// and captures the resulting artifacts. It does not own StepRun state
// transitions or reservation — those are the protocol engine's CAS-backed
// responsibility — it only runs one already-reserved step and reports what
// happened. Grounded on temporal/activities.go's ExecuteActivity (build
// prompt, invoke agent, capture token usage, never let a nonzero exit
// abort the activity) and git/diff.go's diff-capture convention, adapted
// from a single hardcoded agent invocation to the AgentAdapter boundary.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/protoeng/orchestrator/internal/agent"
	"github.com/protoeng/orchestrator/internal/engineerr"
	"github.com/protoeng/orchestrator/internal/policy"
)

// Status is the outcome of one execution attempt.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusNeedsQA       Status = "needs_qa"
	StatusFailed        Status = "failed"
	StatusBudgetBlocked Status = "budget_blocked"
)

// Artifact describes one captured output file (spec §4.4 step 5).
type Artifact struct {
	Name      string
	Path      string
	Sha256    string
	SizeBytes int64
}

// RunRequest bundles what a single step execution needs. The caller
// resolves prompt_ref/inputs/outputs against the protocol's spec and
// worktree before constructing this, so this package stays free of
// planstore and protocol imports.
type RunRequest struct {
	Adapter          agent.Adapter
	ExecRequest      agent.ExecRequest
	SkipQA           bool
	Budget           policy.BudgetState
	EstimatedTokens  int
	OutputArtifacts  []OutputSpec
	CaptureGitStatus bool
}

// OutputSpec names one expected output file and the path the adapter is
// expected to have written it to (ExecRequest.OutputTargets.Primary/Aux or
// a path derived from them by the caller).
type OutputSpec struct {
	Name string
	Path string
}

// RunResult is what the executor learned from one execution attempt.
type RunResult struct {
	Status      Status
	AgentResult agent.Result
	Artifacts   []Artifact
	GitStatus   string
	GitDiff     string
	Err         error
}

// Executor runs steps against whatever adapter the caller resolved for
// the step's engine_id.
type Executor struct {
	readArtifact func(path string) ([]byte, error)
}

// New constructs an Executor. readArtifact defaults to os.ReadFile; tests
// may override it to avoid real filesystem I/O.
func New() *Executor {
	return &Executor{readArtifact: defaultReadArtifact}
}

// Run executes req.ExecRequest's step, or returns StatusBudgetBlocked
// without invoking the adapter if the pre-execution token check fails
// (spec §4.4 step 2).
func (e *Executor) Run(ctx context.Context, req RunRequest) RunResult {
	if req.Budget.WouldExceed(req.EstimatedTokens) {
		return RunResult{Status: StatusBudgetBlocked}
	}

	result, err := req.Adapter.Execute(ctx, req.ExecRequest)
	if err != nil {
		return RunResult{Status: StatusFailed, Err: fmt.Errorf("executor: adapter execute: %w", err)}
	}

	out := RunResult{AgentResult: result}

	switch result.Status {
	case agent.StatusOK:
		artifacts, err := e.captureArtifacts(req.OutputArtifacts)
		if err != nil {
			out.Status = StatusFailed
			out.Err = err
			return out
		}
		out.Artifacts = artifacts

		if req.CaptureGitStatus {
			dir := req.ExecRequest.WorkingDirectory
			out.GitStatus, _ = gitOutput(ctx, dir, "status", "--porcelain")
			out.GitDiff, _ = gitOutput(ctx, dir, "diff")
		}

		if req.SkipQA {
			out.Status = StatusCompleted
		} else {
			out.Status = StatusNeedsQA
		}
		return out

	case agent.StatusTransientError:
		out.Status = StatusFailed
		out.Err = engineerr.TransientAgent("adapter_transient_error", adapterErrorMessage(result), nil)
		return out

	default: // agent.StatusPermanentError
		out.Status = StatusFailed
		out.Err = engineerr.PermanentAgent("adapter_permanent_error", adapterErrorMessage(result), nil)
		return out
	}
}

func adapterErrorMessage(result agent.Result) string {
	if result.Error != nil {
		return result.Error.Message
	}
	return fmt.Sprintf("adapter reported status %s with no error detail", result.Status)
}

func (e *Executor) captureArtifacts(specs []OutputSpec) ([]Artifact, error) {
	artifacts := make([]Artifact, 0, len(specs))
	for _, spec := range specs {
		data, err := e.readArtifact(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("executor: read artifact %s: %w", spec.Name, err)
		}
		artifacts = append(artifacts, Artifact{
			Name:      spec.Name,
			Path:      spec.Path,
			Sha256:    agent.Sha256Hex(data),
			SizeBytes: int64(len(data)),
		})
	}
	return artifacts, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func defaultReadArtifact(path string) ([]byte, error) {
	return os.ReadFile(path)
}
