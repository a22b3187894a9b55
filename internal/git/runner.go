package git

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/cellmesh/cellmesh/internal/errs"
)

// Result captures one git invocation's outcome. Non-zero exits are not
// errors at this layer — callers inspect Code and Stderr.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

// Runner is the capability seam for invoking git. The default
// implementation shells out; tests substitute a fake.
type Runner interface {
	Git(ctx context.Context, cwd string, args ...string) (Result, error)
}

// ExecRunner runs the real git binary.
type ExecRunner struct{}

// Git runs git with args in cwd. The returned error is reserved for
// failures to launch the process at all; a non-zero exit comes back in
// Result with stderr intact.
func (ExecRunner) Git(ctx context.Context, cwd string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.Code = exitErr.ExitCode()
		return result, nil
	}
	return result, errs.External("git.Run", err.Error())
}

var _ Runner = ExecRunner{}
