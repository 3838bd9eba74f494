package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Scripted answers fed to the tool's interactive prompts: a name line, a
// password-like line, then blank.
const interactiveScript = "reportcache\nreportcache\n\n"

// ToolRunner abstracts the external report-generation invocation so tests can
// substitute a scripted implementation.
type ToolRunner interface {
	// Run invokes tool with args, writing combined stdout and stderr to
	// output. In interactive mode the scripted answers are fed on stdin;
	// otherwise stdin is suppressed. The returned int is the tool's exit
	// status; the error covers failures to run the tool at all.
	Run(ctx context.Context, tool string, args []string, interactive bool, output io.Writer) (int, error)
}

// ExecRunner runs the tool as a blocking subprocess. There is no timeout: a
// hang in the external tool hangs the orchestrator, short of the caller
// cancelling the context.
type ExecRunner struct {
	// Stream, when non-nil, additionally receives the combined output live
	// (typically os.Stdout).
	Stream io.Writer
}

// Run implements ToolRunner.
func (r *ExecRunner) Run(ctx context.Context, tool string, args []string, interactive bool, output io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	if interactive {
		cmd.Stdin = strings.NewReader(interactiveScript)
	}
	sink := output
	if r.Stream != nil {
		sink = io.MultiWriter(output, r.Stream)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("running tool '%s': %w", tool, err)
}
