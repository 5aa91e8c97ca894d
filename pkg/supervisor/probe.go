package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Result represents the outcome of a readiness probe
type Result struct {
	Ready     bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Probe is the interface all readiness probes implement. A probe derives
// readiness from externally observable state (e.g. chain progress
// reported by the node CLI); it never inspects the processes directly.
type Probe interface {
	Check(ctx context.Context) Result
}

// ProbeFunc adapts a plain function to the Probe interface
type ProbeFunc func(ctx context.Context) Result

func (f ProbeFunc) Check(ctx context.Context) Result {
	return f(ctx)
}

// ExecProbe runs a command and reports ready on exit code 0
type ExecProbe struct {
	Command []string
	Timeout time.Duration
}

// NewExecProbe creates a new exec readiness probe
func NewExecProbe(command []string) *ExecProbe {
	return &ExecProbe{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// WithTimeout sets the per-check execution timeout
func (e *ExecProbe) WithTimeout(d time.Duration) *ExecProbe {
	e.Timeout = d
	return e
}

// Check performs the exec readiness check
func (e *ExecProbe) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Ready:     false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		return Result{
			Ready:     false,
			Message:   fmt.Sprintf("probe command failed: %v: %s", err, firstLine(output.String())),
			CheckedAt: start,
			Duration:  duration,
		}
	}

	return Result{
		Ready:     true,
		Message:   firstLine(output.String()),
		CheckedAt: start,
		Duration:  duration,
	}
}

func firstLine(s string) string {
	if i := bytes.IndexByte([]byte(s), '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
