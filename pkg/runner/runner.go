// Package runner provides the default AgentRunner: it invokes a configured
// agent command with the prompt on stdin and captures the structured outcome.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/logger"
	"github.com/roomloop/roomloop/pkg/relay"
)

// stderrCap bounds how much captured stderr is surfaced in a failure result.
const stderrCap = 2000

// ExecRunner runs agents as external processes. The command receives the
// agent id as its argument and the prompt on stdin.
type ExecRunner struct {
	command string
	timeout time.Duration
}

// New creates an ExecRunner. An empty command yields a runner that reports
// every invocation as failed, which keeps the relay pipeline functional in
// forward-only deployments.
func New(command string, timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ExecRunner{command: command, timeout: timeout}
}

// Run implements relay.AgentRunner. Timeouts and non-zero exits come back as
// results, not errors; err is reserved for "could not even start". There is
// no retry here — a stateful agent invocation retried blindly could
// duplicate side effects.
func (r *ExecRunner) Run(ctx context.Context, agent domain.AgentID, prompt string) (relay.RunResult, error) {
	if r.command == "" {
		return relay.RunResult{ExitCode: -1, Stderr: "no agent command configured"}, errors.New("runner: no command configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	parts := strings.Fields(r.command)
	args := append(parts[1:], string(agent))
	cmd := exec.CommandContext(runCtx, parts[0], args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := relay.RunResult{
		Stdout:   stdout.String(),
		Stderr:   truncate(stderr.String(), stderrCap),
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		logger.WarnCF("runner", "Agent invocation failed", map[string]interface{}{
			"agent": agent.String(), "exit": result.ExitCode,
			"timedOut": result.TimedOut, "stderr": result.Stderr,
		})
	}
	return result, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Back off to a rune boundary so the cut never leaves an invalid
	// UTF-8 tail.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "…(truncated)"
}
