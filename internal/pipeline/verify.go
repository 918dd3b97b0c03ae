// File: internal/pipeline/verify.go
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
)

const commandOutputLimit = 5000

const commandTruncationMarker = "... [truncated]"

// runValidation vets and executes the gene's declared validation commands in
// order inside the workspace root. A blocked command or a non-zero exit
// terminates the sequence; the second return distinguishes an executed
// failure (environmental) from a blocked one (policy).
func (p *Pipeline) runValidation(ctx context.Context, root string, commands []string) (results []schemas.CommandResult, executedFailure bool) {
	for _, raw := range commands {
		vet := p.vetter.Vet(ctx, raw)
		if vet.Blocked() {
			results = append(results, schemas.CommandResult{
				Command:     raw,
				ExitCode:    -1,
				Blocked:     true,
				BlockReason: vet.BlockReason,
			})
			return results, false
		}

		res := p.executeArgv(ctx, root, raw, vet.Argv)
		results = append(results, res)
		if res.ExitCode != 0 {
			return results, true
		}
	}
	return results, false
}

// executeArgv runs one vetted command argv-style, without a shell, capturing
// both streams with truncation and the elapsed time.
func (p *Pipeline) executeArgv(ctx context.Context, dir, raw string, argv []string) schemas.CommandResult {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("Running validation command.", zap.String("command", raw))
	start := time.Now()
	err := cmd.Run()

	result := schemas.CommandResult{
		Command:    raw,
		Stdout:     truncateOutput(stdout.String()),
		Stderr:     truncateOutput(stderr.String()),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// The command never started or was cut off by the context.
			result.ExitCode = -1
			result.Stderr = truncateOutput(stderr.String() + "\n" + err.Error())
		}
		p.logger.Warn("Validation command failed.",
			zap.String("command", raw),
			zap.Int("exit_code", result.ExitCode))
	}
	return result
}

func truncateOutput(s string) string {
	if len(s) <= commandOutputLimit {
		return s
	}
	return s[:commandOutputLimit] + commandTruncationMarker
}
