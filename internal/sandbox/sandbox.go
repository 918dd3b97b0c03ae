// Package sandbox runs verification command sequences against an isolated
// view of the workspace. Isolation prefers a container when the runtime is
// reachable, then a filesystem copy, then in-place execution as last resort.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/config"
)

// Isolation modes. ModeAuto probes for the best available one.
const (
	ModeAuto      = "auto"
	ModeContainer = "container"
	ModeCopy      = "copy"
	ModeInPlace   = "inplace"
)

// Command output is capped at this many characters per stream.
const outputLimit = 5000

const truncationMarker = "... [truncated]"

// Runner executes build/lint/test sequences in a sandbox. A Runner carries
// no per-run state and is safe to share.
type Runner struct {
	logger *zap.Logger
	cfg    config.SandboxConfig
}

// New builds a runner from sandbox configuration.
func New(logger *zap.Logger, cfg config.SandboxConfig) *Runner {
	return &Runner{logger: logger.Named("sandbox"), cfg: cfg}
}

// Run executes the commands strictly in order inside a sandbox built for
// root, stopping at the first non-zero exit. The caller's context is the
// only cancellation cutoff; the sandbox directory is removed before Run
// returns unless KeepOnFailure holds it back for debugging.
func (r *Runner) Run(ctx context.Context, root string, commands []string) *schemas.SandboxResult {
	mode, auto := r.resolveMode(ctx)

	dir, cleanup, mode, err := r.prepare(ctx, root, mode, auto)
	if err != nil {
		r.logger.Error("Sandbox creation failed.", zap.String("mode", mode), zap.Error(err))
		return &schemas.SandboxResult{
			Status: schemas.SandboxCreationFailed,
			Mode:   mode,
			Error:  err.Error(),
		}
	}

	result := &schemas.SandboxResult{Status: schemas.SandboxPassed, Mode: mode}
	failed := false
	defer func() {
		if failed && r.cfg.KeepOnFailure {
			r.logger.Warn("Verification failed. Keeping sandbox for debugging.", zap.String("dir", dir))
			return
		}
		cleanup()
	}()

	r.logger.Info("Sandbox verification started.",
		zap.String("mode", mode),
		zap.Int("commands", len(commands)))

	for _, command := range commands {
		res := r.execute(ctx, mode, dir, command)
		result.Results = append(result.Results, res)
		if res.ExitCode != 0 {
			failed = true
			result.Status = schemas.SandboxTestFailed
			result.Error = fmt.Sprintf("command %q exited with code %d", command, res.ExitCode)
			r.logger.Warn("Sandbox command failed, stopping sequence.",
				zap.String("command", command),
				zap.Int("exit_code", res.ExitCode))
			return result
		}
	}

	r.logger.Info("Sandbox verification passed.", zap.Int("commands", len(result.Results)))
	return result
}

// resolveMode maps the configured mode to a concrete one. The second return
// marks auto mode, where a failed copy may still degrade to in-place.
func (r *Runner) resolveMode(ctx context.Context) (string, bool) {
	switch r.cfg.Mode {
	case ModeContainer, ModeCopy, ModeInPlace:
		return r.cfg.Mode, false
	}
	if r.containerReachable(ctx) {
		return ModeContainer, true
	}
	return ModeCopy, true
}

// containerReachable probes the docker daemon.
func (r *Runner) containerReachable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
	if err := cmd.Run(); err != nil {
		r.logger.Debug("Container runtime not reachable.", zap.Error(err))
		return false
	}
	return true
}

// prepare builds the sandbox directory for the given mode. Container and
// copy modes both work on a copied tree; in-place hands back the root with
// a no-op cleanup.
func (r *Runner) prepare(ctx context.Context, root, mode string, auto bool) (string, func(), string, error) {
	if mode == ModeInPlace {
		r.logger.Warn("Running verification in place; the working tree is not isolated.")
		return root, func() {}, mode, nil
	}

	dir, cleanup, err := r.copyWorkspace(ctx, root)
	if err != nil {
		if auto {
			r.logger.Warn("Workspace copy failed, degrading to in-place verification.", zap.Error(err))
			return root, func() {}, ModeInPlace, nil
		}
		return "", nil, mode, err
	}
	return dir, cleanup, mode, nil
}

// copyWorkspace clones the workspace into a fresh temporary directory and
// returns it with its cleanup function.
func (r *Runner) copyWorkspace(ctx context.Context, root string) (string, func(), error) {
	tempDir, err := os.MkdirTemp("", "evold-sandbox-")
	if err != nil {
		return "", nil, fmt.Errorf("create sandbox directory: %w", err)
	}

	cleanup := func() {
		if err := os.RemoveAll(tempDir); err != nil {
			r.logger.Error("Failed to remove sandbox directory.", zap.String("dir", tempDir), zap.Error(err))
		} else {
			r.logger.Debug("Sandbox directory removed.", zap.String("dir", tempDir))
		}
	}

	if err := copyTree(ctx, root, tempDir); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copy workspace into sandbox: %w", err)
	}
	return tempDir, cleanup, nil
}

// copyTree tries a reflink-aware cp first (near-free on CoW filesystems)
// and falls back to a plain file walk when cp is missing or refuses the
// flags.
func copyTree(ctx context.Context, src, dst string) error {
	if _, err := exec.LookPath("cp"); err == nil {
		cmd := exec.CommandContext(ctx, "cp", "--reflink=auto", "-a", src+string(filepath.Separator)+".", dst)
		if err := cmd.Run(); err == nil {
			return nil
		}
	}
	return walkCopy(src, dst)
}

func walkCopy(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and the like have no place in a sandbox.
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// execute runs one command through sh inside the sandbox, capturing both
// streams with truncation and the elapsed time.
func (r *Runner) execute(ctx context.Context, mode, dir, command string) schemas.CommandResult {
	var cmd *exec.Cmd
	if mode == ModeContainer {
		cmd = exec.CommandContext(ctx, "docker", "run", "--rm",
			"-v", dir+":/workspace", "-w", "/workspace",
			r.cfg.Image, "sh", "-c", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := schemas.CommandResult{
		Command:    command,
		Stdout:     truncate(stdout.String()),
		Stderr:     truncate(stderr.String()),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// The command never ran or was cut off by the caller's context.
			result.ExitCode = -1
			result.Stderr = truncate(stderr.String() + "\n" + err.Error())
		}
	}
	return result
}

func truncate(s string) string {
	if len(s) <= outputLimit {
		return s
	}
	return s[:outputLimit] + truncationMarker
}
