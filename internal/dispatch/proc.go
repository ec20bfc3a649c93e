package dispatch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Environment variables tied to a Python virtual environment. Workers must
// run against the host environment, not the orchestrator's own runtime.
var venvEnvVars = []string{"VIRTUAL_ENV", "VIRTUAL_ENV_PROMPT", "PYTHONHOME"}

// SanitizeEnv strips virtual-environment entries from the inherited
// environment: the venv variables themselves, and any PATH segment rooted in
// the active venv or shaped like one.
func SanitizeEnv(env []string) []string {
	venvRoot := ""
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "VIRTUAL_ENV="); ok {
			venvRoot = v
			break
		}
	}

	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			out = append(out, kv)
			continue
		}
		if isVenvVar(key) {
			continue
		}
		if key == "PATH" {
			value = sanitizePath(value, venvRoot)
		}
		out = append(out, key+"="+value)
	}
	return out
}

func isVenvVar(key string) bool {
	for _, v := range venvEnvVars {
		if key == v {
			return true
		}
	}
	return false
}

func sanitizePath(path, venvRoot string) string {
	segments := filepath.SplitList(path)
	kept := segments[:0]
	for _, seg := range segments {
		if venvRoot != "" && (seg == filepath.Join(venvRoot, "bin") || strings.HasPrefix(seg, venvRoot+string(os.PathSeparator))) {
			continue
		}
		if looksLikeVenvBin(seg) {
			continue
		}
		kept = append(kept, seg)
	}
	return strings.Join(kept, string(os.PathListSeparator))
}

func looksLikeVenvBin(seg string) bool {
	dir := filepath.Dir(seg)
	base := filepath.Base(dir)
	return filepath.Base(seg) == "bin" && (base == ".venv" || base == "venv")
}

// WorkerResult captures one worker or export subprocess run.
type WorkerResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// runCommand executes name args... with the sanitized host environment and a
// hard timeout. onStart, if non-nil, receives the child pid immediately after
// launch so the caller can record it before blocking on exit.
func runCommand(ctx context.Context, timeout time.Duration, name string, args []string, onStart func(pid int)) (WorkerResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = SanitizeEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return WorkerResult{}, err
	}
	if onStart != nil {
		onStart(cmd.Process.Pid)
	}

	err := cmd.Wait()
	result := WorkerResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		// CommandContext already killed the child.
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	result.ExitCode = 0
	return result, nil
}

// terminate sends SIGTERM to a recorded pid. Best-effort: lookup and signal
// errors are swallowed.
func terminate(pid int) {
	if pid <= 0 {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
}
