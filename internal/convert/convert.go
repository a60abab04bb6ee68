// Package convert runs external converter tools (score importers, PDF
// renderers, rasterizers, visual differs) as bounded subprocesses.
//
// Each run gets a scoped temporary directory that is removed afterwards,
// an explicit timeout, and its own process group so that a timed out
// converter is killed together with any children it spawned.
package convert

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/logging"
)

// ErrDisabled is returned when a converter has no command configured.
var ErrDisabled = apperrors.New(apperrors.ErrPipelineStage, "converter not configured")

// stderrLimit bounds the stderr excerpt carried in errors.
const stderrLimit = 2048

// Result is the outcome of one subprocess run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Input is one file handed to a converter. Placeholder names the argv
// token it substitutes, such as "in", "in_a" or "in_b".
type Input struct {
	Placeholder string
	Data        []byte
	Ext         string
}

// Runner executes converter commands.
type Runner struct {
	timeout time.Duration
	tempDir string
	log     *logging.Logger
}

// NewRunner returns a Runner that kills converters after timeout. Scoped
// directories are created under tempDir, or the system default when empty.
func NewRunner(timeout time.Duration, tempDir string) *Runner {
	return &Runner{timeout: timeout, tempDir: tempDir, log: logging.Get().With("convert")}
}

// Timeout returns the per-run limit.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Expand substitutes {name} tokens in an argv template.
func Expand(tmpl []string, vars map[string]string) []string {
	argv := make([]string, len(tmpl))
	for i, arg := range tmpl {
		for name, value := range vars {
			arg = strings.ReplaceAll(arg, "{"+name+"}", value)
		}
		argv[i] = arg
	}
	return argv
}

// Convert writes inputs into a scoped directory, runs the tool and
// returns the bytes of the produced output file. {out} names the output
// file including outExt; {out_base} names it without the extension for
// tools that append their own.
func (r *Runner) Convert(ctx context.Context, tool string, tmpl []string, inputs []Input, outExt string) ([]byte, error) {
	if len(tmpl) == 0 {
		return nil, ErrDisabled
	}

	dir, err := os.MkdirTemp(r.tempDir, "scorecore-"+tool+"-*")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create scratch directory", err)
	}
	defer os.RemoveAll(dir)

	vars := map[string]string{
		"out":      filepath.Join(dir, "out"+outExt),
		"out_base": filepath.Join(dir, "out"),
		"dir":      dir,
	}
	for _, in := range inputs {
		p := filepath.Join(dir, in.Placeholder+in.Ext)
		if err := os.WriteFile(p, in.Data, 0600); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to stage converter input", err)
		}
		vars[in.Placeholder] = p
	}

	res, err := r.Run(ctx, tool, Expand(tmpl, vars), dir)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, apperrors.Newf(apperrors.ErrPipelineStage, "%s exited with status %d: %s",
			tool, res.ExitCode, excerpt(res.Stderr))
	}

	out, err := os.ReadFile(vars["out"])
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrPipelineStage, "%s produced no output: %s", tool, excerpt(res.Stderr))
	}
	if len(out) == 0 {
		return nil, apperrors.Newf(apperrors.ErrPipelineStage, "%s produced an empty output", tool)
	}
	return out, nil
}

// Run executes argv in dir with the runner's timeout. A non-zero exit is
// reported in Result, not as an error; errors mean the process could not
// run or was killed.
func (r *Runner) Run(ctx context.Context, tool string, argv []string, dir string) (*Result, error) {
	if len(argv) == 0 {
		return nil, ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	// Converters get a private HOME so they never touch the service
	// user's profile, and run headless.
	cmd.Env = append(os.Environ(), "HOME="+dir, "QT_QPA_PLATFORM=offscreen")
	setProcessGroup(cmd)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if stderrors.Is(err, exec.ErrNotFound) {
			return nil, apperrors.Wrap(apperrors.ErrPipelineStage, tool+" is not installed", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrPipelineStage, "failed to start "+tool, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		elapsed := time.Since(start)
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.log.Warn("converter timed out", map[string]interface{}{
				"tool": tool, "timeout": r.timeout.String(), "elapsed_ms": elapsed.Milliseconds(),
			})
			return nil, apperrors.Newf(apperrors.ErrConverterTimeout, "%s timed out after %s", tool, r.timeout)
		}
		return nil, apperrors.Wrap(apperrors.ErrPipelineStage, tool+" canceled", ctx.Err())
	case err = <-done:
	}

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !stderrors.As(err, &exitErr) {
			return nil, apperrors.Wrap(apperrors.ErrPipelineStage, fmt.Sprintf("failed to run %s", tool), err)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	r.log.Debug("converter finished", map[string]interface{}{
		"tool": tool, "exit_code": res.ExitCode, "duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}

func excerpt(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > stderrLimit {
		s = s[len(s)-stderrLimit:]
	}
	return s
}
