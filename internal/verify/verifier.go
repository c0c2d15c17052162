// Package verify runs post-execution checks against a task's working
// directory: expected-output existence and shell verification hooks, either
// supplied with the task or synthesized from the detected project type.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/foreman/internal/models"
)

// outputPreviewLimit caps captured stdout/stderr stored per hook result.
const outputPreviewLimit = 500

// Verifier runs verification hooks in a fixed working directory.
type Verifier struct {
	workingDir string
	logger     arbor.ILogger
}

// New creates a verifier for the given working directory.
func New(workingDir string, logger arbor.ILogger) *Verifier {
	return &Verifier{
		workingDir: workingDir,
		logger:     logger,
	}
}

// RunHook executes one hook as a shell subprocess in the working directory.
// A non-zero exit produces passed=false; a timeout or spawn failure produces
// passed=false with exit code -1. The returned error is always nil so hook
// failures stay data, not control flow.
func (v *Verifier) RunHook(ctx context.Context, hook models.Hook) models.HookResult {
	v.logger.Info().Str("description", hook.Description).Str("command", hook.Command).Msg("Running verification hook")

	timeout := time.Duration(hook.EffectiveTimeout()) * time.Second
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, "sh", "-c", hook.Command)
	cmd.Dir = v.workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := models.HookResult{
		Description: hook.Description,
		Stdout:      preview(stdout.String()),
		Stderr:      preview(stderr.String()),
		FailOnError: hook.FailOnError,
	}

	switch {
	case hookCtx.Err() == context.DeadlineExceeded:
		result.Passed = false
		result.ExitCode = -1
		result.ErrorMessage = fmt.Sprintf("Verification timeout after %ds", hook.EffectiveTimeout())
	case err == nil:
		result.Passed = true
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.ErrorMessage = fmt.Sprintf("Command failed with exit code %d", result.ExitCode)
		} else {
			result.ExitCode = -1
			result.ErrorMessage = fmt.Sprintf("Verification error: %v", err)
		}
	}

	if result.Passed {
		v.logger.Info().Str("description", hook.Description).Msg("Verification hook passed")
	} else if hook.FailOnError {
		v.logger.Warn().Str("description", hook.Description).Str("error", result.ErrorMessage).Msg("Verification hook failed")
	} else {
		v.logger.Warn().Str("description", hook.Description).Msg("Verification hook failed (non-critical)")
	}
	return result
}

// VerifyTask runs every hook in order. A failing hook with fail_on_error
// clears allPassed but never stops the remaining hooks.
func (v *Verifier) VerifyTask(ctx context.Context, hooks []models.Hook) (bool, []models.HookResult) {
	allPassed := true
	results := make([]models.HookResult, 0, len(hooks))

	for _, hook := range hooks {
		result := v.RunHook(ctx, hook)
		results = append(results, result)
		if !result.Passed && hook.FailOnError {
			allPassed = false
		}
	}
	return allPassed, results
}

// CheckExpectedOutputs verifies that each path exists relative to the
// working directory, returning the overall verdict and a per-file map.
func (v *Verifier) CheckExpectedOutputs(expectedOutputs []string) (bool, map[string]bool) {
	status := make(map[string]bool, len(expectedOutputs))
	allExist := true

	for _, expected := range expectedOutputs {
		path := expected
		if !filepath.IsAbs(path) {
			path = filepath.Join(v.workingDir, expected)
		}
		_, err := os.Stat(path)
		exists := err == nil
		status[expected] = exists
		if !exists {
			allExist = false
			v.logger.Warn().Str("file", expected).Msg("Missing expected output file")
		}
	}
	return allExist, status
}

// FormatError composes verification failures into the error string recorded
// on the task: a missing-files line first, then one bullet per failing hook
// with up to the first five non-empty stderr lines indented beneath it.
func FormatError(results []models.HookResult, missingFiles []string) string {
	var lines []string

	if len(missingFiles) > 0 {
		lines = append(lines, fmt.Sprintf("Missing output files: %s", strings.Join(missingFiles, ", ")))
	}

	var failed []models.HookResult
	for _, r := range results {
		if !r.Passed && r.FailOnError {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		lines = append(lines, "Verification checks failed:")
		for _, r := range failed {
			lines = append(lines, fmt.Sprintf("  - %s: %s", r.Description, r.ErrorMessage))
			count := 0
			for _, stderrLine := range strings.Split(r.Stderr, "\n") {
				if count >= 5 {
					break
				}
				if strings.TrimSpace(stderrLine) == "" {
					count++
					continue
				}
				lines = append(lines, "    "+stderrLine)
				count++
			}
		}
	}
	return strings.Join(lines, "\n")
}

func preview(s string) string {
	if len(s) > outputPreviewLimit {
		return s[:outputPreviewLimit]
	}
	return s
}
