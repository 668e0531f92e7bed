package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskdeck/workflow/pkg/schema"
)

// ExecuteRequest carries everything an executor adapter needs to dispatch
// one unit of agent work. Input is the fully resolved prompt; the engine
// never hands raw templates to an executor.
type ExecuteRequest struct {
	RunID      string
	StepID     string
	Agent      schema.WorkflowAgent
	Input      string
	SessionKey string
	// SessionFresh is false when the step reuses an earlier session for the
	// same run and agent, in which case SessionContext is advisory.
	SessionFresh   bool
	SessionContext map[string]any
	ToolPolicy     schema.ToolPolicy
	OutputFile     string
	Attempt        int
}

// ExecuteResult is the executor's report of a finished dispatch. Output is
// the structured output parsed from the step's artifact; it may be nil for
// steps that produce no structured data.
type ExecuteResult struct {
	Output       map[string]any
	ArtifactPath string
}

// StepExecutor adapts the engine to whatever actually runs agent work. The
// engine treats it as a black box: success with a result, or an error. An
// executor must honor context cancellation; the engine enforces timeouts by
// deadline on the passed context.
type StepExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// execWithTimeout invokes the executor under the step's timeout and maps a
// deadline hit to TIMEOUT_ERROR so the failure policy engine can classify it.
func execWithTimeout(ctx context.Context, exec StepExecutor, req ExecuteRequest, timeout time.Duration) (*ExecuteResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := exec.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (timeout > 0 && ctx.Err() == context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step %q timed out after %s", req.StepID, timeout).
				WithStep(req.StepID).WithCause(err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
				WithStep(req.StepID).WithCause(err)
		}
		var engErr *schema.EngineError
		if errors.As(err, &engErr) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutorFailure, "%s", err.Error()).
			WithStep(req.StepID).WithCause(err)
	}
	return res, nil
}

// DryRunExecutor is the built-in executor used when no real agent backend is
// wired up. It writes the resolved input to the step's artifact file and
// echoes a minimal structured output, which makes whole workflows exercisable
// end to end without dispatching any agent.
type DryRunExecutor struct {
	Root string // artifact root directory
}

// Execute writes the resolved input as the step artifact.
func (e *DryRunExecutor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := req.OutputFile
	if name == "" {
		name = req.StepID + ".md"
	}
	path := filepath.Join(e.Root, req.RunID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(req.Input), 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	output := map[string]any{
		"agent":    req.Agent.ID,
		"artifact": path,
		"dry_run":  true,
	}
	return &ExecuteResult{Output: output, ArtifactPath: path}, nil
}

// parseStructuredOutput decodes an executor's artifact as JSON when the step
// declared an output schema or transform but the executor returned no
// structured output.
func parseStructuredOutput(artifactPath string) (map[string]any, error) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
