// Package run resolves a capability by tool ID, validates its arguments at the
// host boundary and dispatches it to the backend that implements it.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonwraymond/toolfoundation/model"
)

// Errors returned by the runner.
var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrValidation    = errors.New("argument validation failed")
	ErrNoDispatcher  = errors.New("no dispatcher configured")
	ErrInvalidToolID = errors.New("tool ID is required")
)

// Dispatcher executes a tool by ID.
type Dispatcher interface {
	Execute(ctx context.Context, toolID string, args map[string]any) (any, error)
}

// Validator checks tool arguments before dispatch.
type Validator interface {
	ValidateInput(tool *model.Tool, args map[string]any) error
}

// Runner executes tools.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Run must honor cancellation/deadlines.
// - Errors: validation failures wrap ErrValidation; unknown tools wrap ErrToolNotFound.
type Runner interface {
	Run(ctx context.Context, toolID string, args map[string]any) (RunResult, error)
}

// RunResult is the outcome of a single tool execution.
type RunResult struct {
	Tool       model.Tool
	Structured any
	Duration   time.Duration
}

// DefaultRunner is the index + validator + dispatcher Runner.
type DefaultRunner struct {
	cfg Config
}

// NewRunner creates a runner. Argument validation is on unless disabled with
// WithValidation(false).
func NewRunner(opts ...ConfigOption) *DefaultRunner {
	cfg := Config{ValidateInput: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	return &DefaultRunner{cfg: cfg}
}

// Run resolves, validates and dispatches one tool call.
func (r *DefaultRunner) Run(ctx context.Context, toolID string, args map[string]any) (RunResult, error) {
	if toolID == "" {
		return RunResult{}, ErrInvalidToolID
	}
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}
	if r.cfg.Dispatcher == nil {
		return RunResult{}, ErrNoDispatcher
	}

	tool, err := r.resolve(toolID)
	if err != nil {
		return RunResult{}, err
	}
	if args == nil {
		args = map[string]any{}
	}
	if r.cfg.ValidateInput {
		if err := r.cfg.Validator.ValidateInput(tool, args); err != nil {
			return RunResult{Tool: *tool}, fmt.Errorf("%w: %s: %v", ErrValidation, toolID, err)
		}
	}

	start := time.Now()
	out, err := r.cfg.Dispatcher.Execute(ctx, toolID, args)
	res := RunResult{Tool: *tool, Structured: out, Duration: time.Since(start)}
	if err != nil {
		return res, err
	}
	return res, nil
}

func (r *DefaultRunner) resolve(toolID string) (*model.Tool, error) {
	if r.cfg.Index != nil {
		tool, _, err := r.cfg.Index.GetTool(toolID)
		if err == nil {
			return &tool, nil
		}
		if r.cfg.ToolResolver == nil {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
		}
	}
	if r.cfg.ToolResolver != nil {
		tool, err := r.cfg.ToolResolver(toolID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolNotFound, toolID, err)
		}
		if tool != nil {
			return tool, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
}
