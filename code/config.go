package code

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/customfn"
	"github.com/jonwraymond/vaultscript/lifecycle"
	"github.com/jonwraymond/vaultscript/run"
	"github.com/jonwraymond/vaultscript/sandbox"
)

// DefaultTimeout is the execution budget when neither the request nor the
// configuration sets one.
const DefaultTimeout = 30 * time.Second

// Config holds the configuration for an evaluator.
type Config struct {
	// Catalog declares the capabilities guest code may be allowed to call.
	// Required.
	Catalog *capability.Catalog

	// Run executes capability calls. If nil, a runner over the catalog's
	// index and backend aggregator is created with schema validation on.
	Run run.Runner

	// Functions provides the custom functions of each scope. Optional; when
	// nil the functions namespace is absent.
	Functions *customfn.Registry

	// DefaultTimeout is the execution budget when a request sets none.
	// Defaults to DefaultTimeout.
	DefaultTimeout time.Duration

	// MaxTimeout caps the budget a request may ask for. Zero means no cap.
	MaxTimeout time.Duration

	// SettleWindow is the trailing quiet period the lifecycle manager waits
	// for after the last operation settles. Defaults to
	// lifecycle.DefaultSettleWindow.
	SettleWindow time.Duration

	// MaxCapabilityCalls limits capability invocations per evaluation.
	// Zero means unlimited.
	MaxCapabilityCalls int

	// Limits bound values crossing the sandbox boundary.
	Limits sandbox.Limits

	// Logger is an optional logger for observability.
	Logger Logger
}

// Validate checks that all required fields are set and durations are sane.
// Returns ErrConfiguration otherwise.
func (c *Config) Validate() error {
	var missing []string
	if c.Catalog == nil {
		missing = append(missing, "Catalog")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s",
			ErrConfiguration, strings.Join(missing, ", "))
	}
	if c.DefaultTimeout < 0 || c.MaxTimeout < 0 || c.SettleWindow < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrConfiguration)
	}
	if c.MaxCapabilityCalls < 0 {
		return fmt.Errorf("%w: MaxCapabilityCalls must not be negative", ErrConfiguration)
	}
	return nil
}

// applyDefaults sets default values for optional fields.
func (c *Config) applyDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxTimeout > 0 && c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.SettleWindow == 0 {
		c.SettleWindow = lifecycle.DefaultSettleWindow
	}
	if c.Run == nil {
		c.Run = run.NewRunner(
			run.WithIndex(c.Catalog.Index()),
			run.WithDispatcher(c.Catalog.Aggregator()),
		)
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
}
