package exec

import (
	"time"

	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/capability/notes"
	"github.com/jonwraymond/vaultscript/code"
	"github.com/jonwraymond/vaultscript/customfn"
	"github.com/jonwraymond/vaultscript/sandbox"
)

// Default configuration values.
const (
	DefaultMaxCapabilityCalls = 100
	DefaultTimeout            = 30 * time.Second
)

// Options configures an Exec instance.
type Options struct {
	// Vault backs the notes and types capabilities.
	// Default: a fresh in-memory vault.
	Vault *notes.Vault

	// DisableVault leaves the notes and types capabilities out of the
	// catalog, e.g. when Capabilities provides a different host API.
	DisableVault bool

	// Capabilities are registered in addition to the vault capabilities.
	Capabilities []capability.Declaration

	// Types are named type declarations (name → TypeScript type expression)
	// used by Capabilities. Registered before them.
	Types map[string]string

	// FunctionStore persists custom functions.
	// Default: an in-memory store.
	FunctionStore customfn.Store

	// MaxCapabilityCalls limits capability calls per evaluation.
	// Default: 100
	MaxCapabilityCalls int

	// DefaultTimeout for evaluations that do not set one.
	// Default: 30s
	DefaultTimeout time.Duration

	// MaxTimeout caps the timeout a request may ask for. Zero means no cap.
	MaxTimeout time.Duration

	// SettleWindow is the trailing quiet period after the last operation.
	// Default: lifecycle.DefaultSettleWindow
	SettleWindow time.Duration

	// Limits bound values crossing the sandbox boundary.
	Limits sandbox.Limits

	// Logger receives evaluation events. Optional.
	Logger code.Logger
}

// applyDefaults sets default values for unset optional fields.
func (o *Options) applyDefaults() {
	if o.Vault == nil && !o.DisableVault {
		o.Vault = notes.NewVault()
	}
	if o.FunctionStore == nil {
		o.FunctionStore = customfn.NewMemoryStore()
	}
	if o.MaxCapabilityCalls == 0 {
		o.MaxCapabilityCalls = DefaultMaxCapabilityCalls
	}
	if o.DefaultTimeout == 0 {
		o.DefaultTimeout = DefaultTimeout
	}
}
