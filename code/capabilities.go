package code

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/run"
)

// capabilityCaller routes guest capability calls to the runner, enforcing
// the call limit and recording a trace. Calls arrive from concurrent host
// futures.
type capabilityCaller struct {
	catalog *capability.Catalog
	runner  run.Runner
	logger  Logger
	max     int

	mu    sync.Mutex
	count int
	calls []CapabilityCall
}

func newCapabilityCaller(cfg *Config, max int) *capabilityCaller {
	return &capabilityCaller{
		catalog: cfg.Catalog,
		runner:  cfg.Run,
		logger:  cfg.Logger,
		max:     max,
	}
}

// Call implements sandbox.Caller.
func (c *capabilityCaller) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	c.mu.Lock()
	if c.max > 0 && c.count >= c.max {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: max capability calls (%d) exceeded", ErrLimitExceeded, c.max)
	}
	c.count++
	c.mu.Unlock()

	decl, ok := c.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", capability.ErrUndeclaredCapability, name)
	}

	start := time.Now()
	result, err := c.runner.Run(ctx, decl.ToolID(), args)
	duration := time.Since(start)

	record := CapabilityCall{
		Capability: name,
		Args:       deepCopyArgs(args),
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		record.Error = err.Error()
		c.logger.Logf("capability %s failed after %v: %v", name, duration, err)
	} else {
		record.Structured = result.Structured
	}

	c.mu.Lock()
	c.calls = append(c.calls, record)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return result.Structured, nil
}

// Calls returns a copy of all recorded calls.
func (c *capabilityCaller) Calls() []CapabilityCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CapabilityCall(nil), c.calls...)
}

// deepCopyArgs performs a deep copy of an args map so later mutation by a
// handler does not change the trace.
func deepCopyArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	result := make(map[string]any, len(args))
	for k, v := range args {
		result[k] = deepCopyValue(v)
	}
	return result
}

// deepCopyValue recursively copies a value into JSON-native shapes.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return deepCopyArgs(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	case string, bool, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return val
	default:
		rv := reflect.ValueOf(val)
		if rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return nil
			}
			return deepCopyValue(rv.Elem().Interface())
		}
		if out, ok := deepCopyViaJSON(val); ok {
			return out
		}
		return val
	}
}

func deepCopyViaJSON(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}
