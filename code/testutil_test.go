package code

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/customfn"
)

// kvFixture is a small capability set with controllable latency.
type kvFixture struct {
	calls  atomic.Int64
	delays map[string]time.Duration
}

func (f *kvFixture) get(ctx context.Context, args map[string]any) (any, error) {
	f.calls.Add(1)
	key, _ := args["key"].(string)
	if key == "missing" {
		return nil, nil
	}
	select {
	case <-time.After(f.delays[key]):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return "value-" + key, nil
}

func (f *kvFixture) hang(ctx context.Context, _ map[string]any) (any, error) {
	f.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *kvFixture) fail(_ context.Context, args map[string]any) (any, error) {
	f.calls.Add(1)
	reason, _ := args["reason"].(string)
	return nil, errors.New(reason)
}

func newKVCatalog(t *testing.T) (*capability.Catalog, *kvFixture) {
	t.Helper()
	f := &kvFixture{delays: map[string]time.Duration{"x": 40 * time.Millisecond, "y": 5 * time.Millisecond}}
	c := capability.NewCatalog()
	decls := []capability.Declaration{
		{
			Namespace:   "kv",
			Name:        "get",
			Description: "Read a value",
			Params:      []capability.Param{{Name: "key", Type: "string"}},
			Returns:     "string | null",
			Handler:     f.get,
		},
		{
			Namespace:   "kv",
			Name:        "hang",
			Description: "Never completes",
			Returns:     "string",
			Handler:     f.hang,
		},
		{
			Namespace:   "kv",
			Name:        "fail",
			Description: "Always fails with the given reason",
			Params:      []capability.Param{{Name: "reason", Type: "string"}},
			Returns:     "string",
			Handler:     f.fail,
		},
	}
	for _, d := range decls {
		if err := c.Register(d); err != nil {
			t.Fatalf("Register(%s) error = %v", d.QualifiedName(), err)
		}
	}
	return c, f
}

type recordingLogger struct {
	lines atomic.Int64
}

func (l *recordingLogger) Logf(string, ...any) { l.lines.Add(1) }

func newTestEvaluator(t *testing.T, mutate func(*Config)) (*Evaluator, *kvFixture) {
	t.Helper()
	c, f := newKVCatalog(t)
	cfg := Config{
		Catalog:      c,
		Functions:    customfn.NewRegistry(customfn.NewMemoryStore(), customfn.WithCatalog(c)),
		SettleWindow: 20 * time.Millisecond,
		Logger:       &recordingLogger{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEvaluator(cfg)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	return e, f
}

func evaluate(t *testing.T, e *Evaluator, req Request) Result {
	t.Helper()
	if req.AllowedCapabilities == nil {
		req.AllowedCapabilities = []string{"kv.*"}
	}
	if req.Timeout == 0 {
		req.Timeout = 2 * time.Second
	}
	return e.Evaluate(context.Background(), req)
}

func requireKind(t *testing.T, res Result, stage string, kind Kind) *CodeError {
	t.Helper()
	if res.Success {
		t.Fatalf("Success = true, want %s failure (value %v)", kind, res.Value)
	}
	if res.Stage != stage {
		t.Errorf("Stage = %q, want %q", res.Stage, stage)
	}
	if res.Error == nil || res.Error.Kind != kind {
		t.Fatalf("Error = %+v, want kind %s", res.Error, kind)
	}
	if res.Error.Message == "" {
		t.Error("Error.Message is empty")
	}
	var ce *CodeError
	if !errors.As(res.Err, &ce) {
		t.Fatalf("Err = %v, want *CodeError", res.Err)
	}
	return ce
}
