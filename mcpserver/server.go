// Package mcpserver exposes an exec.Exec as a Model Context Protocol server.
//
// Tools:
//
//   - evaluate: run a program and return the evaluation result
//   - check: type-check a program without running it
//   - search_capabilities, describe_capability, type_declarations: discovery
//   - upsert_function, list_functions, remove_function: custom functions
//
// Evaluation failures are reported as tool results with isError set, never as
// protocol errors, so agents can read the diagnostics and retry.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonwraymond/tooldiscovery/tooldoc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/code"
	"github.com/jonwraymond/vaultscript/customfn"
	"github.com/jonwraymond/vaultscript/exec"
)

// Options configures the server.
type Options struct {
	Name    string
	Version string
	Logger  *zap.Logger
}

// Server binds MCP tools to an Exec.
type Server struct {
	exec   *exec.Exec
	mcp    *mcp.Server
	logger *zap.Logger
}

// New creates a server and registers its tools.
func New(e *exec.Exec, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "vaultscript"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		exec:   e,
		mcp:    mcp.NewServer(&mcp.Implementation{Name: opts.Name, Version: opts.Version}, nil),
		logger: opts.Logger,
	}
	s.register()
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Run serves over stdin/stdout until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// EvaluateInput is the input of the evaluate and check tools.
type EvaluateInput struct {
	Code                string         `json:"code" jsonschema:"program source; must define async function main()"`
	AllowedCapabilities []string       `json:"allowedCapabilities,omitempty" jsonschema:"capabilities the program may call, e.g. notes.* or notes.get"`
	Context             map[string]any `json:"context,omitempty" jsonschema:"read-only data exposed to the program as the context global"`
	Scope               string         `json:"scope,omitempty" jsonschema:"vault scope the program runs against"`
	TimeoutMs           int            `json:"timeoutMs,omitempty" jsonschema:"hard timeout in milliseconds"`
}

func (in EvaluateInput) request() code.Request {
	return code.Request{
		Code:                in.Code,
		AllowedCapabilities: in.AllowedCapabilities,
		Context:             in.Context,
		Scope:               in.Scope,
		Timeout:             time.Duration(in.TimeoutMs) * time.Millisecond,
	}
}

// SearchInput is the input of search_capabilities.
type SearchInput struct {
	Query string `json:"query" jsonschema:"free text describing the capability"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results"`
}

// DescribeInput is the input of describe_capability.
type DescribeInput struct {
	Name  string `json:"name" jsonschema:"qualified capability name, e.g. notes.search"`
	Level string `json:"level,omitempty" jsonschema:"summary or full"`
}

// DeclarationsInput is the input of type_declarations.
type DeclarationsInput struct {
	AllowedCapabilities []string `json:"allowedCapabilities,omitempty" jsonschema:"allow-list to render; defaults to every capability"`
	Scope               string   `json:"scope,omitempty" jsonschema:"vault scope whose custom functions are included"`
}

// FunctionInput is the input of upsert_function.
type FunctionInput struct {
	Scope      string               `json:"scope,omitempty" jsonschema:"vault scope the function belongs to"`
	Name       string               `json:"name" jsonschema:"function name, called as functions.<name>()"`
	Desc       string               `json:"description,omitempty" jsonschema:"what the function does"`
	Parameters []customfn.Parameter `json:"parameters,omitempty" jsonschema:"positional parameters"`
	ReturnType string               `json:"returnType,omitempty" jsonschema:"type of the resolved value"`
	Code       string               `json:"code" jsonschema:"function body; may await capabilities"`
	Tags       []string             `json:"tags,omitempty"`
}

// ScopeInput is the input of list_functions.
type ScopeInput struct {
	Scope string `json:"scope,omitempty" jsonschema:"vault scope"`
}

// NameInput is the input of remove_function.
type NameInput struct {
	Scope string `json:"scope,omitempty" jsonschema:"vault scope"`
	Name  string `json:"name" jsonschema:"function name"`
}

func (s *Server) register() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "evaluate",
		Description: "Type-check and run a program against the allowed capabilities. Returns the value main() resolves to.",
	}, s.evaluate)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "check",
		Description: "Type-check a program without running it and return its diagnostics.",
	}, s.check)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_capabilities",
		Description: "Search the capability catalog.",
	}, s.search)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "describe_capability",
		Description: "Describe one capability, including its signature and examples.",
	}, s.describe)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "type_declarations",
		Description: "Render the declarations a program sees for an allow-list.",
	}, s.declarations)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "upsert_function",
		Description: "Create or update a custom function. The body is type-checked before it is stored.",
	}, s.upsertFunction)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_functions",
		Description: "List the custom functions of a scope.",
	}, s.listFunctions)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remove_function",
		Description: "Remove a custom function.",
	}, s.removeFunction)
}

func (s *Server) evaluate(ctx context.Context, _ *mcp.CallToolRequest, in EvaluateInput) (*mcp.CallToolResult, any, error) {
	res := s.exec.Evaluate(ctx, in.request())
	s.logEvaluation("evaluate", res)
	return resultOf(res, !res.Success), nil, nil
}

func (s *Server) check(ctx context.Context, _ *mcp.CallToolRequest, in EvaluateInput) (*mcp.CallToolResult, any, error) {
	res := s.exec.Check(ctx, in.request())
	s.logEvaluation("check", res)
	return resultOf(res, !res.Success), nil, nil
}

func (s *Server) logEvaluation(tool string, res code.Result) {
	fields := []zap.Field{
		zap.String("tool", tool),
		zap.Bool("success", res.Success),
		zap.String("stage", res.Stage),
		zap.Int64("duration_ms", res.ExecutionTimeMs),
		zap.Int("capability_calls", len(res.CapabilityCalls)),
	}
	if res.Error != nil {
		fields = append(fields, zap.String("error_kind", string(res.Error.Kind)), zap.String("error", res.Error.Message))
	}
	s.logger.Info("evaluation finished", fields...)
}

func (s *Server) search(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, any, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := s.exec.SearchCapabilities(ctx, in.Query, limit)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return resultOf(results, false), nil, nil
}

func (s *Server) describe(ctx context.Context, _ *mcp.CallToolRequest, in DescribeInput) (*mcp.CallToolResult, any, error) {
	level := tooldoc.DetailSummary
	if in.Level == "full" {
		level = tooldoc.DetailFull
	}
	doc, err := s.exec.DescribeCapability(ctx, in.Name, level)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return resultOf(doc, false), nil, nil
}

func (s *Server) declarations(ctx context.Context, _ *mcp.CallToolRequest, in DeclarationsInput) (*mcp.CallToolResult, any, error) {
	allow := in.AllowedCapabilities
	if len(allow) == 0 {
		allow = []string{"*"}
	}
	text, err := s.exec.TypeDeclarations(ctx, in.Scope, allow)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return textResult(text, false), nil, nil
}

func (s *Server) upsertFunction(ctx context.Context, _ *mcp.CallToolRequest, in FunctionInput) (*mcp.CallToolResult, any, error) {
	def, err := s.exec.Functions().Upsert(withScope(ctx, in.Scope), customfn.Definition{
		Name:        in.Name,
		Description: in.Desc,
		Parameters:  in.Parameters,
		ReturnType:  in.ReturnType,
		Code:        in.Code,
		Tags:        in.Tags,
	})
	if err != nil {
		return errorResult(err), nil, nil
	}
	s.logger.Info("custom function stored", zap.String("name", def.Name), zap.Int("version", def.Version))
	return resultOf(def.Summary(), false), nil, nil
}

func (s *Server) listFunctions(ctx context.Context, _ *mcp.CallToolRequest, in ScopeInput) (*mcp.CallToolResult, any, error) {
	list, err := s.exec.Functions().List(withScope(ctx, in.Scope))
	if err != nil {
		return errorResult(err), nil, nil
	}
	return resultOf(list, false), nil, nil
}

func (s *Server) removeFunction(ctx context.Context, _ *mcp.CallToolRequest, in NameInput) (*mcp.CallToolResult, any, error) {
	removed, err := s.exec.Functions().Remove(withScope(ctx, in.Scope), in.Name)
	if err != nil {
		return errorResult(err), nil, nil
	}
	if !removed {
		return errorResult(fmt.Errorf("%w: %s", customfn.ErrNotFound, in.Name)), nil, nil
	}
	return textResult(fmt.Sprintf("removed %s", in.Name), false), nil, nil
}

func withScope(ctx context.Context, scope string) context.Context {
	if scope == "" {
		return ctx
	}
	return capability.WithScope(ctx, scope)
}

// resultOf renders v as indented JSON. HTML escaping is off so TypeScript
// signatures keep their angle brackets.
func resultOf(v any, isError bool) *mcp.CallToolResult {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errorResult(fmt.Errorf("encoding result: %w", err))
	}
	return textResult(strings.TrimSuffix(buf.String(), "\n"), isError)
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return textResult(err.Error(), true)
}
