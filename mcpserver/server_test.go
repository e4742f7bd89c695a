package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/vaultscript/exec"
)

func connect(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	e, err := exec.New(exec.Options{SettleWindow: 20 * time.Millisecond})
	require.NoError(t, err)
	srv := New(e, Options{Version: "test"})

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.MCP().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func call(t *testing.T, s *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return text.Text, res.IsError
}

func TestServer_ListTools(t *testing.T) {
	s := connect(t)
	res, err := s.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		assert.NotNil(t, tool.InputSchema, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"evaluate", "check", "search_capabilities", "describe_capability",
		"type_declarations", "upsert_function", "list_functions", "remove_function",
	}, names)
}

func TestServer_Evaluate(t *testing.T) {
	s := connect(t)

	text, isError := call(t, s, "evaluate", map[string]any{
		"code":                "async function main() {\n  const n = await notes.create({ title: \"a\", content: \"b\" });\n  return n.title;\n}",
		"allowedCapabilities": []string{"notes.create"},
	})
	require.False(t, isError, text)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "a", out["result"])
}

func TestServer_EvaluateFailuresAreToolErrors(t *testing.T) {
	s := connect(t)

	tests := []struct {
		name     string
		tool     string
		code     string
		wantKind string
	}{
		{"compile", "check", "async function main() {\n  return await notes.get(1);\n}", "CompileError"},
		{"security", "evaluate", `async function main() { return await notes["delete"]("x"); }`, "SecurityViolation"},
		{"runtime", "evaluate", "async function main() { throw new Error(\"boom\"); }", "RuntimeError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isError := call(t, s, tt.tool, map[string]any{
				"code":                tt.code,
				"allowedCapabilities": []string{"notes.get"},
			})
			assert.True(t, isError)

			var out struct {
				Success bool `json:"success"`
				Error   struct {
					Kind string `json:"kind"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal([]byte(text), &out))
			assert.False(t, out.Success)
			assert.Equal(t, tt.wantKind, out.Error.Kind)
		})
	}
}

func TestServer_Discovery(t *testing.T) {
	s := connect(t)

	text, isError := call(t, s, "search_capabilities", map[string]any{"query": "search notes"})
	require.False(t, isError, text)
	assert.Contains(t, text, "search")

	text, isError = call(t, s, "describe_capability", map[string]any{"name": "notes.get", "level": "full"})
	require.False(t, isError, text)
	assert.Contains(t, text, "Fetch a note by id")

	_, isError = call(t, s, "describe_capability", map[string]any{"name": "notes.nope"})
	assert.True(t, isError)

	text, isError = call(t, s, "type_declarations", map[string]any{"allowedCapabilities": []string{"notes.get"}})
	require.False(t, isError, text)
	assert.Contains(t, text, "declare namespace notes")
}

func TestServer_CustomFunctions(t *testing.T) {
	s := connect(t)

	text, isError := call(t, s, "upsert_function", map[string]any{
		"scope":      "alice",
		"name":       "shout",
		"parameters": []map[string]any{{"name": "s", "type": "string"}},
		"returnType": "string",
		"code":       "return s.toUpperCase() + \"!\";",
	})
	require.False(t, isError, text)
	assert.Contains(t, text, "shout(s: string): Promise<string>")
	assert.NotContains(t, text, `\u003c`)

	text, isError = call(t, s, "upsert_function", map[string]any{
		"name": "broken",
		"code": "return await notes.get(1);",
	})
	assert.True(t, isError)
	assert.Contains(t, text, "does not compile")

	text, isError = call(t, s, "evaluate", map[string]any{
		"code":  `async function main() { return await functions.shout("hi"); }`,
		"scope": "alice",
	})
	require.False(t, isError, text)
	assert.Contains(t, text, `"HI!"`)

	text, _ = call(t, s, "list_functions", map[string]any{"scope": "alice"})
	assert.Contains(t, text, `"usageCount": 1`)

	text, isError = call(t, s, "remove_function", map[string]any{"scope": "alice", "name": "shout"})
	require.False(t, isError, text)
	_, isError = call(t, s, "remove_function", map[string]any{"scope": "alice", "name": "shout"})
	assert.True(t, isError)

	text, _ = call(t, s, "list_functions", map[string]any{"scope": "alice"})
	assert.True(t, strings.HasPrefix(strings.TrimSpace(text), "["), text)
	assert.NotContains(t, text, "shout")
}
