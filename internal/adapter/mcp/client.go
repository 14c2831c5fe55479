package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/imlsys/imlcore/internal/domain/module"
)

// ServerDef configures the MCP server a Host dials, mirroring the two
// transports mcp-go's client package supports.
type ServerDef struct {
	ModuleID  string
	Transport string // "stdio" | "sse"
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
}

// Host dispatches a module's actions to an MCP tool server, treating the
// server's tools as the module's actions: one MCP tool call per
// (module_id, action) dispatch. It implements module.Host.
type Host struct {
	def ServerDef
}

// NewHost creates a Host for the given server definition. The connection
// itself is established lazily on first Manifest/Dispatch call.
func NewHost(def ServerDef) *Host {
	return &Host{def: def}
}

func (h *Host) dial() (mcpclient.MCPClient, error) {
	switch h.def.Transport {
	case "stdio":
		env := make([]string, 0, len(h.def.Env))
		for k, v := range h.def.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(h.def.Command, env, h.def.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(h.def.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(h.def.Headers))
		}
		return mcpclient.NewSSEMCPClient(h.def.URL, opts...)
	default:
		return nil, fmt.Errorf("mcp host %s: unsupported transport %q", h.def.ModuleID, h.def.Transport)
	}
}

func (h *Host) connect(ctx context.Context) (mcpclient.MCPClient, error) {
	client, err := h.dial()
	if err != nil {
		return nil, err
	}
	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "imlcore", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp host %s: initialize: %w", h.def.ModuleID, err)
	}
	return client, nil
}

// Manifest lists the server's tools as the module's actions. Every tool's
// JSON Schema input is flattened to a param_spec of required strings,
// since mcp-go's Tool.InputSchema is raw JSON Schema and the registry's
// ParamSpec only models name/type/required — enough to catch missing
// required params before round-tripping to the server.
func (h *Host) Manifest(ctx context.Context) (module.Manifest, error) {
	client, err := h.connect(ctx)
	if err != nil {
		return module.Manifest{}, err
	}
	defer client.Close()

	toolsResult, err := client.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return module.Manifest{}, fmt.Errorf("mcp host %s: list tools: %w", h.def.ModuleID, err)
	}

	actions := make([]module.ActionManifest, 0, len(toolsResult.Tools))
	for _, tool := range toolsResult.Tools {
		actions = append(actions, module.ActionManifest{
			Name:      tool.Name,
			ParamSpec: paramSpecFromSchema(tool.InputSchema.Required),
		})
	}
	return module.Manifest{
		ModuleID: h.def.ModuleID,
		Version:  "mcp",
		Actions:  actions,
	}, nil
}

func paramSpecFromSchema(required []string) []module.ParamSpec {
	spec := make([]module.ParamSpec, 0, len(required))
	for _, name := range required {
		spec = append(spec, module.ParamSpec{Name: name, Type: "string", Required: true})
	}
	return spec
}

// Dispatch calls the named tool with params as its arguments and maps the
// result back to module.Result. A tool result with IsError set maps to a
// module.Result carrying Error rather than a returned error, matching
// module.Handler's "modules report failure in-band" convention.
func (h *Host) Dispatch(ctx context.Context, action string, params map[string]any) (module.Result, error) {
	client, err := h.connect(ctx)
	if err != nil {
		return module.Result{}, err
	}
	defer client.Close()

	req := mcplib.CallToolRequest{}
	req.Params.Name = action
	req.Params.Arguments = params

	res, err := client.CallTool(ctx, req)
	if err != nil {
		return module.Result{}, fmt.Errorf("mcp host %s: call tool %s: %w", h.def.ModuleID, action, err)
	}

	text := resultText(res)
	if res.IsError {
		return module.Result{Error: text}, nil
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(text), &output); err != nil {
		output = map[string]any{"text": text}
	}
	return module.Result{Output: output}, nil
}

// resultText concatenates every TextContent block in a tool result. Other
// content kinds (image, embedded resource) aren't meaningful for this
// module-dispatch path and are skipped.
func resultText(res *mcplib.CallToolResult) string {
	var out string
	for _, c := range res.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

var _ module.Host = (*Host)(nil)
