package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/common/logger"
)

// MCPBridge exposes the tools of one external MCP server. Register it
// into a Local registry with RegisterMCP; each remote tool becomes a
// regular registry entry whose handler proxies the call.
type MCPBridge struct {
	client *mcpclient.Client
	name   string
	log    *logger.Logger
}

// ConnectStdio launches an MCP server as a subprocess and completes the
// protocol handshake.
func ConnectStdio(ctx context.Context, name, command string, env []string, args ...string) (*MCPBridge, error) {
	c, err := mcpclient.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "hiveloop", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize mcp server %s: %w", name, err)
	}

	return &MCPBridge{
		client: c,
		name:   name,
		log:    logger.Default().WithFields(zap.String("component", "mcp_bridge"), zap.String("server", name)),
	}, nil
}

// Tools lists the server's tools as registry specs. Remote tool names are
// namespaced as {server}__{tool} to avoid collisions between servers.
func (b *MCPBridge) Tools(ctx context.Context) ([]Spec, error) {
	res, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", b.name, err)
	}

	specs := make([]Spec, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := schemaToMap(t.InputSchema)
		if err != nil {
			b.log.Warn("Skipping tool with undecodable schema",
				zap.String("tool", t.Name), zap.Error(err))
			continue
		}
		specs = append(specs, Spec{
			Name:        b.name + "__" + t.Name,
			Description: t.Description,
			Schema:      schema,
			Parallel:    true,
		})
	}
	return specs, nil
}

// Call invokes a remote tool. The name may be namespaced or bare.
func (b *MCPBridge) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	remote := strings.TrimPrefix(name, b.name+"__")

	req := mcp.CallToolRequest{}
	req.Params.Name = remote
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", remote, b.name, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return nil, fmt.Errorf("%s: %s", remote, text)
	}
	return text, nil
}

// Close shuts the server subprocess down.
func (b *MCPBridge) Close() error {
	return b.client.Close()
}

// RegisterMCP enumerates the bridge's tools and registers a proxying
// handler for each.
func RegisterMCP(ctx context.Context, r *Local, bridge *MCPBridge) error {
	specs, err := bridge.Tools(ctx)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		name := spec.Name
		err := r.Register(spec, func(ctx context.Context, args map[string]any) (any, error) {
			return bridge.Call(ctx, name, args)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func schemaToMap(schema mcp.ToolInputSchema) (map[string]any, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
