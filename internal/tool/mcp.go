package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "ToolMind/internal/errors"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const clientName = "toolmind"

// ClientVersion 在 MCP 握手时上报。
var ClientVersion = "dev"

// DialMCP 通过 SSE 或 Streamable HTTP 连接 MCP 服务器并完成初始化握手。
func DialMCP(ctx context.Context, server ServerDescriptor) (Session, error) {
	var (
		c   *client.Client
		err error
	)
	switch server.Transport {
	case TransportStreamableHTTP:
		c, err = client.NewStreamableHttpClient(server.URL, transport.WithHTTPHeaders(server.Headers))
	case TransportSSE, "":
		c, err = client.NewSSEMCPClient(server.URL, transport.WithHeaders(server.Headers))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的 MCP 传输方式: %s", server.Transport))
	}
	if err != nil {
		return nil, err
	}

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: ClientVersion}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}
	return &mcpSession{client: c, serverID: server.ID}, nil
}

type mcpSession struct {
	client   *client.Client
	serverID string
}

func (s *mcpSession) ListTools(ctx context.Context) ([]Descriptor, error) {
	res, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	descs := make([]Descriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		descs = append(descs, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
			Server:      s.serverID,
		})
	}
	return descs, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", err
	}
	text := contentText(res.Content)
	if res.IsError {
		return "", fmt.Errorf("mcp tool %s returned error: %s", name, text)
	}
	return text, nil
}

func (s *mcpSession) Close() error {
	return s.client.Close()
}

func contentText(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}
