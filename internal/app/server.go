package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcporch/internal/domain"
	"mcporch/internal/infra/broker"
)

// Server exposes the orchestrator as an MCP server over stdio, so an agent
// reaches discovery, description, and execution through the same protocol
// the orchestrator speaks to downstream servers.
type Server struct {
	orch            *Orchestrator
	logger          *zap.Logger
	codeExecEnabled bool
}

type ServerOptions struct {
	Orchestrator    *Orchestrator
	Logger          *zap.Logger
	CodeExecEnabled bool
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orch:            opts.Orchestrator,
		logger:          logger.Named("server"),
		codeExecEnabled: opts.CodeExecEnabled,
	}
}

// Run serves MCP over stdio until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "mcporch",
		Version: "0.1.0",
	}, &mcp.ServerOptions{
		HasTools: true,
	})

	discoverTool := discoverServersTool()
	server.AddTool(&discoverTool, s.discoverHandler())
	describeTool := describeServerTool()
	server.AddTool(&describeTool, s.describeHandler())
	callTool := callToolTool()
	server.AddTool(&callTool, s.callHandler())
	if s.codeExecEnabled {
		execTool := executeCodeTool()
		server.AddTool(&execTool, s.executeHandler())
	}

	s.logger.Info("serving MCP over stdio", zap.Bool("codeExecEnabled", s.codeExecEnabled))
	return server.Run(ctx, &mcp.StdioTransport{})
}

func discoverServersTool() mcp.Tool {
	return mcp.Tool{
		Name:        "discover_servers",
		Description: "Find available tool servers matching a free-text query. Servers with opt_in or experimental visibility are hidden unless that visibility is requested explicitly.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Free-text description of the capability you need.",
				},
				"visibility": map[string]any{
					"type":        "string",
					"enum":        []string{"default", "opt_in", "experimental"},
					"description": "Restrict results to one visibility tier.",
				},
			},
		},
	}
}

func describeServerTool() mcp.Tool {
	return mcp.Tool{
		Name:        "describe_server",
		Description: "List a server's callable tools and their argument schemas.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Server id from discover_servers.",
				},
				"detail": map[string]any{
					"type":        "string",
					"enum":        []string{"summary", "schema", "full"},
					"description": "How much detail to return. Defaults to summary.",
				},
			},
			"required": []string{"id"},
		},
	}
}

func callToolTool() mcp.Tool {
	return mcp.Tool{
		Name:        "call_tool",
		Description: "Invoke one tool on one server under its execution policy.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Server id.",
				},
				"tool": map[string]any{
					"type":        "string",
					"description": "Tool name on that server.",
				},
				"arguments": map[string]any{
					"type":        "object",
					"description": "Tool arguments, validated against the tool's input schema.",
				},
				"optIn": map[string]any{
					"type":        "boolean",
					"description": "Explicitly allow this server even if its visibility requires opt-in.",
				},
			},
			"required": []string{"id", "tool"},
		},
	}
}

func executeCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "execute_code",
		Description: "Run a JavaScript snippet that may call the listed servers via servers[id].callTool(name, args) and log(...). The snippet can only reach servers named in allowedServerIds; this is a policy boundary for trusted code, not a hardened sandbox.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "JavaScript source to evaluate.",
				},
				"allowedServerIds": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Server ids the code may call. Everything else is unreachable.",
				},
				"maxRuntimeMs": map[string]any{
					"type":        "integer",
					"description": "Wall-clock budget for the whole snippet.",
				},
				"maxLogEntries": map[string]any{
					"type":        "integer",
					"description": "Log lines kept before further lines are dropped.",
				},
			},
			"required": []string{"code", "allowedServerIds"},
		},
	}
}

func (s *Server) discoverHandler() mcp.ToolHandler {
	type params struct {
		Query      string `json:"query"`
		Visibility string `json:"visibility"`
	}
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p params
		if err := decodeParams(req, &p); err != nil {
			return errorResult(err), nil
		}
		visibility, err := domain.ParseVisibility(p.Visibility)
		if err != nil {
			return errorResult(err), nil
		}
		results := s.orch.Discover(p.Query, visibility)
		summaries := make([]map[string]any, 0, len(results))
		for _, desc := range results {
			summaries = append(summaries, map[string]any{
				"id":         desc.ID,
				"title":      desc.Title,
				"summary":    desc.Summary,
				"domains":    desc.Domains,
				"tags":       desc.Tags,
				"visibility": desc.Visibility,
			})
		}
		return jsonResult(map[string]any{"servers": summaries})
	}
}

func (s *Server) describeHandler() mcp.ToolHandler {
	type params struct {
		ID     string `json:"id"`
		Detail string `json:"detail"`
	}
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p params
		if err := decodeParams(req, &p); err != nil {
			return errorResult(err), nil
		}
		detail, err := domain.ParseDetailLevel(p.Detail)
		if err != nil {
			return errorResult(err), nil
		}
		description, err := s.orch.Describe(ctx, p.ID, detail)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(description)
	}
}

func (s *Server) callHandler() mcp.ToolHandler {
	type params struct {
		ID        string         `json:"id"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
		OptIn     bool           `json:"optIn"`
	}
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p params
		if err := decodeParams(req, &p); err != nil {
			return errorResult(err), nil
		}
		var opts CallOptions
		if p.OptIn {
			opts.OptIn = []string{p.ID}
		}
		result, err := s.orch.CallTool(ctx, p.ID, p.Tool, p.Arguments, opts)
		if err != nil {
			return errorResult(err), nil
		}
		return result, nil
	}
}

func (s *Server) executeHandler() mcp.ToolHandler {
	type params struct {
		Code             string   `json:"code"`
		AllowedServerIDs []string `json:"allowedServerIds"`
		MaxRuntimeMs     int      `json:"maxRuntimeMs"`
		MaxLogEntries    int      `json:"maxLogEntries"`
	}
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p params
		if err := decodeParams(req, &p); err != nil {
			return errorResult(err), nil
		}
		result, err := s.orch.Execute(ctx, broker.Request{
			Code:             p.Code,
			AllowedServerIDs: p.AllowedServerIDs,
			MaxRuntime:       time.Duration(p.MaxRuntimeMs) * time.Millisecond,
			MaxLogEntries:    p.MaxLogEntries,
		})
		if err != nil {
			// Logs gathered before the failure still reach the caller.
			return errorResultWithLogs(err, result.Logs, result.DroppedLogs), nil
		}
		return jsonResult(result)
	}
}

func decodeParams(req *mcp.CallToolRequest, out any) error {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, out); err != nil {
		return domain.E(domain.CodeInvalidArgument, "server.decodeParams", fmt.Sprintf("decode arguments: %v", err), err)
	}
	return nil
}

func jsonResult(value any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return errorResult(domain.E(domain.CodeInternal, "server.jsonResult", "encode result", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(raw)},
		},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return errorResultWithLogs(err, nil, 0)
}

func errorResultWithLogs(err error, logs []string, dropped int) *mcp.CallToolResult {
	payload := map[string]any{
		"message": err.Error(),
	}
	if code, ok := domain.CodeFrom(err); ok {
		payload["code"] = code
	}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		if domainErr.ServerID != "" {
			payload["serverId"] = domainErr.ServerID
		}
		if domainErr.Tool != "" {
			payload["tool"] = domainErr.Tool
		}
	}
	if logs != nil {
		payload["logs"] = logs
	}
	if dropped > 0 {
		payload["droppedLogs"] = dropped
	}
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		raw = []byte(fmt.Sprintf("%q", err.Error()))
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(raw)},
		},
	}
}
