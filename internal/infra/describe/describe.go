// Package describe answers "what can this server do": tool names, argument
// schemas, and at full detail the descriptor's trust metadata. Listings are
// discovered lazily through the server's connection and cached for that
// connection's lifetime.
package describe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcporch/internal/domain"
	"mcporch/internal/infra/policy"
	"mcporch/internal/infra/registry"
	"mcporch/internal/infra/transport"
)

type Service struct {
	registry *registry.Registry
	manager  *transport.Manager
	logger   *zap.Logger
}

func NewService(reg *registry.Registry, manager *transport.Manager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: reg,
		manager:  manager,
		logger:   logger.Named("describe"),
	}
}

// Describe returns the server's tools at the requested detail level. A
// listing failure surfaces the transport error rather than an empty list, so
// callers can tell "no tools" from "unreachable".
func (s *Service) Describe(ctx context.Context, serverID string, detail domain.DetailLevel) (domain.ServerDescription, error) {
	desc, err := s.registry.FindByID(serverID)
	if err != nil {
		return domain.ServerDescription{}, err
	}

	tools, err := s.Tools(ctx, desc)
	if err != nil {
		return domain.ServerDescription{}, err
	}

	out := domain.ServerDescription{
		ServerID: desc.ID,
		Tools:    make([]domain.ToolDescriptor, 0, len(tools)),
	}
	for _, tool := range tools {
		shaped := domain.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if detail == domain.DetailSchema || detail == domain.DetailFull {
			shaped.InputSchema = tool.InputSchema
		}
		out.Tools = append(out.Tools, shaped)
	}
	if detail == domain.DetailFull {
		out.Meta = &domain.DescriptionMeta{
			Title:       desc.Title,
			Summary:     desc.Summary,
			Sensitivity: desc.Sensitivity,
			Visibility:  desc.Visibility,
			Examples:    desc.Examples,
		}
	}
	return out, nil
}

// Tools returns the server's full tool listing, fetching it on first use.
func (s *Service) Tools(ctx context.Context, desc domain.ServerDescriptor) ([]domain.ToolDescriptor, error) {
	if tools, ok := s.manager.Tools(desc.ID); ok {
		return tools, nil
	}

	tools, err := s.fetchTools(ctx, desc)
	if err != nil {
		return nil, err
	}
	s.manager.SetTools(desc.ID, tools)
	return tools, nil
}

// Prefetch eagerly lists tools for every descriptor that asks for it.
// Failures are logged, not fatal: the server stays lazily discoverable.
func (s *Service) Prefetch(ctx context.Context) {
	for _, desc := range s.registry.All() {
		if !desc.AutoDiscoverTools {
			continue
		}
		if _, err := s.Tools(ctx, desc); err != nil {
			s.logger.Warn("tool prefetch failed", zap.String("serverID", desc.ID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Service) fetchTools(ctx context.Context, desc domain.ServerDescriptor) ([]domain.ToolDescriptor, error) {
	pol := policy.For(desc)

	var out []domain.ToolDescriptor
	cursor := ""
	for {
		raw, err := s.manager.Call(ctx, desc, "tools/list", &mcp.ListToolsParams{Cursor: cursor}, pol.Timeout)
		if err != nil {
			return nil, err
		}

		var result mcp.ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, domain.E(domain.CodeTransport, "describe.fetchTools", fmt.Sprintf("decode tools/list result: %v", err), err).WithServer(desc.ID)
		}

		for _, tool := range result.Tools {
			if tool == nil || tool.Name == "" {
				continue
			}
			schema, err := json.Marshal(tool.InputSchema)
			if err != nil {
				s.logger.Warn("skip tool with unencodable schema", zap.String("serverID", desc.ID), zap.String("tool", tool.Name), zap.Error(err))
				continue
			}
			out = append(out, domain.ToolDescriptor{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}

		if result.NextCursor == "" {
			return out, nil
		}
		cursor = result.NextCursor
	}
}
