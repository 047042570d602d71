package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/segmentio/encoding/json"
)

const (
	uriDefaultRules = "mamori://rules/default"
	uriTaskPrefix   = "mamori://tasks/"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriDefaultRules,
			"Default Rules",
			mcplib.WithResourceDescription("Rules applied to every task"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleDefaultRules,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			uriTaskPrefix+"{id}",
			"Task",
			mcplib.WithTemplateDescription("A task with its rules and, for agentic tasks, its metrics"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTask,
	)
}

func (s *Server) handleDefaultRules(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	rules, err := s.db.ListDefaultRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: default rules: %w", err)
	}
	return jsonResource(request.Params.URI, rules)
}

func (s *Server) handleTask(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := uuid.Parse(strings.TrimPrefix(uri, uriTaskPrefix))
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid task URI: %s", uri)
	}
	task, err := s.db.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: task: %w", err)
	}
	if task.Rules, err = s.db.TaskRules(ctx, id); err != nil {
		return nil, fmt.Errorf("mcp: task rules: %w", err)
	}
	if task.IsAgentic {
		if task.Metrics, err = s.db.TaskMetrics(ctx, id); err != nil {
			return nil, fmt.Errorf("mcp: task metrics: %w", err)
		}
	}
	return jsonResource(uri, task)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
