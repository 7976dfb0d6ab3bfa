package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"mcporch/internal/domain"
	"mcporch/internal/infra/broker"
	"mcporch/internal/infra/registry"
)

func writeJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printValidation(reg *registry.Registry, jsonOutput bool) error {
	if jsonOutput {
		ids := make([]string, 0, reg.Len())
		for _, desc := range reg.All() {
			ids = append(ids, desc.ID)
		}
		return writeJSON(map[string]any{
			"valid":   true,
			"servers": ids,
		})
	}
	fmt.Printf("registry valid, servers=%d\n", reg.Len())
	for _, desc := range reg.All() {
		fmt.Printf("%s\t%s\t%s/%s\n", desc.ID, desc.Transport, desc.Sensitivity, desc.Visibility)
	}
	return nil
}

func printDiscovery(results []domain.ServerDescriptor, jsonOutput bool) error {
	if jsonOutput {
		servers := make([]map[string]any, 0, len(results))
		for _, desc := range results {
			servers = append(servers, map[string]any{
				"id":         desc.ID,
				"title":      desc.Title,
				"summary":    desc.Summary,
				"domains":    desc.Domains,
				"tags":       desc.Tags,
				"visibility": desc.Visibility,
				"priority":   desc.Priority,
			})
		}
		return writeJSON(map[string]any{"servers": servers})
	}
	for _, desc := range results {
		fmt.Printf("%s\t%s\n", desc.ID, desc.Title)
		if desc.Summary != "" {
			fmt.Printf("\t%s\n", desc.Summary)
		}
	}
	return nil
}

func printDescription(description domain.ServerDescription, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(description)
	}
	fmt.Printf("server=%s tools=%d\n", description.ServerID, len(description.Tools))
	for _, tool := range description.Tools {
		line := tool.Name
		if tool.Description != "" {
			line += "\t" + tool.Description
		}
		fmt.Println(line)
	}
	if description.Meta != nil {
		fmt.Printf("sensitivity=%s visibility=%s\n", description.Meta.Sensitivity, description.Meta.Visibility)
		if len(description.Meta.Examples) > 0 {
			fmt.Printf("examples: %s\n", strings.Join(description.Meta.Examples, "; "))
		}
	}
	return nil
}

func printCallResult(result *mcp.CallToolResult, jsonOutput bool) error {
	if result == nil {
		return nil
	}
	texts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	if jsonOutput {
		return writeJSON(map[string]any{
			"isError": result.IsError,
			"content": texts,
		})
	}
	for _, text := range texts {
		fmt.Println(text)
	}
	if result.IsError {
		fmt.Fprintln(os.Stderr, "tool reported an error")
	}
	return nil
}

func printExecLogs(logs []string, dropped int) {
	for _, line := range logs {
		fmt.Fprintln(os.Stderr, line)
	}
	if dropped > 0 {
		fmt.Fprintf(os.Stderr, "(%d log entries dropped)\n", dropped)
	}
}

func printExecResult(result broker.Result, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(result)
	}
	printExecLogs(result.Logs, result.DroppedLogs)
	if result.Value != nil {
		data, err := json.MarshalIndent(result.Value, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}
