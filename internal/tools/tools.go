// Package tools implements the agent-facing tool bodies: archival and
// core memory, projections, shell, web access, and workspace-scoped
// files. Tools never return Go errors for user-recoverable failures;
// they return error results so the model sees what went wrong and can
// adjust.
package tools

import "github.com/vigil-dev/vigil/internal/agent"

func toolError(message string) *agent.ToolResult {
	return &agent.ToolResult{Content: message, IsError: true}
}
