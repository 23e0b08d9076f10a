package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/vigil-dev/vigil/pkg/models"
)

// slashCommands are handled locally and never reach the model.
var slashCommands = map[string]bool{
	"/clear":   true,
	"/memory":  true,
	"/log":     true,
	"/restart": true,
}

// parseSlashCommand extracts a known command from the start of a message.
// Unknown slash-prefixed text is not a command and flows to the model.
func parseSlashCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.ToLower(strings.Fields(text)[0])
	if !slashCommands[cmd] {
		return "", false
	}
	return cmd, true
}

func (o *Orchestrator) handleSlashCommand(ctx context.Context, msg *models.Message, cmd string) {
	switch cmd {
	case "/clear":
		o.Dispose(msg.UserID)
		o.send(ctx, msg.ChannelID, "Session cleared.")
	case "/memory":
		o.send(ctx, msg.ChannelID, o.memoryDump())
	case "/log":
		o.send(ctx, msg.ChannelID, o.recentLog(ctx))
	case "/restart":
		if o.onRestart == nil {
			o.send(ctx, msg.ChannelID, "Restart is not available here.")
			return
		}
		o.send(ctx, msg.ChannelID, "Restarting.")
		o.onRestart()
	}
}

func (o *Orchestrator) memoryDump() string {
	if o.core == nil {
		return "No core memory configured."
	}
	content, err := o.core.Read()
	if err != nil {
		return "Core memory could not be read: " + err.Error()
	}
	if strings.TrimSpace(content) == "" {
		return "Core memory is empty."
	}
	return content
}

func (o *Orchestrator) recentLog(ctx context.Context) string {
	if o.history == nil {
		return "No history recorded."
	}
	recent, err := o.history.Recent(ctx, 20)
	if err != nil {
		return "History could not be read: " + err.Error()
	}
	if len(recent) == 0 {
		return "No history recorded."
	}
	var b strings.Builder
	for _, m := range recent {
		line := strings.TrimSpace(m.Content)
		if line == "" {
			if len(m.ToolCalls) > 0 {
				line = fmt.Sprintf("(%d tool calls)", len(m.ToolCalls))
			} else if len(m.ToolResults) > 0 {
				line = fmt.Sprintf("(%d tool results)", len(m.ToolResults))
			} else {
				continue
			}
		}
		if len(line) > 120 {
			line = line[:120] + "..."
		}
		fmt.Fprintf(&b, "%s %s: %s\n", m.ArrivedAt.UTC().Format("15:04"), m.Role, line)
	}
	if b.Len() == 0 {
		return "No history recorded."
	}
	return b.String()
}
