package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/markcallen/agentbridged/internal/bridge"
)

// handleSlashCommand dispatches one recognized slash command (cmd already
// lowercased, rest already trimmed) against b, replying through reply.
func handleSlashCommand(ctx context.Context, cmd, rest string, b SessionBridge, reply func(string)) {
	switch cmd {
	case "abort":
		if _, err := b.Command(ctx, bridge.RPCAbort, nil); err != nil {
			reply(fmt.Sprintf("⚠️ Abort failed: %v", err))
			return
		}
		reply("⏹️ Aborted.")

	case "compress":
		reply("🗜️ Compressing context...")
		params := map[string]any{}
		if rest != "" {
			params["customInstructions"] = rest
		}
		data, err := b.Command(ctx, bridge.RPCCompact, params)
		if err != nil {
			reply(fmt.Sprintf("⚠️ Compression failed: %v", err))
			return
		}
		reply("✅ Compressed. " + compactionSummary(data))

	case "new":
		if _, err := b.Command(ctx, bridge.RPCNewSession, nil); err != nil {
			reply(fmt.Sprintf("⚠️ Failed to start new session: %v", err))
			return
		}
		reply("🆕 Started a new session.")

	case "reload":
		text, err := b.SendMessage(ctx, "/reload-runtime", bridge.Callbacks{})
		if err != nil {
			reply(fmt.Sprintf("⚠️ Reload failed: %v", err))
			return
		}
		reply(text)

	case "model":
		handleModelCommand(ctx, rest, b, reply)
	}
}

func compactionSummary(data json.RawMessage) string {
	var stats struct {
		TokensBefore int `json:"tokensBefore"`
		TokensAfter  int `json:"tokensAfter"`
	}
	if len(data) == 0 || json.Unmarshal(data, &stats) != nil || stats.TokensBefore == 0 {
		return "Done."
	}
	return fmt.Sprintf("Tokens before: %d, after: %d.", stats.TokensBefore, stats.TokensAfter)
}

type modelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// handleModelCommand lists available models with no args, or selects the
// first model whose id/name/"provider/id" contains rest, case-insensitively.
func handleModelCommand(ctx context.Context, rest string, b SessionBridge, reply func(string)) {
	data, err := b.Command(ctx, bridge.RPCGetAvailableModels, nil)
	if err != nil {
		reply(fmt.Sprintf("⚠️ Failed to list models: %v", err))
		return
	}
	var models []modelInfo
	if err := json.Unmarshal(data, &models); err != nil {
		reply("⚠️ Unexpected model list response.")
		return
	}

	if rest == "" {
		if len(models) == 0 {
			reply("No models available.")
			return
		}
		var out strings.Builder
		out.WriteString("Available models:\n")
		for _, m := range models {
			fmt.Fprintf(&out, "- %s (%s)\n", m.Name, m.ID)
		}
		reply(strings.TrimRight(out.String(), "\n"))
		return
	}

	needle := strings.ToLower(rest)
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.ID), needle) ||
			strings.Contains(strings.ToLower(m.Name), needle) ||
			strings.Contains(strings.ToLower(m.Provider+"/"+m.ID), needle) {
			if _, err := b.Command(ctx, bridge.RPCSetModel, map[string]any{"id": m.ID}); err != nil {
				reply(fmt.Sprintf("⚠️ Failed to set model: %v", err))
				return
			}
			reply(fmt.Sprintf("✅ Switched to %s.", m.Name))
			return
		}
	}
	reply(fmt.Sprintf("No model matching %q.", rest))
}
