package agent

import (
	"net/url"
	"strings"

	"ralphd/internal/jsonutil"
	"ralphd/internal/ralph"
)

// streamSummary is what a stream-json transcript reports about an
// iteration.
type streamSummary struct {
	sessionID     string
	usage         ralph.Usage
	resultText    string
	isError       bool
	sawResult     bool
	filesChanged  []string
	externalCalls []string
}

// fileTools name the tools whose file_path/path argument is a write.
var fileTools = map[string]bool{
	"Write":          true,
	"Edit":           true,
	"MultiEdit":      true,
	"NotebookEdit":   true,
	"writeToolCall":  true,
	"editToolCall":   true,
	"deleteToolCall": true,

	"strReplaceToolCall": true,
}

// parseStream reads stream-json events. Two shapes are understood: the
// assistant/tool_use message format and the tool_call started/completed
// format.
func parseStream(output string) streamSummary {
	var s streamSummary
	seenFiles := map[string]bool{}
	addFile := func(p string) {
		if p != "" && !seenFiles[p] {
			seenFiles[p] = true
			s.filesChanged = append(s.filesChanged, p)
		}
	}
	addCall := func(svc string) {
		if svc != "" {
			s.externalCalls = append(s.externalCalls, svc)
		}
	}

	jsonutil.ScanObjects(output, func(ev map[string]any) bool {
		if id := jsonutil.GetString(ev, "session_id"); id != "" {
			s.sessionID = id
		}
		switch jsonutil.GetString(ev, "type") {
		case "assistant":
			msg, _ := ev["message"].(map[string]any)
			content, _ := msg["content"].([]any)
			for _, c := range content {
				block, _ := c.(map[string]any)
				if jsonutil.GetString(block, "type") != "tool_use" {
					continue
				}
				name := jsonutil.GetString(block, "name")
				input, _ := block["input"].(map[string]any)
				if fileTools[name] {
					addFile(firstString(input, "file_path", "notebook_path", "path"))
				}
				addCall(externalService(name, input))
			}
		case "tool_call":
			if jsonutil.GetString(ev, "subtype") != "started" {
				return true
			}
			call, _ := ev["tool_call"].(map[string]any)
			for name, v := range call {
				body, _ := v.(map[string]any)
				args, _ := body["args"].(map[string]any)
				if fileTools[name] {
					addFile(firstString(args, "path", "file_path"))
				}
				if name == "webFetchToolCall" {
					addCall(hostOf(jsonutil.GetString(args, "url")))
				}
			}
		case "result":
			s.sawResult = true
			s.resultText = jsonutil.GetString(ev, "result")
			s.isError, _ = ev["is_error"].(bool)
			if cost, ok := ev["total_cost_usd"].(float64); ok {
				s.usage.CostUSD = cost
			}
			if u, ok := ev["usage"].(map[string]any); ok {
				s.usage.InputTokens = intField(u, "input_tokens") +
					intField(u, "cache_creation_input_tokens") +
					intField(u, "cache_read_input_tokens")
				s.usage.OutputTokens = intField(u, "output_tokens")
			}
		}
		return true
	})
	return s
}

// externalService names the outside system a tool call reaches, or "".
// MCP tools are named mcp__<server>__<tool>.
func externalService(name string, input map[string]any) string {
	switch {
	case name == "WebFetch":
		return hostOf(jsonutil.GetString(input, "url"))
	case name == "WebSearch":
		return "web_search"
	case strings.HasPrefix(name, "mcp__"):
		server, _, _ := strings.Cut(strings.TrimPrefix(name, "mcp__"), "__")
		return server
	}
	return ""
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := jsonutil.GetString(m, k); v != "" {
			return v
		}
	}
	return ""
}

func intField(m map[string]any, key string) int64 {
	if v, ok := m[key].(float64); ok {
		return int64(v)
	}
	return 0
}
