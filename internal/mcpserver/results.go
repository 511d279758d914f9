package mcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
)

// success serializes a handler result as {success:true, ...}. Handlers
// return plain field maps; the envelope is dispatcher business.
func success(fields map[string]any) *mcp.CallToolResult {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	data, err := json.Marshal(fields)
	if err != nil {
		return mcp.NewToolResultText(`{"success":true}`)
	}
	return mcp.NewToolResultText(string(data))
}

// failure serializes an error as {success:false, error, code, tool, hint?}.
// Failures are ordinary tool results; the protocol layer never sees them as
// errors, so one bad call cannot take the server down.
func failure(tool string, err error) *mcp.CallToolResult {
	code := cdpcontrol.ErrorCode(err)
	payload := map[string]any{
		"success": false,
		"tool":    tool,
		"error":   err.Error(),
		"code":    code,
	}
	if hint := hintFor(code); hint != "" {
		payload["hint"] = hint
	}
	data, jerr := json.Marshal(payload)
	if jerr != nil {
		return mcp.NewToolResultText(fmt.Sprintf(`{"success":false,"tool":%q,"error":"internal"}`, tool))
	}
	return mcp.NewToolResultText(string(data))
}

// hintFor maps stable error codes to a next step the agent can take.
func hintFor(code string) string {
	switch code {
	case cdpcontrol.CodeNotConnected:
		return "call launch_with_profile to start or attach to a browser"
	case cdpcontrol.CodeChromiumNotFound:
		return "pass executablePath or set DEVTOOLS_MCP_EXECUTABLE"
	case cdpcontrol.CodePortNotBrowser:
		return "another process owns the debugging port; restart with a different --port"
	case cdpcontrol.CodeNoPageAvailable:
		return `open a tab first: manage_tabs {"action":"new"}`
	case cdpcontrol.CodeSelectorNotFound:
		return `check the selector, or wait with browser_action {"action":"wait_for_selector"}`
	case cdpcontrol.CodeModeConflict:
		return "disable the conflicting interception mode on this target first"
	case cdpcontrol.CodeInterceptTimeout:
		return "the request was auto-resumed; raise resumeTimeoutMs when enabling interception"
	case cdpcontrol.CodeDeadline:
		return "retry with a larger timeoutMs argument"
	default:
		return ""
	}
}
