package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/browser"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/config"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/intercept"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/stealth"
)

// Port 1 is never a debugging endpoint, so connection-gated paths fail
// fast with NOT_CONNECTED.
func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		CDPHost:          "127.0.0.1",
		ToolTimeout:      2 * time.Second,
		ResumeTimeout:    time.Second,
		LaunchTimeout:    time.Second,
		SessionTTL:       time.Minute,
		SessionCacheSize: 4,
		MaxBodyBytes:     4096,
		HARMaxEntries:    16,
		WSMaxFrames:      16,
	}
	orch := browser.NewOrchestrator(cfg, 1)
	return New(cfg, orch, intercept.NewEngine(cfg), stealth.NewInjector())
}

func callTool(t *testing.T, s *Server, def toolDef, args map[string]any) map[string]any {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = def.tool.Name
	req.Params.Arguments = args

	res, err := s.wrap(def)(context.Background(), req)
	if err != nil {
		t.Fatalf("wrap() protocol error = %v, want nil", err)
	}
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("wrap() returned empty result")
	}

	var text string
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		text = c.Text
	case *mcp.TextContent:
		text = c.Text
	default:
		t.Fatalf("content type = %T, want text", res.Content[0])
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, text)
	}
	return fields
}

func TestCatalogNamesUniqueAndGated(t *testing.T) {
	s := testServer(t)

	seen := map[string]bool{}
	var open []string
	advanced := map[string]bool{}
	for _, def := range s.defs {
		name := def.tool.Name
		if seen[name] {
			t.Fatalf("duplicate tool name %q", name)
		}
		seen[name] = true
		if !def.needsBrowser {
			open = append(open, name)
		}
		if def.advanced {
			advanced[name] = true
		}
	}

	wantOpen := map[string]bool{
		"get_connection_status": true,
		"set_advanced_tools":    true,
		"launch_with_profile":   true,
		"close_browser":         true,
	}
	if len(open) != len(wantOpen) {
		t.Fatalf("tools runnable without a browser = %v, want %d of them", open, len(wantOpen))
	}
	for _, name := range open {
		if !wantOpen[name] {
			t.Fatalf("tool %q runs without a browser but should not", name)
		}
	}

	for _, name := range []string{
		"modify_intercepted_request", "modify_intercepted_response", "continue_intercepted",
		"start_websocket_capture", "stop_websocket_capture", "list_websocket_frames",
		"inject_script", "apply_stealth_patches",
		"export_browser_session", "import_browser_session",
	} {
		if !advanced[name] {
			t.Fatalf("tool %q is not in the advanced set", name)
		}
		delete(advanced, name)
	}
	if len(advanced) != 0 {
		t.Fatalf("unexpected advanced tools: %v", advanced)
	}
}

func TestSetAdvancedReportsChange(t *testing.T) {
	s := testServer(t)

	if s.AdvancedEnabled() {
		t.Fatalf("AdvancedEnabled() = true before any toggle")
	}
	if !s.setAdvanced(true) {
		t.Fatalf("setAdvanced(true) = false, want true on first enable")
	}
	if s.setAdvanced(true) {
		t.Fatalf("setAdvanced(true) twice reported a change")
	}
	if !s.AdvancedEnabled() {
		t.Fatalf("AdvancedEnabled() = false after enable")
	}
	if !s.setAdvanced(false) {
		t.Fatalf("setAdvanced(false) = false, want true when disabling")
	}
}

func TestDeadlineProducesStructuredError(t *testing.T) {
	s := testServer(t)
	def := toolDef{
		tool:    mcp.NewTool("sleepy"),
		timeout: 50 * time.Millisecond,
		handler: func(ctx context.Context, tc *toolCall) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	start := time.Now()
	fields := callTool(t, s, def, nil)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline took %s, want about 50ms", elapsed)
	}
	if fields["success"] != false {
		t.Fatalf("success = %v, want false", fields["success"])
	}
	if fields["code"] != cdpcontrol.CodeDeadline {
		t.Fatalf("code = %v, want %q", fields["code"], cdpcontrol.CodeDeadline)
	}
	if fields["tool"] != "sleepy" {
		t.Fatalf("tool = %v, want sleepy", fields["tool"])
	}
	hint, _ := fields["hint"].(string)
	if !strings.Contains(hint, "timeoutMs") {
		t.Fatalf("hint = %q, want a timeoutMs suggestion", hint)
	}
}

func TestTimeoutMsArgumentOverridesDefault(t *testing.T) {
	s := testServer(t)
	def := toolDef{
		tool:    mcp.NewTool("sleepy"),
		timeout: time.Minute,
		handler: func(ctx context.Context, tc *toolCall) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	start := time.Now()
	fields := callTool(t, s, def, map[string]any{"timeoutMs": float64(50)})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("override took %s, want about 50ms", elapsed)
	}
	if fields["code"] != cdpcontrol.CodeDeadline {
		t.Fatalf("code = %v, want %q", fields["code"], cdpcontrol.CodeDeadline)
	}
}

func TestPanicBecomesStructuredError(t *testing.T) {
	s := testServer(t)
	def := toolDef{
		tool: mcp.NewTool("angry"),
		handler: func(ctx context.Context, tc *toolCall) (map[string]any, error) {
			panic("boom")
		},
	}

	fields := callTool(t, s, def, nil)
	if fields["success"] != false {
		t.Fatalf("success = %v, want false", fields["success"])
	}
	if fields["code"] != cdpcontrol.CodeInternal {
		t.Fatalf("code = %v, want %q", fields["code"], cdpcontrol.CodeInternal)
	}
	errText, _ := fields["error"].(string)
	if !strings.Contains(errText, "boom") {
		t.Fatalf("error = %q, want the panic value in it", errText)
	}
}

func TestBrowserGateRefusesWhenOffline(t *testing.T) {
	s := testServer(t)
	ran := false
	def := toolDef{
		tool:         mcp.NewTool("needs_browser"),
		needsBrowser: true,
		handler: func(ctx context.Context, tc *toolCall) (map[string]any, error) {
			ran = true
			return map[string]any{}, nil
		},
	}

	fields := callTool(t, s, def, nil)
	if ran {
		t.Fatalf("handler ran despite missing browser")
	}
	if fields["code"] != cdpcontrol.CodeNotConnected {
		t.Fatalf("code = %v, want %q", fields["code"], cdpcontrol.CodeNotConnected)
	}
	hint, _ := fields["hint"].(string)
	if !strings.Contains(hint, "launch_with_profile") {
		t.Fatalf("hint = %q, want launch_with_profile in it", hint)
	}
}

func TestSuccessEnvelope(t *testing.T) {
	s := testServer(t)
	def := toolDef{
		tool: mcp.NewTool("calm"),
		handler: func(ctx context.Context, tc *toolCall) (map[string]any, error) {
			return map[string]any{"value": 7}, nil
		},
	}

	fields := callTool(t, s, def, nil)
	if fields["success"] != true {
		t.Fatalf("success = %v, want true", fields["success"])
	}
	if fields["value"] != float64(7) {
		t.Fatalf("value = %v, want 7", fields["value"])
	}
}

func TestHandlerErrorKeepsSuccessFieldFalse(t *testing.T) {
	s := testServer(t)
	def := toolDef{
		tool: mcp.NewTool("failing"),
		handler: func(ctx context.Context, tc *toolCall) (map[string]any, error) {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "bad input", nil)
		},
	}

	fields := callTool(t, s, def, nil)
	if fields["success"] != false {
		t.Fatalf("success = %v, want false", fields["success"])
	}
	if fields["code"] != cdpcontrol.CodeValidation {
		t.Fatalf("code = %v, want %q", fields["code"], cdpcontrol.CodeValidation)
	}
	errText, _ := fields["error"].(string)
	if !strings.Contains(errText, "bad input") {
		t.Fatalf("error = %q, want the message in it", errText)
	}
}
