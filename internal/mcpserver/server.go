// Package mcpserver exposes the browser control surface as MCP tools over
// stdio. The dispatcher enforces the calling contract: one tool in flight
// at a time, a deadline on every call, and a structured result envelope on
// every outcome. A handler failure is a result, never a dead server.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/browser"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/config"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/intercept"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/stealth"
)

const (
	serverName    = "chrome-devtools-advanced-mcp"
	serverVersion = "1.2.0"
)

// handlerFunc is a tool implementation. It returns the success fields; the
// dispatcher wraps them into the envelope.
type handlerFunc func(ctx context.Context, tc *toolCall) (map[string]any, error)

// toolCall carries per-invocation state into a handler. conn is nil for
// tools that run without a browser.
type toolCall struct {
	srv  *Server
	conn *browser.Conn
	args map[string]any
}

// target resolves the optional tabId argument to a page target, defaulting
// to the frontmost page.
func (tc *toolCall) target() (cdpcontrol.TargetRecord, error) {
	return tc.conn.Registry.ResolvePage(argString(tc.args, "tabId", ""))
}

// toolDef is one catalog row. Tools with needsBrowser false form the
// allow-list that runs without (or before) a connection.
type toolDef struct {
	tool         mcp.Tool
	handler      handlerFunc
	timeout      time.Duration
	needsBrowser bool
	advanced     bool
}

// Server is the MCP dispatcher bound to one orchestrator.
type Server struct {
	cfg     *config.Config
	orch    *browser.Orchestrator
	engine  *intercept.Engine
	stealth *stealth.Injector
	mcp     *server.MCPServer

	// inflight serializes tool execution; the agent sees one call at a
	// time, so handlers never race each other over shared browser state.
	inflight sync.Mutex

	mu       sync.Mutex
	advanced bool
	defs     []toolDef
}

func New(cfg *config.Config, orch *browser.Orchestrator, engine *intercept.Engine, inj *stealth.Injector) *Server {
	s := &Server{cfg: cfg, orch: orch, engine: engine, stealth: inj}
	s.mcp = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Drives a real Chromium browser over CDP: navigation, DOM interaction, "+
			"request/response interception, mock endpoints, HAR recording and session export. "+
			"Start with launch_with_profile or get_connection_status."),
	)

	s.defs = s.catalog()
	for _, def := range s.defs {
		if !def.advanced {
			s.mcp.AddTool(def.tool, s.wrap(def))
		}
	}
	return s
}

// Run serves MCP over stdin/stdout until the client disconnects.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcp)
}

// catalog assembles the full tool table. Advanced rows stay unregistered
// until set_advanced_tools enables them.
func (s *Server) catalog() []toolDef {
	defs := []toolDef{s.advancedToggleDef()}
	defs = append(defs, s.browserTools()...)
	defs = append(defs, s.pageTools()...)
	defs = append(defs, s.networkTools()...)
	return defs
}

// wrap builds the dispatcher shell around one handler: serialization,
// connection gate, deadline race, panic fence, envelope.
func (s *Server) wrap(def toolDef) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.inflight.Lock()
		defer s.inflight.Unlock()

		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		timeout := def.timeout
		if timeout <= 0 {
			timeout = s.cfg.ToolTimeout
		}
		if ms := argInt(args, "timeoutMs", 0); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		tc := &toolCall{srv: s, args: args}
		if def.needsBrowser {
			conn, err := s.orch.EnsureConnected(ctx)
			if err != nil {
				slog.Warn("tool refused", "tool", def.tool.Name, "error", err)
				return failure(def.tool.Name, err), nil
			}
			tc.conn = conn
		}

		type outcome struct {
			fields map[string]any
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("tool handler panic", "tool", def.tool.Name, "panic", r)
					done <- outcome{err: cdpcontrol.NewError(cdpcontrol.CodeInternal,
						fmt.Sprintf("handler panic: %v", r), nil)}
				}
			}()
			fields, err := def.handler(ctx, tc)
			done <- outcome{fields: fields, err: err}
		}()

		select {
		case <-ctx.Done():
			// The handler goroutine keeps running until its next CDP call
			// fails on the dead context; its late result is discarded.
			slog.Warn("tool deadline exceeded", "tool", def.tool.Name, "timeout", timeout)
			return failure(def.tool.Name, cdpcontrol.NewError(cdpcontrol.CodeDeadline,
				fmt.Sprintf("no result within %s", timeout), ctx.Err())), nil
		case out := <-done:
			if out.err != nil {
				slog.Warn("tool failed", "tool", def.tool.Name, "duration", time.Since(start), "error", out.err)
				return failure(def.tool.Name, out.err), nil
			}
			slog.Debug("tool done", "tool", def.tool.Name, "duration", time.Since(start))
			return success(out.fields), nil
		}
	}
}

func (s *Server) advancedToggleDef() toolDef {
	return toolDef{
		tool: mcp.NewTool("set_advanced_tools",
			mcp.WithDescription("Show or hide the advanced tool set (interception surgery, WebSocket capture, session export). Emits a tool list change notification."),
			mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("true to expose advanced tools")),
		),
		handler: func(ctx context.Context, tc *toolCall) (map[string]any, error) {
			enabled := argBool(tc.args, "enabled", false)
			changed := tc.srv.setAdvanced(enabled)
			return map[string]any{"advancedTools": enabled, "changed": changed}, nil
		},
	}
}

// setAdvanced registers or withdraws the advanced tool rows. mcp-go sends
// notifications/tools/list_changed on both paths.
func (s *Server) setAdvanced(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advanced == enabled {
		return false
	}
	s.advanced = enabled

	if enabled {
		for _, def := range s.defs {
			if def.advanced {
				s.mcp.AddTool(def.tool, s.wrap(def))
			}
		}
		return true
	}
	var names []string
	for _, def := range s.defs {
		if def.advanced {
			names = append(names, def.tool.Name)
		}
	}
	s.mcp.DeleteTools(names...)
	return true
}

// AdvancedEnabled reports the current visibility toggle.
func (s *Server) AdvancedEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanced
}
