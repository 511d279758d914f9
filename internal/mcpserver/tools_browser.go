package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/browser"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
)

// browserTools covers connection lifecycle and tab management.
func (s *Server) browserTools() []toolDef {
	return []toolDef{
		{
			tool: mcp.NewTool("get_connection_status",
				mcp.WithDescription("Report the browser binding: port, managed process, page/target counts, stealth state and per-target interception summary. Never launches anything."),
			),
			handler: handleConnectionStatus,
		},
		{
			tool: mcp.NewTool("launch_with_profile",
				mcp.WithDescription("Connect to the browser on the debugging port, spawning a new Chromium with a shadow copy of a real user profile when the port is free. The only tool that may start a process."),
				mcp.WithString("profile", mcp.Description("profile directory name inside the user data dir, defaults to Default")),
				mcp.WithString("userDataDir", mcp.Description("use this user data dir as-is instead of shadow-cloning the detected one")),
				mcp.WithString("executablePath", mcp.Description("explicit browser binary, overrides auto-detection")),
				mcp.WithString("startUrl", mcp.Description("first page to open")),
				mcp.WithBoolean("force", mcp.Description("tear down an existing connection and relaunch")),
			),
			handler: handleLaunch,
			timeout: s.cfg.LaunchTimeout,
		},
		{
			tool: mcp.NewTool("close_browser",
				mcp.WithDescription("Drain interception state, disconnect, and terminate the browser if this server spawned it. Adopted browsers are only disconnected."),
			),
			handler: handleCloseBrowser,
		},
		{
			tool: mcp.NewTool("manage_tabs",
				mcp.WithDescription("List, open, close, activate or inspect browser tabs."),
				mcp.WithString("action", mcp.Required(),
					mcp.Enum("list", "new", "close", "activate", "get_url", "get_title"),
					mcp.Description("tab operation")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one where applicable")),
				mcp.WithString("url", mcp.Description("url for action=new")),
			),
			handler:      handleManageTabs,
			needsBrowser: true,
		},
	}
}

func handleConnectionStatus(ctx context.Context, tc *toolCall) (map[string]any, error) {
	st := tc.srv.orch.Status()
	fields := map[string]any{
		"connection":    st,
		"advancedTools": tc.srv.AdvancedEnabled(),
		"stealth": map[string]any{
			"applied":        tc.srv.stealth.Applied(),
			"patchedTargets": tc.srv.stealth.PatchedTargets(),
		},
	}
	if summary := tc.srv.engine.Summary(); len(summary) > 0 {
		fields["interception"] = summary
	}
	return fields, nil
}

func handleLaunch(ctx context.Context, tc *toolCall) (map[string]any, error) {
	opts := browser.LaunchOptions{
		Profile:     argString(tc.args, "profile", ""),
		UserDataDir: argString(tc.args, "userDataDir", ""),
		Executable:  argString(tc.args, "executablePath", ""),
		StartURL:    argString(tc.args, "startUrl", ""),
	}
	st, result, err := tc.srv.orch.LaunchWithProfile(ctx, opts, argBool(tc.args, "force", false))
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result, "connection": st}, nil
}

func handleCloseBrowser(ctx context.Context, tc *toolCall) (map[string]any, error) {
	result, err := tc.srv.orch.CloseBrowser(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func handleManageTabs(ctx context.Context, tc *toolCall) (map[string]any, error) {
	action, err := requireString(tc.args, "action")
	if err != nil {
		return nil, err
	}

	switch action {
	case "list":
		pages := tc.conn.Registry.Pages()
		tabs := make([]map[string]any, 0, len(pages))
		for _, p := range pages {
			tabs = append(tabs, map[string]any{
				"tabId":    p.ID,
				"url":      p.URL,
				"title":    p.Title,
				"attached": p.Attached,
			})
		}
		return map[string]any{"tabs": tabs, "count": len(tabs)}, nil

	case "new":
		info, err := tc.conn.Endpoints.NewPage(ctx, argString(tc.args, "url", ""))
		if err != nil {
			return nil, err
		}
		tc.conn.Registry.Touch(string(info.TargetID))
		return map[string]any{"tabId": string(info.TargetID), "url": info.URL}, nil

	case "close":
		id, err := requireString(tc.args, "tabId")
		if err != nil {
			return nil, err
		}
		if _, ok := tc.conn.Registry.Get(id); !ok {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
				fmt.Sprintf("no tab %s", id), nil)
		}
		if err := tc.conn.Endpoints.ClosePage(ctx, id); err != nil {
			return nil, err
		}
		tc.srv.engine.ReleaseTarget(id)
		return map[string]any{"closed": id}, nil

	case "activate":
		rec, err := tc.target()
		if err != nil {
			return nil, err
		}
		if err := tc.conn.Endpoints.Activate(ctx, rec.ID); err != nil {
			return nil, err
		}
		tc.conn.Registry.Touch(rec.ID)
		return map[string]any{"activated": rec.ID}, nil

	case "get_url":
		rec, err := tc.target()
		if err != nil {
			return nil, err
		}
		return map[string]any{"tabId": rec.ID, "url": rec.URL}, nil

	case "get_title":
		rec, err := tc.target()
		if err != nil {
			return nil, err
		}
		return map[string]any{"tabId": rec.ID, "title": rec.Title}, nil

	default:
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("unknown tab action %q", action), nil)
	}
}
