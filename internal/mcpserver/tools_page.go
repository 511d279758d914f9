package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/capture"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/storage"
)

// pageTools covers navigation, trusted input, content readback, script
// injection and session export.
func (s *Server) pageTools() []toolDef {
	return []toolDef{
		{
			tool: mcp.NewTool("browser_action",
				mcp.WithDescription("Perform one page action: navigation, trusted clicks and keystrokes, scrolling, screenshots, selector waits or script evaluation. Input events are dispatched through CDP and are indistinguishable from real user input."),
				mcp.WithString("action", mcp.Required(),
					mcp.Enum("navigate", "reload", "back", "forward", "click", "hover", "type",
						"press_key", "scroll", "screenshot", "wait_for_selector", "evaluate"),
					mcp.Description("what to do")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
				mcp.WithString("url", mcp.Description("destination for action=navigate")),
				mcp.WithString("selector", mcp.Description("CSS selector for click/hover/type/wait_for_selector")),
				mcp.WithString("text", mcp.Description("text to type for action=type")),
				mcp.WithString("key", mcp.Description("key name for action=press_key, e.g. Enter, Tab, ArrowDown")),
				mcp.WithNumber("modifiers", mcp.Description("modifier bitmask for press_key: 1=Alt 2=Ctrl 4=Meta 8=Shift")),
				mcp.WithNumber("x", mcp.Description("viewport x for click/hover/scroll")),
				mcp.WithNumber("y", mcp.Description("viewport y for click/hover/scroll")),
				mcp.WithNumber("deltaX", mcp.Description("horizontal scroll amount")),
				mcp.WithNumber("deltaY", mcp.Description("vertical scroll amount, defaults to 400")),
				mcp.WithString("format", mcp.Enum("png", "jpeg"), mcp.Description("screenshot format, defaults to png")),
				mcp.WithNumber("quality", mcp.Description("jpeg quality 1-100")),
				mcp.WithBoolean("fullPage", mcp.Description("capture beyond the viewport")),
				mcp.WithString("filePath", mcp.Description("write the screenshot here instead of returning base64")),
				mcp.WithString("script", mcp.Description("JavaScript for action=evaluate")),
				mcp.WithNumber("timeoutMs", mcp.Description("per-call deadline override in milliseconds")),
			),
			handler:      handleBrowserAction,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("get_page_content",
				mcp.WithDescription("Read the page as text or HTML, optionally scoped to a selector. Output is truncated to the configured byte cap with the original size and digest reported."),
				mcp.WithString("format", mcp.Enum("text", "html"), mcp.Description("defaults to text")),
				mcp.WithString("selector", mcp.Description("limit to the first matching element")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handlePageContent,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("inject_script",
				mcp.WithDescription("Evaluate JavaScript on the page, or register it to run at document start on every future navigation of the tab."),
				mcp.WithString("script", mcp.Required(), mcp.Description("JavaScript source")),
				mcp.WithBoolean("persistent", mcp.Description("register for every new document instead of running once")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleInjectScript,
			needsBrowser: true,
			advanced:     true,
		},
		{
			tool: mcp.NewTool("apply_stealth_patches",
				mcp.WithDescription("Re-apply the anti-automation-detection patches. Normally automatic on connect; use force to reinstall after a page cleared them."),
				mcp.WithBoolean("force", mcp.Description("reinstall even when already applied")),
				mcp.WithString("tabId", mcp.Description("patch only this tab instead of every page")),
			),
			handler:      handleApplyStealth,
			needsBrowser: true,
			advanced:     true,
		},
		{
			tool: mcp.NewTool("export_browser_session",
				mcp.WithDescription("Write cookies and per-origin localStorage of the connected browser to a JSON file for later import."),
				mcp.WithString("filePath", mcp.Required(), mcp.Description("destination file, .json appended when missing")),
				mcp.WithString("tabId", mcp.Description("unused, accepted for symmetry")),
			),
			handler:      handleExportSession,
			needsBrowser: true,
			advanced:     true,
		},
		{
			tool: mcp.NewTool("import_browser_session",
				mcp.WithDescription("Restore cookies and localStorage from a file produced by export_browser_session. localStorage is restored only for origins that currently have an open tab."),
				mcp.WithString("filePath", mcp.Required(), mcp.Description("session file to read")),
			),
			handler:      handleImportSession,
			needsBrowser: true,
			advanced:     true,
		},
	}
}

// keyDefs maps press_key names onto the CDP key event triple.
var keyDefs = map[string]struct {
	code    string
	keyCode int
}{
	"Enter":      {"Enter", 13},
	"Tab":        {"Tab", 9},
	"Escape":     {"Escape", 27},
	"Backspace":  {"Backspace", 8},
	"Delete":     {"Delete", 46},
	"ArrowUp":    {"ArrowUp", 38},
	"ArrowDown":  {"ArrowDown", 40},
	"ArrowLeft":  {"ArrowLeft", 37},
	"ArrowRight": {"ArrowRight", 39},
	"Home":       {"Home", 36},
	"End":        {"End", 35},
	"PageUp":     {"PageUp", 33},
	"PageDown":   {"PageDown", 34},
	"Space":      {"Space", 32},
}

func handleBrowserAction(ctx context.Context, tc *toolCall) (map[string]any, error) {
	action, err := requireString(tc.args, "action")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	err = tc.conn.Sessions.WithEphemeral(ctx, rec.ID, func(sessionID string) error {
		var aerr error
		fields, aerr = tc.runPageAction(ctx, sessionID, action)
		return aerr
	})
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["action"] = action
	fields["tabId"] = rec.ID
	return fields, nil
}

func (tc *toolCall) runPageAction(ctx context.Context, sessionID, action string) (map[string]any, error) {
	tr := tc.conn.Transport

	switch action {
	case "navigate":
		url, err := requireString(tc.args, "url")
		if err != nil {
			return nil, err
		}
		// A beforeunload handler raises a dialog that blocks Page.navigate
		// until answered. Accept any dialog this navigation raises.
		if err := tr.EnablePageDomain(ctx, sessionID); err == nil {
			unsub := tr.Subscribe("Page.javascriptDialogOpening", func(evtSession string, _ json.RawMessage) {
				if evtSession != sessionID {
					return
				}
				go func() {
					actx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					if err := tr.HandleJavaScriptDialog(actx, sessionID, true); err != nil {
						slog.Debug("auto-accept dialog failed", "error", err)
					}
				}()
			})
			defer unsub()
		}
		if err := tr.Navigate(ctx, sessionID, url); err != nil {
			return nil, err
		}
		return map[string]any{"url": url}, nil

	case "reload":
		return nil, tr.Reload(ctx, sessionID)

	case "back", "forward":
		delta := -1
		if action == "forward" {
			delta = 1
		}
		moved, err := tr.NavigateHistory(ctx, sessionID, delta)
		if err != nil {
			return nil, err
		}
		return map[string]any{"moved": moved}, nil

	case "click":
		x, y, err := tc.pointFromArgs(ctx, tr, sessionID)
		if err != nil {
			return nil, err
		}
		if err := tr.DispatchMouseMove(ctx, sessionID, x, y); err != nil {
			return nil, err
		}
		if err := tr.DispatchMouseClick(ctx, sessionID, x, y); err != nil {
			return nil, err
		}
		return map[string]any{"x": x, "y": y}, nil

	case "hover":
		x, y, err := tc.pointFromArgs(ctx, tr, sessionID)
		if err != nil {
			return nil, err
		}
		if err := tr.DispatchMouseMove(ctx, sessionID, x, y); err != nil {
			return nil, err
		}
		return map[string]any{"x": x, "y": y}, nil

	case "type":
		text, err := requireString(tc.args, "text")
		if err != nil {
			return nil, err
		}
		if sel := argString(tc.args, "selector", ""); sel != "" {
			x, y, err := selectorCenter(ctx, tr, sessionID, sel)
			if err != nil {
				return nil, err
			}
			if err := tr.DispatchMouseClick(ctx, sessionID, x, y); err != nil {
				return nil, err
			}
		}
		runes := []rune(text)
		if len(runes) > 200 {
			// Char events cost three round trips each; long text goes
			// through Input.insertText in one call.
			if err := tr.InsertText(ctx, sessionID, text); err != nil {
				return nil, err
			}
			return map[string]any{"typed": len(runes)}, nil
		}
		for _, r := range runes {
			if err := tr.DispatchCharInput(ctx, sessionID, string(r)); err != nil {
				return nil, err
			}
		}
		return map[string]any{"typed": len(runes)}, nil

	case "press_key":
		key, err := requireString(tc.args, "key")
		if err != nil {
			return nil, err
		}
		modifiers := argInt(tc.args, "modifiers", 0)
		if def, ok := keyDefs[key]; ok {
			return nil, tr.DispatchKeyEvent(ctx, sessionID, key, def.code, def.keyCode, modifiers)
		}
		if len([]rune(key)) == 1 && modifiers == 0 {
			return nil, tr.DispatchCharInput(ctx, sessionID, key)
		}
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("unknown key %q", key), nil)

	case "scroll":
		x := argFloat(tc.args, "x", 400)
		y := argFloat(tc.args, "y", 300)
		deltaX := argFloat(tc.args, "deltaX", 0)
		deltaY := argFloat(tc.args, "deltaY", 400)
		if err := tr.DispatchMouseWheel(ctx, sessionID, x, y, deltaX, deltaY); err != nil {
			return nil, err
		}
		return map[string]any{"deltaX": deltaX, "deltaY": deltaY}, nil

	case "screenshot":
		return tc.screenshot(ctx, sessionID)

	case "wait_for_selector":
		return tc.waitForSelector(ctx, sessionID)

	case "evaluate":
		script, err := requireString(tc.args, "script")
		if err != nil {
			return nil, err
		}
		result, err := tr.Evaluate(ctx, sessionID, script)
		if err != nil {
			return nil, err
		}
		out, truncated, originalSize, digest := capture.TruncateString(result, tc.srv.cfg.MaxBodyBytes)
		fields := map[string]any{"result": out}
		if truncated {
			fields["truncated"] = true
			fields["originalSize"] = originalSize
			fields["sha256"] = digest
		}
		return fields, nil

	default:
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("unknown action %q", action), nil)
	}
}

// pointFromArgs yields interaction coordinates from a selector or explicit
// x/y.
func (tc *toolCall) pointFromArgs(ctx context.Context, tr *cdpcontrol.Transport, sessionID string) (float64, float64, error) {
	if sel := argString(tc.args, "selector", ""); sel != "" {
		return selectorCenter(ctx, tr, sessionID, sel)
	}
	_, hasX := tc.args["x"]
	_, hasY := tc.args["y"]
	if !hasX || !hasY {
		return 0, 0, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			"need a selector or both x and y", nil)
	}
	return argFloat(tc.args, "x", 0), argFloat(tc.args, "y", 0), nil
}

// selectorCenter scrolls the first match into view and returns the center
// of its bounding box.
func selectorCenter(ctx context.Context, tr *cdpcontrol.Transport, sessionID, selector string) (float64, float64, error) {
	quoted, _ := json.Marshal(selector)
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return null;
		el.scrollIntoView({block: "center", inline: "center"});
		const r = el.getBoundingClientRect();
		return {x: r.left + r.width / 2, y: r.top + r.height / 2};
	})()`, quoted)

	raw, err := tr.EvaluateValue(ctx, sessionID, js)
	if err != nil {
		return 0, 0, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return 0, 0, cdpcontrol.NewError(cdpcontrol.CodeSelectorNotFound,
			fmt.Sprintf("no element matches %q", selector), nil)
	}
	var pt struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(raw, &pt); err != nil {
		return 0, 0, fmt.Errorf("decode element center: %w", err)
	}
	return pt.X, pt.Y, nil
}

func (tc *toolCall) screenshot(ctx context.Context, sessionID string) (map[string]any, error) {
	format := argString(tc.args, "format", "png")
	data, err := tc.conn.Transport.CaptureScreenshot(ctx, sessionID, format,
		argInt(tc.args, "quality", 0), argBool(tc.args, "fullPage", false))
	if err != nil {
		return nil, err
	}

	if filePath := argString(tc.args, "filePath", ""); filePath != "" {
		path, err := storage.ValidateExportPath(filePath, "."+format)
		if err != nil {
			return nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode screenshot: %w", err)
		}
		n, err := storage.WriteBytes(path, raw)
		if err != nil {
			return nil, err
		}
		return map[string]any{"savedTo": path, "fileSizeBytes": n, "format": format}, nil
	}
	return map[string]any{"data": data, "format": format}, nil
}

func (tc *toolCall) waitForSelector(ctx context.Context, sessionID string) (map[string]any, error) {
	selector, err := requireString(tc.args, "selector")
	if err != nil {
		return nil, err
	}
	quoted, _ := json.Marshal(selector)
	js := fmt.Sprintf(`!!document.querySelector(%s)`, quoted)

	// Stop polling shortly before the dispatcher deadline so the caller
	// gets SELECTOR_NOT_FOUND instead of a bare timeout.
	deadline := time.Now().Add(tc.srv.cfg.ToolTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d.Add(-150 * time.Millisecond)
	}

	start := time.Now()
	for {
		raw, err := tc.conn.Transport.EvaluateValue(ctx, sessionID, js)
		if err != nil {
			return nil, err
		}
		if string(raw) == "true" {
			return map[string]any{"found": true, "elapsedMs": time.Since(start).Milliseconds()}, nil
		}
		if time.Now().After(deadline) {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeSelectorNotFound,
				fmt.Sprintf("%q did not appear within %s", selector, time.Since(start).Round(time.Millisecond)), nil)
		}
		select {
		case <-ctx.Done():
			return nil, cdpcontrol.NewError(cdpcontrol.CodeSelectorNotFound,
				fmt.Sprintf("%q did not appear within %s", selector, time.Since(start).Round(time.Millisecond)), ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func handlePageContent(ctx context.Context, tc *toolCall) (map[string]any, error) {
	format := argString(tc.args, "format", "text")
	if format != "text" && format != "html" {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("unknown format %q", format), nil)
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}

	var js string
	if sel := argString(tc.args, "selector", ""); sel != "" {
		quoted, _ := json.Marshal(sel)
		prop := "innerText"
		if format == "html" {
			prop = "outerHTML"
		}
		js = fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.%s : null; })()`, quoted, prop)
	} else if format == "html" {
		js = `document.documentElement ? document.documentElement.outerHTML : ""`
	} else {
		js = `document.body ? document.body.innerText : ""`
	}

	var content string
	var missing bool
	err = tc.conn.Sessions.WithEphemeral(ctx, rec.ID, func(sessionID string) error {
		raw, err := tc.conn.Transport.EvaluateValue(ctx, sessionID, js)
		if err != nil {
			return err
		}
		if len(raw) == 0 || string(raw) == "null" {
			missing = true
			return nil
		}
		if err := json.Unmarshal(raw, &content); err != nil {
			content = string(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeSelectorNotFound,
			fmt.Sprintf("no element matches %q", argString(tc.args, "selector", "")), nil)
	}

	out, truncated, originalSize, digest := capture.TruncateString(content, tc.srv.cfg.MaxBodyBytes)
	fields := map[string]any{
		"tabId":   rec.ID,
		"format":  format,
		"content": out,
	}
	if truncated {
		fields["truncated"] = true
		fields["originalSize"] = originalSize
		fields["sha256"] = digest
	}
	return fields, nil
}

func handleInjectScript(ctx context.Context, tc *toolCall) (map[string]any, error) {
	script, err := requireString(tc.args, "script")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"tabId": rec.ID}
	err = tc.conn.Sessions.WithEphemeral(ctx, rec.ID, func(sessionID string) error {
		if argBool(tc.args, "persistent", false) {
			id, err := tc.conn.Transport.AddScriptToEvaluateOnNewDocument(ctx, sessionID, script)
			if err != nil {
				return err
			}
			fields["scriptId"] = id
			fields["persistent"] = true
			return nil
		}
		result, err := tc.conn.Transport.Evaluate(ctx, sessionID, script)
		if err != nil {
			return err
		}
		out, truncated, originalSize, _ := capture.TruncateString(result, tc.srv.cfg.MaxBodyBytes)
		fields["result"] = out
		if truncated {
			fields["truncated"] = true
			fields["originalSize"] = originalSize
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

func handleApplyStealth(ctx context.Context, tc *toolCall) (map[string]any, error) {
	force := argBool(tc.args, "force", false)

	if id := argString(tc.args, "tabId", ""); id != "" {
		rec, err := tc.conn.Registry.ResolvePage(id)
		if err != nil {
			return nil, err
		}
		if err := tc.srv.stealth.Apply(ctx, tc.conn, rec.ID, force); err != nil {
			return nil, err
		}
	} else if err := tc.srv.stealth.Arm(ctx, tc.conn); err != nil {
		return nil, err
	}
	return map[string]any{
		"applied":        tc.srv.stealth.Applied(),
		"patchedTargets": tc.srv.stealth.PatchedTargets(),
	}, nil
}

// sessionCookie is the stable on-disk cookie shape; fields mirror the CDP
// cookie parameters so an export round-trips through Storage.setCookies.
type sessionCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

type sessionExport struct {
	ExportedAt time.Time                    `json:"exportedAt"`
	Browser    string                       `json:"browser,omitempty"`
	Cookies    []sessionCookie              `json:"cookies"`
	Storage    map[string]map[string]string `json:"localStorage"`
}

const readLocalStorageJS = `(() => {
	try {
		if (location.origin === "null") return null;
		const items = {};
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			items[k] = localStorage.getItem(k);
		}
		return {origin: location.origin, items: items};
	} catch (e) {
		return null;
	}
})()`

func handleExportSession(ctx context.Context, tc *toolCall) (map[string]any, error) {
	filePath, err := requireString(tc.args, "filePath")
	if err != nil {
		return nil, err
	}
	path, err := storage.ValidateExportPath(filePath, ".json")
	if err != nil {
		return nil, err
	}

	raw, err := tc.conn.Transport.Send(ctx, "", "Storage.getCookies", struct{}{})
	if err != nil {
		return nil, err
	}
	var cookieResp struct {
		Cookies []sessionCookie `json:"cookies"`
	}
	if err := json.Unmarshal(raw, &cookieResp); err != nil {
		return nil, fmt.Errorf("decode cookies: %w", err)
	}

	export := sessionExport{
		ExportedAt: time.Now().UTC(),
		Cookies:    cookieResp.Cookies,
		Storage:    make(map[string]map[string]string),
	}
	if tc.conn.Browser != nil {
		export.Browser = tc.conn.Browser.Browser
	}

	for _, page := range tc.conn.Registry.Pages() {
		err := tc.conn.Sessions.WithEphemeral(ctx, page.ID, func(sessionID string) error {
			raw, err := tc.conn.Transport.EvaluateValue(ctx, sessionID, readLocalStorageJS)
			if err != nil || len(raw) == 0 || string(raw) == "null" {
				return nil // pages without readable storage are skipped
			}
			var ls struct {
				Origin string            `json:"origin"`
				Items  map[string]string `json:"items"`
			}
			if json.Unmarshal(raw, &ls) != nil || ls.Origin == "" {
				return nil
			}
			if _, seen := export.Storage[ls.Origin]; !seen {
				export.Storage[ls.Origin] = ls.Items
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	n, err := storage.WriteJSON(path, export)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"savedTo":       path,
		"cookies":       len(export.Cookies),
		"origins":       len(export.Storage),
		"fileSizeBytes": n,
	}, nil
}

func handleImportSession(ctx context.Context, tc *toolCall) (map[string]any, error) {
	filePath, err := requireString(tc.args, "filePath")
	if err != nil {
		return nil, err
	}
	path, err := storage.ValidateImportPath(filePath)
	if err != nil {
		return nil, err
	}
	var imported sessionExport
	if err := storage.ReadJSON(path, &imported); err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("not a session export: %s", path), err)
	}

	if len(imported.Cookies) > 0 {
		params := struct {
			Cookies []sessionCookie `json:"cookies"`
		}{Cookies: imported.Cookies}
		if _, err := tc.conn.Transport.Send(ctx, "", "Storage.setCookies", params); err != nil {
			return nil, err
		}
	}

	restored := 0
	for _, page := range tc.conn.Registry.Pages() {
		err := tc.conn.Sessions.WithEphemeral(ctx, page.ID, func(sessionID string) error {
			raw, err := tc.conn.Transport.EvaluateValue(ctx, sessionID, `location.origin`)
			if err != nil {
				return nil
			}
			var origin string
			if json.Unmarshal(raw, &origin) != nil {
				return nil
			}
			items, ok := imported.Storage[origin]
			if !ok {
				return nil
			}
			data, _ := json.Marshal(items)
			js := fmt.Sprintf(`(() => {
				const data = %s;
				localStorage.clear();
				for (const [k, v] of Object.entries(data)) localStorage.setItem(k, v);
				return Object.keys(data).length;
			})()`, data)
			if _, err := tc.conn.Transport.EvaluateValue(ctx, sessionID, js); err != nil {
				return err
			}
			restored++
			delete(imported.Storage, origin)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	skipped := make([]string, 0, len(imported.Storage))
	for origin := range imported.Storage {
		skipped = append(skipped, origin)
	}
	fields := map[string]any{
		"cookies":         len(imported.Cookies),
		"originsRestored": restored,
	}
	if len(skipped) > 0 {
		fields["originsSkipped"] = skipped
		fields["hint"] = "open a tab on each skipped origin and import again"
	}
	return fields, nil
}
