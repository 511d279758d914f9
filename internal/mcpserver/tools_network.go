package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/capture"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/intercept"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/storage"
)

// networkTools covers Fetch interception, standing rules, mock endpoints,
// HAR recording and WebSocket capture. The request/response surgery tools
// are advanced; the rule and recording tools are always visible.
func (s *Server) networkTools() []toolDef {
	return []toolDef{
		{
			tool: mcp.NewTool("enable_request_interception",
				mcp.WithDescription("Start pausing outgoing requests matching URL glob patterns. Paused requests wait for modify_intercepted_request or continue_intercepted, or resume on their own after the resume timeout."),
				mcp.WithArray("patterns", mcp.Description("URL globs, e.g. **/api/**; empty means everything"),
					mcp.Items(map[string]any{"type": "string"})),
				mcp.WithBoolean("autoContinue", mcp.Description("resume unmatched requests immediately instead of queueing them")),
				mcp.WithNumber("resumeTimeoutMs", mcp.Description("how long a paused request may wait before auto-resume")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleEnableRequestInterception,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("enable_response_interception",
				mcp.WithDescription("Start pausing responses matching URL glob patterns so their status, headers and body can be rewritten before the page sees them. Conflicts with mock endpoints on overlapping patterns."),
				mcp.WithArray("patterns", mcp.Description("URL globs; empty means everything"),
					mcp.Items(map[string]any{"type": "string"})),
				mcp.WithBoolean("autoContinue", mcp.Description("resume unmatched responses immediately")),
				mcp.WithNumber("resumeTimeoutMs", mcp.Description("how long a paused response may wait before auto-resume")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleEnableResponseInterception,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("disable_request_interception",
				mcp.WithDescription("Stop request interception on a tab: pending requests resume unmodified, request rules and all mocks are cleared."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleDisableRequestInterception,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("disable_response_interception",
				mcp.WithDescription("Stop response interception on a tab: pending responses resume unmodified and response rules are cleared."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleDisableResponseInterception,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("list_intercepted_requests",
				mcp.WithDescription("Snapshot the requests currently paused at the request stage, oldest first."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      listPausedHandler(intercept.StageRequest),
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("list_intercepted_responses",
				mcp.WithDescription("Snapshot the responses currently paused at the response stage, oldest first."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      listPausedHandler(intercept.StageResponse),
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("modify_intercepted_request",
				mcp.WithDescription("Release one paused request with patched URL, method, headers or body. The patch applies to this request only; use intercept_and_modify_traffic for a standing rule."),
				mcp.WithString("requestId", mcp.Required(), mcp.Description("id from list_intercepted_requests")),
				mcp.WithString("url", mcp.Description("override the request URL")),
				mcp.WithString("method", mcp.Description("override the HTTP method")),
				mcp.WithObject("addHeaders", mcp.Description("headers to set, name to value")),
				mcp.WithArray("removeHeaders", mcp.Description("header names to drop"),
					mcp.Items(map[string]any{"type": "string"})),
				mcp.WithString("body", mcp.Description("replacement post data")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleModifyInterceptedRequest,
			needsBrowser: true,
			advanced:     true,
		},
		{
			tool: mcp.NewTool("modify_intercepted_response",
				mcp.WithDescription("Release one paused response with patched status, headers or body. bodyReplacements rewrites substrings of the original body; body replaces it outright."),
				mcp.WithString("requestId", mcp.Required(), mcp.Description("id from list_intercepted_responses")),
				mcp.WithNumber("statusCode", mcp.Description("override the response status")),
				mcp.WithObject("addHeaders", mcp.Description("headers to set, name to value")),
				mcp.WithArray("removeHeaders", mcp.Description("header names to drop"),
					mcp.Items(map[string]any{"type": "string"})),
				mcp.WithString("body", mcp.Description("replacement body, wins over bodyReplacements")),
				mcp.WithObject("bodyReplacements", mcp.Description("substring to replacement applied to the original body")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleModifyInterceptedResponse,
			needsBrowser: true,
			advanced:     true,
		},
		{
			tool: mcp.NewTool("continue_intercepted",
				mcp.WithDescription("Release one paused request or response unmodified, or terminate it with a browser-side error via failReason."),
				mcp.WithString("requestId", mcp.Required(), mcp.Description("id of the paused entry")),
				mcp.WithString("failReason", mcp.Description("terminate instead of resuming, e.g. blocked-by-client, connection-refused, timed-out")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleContinueIntercepted,
			needsBrowser: true,
			advanced:     true,
		},
		{
			tool: mcp.NewTool("intercept_and_modify_traffic",
				mcp.WithDescription("Install a standing rule applied to every matching request or response. Rules evaluate first-match in creation order; mock endpoints shadow them."),
				mcp.WithString("urlPattern", mcp.Required(), mcp.Description("URL glob the rule matches")),
				mcp.WithString("action", mcp.Enum("modify", "observe", "fail", "delay", "block"),
					mcp.Description("what to do with matches, defaults to modify")),
				mcp.WithString("stage", mcp.Enum("request", "response"), mcp.Description("defaults to request")),
				mcp.WithString("method", mcp.Description("restrict to one HTTP method, * for any")),
				mcp.WithString("resourceType", mcp.Description("restrict to one resource type, e.g. Document, XHR, Fetch, Script")),
				mcp.WithObject("addHeaders", mcp.Description("headers to set on matches")),
				mcp.WithArray("removeHeaders", mcp.Description("header names to drop from matches"),
					mcp.Items(map[string]any{"type": "string"})),
				mcp.WithString("overrideMethod", mcp.Description("rewrite the HTTP method (request stage)")),
				mcp.WithString("body", mcp.Description("replacement body for matches")),
				mcp.WithNumber("statusCode", mcp.Description("rewrite the status (response stage)")),
				mcp.WithObject("bodyReplacements", mcp.Description("substring rewrites of the original body (response stage)")),
				mcp.WithNumber("latencyMs", mcp.Description("delay before resuming, required for action=delay")),
				mcp.WithString("failReason", mcp.Description("error for action=fail, defaults to blocked-by-client")),
				mcp.WithBoolean("autoContinue", mcp.Description("for action=observe, resume matches immediately after recording")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleAddTrafficRule,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("block_urls",
				mcp.WithDescription("Block every request matching the given URL globs with a browser-side network error. Shorthand for one fail rule per pattern."),
				mcp.WithArray("patterns", mcp.Required(), mcp.Description("URL globs to block"),
					mcp.Items(map[string]any{"type": "string"})),
				mcp.WithString("failReason", mcp.Description("error to surface, defaults to blocked-by-client")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleBlockURLs,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("throttle_requests",
				mcp.WithDescription("Delay every request matching a URL glob by a fixed latency before it goes out."),
				mcp.WithString("urlPattern", mcp.Required(), mcp.Description("URL glob to slow down")),
				mcp.WithNumber("latencyMs", mcp.Required(), mcp.Description("added delay in milliseconds")),
				mcp.WithString("method", mcp.Description("restrict to one HTTP method")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleThrottleRequests,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("clear_interception_rules",
				mcp.WithDescription("Remove one standing rule by id, or every rule on the tab when ruleId is omitted."),
				mcp.WithString("ruleId", mcp.Description("rule to remove; empty removes all")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleClearRules,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("list_interception_rules",
				mcp.WithDescription("List the standing interception rules on a tab in evaluation order."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleListRules,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("create_mock_endpoint",
				mcp.WithDescription("Serve a canned response for every request matching a URL glob without touching the network. Mocks win over rules; conflicts with response interception on overlapping patterns."),
				mcp.WithString("urlPattern", mcp.Required(), mcp.Description("URL glob to mock")),
				mcp.WithString("method", mcp.Description("HTTP method to match, * for any")),
				mcp.WithNumber("statusCode", mcp.Description("response status, defaults to 200")),
				mcp.WithObject("headers", mcp.Description("response headers; Content-Type defaults to application/json")),
				mcp.WithString("responseBody", mcp.Description("response body")),
				mcp.WithNumber("latencyMs", mcp.Description("artificial delay before the mock answers")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleCreateMock,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("delete_mock_endpoint",
				mcp.WithDescription("Remove one mock endpoint by id and report how often it was hit."),
				mcp.WithString("mockId", mcp.Required(), mcp.Description("id from create_mock_endpoint")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleDeleteMock,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("clear_all_mocks",
				mcp.WithDescription("Remove every mock endpoint on a tab."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleClearMocks,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("list_mock_endpoints",
				mcp.WithDescription("List the mock endpoints on a tab with their call counts."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleListMocks,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("start_har_recording",
				mcp.WithDescription("Start recording request/response pairs on a tab for later export as a HAR archive."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleStartHAR,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("stop_har_recording",
				mcp.WithDescription("Stop HAR recording. Recorded entries stay available to export_har_file until the next start_har_recording."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleStopHAR,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("export_har_file",
				mcp.WithDescription("Write the recorded entries as a HAR 1.2 archive to a file."),
				mcp.WithString("filePath", mcp.Required(), mcp.Description("destination file, .har appended when missing")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleExportHAR,
			needsBrowser: true,
		},
		{
			tool: mcp.NewTool("start_websocket_capture",
				mcp.WithDescription("Start capturing WebSocket frames on a tab, newest kept up to a frame cap."),
				mcp.WithNumber("maxFrames", mcp.Description("frame cap, defaults to the configured limit")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleStartWSCapture,
			needsBrowser: true,
			advanced:     true,
		},
		{
			tool: mcp.NewTool("stop_websocket_capture",
				mcp.WithDescription("Stop WebSocket capture. Captured frames stay listable until the next start_websocket_capture."),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleStopWSCapture,
			needsBrowser: true,
			advanced:     true,
		},
		{
			tool: mcp.NewTool("list_websocket_frames",
				mcp.WithDescription("List captured WebSocket frames, newest last, optionally filtered by direction or written to a JSON-lines file."),
				mcp.WithNumber("limit", mcp.Description("return at most this many frames, newest kept")),
				mcp.WithString("direction", mcp.Enum("sent", "received"), mcp.Description("keep only one direction")),
				mcp.WithString("filePath", mcp.Description("also write the frames as JSON lines to this file")),
				mcp.WithString("tabId", mcp.Description("target tab, defaults to the active one")),
			),
			handler:      handleListWSFrames,
			needsBrowser: true,
			advanced:     true,
		},
	}
}

func handleEnableRequestInterception(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	patterns := argStringSlice(tc.args, "patterns")
	resume := time.Duration(argInt(tc.args, "resumeTimeoutMs", 0)) * time.Millisecond
	if err := tc.srv.engine.EnableRequestInterception(ctx, tc.conn, rec.ID,
		patterns, argBool(tc.args, "autoContinue", false), resume); err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return map[string]any{"tabId": rec.ID, "stage": "request", "patterns": patterns}, nil
}

func handleEnableResponseInterception(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	patterns := argStringSlice(tc.args, "patterns")
	resume := time.Duration(argInt(tc.args, "resumeTimeoutMs", 0)) * time.Millisecond
	if err := tc.srv.engine.EnableResponseInterception(ctx, tc.conn, rec.ID,
		patterns, argBool(tc.args, "autoContinue", false), resume); err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return map[string]any{"tabId": rec.ID, "stage": "response", "patterns": patterns}, nil
}

func handleDisableRequestInterception(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	drained, err := tc.srv.engine.DisableRequestInterception(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "stage": "request", "drained": drained}, nil
}

func handleDisableResponseInterception(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	drained, err := tc.srv.engine.DisableResponseInterception(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "stage": "response", "drained": drained}, nil
}

func listPausedHandler(stage intercept.Stage) handlerFunc {
	return func(ctx context.Context, tc *toolCall) (map[string]any, error) {
		rec, err := tc.target()
		if err != nil {
			return nil, err
		}
		paused := tc.srv.engine.ListPaused(rec.ID, stage)
		if paused == nil {
			paused = []intercept.PausedView{}
		}
		key := "requests"
		if stage == intercept.StageResponse {
			key = "responses"
		}
		return map[string]any{"tabId": rec.ID, key: paused, "count": len(paused)}, nil
	}
}

func handleModifyInterceptedRequest(ctx context.Context, tc *toolCall) (map[string]any, error) {
	requestID, err := requireString(tc.args, "requestId")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	patch := intercept.RequestPatch{
		URL:           argString(tc.args, "url", ""),
		Method:        argString(tc.args, "method", ""),
		Headers:       argStringMap(tc.args, "addHeaders"),
		RemoveHeaders: argStringSlice(tc.args, "removeHeaders"),
	}
	if _, ok := tc.args["body"]; ok {
		patch.Body = argString(tc.args, "body", "")
		patch.HasBody = true
	}
	if err := tc.srv.engine.ModifyRequest(ctx, rec.ID, requestID, patch); err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "requestId": requestID, "released": true}, nil
}

func handleModifyInterceptedResponse(ctx context.Context, tc *toolCall) (map[string]any, error) {
	requestID, err := requireString(tc.args, "requestId")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	patch := intercept.ResponsePatch{
		StatusCode:       argInt(tc.args, "statusCode", 0),
		Headers:          argStringMap(tc.args, "addHeaders"),
		RemoveHeaders:    argStringSlice(tc.args, "removeHeaders"),
		BodyReplacements: argStringMap(tc.args, "bodyReplacements"),
	}
	if _, ok := tc.args["body"]; ok {
		patch.Body = argString(tc.args, "body", "")
		patch.HasBody = true
	}
	if err := tc.srv.engine.ModifyResponse(ctx, rec.ID, requestID, patch); err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "requestId": requestID, "released": true}, nil
}

func handleContinueIntercepted(ctx context.Context, tc *toolCall) (map[string]any, error) {
	requestID, err := requireString(tc.args, "requestId")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	failReason := argString(tc.args, "failReason", "")
	if err := tc.srv.engine.Continue(ctx, rec.ID, requestID, failReason); err != nil {
		return nil, err
	}
	fields := map[string]any{"tabId": rec.ID, "requestId": requestID}
	if failReason != "" {
		fields["failed"] = failReason
	} else {
		fields["released"] = true
	}
	return fields, nil
}

func handleAddTrafficRule(ctx context.Context, tc *toolCall) (map[string]any, error) {
	pattern, err := requireString(tc.args, "urlPattern")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	rule, err := intercept.NewRule(intercept.Rule{
		Pattern:          pattern,
		Stage:            intercept.Stage(argString(tc.args, "stage", "")),
		Method:           argString(tc.args, "method", ""),
		ResourceType:     argString(tc.args, "resourceType", ""),
		Action:           intercept.Action(argString(tc.args, "action", "modify")),
		AddHeaders:       argStringMap(tc.args, "addHeaders"),
		RemoveHeaders:    argStringSlice(tc.args, "removeHeaders"),
		OverrideMethod:   argString(tc.args, "overrideMethod", ""),
		OverrideBody:     argString(tc.args, "body", ""),
		OverrideStatus:   argInt(tc.args, "statusCode", 0),
		BodyReplacements: argStringMap(tc.args, "bodyReplacements"),
		LatencyMs:        argInt(tc.args, "latencyMs", 0),
		FailReason:       argString(tc.args, "failReason", ""),
		AutoContinue:     argBool(tc.args, "autoContinue", false),
	})
	if err != nil {
		return nil, err
	}
	view, err := tc.srv.engine.AddRule(ctx, tc.conn, rec.ID, rule)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "rule": view, "ruleId": view.ID}, nil
}

func handleBlockURLs(ctx context.Context, tc *toolCall) (map[string]any, error) {
	patterns := argStringSlice(tc.args, "patterns")
	if len(patterns) == 0 {
		return nil, requireErr("patterns")
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	failReason := argString(tc.args, "failReason", "")
	ruleIDs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		rule, err := intercept.NewRule(intercept.Rule{
			Pattern:    p,
			Stage:      intercept.StageRequest,
			Action:     intercept.ActionBlock,
			FailReason: failReason,
		})
		if err != nil {
			return nil, err
		}
		view, err := tc.srv.engine.AddRule(ctx, tc.conn, rec.ID, rule)
		if err != nil {
			return nil, err
		}
		ruleIDs = append(ruleIDs, view.ID)
	}
	return map[string]any{"tabId": rec.ID, "blocked": patterns, "ruleIds": ruleIDs}, nil
}

func handleThrottleRequests(ctx context.Context, tc *toolCall) (map[string]any, error) {
	pattern, err := requireString(tc.args, "urlPattern")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	rule, err := intercept.NewRule(intercept.Rule{
		Pattern:   pattern,
		Stage:     intercept.StageRequest,
		Method:    argString(tc.args, "method", ""),
		Action:    intercept.ActionDelay,
		LatencyMs: argInt(tc.args, "latencyMs", 0),
	})
	if err != nil {
		return nil, err
	}
	view, err := tc.srv.engine.AddRule(ctx, tc.conn, rec.ID, rule)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "ruleId": view.ID, "latencyMs": view.LatencyMs}, nil
}

func handleClearRules(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	removed, err := tc.srv.engine.ClearRules(ctx, rec.ID, argString(tc.args, "ruleId", ""))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "removed": removed}, nil
}

func handleListRules(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	rules := tc.srv.engine.Rules(rec.ID)
	if rules == nil {
		rules = []intercept.RuleView{}
	}
	return map[string]any{"tabId": rec.ID, "rules": rules, "count": len(rules)}, nil
}

func handleCreateMock(ctx context.Context, tc *toolCall) (map[string]any, error) {
	pattern, err := requireString(tc.args, "urlPattern")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	mock, err := intercept.NewMockEndpoint(intercept.MockEndpoint{
		Pattern:   pattern,
		Method:    argString(tc.args, "method", ""),
		Status:    argInt(tc.args, "statusCode", 0),
		Headers:   argStringMap(tc.args, "headers"),
		Body:      argString(tc.args, "responseBody", ""),
		LatencyMs: argInt(tc.args, "latencyMs", 0),
	})
	if err != nil {
		return nil, err
	}
	view, err := tc.srv.engine.CreateMock(ctx, tc.conn, rec.ID, mock)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "mock": view, "mockId": view.ID}, nil
}

func handleDeleteMock(ctx context.Context, tc *toolCall) (map[string]any, error) {
	mockID, err := requireString(tc.args, "mockId")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	view, err := tc.srv.engine.DeleteMock(ctx, rec.ID, mockID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "deleted": view.ID, "callCount": view.Calls}, nil
}

func handleClearMocks(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	removed, err := tc.srv.engine.ClearMocks(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "removed": removed}, nil
}

func handleListMocks(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	mocks := tc.srv.engine.Mocks(rec.ID)
	if mocks == nil {
		mocks = []intercept.MockView{}
	}
	return map[string]any{"tabId": rec.ID, "mocks": mocks, "count": len(mocks)}, nil
}

func handleStartHAR(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	if err := tc.srv.engine.StartHAR(ctx, tc.conn, rec.ID, rec.URL); err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "recording": true}, nil
}

func handleStopHAR(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	entries, dropped, err := tc.srv.engine.StopHAR(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{"tabId": rec.ID, "recording": false, "entries": entries}
	if dropped > 0 {
		fields["dropped"] = dropped
	}
	return fields, nil
}

func handleExportHAR(ctx context.Context, tc *toolCall) (map[string]any, error) {
	filePath, err := requireString(tc.args, "filePath")
	if err != nil {
		return nil, err
	}
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	path, err := storage.ValidateExportPath(filePath, ".har")
	if err != nil {
		return nil, err
	}
	har, err := tc.srv.engine.ExportHAR(rec.ID, serverName, serverVersion)
	if err != nil {
		return nil, err
	}
	n, err := storage.WriteJSON(path, har)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tabId":         rec.ID,
		"savedTo":       path,
		"entries":       len(har.Log.Entries),
		"fileSizeBytes": n,
	}, nil
}

func handleStartWSCapture(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	maxFrames := argInt(tc.args, "maxFrames", 0)
	if err := tc.srv.engine.StartWSCapture(ctx, tc.conn, rec.ID, maxFrames); err != nil {
		return nil, err
	}
	return map[string]any{"tabId": rec.ID, "capturing": true}, nil
}

func handleStopWSCapture(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	total, connections, err := tc.srv.engine.StopWSCapture(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tabId":       rec.ID,
		"capturing":   false,
		"frames":      total,
		"connections": connections,
	}, nil
}

func handleListWSFrames(ctx context.Context, tc *toolCall) (map[string]any, error) {
	rec, err := tc.target()
	if err != nil {
		return nil, err
	}
	frames, err := tc.srv.engine.WSFrames(rec.ID,
		argInt(tc.args, "limit", 0), argString(tc.args, "direction", ""))
	if err != nil {
		return nil, err
	}
	if frames == nil {
		frames = []capture.WSFrame{}
	}
	fields := map[string]any{"tabId": rec.ID, "frames": frames, "count": len(frames)}

	if filePath := argString(tc.args, "filePath", ""); filePath != "" {
		path, err := storage.ValidateExportPath(filePath, ".jsonl")
		if err != nil {
			return nil, err
		}
		n, err := storage.WriteJSONLines(path, frames)
		if err != nil {
			return nil, err
		}
		fields["savedTo"] = path
		fields["fileSizeBytes"] = n
	}
	return fields, nil
}

func requireErr(key string) error {
	return cdpcontrol.NewError(cdpcontrol.CodeValidation,
		fmt.Sprintf("missing required argument %q", key), nil)
}
