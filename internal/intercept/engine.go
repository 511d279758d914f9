// Package intercept owns per-target interception state: standing rules,
// mock endpoints, the pending pause table, and the HAR / WebSocket
// recorders. Every paused request receives exactly one terminal Fetch call,
// issued from a per-target worker goroutine, never from the transport read
// loop.
package intercept

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/browser"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/capture"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/config"
)

// sessionPurpose keys the persistent session all interception state for a
// target hangs off. One per target; closing it detaches every subscriber.
const sessionPurpose = "intercept"

// terminalTimeout bounds the CDP round trip of a terminal call. Terminal
// calls use a background context: a paused request must be released even
// when the tool call that caused it is long gone.
const terminalTimeout = 5 * time.Second

// recentLimit caps the finalized-disposition history kept for error
// messages.
const recentLimit = 200

// Engine owns one interception context per page target.
type Engine struct {
	cfg *config.Config

	mu       sync.Mutex
	contexts map[string]*Context
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg, contexts: make(map[string]*Context)}
}

type queuedEvent struct {
	kind   string // "paused" or "auth"
	params json.RawMessage
}

// Context is the interception state of one page target. The dispatcher
// never holds one directly; all access goes through Engine methods.
type Context struct {
	engine   *Engine
	targetID string
	conn     *browser.Conn
	session  *cdpcontrol.PersistentSession

	mu               sync.Mutex
	requestStage     bool
	responseStage    bool
	requestPatterns  []string
	responsePatterns []string
	autoContinue     bool
	resumeTimeout    time.Duration
	rules            []*Rule
	mocks            []*MockEndpoint
	paused           map[string]*PausedRequest
	order            []string
	recent           map[string]Disposition
	recentOrder      []string
	fetchEnabled     bool
	networkEnabled   bool
	closed           bool

	queue []queuedEvent
	wake  chan struct{}
	done  chan struct{}

	har *capture.HARRecorder
	ws  *capture.WebSocketCapture
}

func (e *Engine) lookup(targetID string) *Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contexts[targetID]
}

// contextFor returns the target's context, creating it (and its persistent
// session, subscriptions, and worker) on first use.
func (e *Engine) contextFor(ctx context.Context, conn *browser.Conn, targetID string) (*Context, error) {
	e.mu.Lock()
	if c, ok := e.contexts[targetID]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	sess, err := conn.Sessions.Persistent(ctx, targetID, sessionPurpose)
	if err != nil {
		return nil, err
	}

	c := &Context{
		engine:        e,
		targetID:      targetID,
		conn:          conn,
		session:       sess,
		resumeTimeout: e.cfg.ResumeTimeout,
		paused:        make(map[string]*PausedRequest),
		recent:        make(map[string]Disposition),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	c.har = capture.NewHARRecorder(e.cfg.HARMaxEntries, e.cfg.MaxBodyBytes, c.fetchNetworkBody)
	c.ws = capture.NewWebSocketCapture(e.cfg.WSMaxFrames, e.cfg.MaxBodyBytes)
	c.subscribe()

	e.mu.Lock()
	if existing, ok := e.contexts[targetID]; ok {
		// Lost a create race; the persistent session is shared anyway.
		e.mu.Unlock()
		c.har.Close()
		return existing, nil
	}
	e.contexts[targetID] = c
	e.mu.Unlock()

	go c.worker()
	slog.Debug("interception context created", "target_id", targetID, "session_id", sess.SessionID)
	return c, nil
}

// subscribe registers all event handlers for this context's session. The
// handlers run on the transport read loop: they parse, record, enqueue and
// return. CDP round trips happen on the worker.
func (c *Context) subscribe() {
	sid := c.session.SessionID
	sub := func(method string, fn func(params json.RawMessage)) {
		unsub := c.conn.Transport.Subscribe(method, func(sessionID string, params json.RawMessage) {
			if sessionID != sid {
				return
			}
			fn(params)
		})
		c.session.AddSubscriber(unsub)
	}

	sub("Fetch.requestPaused", func(p json.RawMessage) { c.enqueue("paused", p) })
	sub("Fetch.authRequired", func(p json.RawMessage) { c.enqueue("auth", p) })

	sub("Network.requestWillBeSent", func(p json.RawMessage) {
		var ev network.EventRequestWillBeSent
		if json.Unmarshal(p, &ev) == nil {
			c.har.OnRequestWillBeSent(&ev)
		}
	})
	sub("Network.responseReceived", func(p json.RawMessage) {
		var ev network.EventResponseReceived
		if json.Unmarshal(p, &ev) == nil {
			c.har.OnResponseReceived(&ev)
		}
	})
	sub("Network.loadingFinished", func(p json.RawMessage) {
		var ev network.EventLoadingFinished
		if json.Unmarshal(p, &ev) == nil {
			c.har.OnLoadingFinished(&ev)
		}
	})
	sub("Network.loadingFailed", func(p json.RawMessage) {
		var ev network.EventLoadingFailed
		if json.Unmarshal(p, &ev) == nil {
			c.har.OnLoadingFailed(&ev)
		}
	})

	sub("Network.webSocketCreated", func(p json.RawMessage) {
		var ev network.EventWebSocketCreated
		if json.Unmarshal(p, &ev) == nil {
			c.ws.OnWebSocketCreated(&ev)
		}
	})
	sub("Network.webSocketFrameSent", func(p json.RawMessage) {
		var ev network.EventWebSocketFrameSent
		if json.Unmarshal(p, &ev) == nil {
			c.ws.OnWebSocketFrameSent(&ev)
		}
	})
	sub("Network.webSocketFrameReceived", func(p json.RawMessage) {
		var ev network.EventWebSocketFrameReceived
		if json.Unmarshal(p, &ev) == nil {
			c.ws.OnWebSocketFrameReceived(&ev)
		}
	})
	sub("Network.webSocketClosed", func(p json.RawMessage) {
		var ev network.EventWebSocketClosed
		if json.Unmarshal(p, &ev) == nil {
			c.ws.OnWebSocketClosed(&ev)
		}
	})
}

func (c *Context) enqueue(kind string, params json.RawMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, queuedEvent{kind: kind, params: params})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Context) worker() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			switch ev.kind {
			case "paused":
				c.handlePaused(ev.params)
			case "auth":
				c.handleAuth(ev.params)
			}
		}
	}
}

func (c *Context) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.conn.Transport.Send(ctx, c.session.SessionID, method, params)
}

// handlePaused runs on the worker goroutine. It registers the pause, arms
// the resume timer, evaluates mocks then rules, and applies the outcome.
func (c *Context) handlePaused(params json.RawMessage) {
	var ev fetch.EventRequestPaused
	if err := json.Unmarshal(params, &ev); err != nil || ev.Request == nil {
		slog.Warn("unparseable requestPaused event", "error", err)
		return
	}

	stage := StageRequest
	if ev.ResponseStatusCode != 0 || len(ev.ResponseHeaders) > 0 || ev.ResponseErrorReason != "" {
		stage = StageResponse
	}

	pr := &PausedRequest{
		ID:              string(ev.RequestID),
		NetworkID:       string(ev.NetworkID),
		URL:             ev.Request.URL,
		Method:          ev.Request.Method,
		ResourceType:    string(ev.ResourceType),
		Headers:         headerMap(ev.Request.Headers),
		Stage:           stage,
		StatusCode:      int(ev.ResponseStatusCode),
		StatusText:      ev.ResponseStatusText,
		ResponseHeaders: ev.ResponseHeaders,
		ArrivedAt:       time.Now(),
		Disposition:     DispositionPending,
		rawHeaders:      ev.Request.Headers,
	}
	if ev.Request.HasPostData {
		pr.PostData = decodePostEntries(ev.Request.PostDataEntries)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.paused[pr.ID] = pr
	c.order = append(c.order, pr.ID)
	id := pr.ID
	pr.timer = time.AfterFunc(c.resumeTimeout, func() {
		c.resumeAsIs(id, "no terminal action within the resume timeout", DispositionTimedOut)
	})
	var mock *MockEndpoint
	if stage == StageRequest {
		for _, m := range c.mocks {
			if m.matches(pr.URL, pr.Method) {
				mock = m
				break
			}
		}
	}
	var rule *Rule
	if mock == nil {
		for _, r := range c.rules {
			if r.matches(pr.URL, pr.Method, pr.ResourceType, stage) {
				rule = r
				break
			}
		}
	}
	if rule != nil {
		pr.RuleID = rule.ID
	}
	auto := c.autoContinue
	c.mu.Unlock()

	switch {
	case mock != nil:
		c.applyMock(pr.ID, mock)
	case rule != nil:
		c.applyRule(pr, rule, auto)
	default:
		if auto {
			c.resumeAsIs(pr.ID, "", DispositionResumed)
		}
		// Otherwise the pause stays pending for the listing/modify tools;
		// the timer is the backstop.
	}
}

func (c *Context) applyRule(pr *PausedRequest, r *Rule, contextAuto bool) {
	switch r.Action {
	case ActionObserve:
		if r.AutoContinue || contextAuto {
			c.resumeAsIs(pr.ID, "", DispositionResumed)
		}
	case ActionFail, ActionBlock:
		c.failPaused(pr.ID, r.FailReason)
	case ActionDelay:
		id := pr.ID
		time.AfterFunc(time.Duration(r.LatencyMs)*time.Millisecond, func() {
			c.resumeAsIs(id, "", DispositionResumed)
		})
	case ActionModify:
		if pr.Stage == StageResponse {
			c.modifyResponseByRule(pr, r)
		} else {
			c.modifyRequestByRule(pr, r)
		}
	}
}

func (c *Context) applyMock(requestID string, m *MockEndpoint) {
	if m.LatencyMs > 0 {
		time.AfterFunc(time.Duration(m.LatencyMs)*time.Millisecond, func() {
			c.fulfillMock(requestID, m)
		})
		return
	}
	c.fulfillMock(requestID, m)
}

func (c *Context) fulfillMock(requestID string, m *MockEndpoint) {
	pr := c.claim(requestID, DispositionMocked)
	if pr == nil {
		return
	}
	atomic.AddInt64(&m.calls, 1)

	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	if lookupFold(headers, "Content-Type") == "" && m.Body != "" {
		headers["Content-Type"] = "application/json"
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
	defer cancel()
	_, err := c.send(ctx, "Fetch.fulfillRequest", &fetch.FulfillRequestParams{
		RequestID:       fetch.RequestID(requestID),
		ResponseCode:    int64(m.Status),
		ResponsePhrase:  statusPhrase(m.Status),
		ResponseHeaders: headerEntrySlice(headers),
		Body:            base64.StdEncoding.EncodeToString([]byte(m.Body)),
	})
	if err != nil {
		slog.Warn("mock fulfill failed", "request_id", requestID, "mock_id", m.ID, "error", err)
	}
}

func (c *Context) modifyRequestByRule(pr *PausedRequest, r *Rule) {
	patch := RequestPatch{
		Method:        r.OverrideMethod,
		Headers:       r.AddHeaders,
		RemoveHeaders: r.RemoveHeaders,
	}
	if r.OverrideBody != "" {
		patch.Body = r.OverrideBody
		patch.HasBody = true
	}
	if err := c.continuePatched(pr.ID, patch); err != nil {
		slog.Warn("rule modify failed", "request_id", pr.ID, "rule_id", r.ID, "error", err)
	}
}

func (c *Context) modifyResponseByRule(pr *PausedRequest, r *Rule) {
	patch := ResponsePatch{
		StatusCode:       r.OverrideStatus,
		Headers:          r.AddHeaders,
		RemoveHeaders:    r.RemoveHeaders,
		BodyReplacements: r.BodyReplacements,
	}
	if r.OverrideBody != "" {
		patch.Body = r.OverrideBody
		patch.HasBody = true
	}
	if err := c.fulfillPatched(pr.ID, patch); err != nil {
		slog.Warn("rule response modify failed", "request_id", pr.ID, "rule_id", r.ID, "error", err)
	}
}

func (c *Context) handleAuth(params json.RawMessage) {
	var ev struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
	defer cancel()
	_, err := c.send(ctx, "Fetch.continueWithAuth", &fetch.ContinueWithAuthParams{
		RequestID: fetch.RequestID(ev.RequestID),
		AuthChallengeResponse: &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseDefault,
		},
	})
	if err != nil {
		slog.Debug("continueWithAuth failed", "request_id", ev.RequestID, "error", err)
	}
}

// claim atomically takes the pending entry and marks it terminal. Nil means
// another path already finalized (or never knew) this request.
func (c *Context) claim(requestID string, disp Disposition) *PausedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.paused[requestID]
	if !ok || pr.Disposition != DispositionPending {
		return nil
	}
	pr.Disposition = disp
	if pr.timer != nil {
		pr.timer.Stop()
	}
	delete(c.paused, requestID)
	for i, id := range c.order {
		if id == requestID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.recent[requestID] = disp
	c.recentOrder = append(c.recentOrder, requestID)
	if len(c.recentOrder) > recentLimit {
		delete(c.recent, c.recentOrder[0])
		c.recentOrder = c.recentOrder[1:]
	}
	return pr
}

// claimOrErr is claim with a coded error describing why the id is not
// claimable.
func (c *Context) claimOrErr(requestID string, disp Disposition) (*PausedRequest, error) {
	pr := c.claim(requestID, disp)
	if pr != nil {
		return pr, nil
	}
	c.mu.Lock()
	prev, seen := c.recent[requestID]
	c.mu.Unlock()
	if seen {
		if prev == DispositionTimedOut {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeInterceptTimeout,
				fmt.Sprintf("request %s was already released: no action arrived within the resume timeout", requestID), nil)
		}
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("request %s was already resolved (%s)", requestID, prev), nil)
	}
	return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
		fmt.Sprintf("no pending intercepted request %s", requestID), nil)
}

// resumeAsIs releases a pending entry unmodified. Used by auto-continue,
// observe rules, drains, and the timeout backstop.
func (c *Context) resumeAsIs(requestID, warning string, disp Disposition) bool {
	pr := c.claim(requestID, disp)
	if pr == nil {
		return false
	}
	if warning != "" {
		pr.Warning = warning
		slog.Warn("paused request released", "request_id", requestID, "url", pr.URL, "reason", warning)
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
	defer cancel()
	var err error
	if pr.Stage == StageResponse {
		_, err = c.send(ctx, "Fetch.continueResponse", &fetch.ContinueResponseParams{RequestID: fetch.RequestID(requestID)})
	} else {
		_, err = c.send(ctx, "Fetch.continueRequest", &fetch.ContinueRequestParams{RequestID: fetch.RequestID(requestID)})
	}
	if err != nil {
		slog.Debug("resume-as-is failed", "request_id", requestID, "error", err)
	}
	return true
}

func (c *Context) failPaused(requestID, reason string) {
	pr := c.claim(requestID, DispositionFailed)
	if pr == nil {
		return
	}
	errorReason, err := mapErrorReason(reason)
	if err != nil {
		errorReason = network.ErrorReasonBlockedByClient
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
	defer cancel()
	if _, err := c.send(ctx, "Fetch.failRequest", &fetch.FailRequestParams{
		RequestID:   fetch.RequestID(requestID),
		ErrorReason: errorReason,
	}); err != nil {
		slog.Warn("failRequest failed", "request_id", requestID, "error", err)
	}
}

// continuePatched claims the entry and issues Fetch.continueRequest with the
// patch applied over the original request.
func (c *Context) continuePatched(requestID string, patch RequestPatch) error {
	pr, err := c.claimOrErr(requestID, DispositionModified)
	if err != nil {
		return err
	}
	if pr.Stage != StageRequest {
		// Response-stage pauses cannot be re-sent; put it back is not
		// possible, so release it and tell the caller what happened.
		c.sendResumeFallback(pr)
		return cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("request %s is paused at the response stage; use modify_intercepted_response", requestID), nil)
	}

	params := &fetch.ContinueRequestParams{
		RequestID: fetch.RequestID(requestID),
		URL:       patch.URL,
		Method:    patch.Method,
	}
	if patch.HasBody {
		params.PostData = base64.StdEncoding.EncodeToString([]byte(patch.Body))
	}
	if len(patch.Headers) > 0 || len(patch.RemoveHeaders) > 0 {
		merged := mergeHeaders(pr.Headers, patch.Headers, patch.RemoveHeaders)
		params.Headers = headerEntrySlice(merged)
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
	defer cancel()
	if _, err := c.send(ctx, "Fetch.continueRequest", params); err != nil {
		return cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable,
			fmt.Sprintf("continueRequest for %s", requestID), err)
	}
	return nil
}

// fulfillPatched claims a response-stage entry, pulls the original body when
// replacements need it, and issues Fetch.fulfillRequest.
func (c *Context) fulfillPatched(requestID string, patch ResponsePatch) error {
	pr, err := c.claimOrErr(requestID, DispositionModified)
	if err != nil {
		return err
	}
	if pr.Stage != StageResponse {
		c.sendResumeFallback(pr)
		return cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("request %s is paused at the request stage; use modify_intercepted_request", requestID), nil)
	}

	body := patch.Body
	if !patch.HasBody {
		raw, err := c.fetchPausedBody(requestID)
		if err != nil {
			// The entry is already claimed; release it rather than leave the
			// page hanging on a body we could not read.
			c.sendResumeFallback(pr)
			return cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable,
				fmt.Sprintf("could not read original body of %s; request resumed unmodified", requestID), err)
		}
		body = string(raw)
		if len(patch.BodyReplacements) > 0 {
			olds := make([]string, 0, len(patch.BodyReplacements))
			for old := range patch.BodyReplacements {
				olds = append(olds, old)
			}
			sort.Strings(olds)
			for _, old := range olds {
				body = strings.ReplaceAll(body, old, patch.BodyReplacements[old])
			}
		}
	}

	status := patch.StatusCode
	if status == 0 {
		status = pr.StatusCode
	}
	if status == 0 {
		status = 200
	}
	headers := mergeHeaders(entryMap(pr.ResponseHeaders), patch.Headers, patch.RemoveHeaders)
	dropFold(headers, "Content-Length")
	dropFold(headers, "Content-Encoding")

	ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
	defer cancel()
	if _, err := c.send(ctx, "Fetch.fulfillRequest", &fetch.FulfillRequestParams{
		RequestID:       fetch.RequestID(requestID),
		ResponseCode:    int64(status),
		ResponsePhrase:  statusPhrase(status),
		ResponseHeaders: headerEntrySlice(headers),
		Body:            base64.StdEncoding.EncodeToString([]byte(body)),
	}); err != nil {
		return cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable,
			fmt.Sprintf("fulfillRequest for %s", requestID), err)
	}
	return nil
}

// sendResumeFallback releases an already-claimed entry unmodified.
func (c *Context) sendResumeFallback(pr *PausedRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
	defer cancel()
	var err error
	if pr.Stage == StageResponse {
		_, err = c.send(ctx, "Fetch.continueResponse", &fetch.ContinueResponseParams{RequestID: fetch.RequestID(pr.ID)})
	} else {
		_, err = c.send(ctx, "Fetch.continueRequest", &fetch.ContinueRequestParams{RequestID: fetch.RequestID(pr.ID)})
	}
	if err != nil {
		slog.Debug("fallback resume failed", "request_id", pr.ID, "error", err)
	}
}

// fetchPausedBody reads the original response body of a response-stage
// pause. Runs on a tool or worker goroutine, never the read loop.
func (c *Context) fetchPausedBody(requestID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
	defer cancel()
	raw, err := c.send(ctx, "Fetch.getResponseBody", &fetch.GetResponseBodyParams{RequestID: fetch.RequestID(requestID)})
	if err != nil {
		return nil, err
	}
	return decodeBodyResult(raw)
}

// fetchNetworkBody is the HAR recorder's body callback; it runs on the
// recorder's own worker goroutine.
func (c *Context) fetchNetworkBody(ctx context.Context, requestID string) ([]byte, error) {
	params := struct {
		RequestID string `json:"requestId"`
	}{RequestID: requestID}
	raw, err := c.send(ctx, "Network.getResponseBody", params)
	if err != nil {
		return nil, err
	}
	return decodeBodyResult(raw)
}

func decodeBodyResult(raw json.RawMessage) ([]byte, error) {
	var resp struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode body result: %w", err)
	}
	if resp.Base64Encoded {
		return base64.StdEncoding.DecodeString(resp.Body)
	}
	return []byte(resp.Body), nil
}

// syncFetch recomputes the Fetch pattern set from the current stages,
// rules, and mocks, and pushes it to the browser. An empty set disables the
// domain.
func (c *Context) syncFetch(ctx context.Context) error {
	c.mu.Lock()
	seen := make(map[string]bool)
	var patterns []*fetch.RequestPattern
	add := func(p string, stage fetch.RequestStage) {
		key := string(stage) + "\x00" + p
		if seen[key] {
			return
		}
		seen[key] = true
		patterns = append(patterns, &fetch.RequestPattern{URLPattern: p, RequestStage: stage})
	}
	if c.requestStage {
		for _, p := range c.requestPatterns {
			add(p, fetch.RequestStageRequest)
		}
	}
	if c.responseStage {
		for _, p := range c.responsePatterns {
			add(p, fetch.RequestStageResponse)
		}
	}
	for _, m := range c.mocks {
		add(m.Pattern, fetch.RequestStageRequest)
	}
	for _, r := range c.rules {
		if r.Stage == StageResponse {
			add(r.Pattern, fetch.RequestStageResponse)
		} else {
			add(r.Pattern, fetch.RequestStageRequest)
		}
	}
	wasEnabled := c.fetchEnabled
	c.fetchEnabled = len(patterns) > 0
	c.mu.Unlock()

	if len(patterns) > 0 {
		_, err := c.send(ctx, "Fetch.enable", &fetch.EnableParams{
			Patterns:           patterns,
			HandleAuthRequests: true,
		})
		if err != nil {
			return cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable, "Fetch.enable", err)
		}
		return nil
	}
	if wasEnabled {
		if _, err := c.send(ctx, "Fetch.disable", struct{}{}); err != nil {
			slog.Debug("Fetch.disable failed", "target_id", c.targetID, "error", err)
		}
	}
	return nil
}

// ensureNetwork enables the Network domain once per context; HAR and
// WebSocket capture both need it.
func (c *Context) ensureNetwork(ctx context.Context) error {
	c.mu.Lock()
	if c.networkEnabled {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.send(ctx, "Network.enable", struct{}{}); err != nil {
		return cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable, "Network.enable", err)
	}
	c.mu.Lock()
	c.networkEnabled = true
	c.mu.Unlock()
	return nil
}

func (c *Context) pendingIDs(stage Stage) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.order))
	for _, id := range c.order {
		if pr, ok := c.paused[id]; ok && pr.Stage == stage {
			ids = append(ids, id)
		}
	}
	return ids
}

// drain releases every pending entry at the stage, oldest first.
func (c *Context) drain(stage Stage) int {
	drained := 0
	for _, id := range c.pendingIDs(stage) {
		if c.resumeAsIs(id, "", DispositionResumed) {
			drained++
		}
	}
	return drained
}

// idle reports whether nothing keeps this context alive. Caller holds c.mu.
func (c *Context) idleLocked() bool {
	return !c.requestStage && !c.responseStage &&
		len(c.rules) == 0 && len(c.mocks) == 0 && len(c.paused) == 0 &&
		!c.har.Recording() && c.har.EntryCount() == 0 &&
		!c.ws.Capturing() && c.ws.TotalFrames() == 0
}

// maybeRelease tears the context down when it no longer holds any state.
// Recorded HAR entries and WS frames keep it alive so exports still work
// after a stop.
func (e *Engine) maybeRelease(ctx context.Context, c *Context) {
	c.mu.Lock()
	if c.closed || !c.idleLocked() {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.har.Close()

	e.mu.Lock()
	delete(e.contexts, c.targetID)
	e.mu.Unlock()

	c.conn.Sessions.ClosePersistent(ctx, c.targetID, sessionPurpose)
	slog.Debug("interception context released", "target_id", c.targetID)
}

// releaseForTeardown finalizes a context while the transport may already be
// dying: drain best-effort, stop workers, drop state.
func (e *Engine) releaseForTeardown(c *Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ids := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, id := range ids {
		if pr := c.claim(id, DispositionResumed); pr != nil {
			c.sendResumeFallback(pr)
		}
	}

	close(c.done)
	c.har.Close()

	e.mu.Lock()
	delete(e.contexts, c.targetID)
	e.mu.Unlock()
}

// ReleaseTarget drops interception state for one target, called when its
// tab closes. Pending pauses die with the target so the drain is skipped.
func (e *Engine) ReleaseTarget(targetID string) {
	e.mu.Lock()
	c := e.contexts[targetID]
	e.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, id := range c.order {
		if pr, ok := c.paused[id]; ok {
			if pr.timer != nil {
				pr.timer.Stop()
			}
			delete(c.paused, id)
		}
	}
	c.order = nil
	c.mu.Unlock()

	close(c.done)
	c.har.Close()

	e.mu.Lock()
	delete(e.contexts, c.targetID)
	e.mu.Unlock()
	slog.Debug("interception context dropped with target", "target_id", targetID)
}

// TeardownAll drops every context. Wired as an orchestrator teardown hook,
// so it runs before the transport closes and the drain attempts can still
// reach the browser.
func (e *Engine) TeardownAll(reason string) {
	e.mu.Lock()
	contexts := make([]*Context, 0, len(e.contexts))
	for _, c := range e.contexts {
		contexts = append(contexts, c)
	}
	e.mu.Unlock()

	for _, c := range contexts {
		e.releaseForTeardown(c)
	}
	if len(contexts) > 0 {
		slog.Info("interception state cleared", "contexts", len(contexts), "reason", reason)
	}
}

func decodePostEntries(entries []*network.PostDataEntry) string {
	var decoded []byte
	for _, entry := range entries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			decoded = append(decoded, []byte(entry.Bytes)...)
			continue
		}
		decoded = append(decoded, raw...)
	}
	return string(decoded)
}

// mergeHeaders overlays add/remove on the original header map. Names match
// case-insensitively; the added spelling wins.
func mergeHeaders(original, add map[string]string, remove []string) map[string]string {
	merged := make(map[string]string, len(original)+len(add))
	for k, v := range original {
		merged[k] = v
	}
	for _, name := range remove {
		dropFold(merged, name)
	}
	for k, v := range add {
		dropFold(merged, k)
		merged[k] = v
	}
	return merged
}

func dropFold(m map[string]string, name string) {
	for k := range m {
		if strings.EqualFold(k, name) {
			delete(m, k)
		}
	}
}

func lookupFold(m map[string]string, name string) string {
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func headerEntrySlice(m map[string]string) []*fetch.HeaderEntry {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]*fetch.HeaderEntry, 0, len(m))
	for _, k := range names {
		out = append(out, &fetch.HeaderEntry{Name: k, Value: m[k]})
	}
	return out
}

func statusPhrase(status int) string {
	if phrase := http.StatusText(status); phrase != "" {
		return phrase
	}
	return "OK"
}

// mapErrorReason turns a caller-facing reason string into a CDP error
// reason. Accepts both kebab-case and the CDP camel spelling; empty means
// BlockedByClient.
func mapErrorReason(reason string) (network.ErrorReason, error) {
	if reason == "" {
		return network.ErrorReasonBlockedByClient, nil
	}
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(reason))
	known := []network.ErrorReason{
		network.ErrorReasonFailed,
		network.ErrorReasonAborted,
		network.ErrorReasonTimedOut,
		network.ErrorReasonAccessDenied,
		network.ErrorReasonConnectionClosed,
		network.ErrorReasonConnectionReset,
		network.ErrorReasonConnectionRefused,
		network.ErrorReasonConnectionAborted,
		network.ErrorReasonConnectionFailed,
		network.ErrorReasonNameNotResolved,
		network.ErrorReasonInternetDisconnected,
		network.ErrorReasonAddressUnreachable,
		network.ErrorReasonBlockedByClient,
		network.ErrorReasonBlockedByResponse,
	}
	for _, r := range known {
		if strings.ToLower(string(r)) == normalized {
			return r, nil
		}
	}
	return "", cdpcontrol.NewError(cdpcontrol.CodeValidation,
		fmt.Sprintf("unknown fail reason %q (use e.g. blocked-by-client, connection-refused, timed-out)", reason), nil)
}
