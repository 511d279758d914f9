package intercept

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/fetch"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/browser"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/capture"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
)

// TargetSummary is the per-target interception digest reported by the
// connection-status tool.
type TargetSummary struct {
	TargetID      string `json:"targetId"`
	RequestStage  bool   `json:"requestInterception"`
	ResponseStage bool   `json:"responseInterception"`
	Rules         int    `json:"rules"`
	Mocks         int    `json:"mocks"`
	Pending       int    `json:"pendingRequests"`
	HARRecording  bool   `json:"harRecording"`
	HAREntries    int    `json:"harEntries"`
	WSCapturing   bool   `json:"wsCapturing"`
	WSFrames      int64  `json:"wsFrames"`
}

func noContextErr(targetID string) error {
	return cdpcontrol.NewError(cdpcontrol.CodeValidation,
		fmt.Sprintf("no interception state on target %s", targetID), nil)
}

// EnableRequestInterception starts pausing requests that match patterns on
// the target. Empty patterns mean everything.
func (e *Engine) EnableRequestInterception(ctx context.Context, conn *browser.Conn, targetID string, patterns []string, autoContinue bool, resumeTimeout time.Duration) error {
	patterns, err := normalizePatterns(patterns)
	if err != nil {
		return err
	}
	c, err := e.contextFor(ctx, conn, targetID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.requestStage = true
	c.requestPatterns = patterns
	c.autoContinue = autoContinue
	if resumeTimeout > 0 {
		c.resumeTimeout = resumeTimeout
	}
	c.mu.Unlock()

	return c.syncFetch(ctx)
}

// EnableResponseInterception starts pausing responses that match patterns.
// Refused while a mock overlaps any of the patterns: a paused response and
// a mock fulfillment cannot both win.
func (e *Engine) EnableResponseInterception(ctx context.Context, conn *browser.Conn, targetID string, patterns []string, autoContinue bool, resumeTimeout time.Duration) error {
	patterns, err := normalizePatterns(patterns)
	if err != nil {
		return err
	}
	c, err := e.contextFor(ctx, conn, targetID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, m := range c.mocks {
		for _, p := range patterns {
			if patternsOverlap(m.Pattern, p) {
				c.mu.Unlock()
				e.maybeRelease(ctx, c)
				return cdpcontrol.NewError(cdpcontrol.CodeModeConflict,
					fmt.Sprintf("mock %s (%s) overlaps response pattern %q; delete the mock first", m.ID, m.Pattern, p), nil)
			}
		}
	}
	c.responseStage = true
	c.responsePatterns = patterns
	c.autoContinue = autoContinue
	if resumeTimeout > 0 {
		c.resumeTimeout = resumeTimeout
	}
	c.mu.Unlock()

	return c.syncFetch(ctx)
}

// DisableRequestInterception drains pending request-stage pauses, drops
// request-stage rules and all mocks, and returns how many pauses were
// released.
func (e *Engine) DisableRequestInterception(ctx context.Context, targetID string) (int, error) {
	c := e.lookup(targetID)
	if c == nil {
		return 0, nil
	}

	c.mu.Lock()
	c.requestStage = false
	c.requestPatterns = nil
	kept := c.rules[:0]
	for _, r := range c.rules {
		if r.Stage != StageRequest {
			kept = append(kept, r)
		}
	}
	c.rules = kept
	c.mocks = nil
	c.mu.Unlock()

	drained := c.drain(StageRequest)
	if err := c.syncFetch(ctx); err != nil {
		return drained, err
	}
	e.maybeRelease(ctx, c)
	return drained, nil
}

// DisableResponseInterception drains pending response-stage pauses and
// drops response-stage rules.
func (e *Engine) DisableResponseInterception(ctx context.Context, targetID string) (int, error) {
	c := e.lookup(targetID)
	if c == nil {
		return 0, nil
	}

	c.mu.Lock()
	c.responseStage = false
	c.responsePatterns = nil
	kept := c.rules[:0]
	for _, r := range c.rules {
		if r.Stage != StageResponse {
			kept = append(kept, r)
		}
	}
	c.rules = kept
	c.mu.Unlock()

	drained := c.drain(StageResponse)
	if err := c.syncFetch(ctx); err != nil {
		return drained, err
	}
	e.maybeRelease(ctx, c)
	return drained, nil
}

// ListPaused snapshots the pending queue at one stage, oldest first. Bodies
// and post data are truncated to the configured cap.
func (e *Engine) ListPaused(targetID string, stage Stage) []PausedView {
	c := e.lookup(targetID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	views := make([]PausedView, 0, len(c.order))
	for _, id := range c.order {
		pr, ok := c.paused[id]
		if !ok || pr.Stage != stage {
			continue
		}
		views = append(views, pr.view(e.cfg.MaxBodyBytes))
	}
	return views
}

// ModifyRequest finalizes a request-stage pause with the patch applied.
func (e *Engine) ModifyRequest(ctx context.Context, targetID, requestID string, patch RequestPatch) error {
	c := e.lookup(targetID)
	if c == nil {
		return noContextErr(targetID)
	}
	return c.continuePatched(requestID, patch)
}

// ModifyResponse finalizes a response-stage pause with the patch applied.
func (e *Engine) ModifyResponse(ctx context.Context, targetID, requestID string, patch ResponsePatch) error {
	c := e.lookup(targetID)
	if c == nil {
		return noContextErr(targetID)
	}
	return c.fulfillPatched(requestID, patch)
}

// Continue releases one pending pause unmodified, or fails it when a
// failReason is given.
func (e *Engine) Continue(ctx context.Context, targetID, requestID, failReason string) error {
	c := e.lookup(targetID)
	if c == nil {
		return noContextErr(targetID)
	}

	if failReason != "" {
		errorReason, err := mapErrorReason(failReason)
		if err != nil {
			return err
		}
		if _, err := c.claimOrErr(requestID, DispositionFailed); err != nil {
			return err
		}
		tctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
		defer cancel()
		if _, err := c.send(tctx, "Fetch.failRequest", &fetch.FailRequestParams{
			RequestID:   fetch.RequestID(requestID),
			ErrorReason: errorReason,
		}); err != nil {
			return cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable,
				fmt.Sprintf("failRequest for %s", requestID), err)
		}
		return nil
	}

	pr, err := c.claimOrErr(requestID, DispositionResumed)
	if err != nil {
		return err
	}
	c.sendResumeFallback(pr)
	return nil
}

// AddRule registers a standing rule on the target and syncs Fetch patterns
// so the rule's stage is actually paused.
func (e *Engine) AddRule(ctx context.Context, conn *browser.Conn, targetID string, r *Rule) (RuleView, error) {
	c, err := e.contextFor(ctx, conn, targetID)
	if err != nil {
		return RuleView{}, err
	}

	c.mu.Lock()
	if r.Stage == StageResponse {
		for _, m := range c.mocks {
			if patternsOverlap(m.Pattern, r.Pattern) {
				c.mu.Unlock()
				e.maybeRelease(ctx, c)
				return RuleView{}, cdpcontrol.NewError(cdpcontrol.CodeModeConflict,
					fmt.Sprintf("mock %s (%s) overlaps response rule pattern %q; delete the mock first", m.ID, m.Pattern, r.Pattern), nil)
			}
		}
	}
	c.rules = append(c.rules, r)
	c.mu.Unlock()

	if err := c.syncFetch(ctx); err != nil {
		return RuleView{}, err
	}
	return r.view(), nil
}

// ClearRules removes one rule by id, or every rule when ruleID is empty.
func (e *Engine) ClearRules(ctx context.Context, targetID, ruleID string) (int, error) {
	c := e.lookup(targetID)
	if c == nil {
		if ruleID != "" {
			return 0, noContextErr(targetID)
		}
		return 0, nil
	}

	c.mu.Lock()
	removed := 0
	if ruleID == "" {
		removed = len(c.rules)
		c.rules = nil
	} else {
		kept := c.rules[:0]
		for _, r := range c.rules {
			if r.ID == ruleID {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		c.rules = kept
	}
	c.mu.Unlock()

	if ruleID != "" && removed == 0 {
		return 0, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("no rule %s on target %s", ruleID, targetID), nil)
	}
	if err := c.syncFetch(ctx); err != nil {
		return removed, err
	}
	e.maybeRelease(ctx, c)
	return removed, nil
}

// Rules lists the target's standing rules in declaration order.
func (e *Engine) Rules(targetID string) []RuleView {
	c := e.lookup(targetID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	views := make([]RuleView, 0, len(c.rules))
	for _, r := range c.rules {
		views = append(views, r.view())
	}
	return views
}

// CreateMock registers a mock endpoint. Mocks force request-stage
// interception of their pattern, so they conflict with response-stage
// interception on overlapping patterns.
func (e *Engine) CreateMock(ctx context.Context, conn *browser.Conn, targetID string, m *MockEndpoint) (MockView, error) {
	c, err := e.contextFor(ctx, conn, targetID)
	if err != nil {
		return MockView{}, err
	}

	c.mu.Lock()
	if c.responseStage {
		for _, p := range c.responsePatterns {
			if patternsOverlap(m.Pattern, p) {
				c.mu.Unlock()
				e.maybeRelease(ctx, c)
				return MockView{}, cdpcontrol.NewError(cdpcontrol.CodeModeConflict,
					fmt.Sprintf("response interception pattern %q overlaps mock pattern %q; disable response interception first", p, m.Pattern), nil)
			}
		}
	}
	for _, r := range c.rules {
		if r.Stage == StageResponse && patternsOverlap(m.Pattern, r.Pattern) {
			c.mu.Unlock()
			e.maybeRelease(ctx, c)
			return MockView{}, cdpcontrol.NewError(cdpcontrol.CodeModeConflict,
				fmt.Sprintf("response rule %s (%s) overlaps mock pattern %q; clear the rule first", r.ID, r.Pattern, m.Pattern), nil)
		}
	}
	c.mocks = append(c.mocks, m)
	c.mu.Unlock()

	if err := c.syncFetch(ctx); err != nil {
		return MockView{}, err
	}
	return m.view(), nil
}

// DeleteMock removes one mock endpoint by id.
func (e *Engine) DeleteMock(ctx context.Context, targetID, mockID string) (MockView, error) {
	c := e.lookup(targetID)
	if c == nil {
		return MockView{}, noContextErr(targetID)
	}

	c.mu.Lock()
	var deleted *MockEndpoint
	kept := c.mocks[:0]
	for _, m := range c.mocks {
		if m.ID == mockID {
			deleted = m
			continue
		}
		kept = append(kept, m)
	}
	c.mocks = kept
	c.mu.Unlock()

	if deleted == nil {
		return MockView{}, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("no mock %s on target %s", mockID, targetID), nil)
	}
	if err := c.syncFetch(ctx); err != nil {
		return deleted.view(), err
	}
	e.maybeRelease(ctx, c)
	return deleted.view(), nil
}

// ClearMocks removes every mock endpoint on the target.
func (e *Engine) ClearMocks(ctx context.Context, targetID string) (int, error) {
	c := e.lookup(targetID)
	if c == nil {
		return 0, nil
	}

	c.mu.Lock()
	removed := len(c.mocks)
	c.mocks = nil
	c.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	if err := c.syncFetch(ctx); err != nil {
		return removed, err
	}
	e.maybeRelease(ctx, c)
	return removed, nil
}

// Mocks lists the target's mock endpoints with live call counts.
func (e *Engine) Mocks(targetID string) []MockView {
	c := e.lookup(targetID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	views := make([]MockView, 0, len(c.mocks))
	for _, m := range c.mocks {
		views = append(views, m.view())
	}
	return views
}

// StartHAR begins HAR recording on the target. A fresh start clears any
// previously recorded entries.
func (e *Engine) StartHAR(ctx context.Context, conn *browser.Conn, targetID, pageURL string) error {
	c, err := e.contextFor(ctx, conn, targetID)
	if err != nil {
		return err
	}
	if err := c.ensureNetwork(ctx); err != nil {
		e.maybeRelease(ctx, c)
		return err
	}
	c.har.Start(pageURL)
	return nil
}

// StopHAR ends recording and flushes half-open correlations. Completed
// entries stay exportable until the next StartHAR.
func (e *Engine) StopHAR(ctx context.Context, targetID string) (entries, dropped int, err error) {
	c := e.lookup(targetID)
	if c == nil || !c.har.Recording() {
		return 0, 0, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("no HAR recording active on target %s", targetID), nil)
	}
	entries, dropped = c.har.Stop()
	e.maybeRelease(ctx, c)
	return entries, dropped, nil
}

// ExportHAR snapshots the recorded entries as a HAR 1.2 document. Works
// both mid-recording and after a stop.
func (e *Engine) ExportHAR(targetID, creatorName, creatorVersion string) (capture.HAR, error) {
	c := e.lookup(targetID)
	if c == nil {
		return capture.HAR{}, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("no recorded HAR data on target %s; call start_har_recording first", targetID), nil)
	}
	return c.har.Export(creatorName, creatorVersion), nil
}

// StartWSCapture begins buffering WebSocket frames on the target.
func (e *Engine) StartWSCapture(ctx context.Context, conn *browser.Conn, targetID string, maxFrames int) error {
	c, err := e.contextFor(ctx, conn, targetID)
	if err != nil {
		return err
	}
	if err := c.ensureNetwork(ctx); err != nil {
		e.maybeRelease(ctx, c)
		return err
	}
	c.ws.Start(maxFrames)
	return nil
}

// StopWSCapture ends frame buffering. The ring stays readable until the
// next StartWSCapture.
func (e *Engine) StopWSCapture(ctx context.Context, targetID string) (total int64, connections int, err error) {
	c := e.lookup(targetID)
	if c == nil || !c.ws.Capturing() {
		return 0, 0, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("no WebSocket capture active on target %s", targetID), nil)
	}
	total, connections = c.ws.Stop()
	e.maybeRelease(ctx, c)
	return total, connections, nil
}

// WSFrames returns buffered frames, oldest first, optionally filtered by
// direction and limited to the newest n.
func (e *Engine) WSFrames(targetID string, limit int, direction string) ([]capture.WSFrame, error) {
	c := e.lookup(targetID)
	if c == nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("no WebSocket capture state on target %s; call start_websocket_capture first", targetID), nil)
	}
	return c.ws.Frames(limit, direction), nil
}

// Summary reports every live interception context.
func (e *Engine) Summary() []TargetSummary {
	e.mu.Lock()
	contexts := make([]*Context, 0, len(e.contexts))
	for _, c := range e.contexts {
		contexts = append(contexts, c)
	}
	e.mu.Unlock()

	out := make([]TargetSummary, 0, len(contexts))
	for _, c := range contexts {
		c.mu.Lock()
		s := TargetSummary{
			TargetID:      c.targetID,
			RequestStage:  c.requestStage,
			ResponseStage: c.responseStage,
			Rules:         len(c.rules),
			Mocks:         len(c.mocks),
			Pending:       len(c.paused),
			HARRecording:  c.har.Recording(),
			HAREntries:    c.har.EntryCount(),
			WSCapturing:   c.ws.Capturing(),
			WSFrames:      c.ws.TotalFrames(),
		}
		c.mu.Unlock()
		out = append(out, s)
	}
	return out
}

func normalizePatterns(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return []string{"*"}, nil
	}
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "empty URL pattern", nil)
		}
		if _, err := compileGlob(p); err != nil {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation,
				fmt.Sprintf("invalid URL pattern %q", p), err)
		}
		out = append(out, p)
	}
	return out, nil
}
