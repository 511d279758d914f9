package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
)

// Evaluate runs JS on the given session and returns the string result.
func (t *Transport) Evaluate(ctx context.Context, sessionID, js string) (string, error) {
	value, err := t.EvaluateValue(ctx, sessionID, js)
	if err != nil {
		return "", err
	}

	// String results come back as JSON-encoded strings.
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return string(value), nil
	}
	return s, nil
}

// EvaluateValue runs JS on the given session and returns the raw JSON value.
func (t *Transport) EvaluateValue(ctx context.Context, sessionID, js string) (json.RawMessage, error) {
	params := struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
		AwaitPromise  bool   `json:"awaitPromise"`
	}{Expression: js, ReturnByValue: true, AwaitPromise: true}

	raw, err := t.Send(ctx, sessionID, "Runtime.evaluate", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
			Type  string          `json:"type"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("cdp: unmarshal eval: %w", err)
	}
	if resp.ExceptionDetails != nil {
		detail := resp.ExceptionDetails.Text
		if resp.ExceptionDetails.Exception != nil && resp.ExceptionDetails.Exception.Description != "" {
			detail = resp.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("cdp: eval exception: %s", detail)
	}
	return resp.Result.Value, nil
}

// Navigate loads a URL on the session's page and reports navigation errors
// (net::ERR_* strings) as Go errors.
func (t *Transport) Navigate(ctx context.Context, sessionID, url string) error {
	params := struct {
		URL string `json:"url"`
	}{URL: url}

	raw, err := t.Send(ctx, sessionID, "Page.navigate", params)
	if err != nil {
		return err
	}

	var resp struct {
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	if resp.ErrorText != "" {
		return fmt.Errorf("cdp: navigate: %s", resp.ErrorText)
	}
	return nil
}

// Reload reloads the session's page.
func (t *Transport) Reload(ctx context.Context, sessionID string) error {
	_, err := t.Send(ctx, sessionID, "Page.reload", nil)
	return err
}

// NavigateHistory moves through session history: delta -1 is back, +1 forward.
// Returns false when no entry exists in that direction.
func (t *Transport) NavigateHistory(ctx context.Context, sessionID string, delta int) (bool, error) {
	raw, err := t.Send(ctx, sessionID, "Page.getNavigationHistory", nil)
	if err != nil {
		return false, err
	}

	var history struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID int64 `json:"id"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &history); err != nil {
		return false, fmt.Errorf("cdp: unmarshal history: %w", err)
	}

	idx := history.CurrentIndex + delta
	if idx < 0 || idx >= len(history.Entries) {
		return false, nil
	}

	params := struct {
		EntryID int64 `json:"entryId"`
	}{EntryID: history.Entries[idx].ID}
	if _, err := t.Send(ctx, sessionID, "Page.navigateToHistoryEntry", params); err != nil {
		return false, err
	}
	return true, nil
}

// DispatchMouseClick sends trusted CDP Input.dispatchMouseEvent commands
// (mousePressed + mouseReleased) at the given coordinates on a session.
// This produces isTrusted=true events, equivalent to real user clicks.
func (t *Transport) DispatchMouseClick(ctx context.Context, sessionID string, x, y float64) error {
	pressed := struct {
		Type       string  `json:"type"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Button     string  `json:"button"`
		ClickCount int     `json:"clickCount"`
	}{Type: "mousePressed", X: x, Y: y, Button: "left", ClickCount: 1}

	if _, err := t.Send(ctx, sessionID, "Input.dispatchMouseEvent", pressed); err != nil {
		return fmt.Errorf("cdp: mousePressed: %w", err)
	}

	released := struct {
		Type       string  `json:"type"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Button     string  `json:"button"`
		ClickCount int     `json:"clickCount"`
	}{Type: "mouseReleased", X: x, Y: y, Button: "left", ClickCount: 1}

	if _, err := t.Send(ctx, sessionID, "Input.dispatchMouseEvent", released); err != nil {
		return fmt.Errorf("cdp: mouseReleased: %w", err)
	}
	return nil
}

// DispatchMouseMove moves the pointer to the given coordinates, firing
// trusted mouseover/mousemove events (used for hover).
func (t *Transport) DispatchMouseMove(ctx context.Context, sessionID string, x, y float64) error {
	params := struct {
		Type string  `json:"type"`
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
	}{Type: "mouseMoved", X: x, Y: y}

	if _, err := t.Send(ctx, sessionID, "Input.dispatchMouseEvent", params); err != nil {
		return fmt.Errorf("cdp: mouseMoved: %w", err)
	}
	return nil
}

// DispatchMouseWheel scrolls by the given deltas at the given position.
func (t *Transport) DispatchMouseWheel(ctx context.Context, sessionID string, x, y, deltaX, deltaY float64) error {
	params := struct {
		Type   string  `json:"type"`
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		DeltaX float64 `json:"deltaX"`
		DeltaY float64 `json:"deltaY"`
	}{Type: "mouseWheel", X: x, Y: y, DeltaX: deltaX, DeltaY: deltaY}

	if _, err := t.Send(ctx, sessionID, "Input.dispatchMouseEvent", params); err != nil {
		return fmt.Errorf("cdp: mouseWheel: %w", err)
	}
	return nil
}

// InsertText types text into the currently focused element via CDP
// Input.insertText.
func (t *Transport) InsertText(ctx context.Context, sessionID, text string) error {
	params := struct {
		Text string `json:"text"`
	}{Text: text}

	if _, err := t.Send(ctx, sessionID, "Input.insertText", params); err != nil {
		return fmt.Errorf("cdp: insertText: %w", err)
	}
	return nil
}

// DispatchKeyEvent sends a trusted CDP Input.dispatchKeyEvent sequence
// (keyDown + keyUp) for a keyboard shortcut on a session.
// modifiers is a bitmask: 1=Alt, 2=Ctrl, 4=Meta, 8=Shift.
func (t *Transport) DispatchKeyEvent(ctx context.Context, sessionID string, key string, code string, keyCode int, modifiers int) error {
	down := struct {
		Type                  string `json:"type"`
		Key                   string `json:"key"`
		Code                  string `json:"code"`
		WindowsVirtualKeyCode int    `json:"windowsVirtualKeyCode"`
		Modifiers             int    `json:"modifiers"`
	}{Type: "keyDown", Key: key, Code: code, WindowsVirtualKeyCode: keyCode, Modifiers: modifiers}

	if _, err := t.Send(ctx, sessionID, "Input.dispatchKeyEvent", down); err != nil {
		return fmt.Errorf("cdp: keyDown: %w", err)
	}

	up := struct {
		Type                  string `json:"type"`
		Key                   string `json:"key"`
		Code                  string `json:"code"`
		WindowsVirtualKeyCode int    `json:"windowsVirtualKeyCode"`
		Modifiers             int    `json:"modifiers"`
	}{Type: "keyUp", Key: key, Code: code, WindowsVirtualKeyCode: keyCode, Modifiers: modifiers}

	if _, err := t.Send(ctx, sessionID, "Input.dispatchKeyEvent", up); err != nil {
		return fmt.Errorf("cdp: keyUp: %w", err)
	}
	return nil
}

// DispatchCharInput sends a single character using the rawKeyDown + char +
// keyUp pattern. rawKeyDown fires without text insertion, then the "char"
// event inserts the character and fires native input events that React's
// controlled components respond to.
func (t *Transport) DispatchCharInput(ctx context.Context, sessionID, ch string) error {
	down := struct {
		Type                  string `json:"type"`
		Key                   string `json:"key"`
		WindowsVirtualKeyCode int    `json:"windowsVirtualKeyCode"`
	}{Type: "rawKeyDown", Key: ch}

	if _, err := t.Send(ctx, sessionID, "Input.dispatchKeyEvent", down); err != nil {
		return fmt.Errorf("cdp: rawKeyDown: %w", err)
	}

	charEvt := struct {
		Type           string `json:"type"`
		Text           string `json:"text"`
		Key            string `json:"key"`
		UnmodifiedText string `json:"unmodifiedText"`
	}{Type: "char", Text: ch, Key: ch, UnmodifiedText: ch}

	if _, err := t.Send(ctx, sessionID, "Input.dispatchKeyEvent", charEvt); err != nil {
		return fmt.Errorf("cdp: char: %w", err)
	}

	up := struct {
		Type string `json:"type"`
		Key  string `json:"key"`
	}{Type: "keyUp", Key: ch}

	if _, err := t.Send(ctx, sessionID, "Input.dispatchKeyEvent", up); err != nil {
		return fmt.Errorf("cdp: charUp: %w", err)
	}
	return nil
}

// CaptureScreenshot captures a screenshot of the page via CDP
// Page.captureScreenshot. Returns the raw base64-encoded image data.
func (t *Transport) CaptureScreenshot(ctx context.Context, sessionID, format string, quality int, fullPage bool) (string, error) {
	params := struct {
		Format                string `json:"format"`
		Quality               int    `json:"quality,omitempty"`
		CaptureBeyondViewport bool   `json:"captureBeyondViewport,omitempty"`
		FromSurface           bool   `json:"fromSurface"`
	}{
		Format:                format,
		FromSurface:           true,
		CaptureBeyondViewport: fullPage,
	}
	if format == "jpeg" && quality > 0 {
		params.Quality = quality
	}

	raw, err := t.Send(ctx, sessionID, "Page.captureScreenshot", params)
	if err != nil {
		return "", fmt.Errorf("cdp: captureScreenshot: %w", err)
	}

	var resp struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("cdp: unmarshal screenshot: %w", err)
	}
	return resp.Data, nil
}

// AddScriptToEvaluateOnNewDocument registers a document-start script on the
// session and returns its identifier for later removal.
func (t *Transport) AddScriptToEvaluateOnNewDocument(ctx context.Context, sessionID, source string) (string, error) {
	params := struct {
		Source                string `json:"source"`
		RunImmediately        bool   `json:"runImmediately,omitempty"`
		IncludeCommandLineAPI bool   `json:"includeCommandLineAPI,omitempty"`
	}{Source: source}

	raw, err := t.Send(ctx, sessionID, "Page.addScriptToEvaluateOnNewDocument", params)
	if err != nil {
		return "", fmt.Errorf("cdp: addScriptToEvaluateOnNewDocument: %w", err)
	}

	var resp struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("cdp: unmarshal script id: %w", err)
	}
	return resp.Identifier, nil
}

// RemoveScriptToEvaluateOnNewDocument unregisters a document-start script.
func (t *Transport) RemoveScriptToEvaluateOnNewDocument(ctx context.Context, sessionID, identifier string) error {
	params := struct {
		Identifier string `json:"identifier"`
	}{Identifier: identifier}

	_, err := t.Send(ctx, sessionID, "Page.removeScriptToEvaluateOnNewDocument", params)
	return err
}

// EnablePageDomain sends Page.enable on a flattened session so that
// lifecycle and dialog events are emitted.
func (t *Transport) EnablePageDomain(ctx context.Context, sessionID string) error {
	_, err := t.Send(ctx, sessionID, "Page.enable", nil)
	return err
}

// HandleJavaScriptDialog accepts or dismisses a JavaScript dialog on the
// session.
func (t *Transport) HandleJavaScriptDialog(ctx context.Context, sessionID string, accept bool) error {
	params := struct {
		Accept bool `json:"accept"`
	}{Accept: accept}
	_, err := t.Send(ctx, sessionID, "Page.handleJavaScriptDialog", params)
	return err
}
