package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
)

// VersionInfo mirrors the /json/version response. The Browser field is the
// sole source of truth for deciding whether the port is a real Chromium.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// IsFullBrowser reports whether the version response identifies a full
// Chromium build. Headless shells report "HeadlessChrome/..." and embedded
// Android WebViews carry the "; wv)" marker in their user agent; neither is
// safe to drive through the profile-level tooling here.
func (v *VersionInfo) IsFullBrowser() bool {
	if strings.HasPrefix(v.Browser, "HeadlessChrome/") {
		return false
	}
	if strings.Contains(v.UserAgent, "; wv)") {
		return false
	}
	return strings.HasPrefix(v.Browser, "Chrome/") || strings.HasPrefix(v.Browser, "Chromium/")
}

// Endpoints talks to the HTTP sibling of the CDP WebSocket endpoint
// (/json/version, /json/list, /json/new, /json/close, /json/activate).
type Endpoints struct {
	base   string // e.g. "http://127.0.0.1:9222"
	client *http.Client
}

func NewEndpoints(base string) *Endpoints {
	return &Endpoints{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *Endpoints) Base() string { return e.base }

// Version fetches /json/version.
func (e *Endpoints) Version(ctx context.Context) (*VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+"/json/version", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp: /json/version: HTTP %d", resp.StatusCode)
	}

	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// List fetches open targets via /json/list.
func (e *Endpoints) List(ctx context.Context) ([]*target.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp: /json/list: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, t := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(t.ID),
			Type:     t.Type,
			Title:    t.Title,
			URL:      t.URL,
		})
	}
	return out, nil
}

// NewPage opens a blank page (or the given URL) via /json/new. Chromium 111+
// requires PUT here; GET is rejected.
func (e *Endpoints) NewPage(ctx context.Context, pageURL string) (*target.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint := e.base + "/json/new"
	if pageURL != "" {
		endpoint += "?" + url.QueryEscape(pageURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp: /json/new: HTTP %d", resp.StatusCode)
	}

	var entry struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, err
	}
	return &target.Info{
		TargetID: target.ID(entry.ID),
		Type:     entry.Type,
		Title:    entry.Title,
		URL:      entry.URL,
	}, nil
}

// ClosePage closes a target via /json/close.
func (e *Endpoints) ClosePage(ctx context.Context, targetID string) error {
	return e.simpleGet(ctx, "/json/close/"+targetID)
}

// Activate brings a target's window to the foreground via /json/activate.
func (e *Endpoints) Activate(ctx context.Context, targetID string) error {
	return e.simpleGet(ctx, "/json/activate/"+targetID)
}

func (e *Endpoints) simpleGet(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cdp: %s: HTTP %d", path, resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
