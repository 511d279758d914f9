package cdpcontrol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVersionInfoIsFullBrowser(t *testing.T) {
	tests := []struct {
		name    string
		browser string
		ua      string
		want    bool
	}{
		{"chrome", "Chrome/126.0.6478.62", "Mozilla/5.0 (X11; Linux x86_64) Chrome/126.0.0.0", true},
		{"chromium", "Chromium/125.0.6422.141", "Mozilla/5.0 Chrome/125.0.0.0", true},
		{"headless shell", "HeadlessChrome/126.0.6478.62", "Mozilla/5.0 HeadlessChrome/126.0.0.0", false},
		{"android webview", "Chrome/126.0.6478.62", "Mozilla/5.0 (Linux; Android 14; wv) Chrome/126.0.0.0", false},
		{"electron", "Electron/30.0.0", "Mozilla/5.0 Electron/30.0.0", false},
		{"node inspector", "node.js/20.11.0", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &VersionInfo{Browser: tt.browser, UserAgent: tt.ua}
			if got := v.IsFullBrowser(); got != tt.want {
				t.Fatalf("IsFullBrowser() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEndpointsVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "Chrome/126.0.6478.62",
			"Protocol-Version":     "1.3",
			"webSocketDebuggerUrl": "ws://127.0.0.1:9222/devtools/browser/abc",
		})
	}))
	defer srv.Close()

	info, err := NewEndpoints(srv.URL).Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if info.Browser != "Chrome/126.0.6478.62" {
		t.Fatalf("Browser = %q, want %q", info.Browser, "Chrome/126.0.6478.62")
	}
	if info.WebSocketDebuggerURL == "" {
		t.Fatal("WebSocketDebuggerURL is empty")
	}
}

func TestEndpointsList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"id": "T1", "type": "page", "title": "Example", "url": "https://example.com/"},
			{"id": "T2", "type": "service_worker", "url": "https://example.com/sw.js"},
		})
	}))
	defer srv.Close()

	targets, err := NewEndpoints(srv.URL).List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("List() returned %d targets, want 2", len(targets))
	}
	if string(targets[0].TargetID) != "T1" || targets[0].Type != "page" {
		t.Fatalf("targets[0] = %+v, want id T1 type page", targets[0])
	}
}

func TestEndpointsNewPageUsesPut(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		json.NewEncoder(w).Encode(map[string]string{"id": "T9", "type": "page", "url": "about:blank"})
	}))
	defer srv.Close()

	info, err := NewEndpoints(srv.URL).NewPage(context.Background(), "")
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("NewPage() used HTTP %s, want PUT", gotMethod)
	}
	if string(info.TargetID) != "T9" {
		t.Fatalf("NewPage() target = %q, want T9", info.TargetID)
	}
}

func TestEndpointsVersionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewEndpoints(srv.URL).Version(context.Background()); err == nil {
		t.Fatal("Version() error = nil, want HTTP error")
	}
}
