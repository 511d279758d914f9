package cdpcontrol

import (
	"encoding/json"
	"fmt"
	"testing"
)

func targetCreatedPayload(id, targetType, url string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"targetInfo":{"targetId":%q,"type":%q,"title":"","url":%q,"attached":false}}`,
		id, targetType, url))
}

func targetDestroyedPayload(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"targetId":%q}`, id))
}

func TestClassifyTarget(t *testing.T) {
	tests := []struct {
		in   string
		want TargetKind
	}{
		{"page", KindPage},
		{"service_worker", KindServiceWorker},
		{"background_page", KindBackgroundPage},
		{"browser", KindBrowser},
		{"iframe", KindOther},
		{"webview", KindOther},
	}
	for _, tt := range tests {
		if got := classifyTarget(tt.in); got != tt.want {
			t.Fatalf("classifyTarget(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolvePageExplicitID(t *testing.T) {
	reg := NewTargetRegistry(nil)
	reg.onTargetCreated("", targetCreatedPayload("P1", "page", "https://a.example/"))
	reg.onTargetCreated("", targetCreatedPayload("W1", "service_worker", "https://a.example/sw.js"))

	rec, err := reg.ResolvePage("P1")
	if err != nil {
		t.Fatalf("ResolvePage(P1) error = %v", err)
	}
	if rec.ID != "P1" {
		t.Fatalf("ResolvePage(P1).ID = %q, want P1", rec.ID)
	}

	if _, err := reg.ResolvePage("W1"); err == nil {
		t.Fatal("ResolvePage(W1) = nil error, want not-a-page error")
	}
	if _, err := reg.ResolvePage("NOPE"); err == nil {
		t.Fatal("ResolvePage(NOPE) = nil error, want unknown-id error")
	}
}

func TestResolvePagePrefersMostRecentlyActivated(t *testing.T) {
	reg := NewTargetRegistry(nil)
	reg.onTargetCreated("", targetCreatedPayload("P1", "page", "https://a.example/"))
	reg.onTargetCreated("", targetCreatedPayload("P2", "page", "https://b.example/"))
	reg.onTargetCreated("", targetCreatedPayload("P3", "page", "https://c.example/"))

	// No activations yet: enumeration order wins.
	rec, err := reg.ResolvePage("")
	if err != nil {
		t.Fatalf("ResolvePage() error = %v", err)
	}
	if rec.ID != "P1" {
		t.Fatalf("ResolvePage() = %q, want first page P1", rec.ID)
	}

	reg.Touch("P2")
	rec, err = reg.ResolvePage("")
	if err != nil {
		t.Fatalf("ResolvePage() error = %v", err)
	}
	if rec.ID != "P2" {
		t.Fatalf("ResolvePage() = %q, want most recently activated P2", rec.ID)
	}

	reg.Touch("P3")
	reg.onTargetDestroyed("", targetDestroyedPayload("P3"))
	rec, err = reg.ResolvePage("")
	if err != nil {
		t.Fatalf("ResolvePage() error = %v", err)
	}
	if rec.ID != "P2" {
		t.Fatalf("ResolvePage() after destroy = %q, want P2", rec.ID)
	}
}

func TestResolvePageNoPages(t *testing.T) {
	reg := NewTargetRegistry(nil)
	reg.onTargetCreated("", targetCreatedPayload("W1", "service_worker", "https://a.example/sw.js"))

	_, err := reg.ResolvePage("")
	if err == nil {
		t.Fatal("ResolvePage() error = nil, want no-page-available")
	}
	if code := ErrorCode(err); code != CodeNoPageAvailable {
		t.Fatalf("ErrorCode(err) = %q, want %q", code, CodeNoPageAvailable)
	}
}

func TestRegistryCountsAndSnapshotOrder(t *testing.T) {
	reg := NewTargetRegistry(nil)
	reg.onTargetCreated("", targetCreatedPayload("P1", "page", "https://a.example/"))
	reg.onTargetCreated("", targetCreatedPayload("W1", "service_worker", "https://a.example/sw.js"))
	reg.onTargetCreated("", targetCreatedPayload("P2", "page", "https://b.example/"))

	counts := reg.Counts()
	if counts[KindPage] != 2 || counts[KindServiceWorker] != 1 {
		t.Fatalf("Counts() = %v, want 2 pages and 1 service worker", counts)
	}

	snap := reg.Snapshot()
	if len(snap) != 3 || snap[0].ID != "P1" || snap[1].ID != "W1" || snap[2].ID != "P2" {
		t.Fatalf("Snapshot() order = %v, want [P1 W1 P2]", snap)
	}

	pages := reg.Pages()
	if len(pages) != 2 || pages[0].ID != "P1" || pages[1].ID != "P2" {
		t.Fatalf("Pages() = %v, want [P1 P2]", pages)
	}
}

func TestRegistryInfoChangedUpdatesRecord(t *testing.T) {
	reg := NewTargetRegistry(nil)
	reg.onTargetCreated("", targetCreatedPayload("P1", "page", "about:blank"))
	reg.onTargetInfoChanged("", json.RawMessage(
		`{"targetInfo":{"targetId":"P1","type":"page","title":"Example Domain","url":"https://example.com/","attached":true}}`))

	rec, ok := reg.Get("P1")
	if !ok {
		t.Fatal("Get(P1) missing after info change")
	}
	if rec.URL != "https://example.com/" || rec.Title != "Example Domain" || !rec.Attached {
		t.Fatalf("record after info change = %+v", rec)
	}
}
