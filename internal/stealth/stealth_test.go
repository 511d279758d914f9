package stealth

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/browser"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol/cdptest"
)

func testConn(t *testing.T, f *cdptest.Fake) *browser.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eps := cdpcontrol.NewEndpoints(f.URL())
	tr := cdpcontrol.NewTransport(eps)
	if err := tr.Dial(ctx); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(tr.Close)

	reg := cdpcontrol.NewTargetRegistry(tr)
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(reg.Stop)

	sm := cdpcontrol.NewSessionManager(tr, time.Minute, 8)
	return &browser.Conn{Endpoints: eps, Transport: tr, Registry: reg, Sessions: sm}
}

func scriptSource(t *testing.T, call cdptest.Call) string {
	t.Helper()
	var p struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		t.Fatalf("unmarshal addScript params: %v", err)
	}
	return p.Source
}

func TestArmPatchesExistingPages(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "https://example.com/")
	conn := testConn(t, f)

	inj := NewInjector()
	if err := inj.Arm(context.Background(), conn); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}

	added := f.Calls("Page.addScriptToEvaluateOnNewDocument")
	if len(added) != 1 {
		t.Fatalf("addScript calls = %d, want 1", len(added))
	}
	src := scriptSource(t, added[0])
	if strings.Contains(src, seedPlaceholder) {
		t.Fatal("seed placeholder not substituted")
	}
	if !strings.Contains(src, "__stealth_patched__") {
		t.Fatal("idempotence marker missing from injected script")
	}
	if len(f.Calls("Runtime.evaluate")) == 0 {
		t.Fatal("current document was not patched via Runtime.evaluate")
	}
	if !inj.Applied() {
		t.Fatal("Applied() = false after Arm")
	}
}

func TestSeedStableWithinConnection(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "about:blank")
	f.AddPage("P2", "about:blank")
	conn := testConn(t, f)

	inj := NewInjector()
	if err := inj.Arm(context.Background(), conn); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}

	added := f.Calls("Page.addScriptToEvaluateOnNewDocument")
	if len(added) != 2 {
		t.Fatalf("addScript calls = %d, want 2", len(added))
	}
	if scriptSource(t, added[0]) != scriptSource(t, added[1]) {
		t.Fatal("same connection produced two different seeded scripts")
	}
}

func TestForceReapplyRemovesPreviousScript(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "about:blank")
	f.Handle("Page.addScriptToEvaluateOnNewDocument", func(sessionID string, params json.RawMessage) (any, error) {
		return map[string]string{"identifier": "SCRIPT-7"}, nil
	})
	conn := testConn(t, f)

	inj := NewInjector()
	if err := inj.Apply(context.Background(), conn, "P1", false); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := inj.Apply(context.Background(), conn, "P1", true); err != nil {
		t.Fatalf("Apply(force) error = %v", err)
	}

	removed := f.Calls("Page.removeScriptToEvaluateOnNewDocument")
	if len(removed) != 1 {
		t.Fatalf("removeScript calls = %d, want 1", len(removed))
	}
	var p struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(removed[0].Params, &p); err != nil {
		t.Fatalf("unmarshal removeScript params: %v", err)
	}
	if p.Identifier != "SCRIPT-7" {
		t.Fatalf("removed identifier = %q, want %q", p.Identifier, "SCRIPT-7")
	}
}

func TestNewPageAutoPatched(t *testing.T) {
	f := cdptest.New(t)
	conn := testConn(t, f)

	inj := NewInjector()
	if err := inj.Arm(context.Background(), conn); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}

	f.Emit("Target.targetCreated", "", json.RawMessage(
		`{"targetInfo":{"targetId":"P9","type":"page","title":"","url":"about:blank","attached":false}}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.Calls("Page.addScriptToEvaluateOnNewDocument")) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("new page was never patched")
}

func TestResetClearsState(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "about:blank")
	conn := testConn(t, f)

	inj := NewInjector()
	if err := inj.Arm(context.Background(), conn); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if inj.PatchedTargets() != 1 {
		t.Fatalf("PatchedTargets() = %d, want 1", inj.PatchedTargets())
	}

	inj.Reset()
	if inj.Applied() {
		t.Fatal("Applied() = true after Reset")
	}
	if inj.PatchedTargets() != 0 {
		t.Fatalf("PatchedTargets() = %d after Reset, want 0", inj.PatchedTargets())
	}
}

func TestScriptCoversKnownSurfaces(t *testing.T) {
	surfaces := []string{
		"webdriver",
		"languages",
		"platform",
		"hardwareConcurrency",
		"deviceMemory",
		"plugins",
		"permissions",
		"getImageData",
		"toDataURL",
		"getChannelData",
		"37445",
		"37446",
		"Function.prototype.toString",
	}
	for _, s := range surfaces {
		if !strings.Contains(patchScript, s) {
			t.Errorf("patch script does not cover %q", s)
		}
	}
}
