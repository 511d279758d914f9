package browser

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol/cdptest"
)

func newTestOrchestrator(t *testing.T, f *cdptest.Fake) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(testConfig(), f.Port())
	t.Cleanup(func() { o.Disconnect("test cleanup") })
	return o
}

func TestEnsureConnectedRefusesWhenPortFree(t *testing.T) {
	o := NewOrchestrator(testConfig(), freePort(t))

	_, err := o.EnsureConnected(context.Background())
	if err == nil {
		t.Fatal("EnsureConnected() error = nil, want NOT_CONNECTED")
	}
	if code := cdpcontrol.ErrorCode(err); code != cdpcontrol.CodeNotConnected {
		t.Fatalf("ErrorCode(err) = %q, want %q", code, cdpcontrol.CodeNotConnected)
	}
	if !strings.Contains(err.Error(), "launch_with_profile") {
		t.Fatalf("EnsureConnected() error = %q, want the launch hint", err)
	}
}

func TestEnsureConnectedRejectsLookAlike(t *testing.T) {
	f := cdptest.New(t)
	f.SetVersion("Chrome/126.0.6478.62", "Mozilla/5.0 (Linux; Android 14; wv) Chrome/126.0.0.0")
	o := newTestOrchestrator(t, f)

	_, err := o.EnsureConnected(context.Background())
	if err == nil {
		t.Fatal("EnsureConnected() error = nil, want PORT_NOT_BROWSER")
	}
	if code := cdpcontrol.ErrorCode(err); code != cdpcontrol.CodePortNotBrowser {
		t.Fatalf("ErrorCode(err) = %q, want %q", code, cdpcontrol.CodePortNotBrowser)
	}
}

func TestEnsureConnectedAdoptsRunningBrowser(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "https://example.com/")
	o := newTestOrchestrator(t, f)

	conn, err := o.EnsureConnected(context.Background())
	if err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if conn == nil || conn.Transport == nil {
		t.Fatal("EnsureConnected() returned an empty conn")
	}

	st := o.Status()
	if !st.Connected || st.Managed {
		t.Fatalf("Status() = %+v, want connected external browser", st)
	}
	if st.Pages != 1 {
		t.Fatalf("Status().Pages = %d, want 1", st.Pages)
	}

	again, err := o.EnsureConnected(context.Background())
	if err != nil {
		t.Fatalf("second EnsureConnected() error = %v", err)
	}
	if again != conn {
		t.Fatal("EnsureConnected() rebuilt a healthy connection")
	}
}

func TestEnsureConnectedOpensBlankPageWhenEmpty(t *testing.T) {
	f := cdptest.New(t)
	o := newTestOrchestrator(t, f)

	if _, err := o.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if got := f.PagesCreated(); got != 1 {
		t.Fatalf("pages created = %d, want 1 blank page", got)
	}
}

func TestConnectAndTeardownHooks(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "about:blank")
	o := newTestOrchestrator(t, f)

	connected := false
	var torndown []string
	o.OnConnect(func(ctx context.Context, conn *Conn) error {
		connected = conn != nil
		return nil
	})
	o.OnTeardown(func(reason string) { torndown = append(torndown, reason) })

	if _, err := o.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	if !connected {
		t.Fatal("connect hook did not run")
	}

	o.Disconnect("test disconnect")
	if len(torndown) != 1 || torndown[0] != "test disconnect" {
		t.Fatalf("teardown hooks = %v, want [test disconnect]", torndown)
	}
}

func TestTeardownOnTransportLoss(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "about:blank")
	o := newTestOrchestrator(t, f)

	gone := make(chan string, 1)
	o.OnTeardown(func(reason string) { gone <- reason })

	if _, err := o.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	f.DropConnection()
	select {
	case reason := <-gone:
		if !strings.Contains(reason, "transport") {
			t.Fatalf("teardown reason = %q, want transport loss", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("teardown hook never fired after transport loss")
	}
	if st := o.Status(); st.Connected {
		t.Fatalf("Status() = %+v after transport loss, want disconnected", st)
	}
}

func TestCloseBrowserDisconnectsExternal(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "about:blank")
	o := newTestOrchestrator(t, f)

	if _, err := o.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	status, err := o.CloseBrowser(context.Background())
	if err != nil {
		t.Fatalf("CloseBrowser() error = %v", err)
	}
	if status != "disconnected" {
		t.Fatalf("CloseBrowser() = %q, want %q for an adopted browser", status, "disconnected")
	}
	if st := o.Status(); st.Connected {
		t.Fatal("still connected after CloseBrowser")
	}

	status, err = o.CloseBrowser(context.Background())
	if err != nil {
		t.Fatalf("second CloseBrowser() error = %v", err)
	}
	if status != "no_browser" {
		t.Fatalf("second CloseBrowser() = %q, want %q", status, "no_browser")
	}
}

func TestLaunchWithProfileAlreadyConnected(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "https://example.com/")
	o := newTestOrchestrator(t, f)

	if _, err := o.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	_, status, err := o.LaunchWithProfile(context.Background(), LaunchOptions{}, false)
	if err != nil {
		t.Fatalf("LaunchWithProfile() error = %v", err)
	}
	if status != "already_connected" {
		t.Fatalf("LaunchWithProfile() status = %q, want %q", status, "already_connected")
	}
	if got := f.ActivatedTargets(); len(got) != 1 || got[0] != "P1" {
		t.Fatalf("activated targets = %v, want [P1]", got)
	}
}

func TestLaunchWithProfileAdoptsPortOwner(t *testing.T) {
	f := cdptest.New(t)
	f.AddPage("P1", "about:blank")
	o := newTestOrchestrator(t, f)

	_, status, err := o.LaunchWithProfile(context.Background(), LaunchOptions{}, false)
	if err != nil {
		t.Fatalf("LaunchWithProfile() error = %v", err)
	}
	if status != "attached_existing" {
		t.Fatalf("LaunchWithProfile() status = %q, want %q", status, "attached_existing")
	}
	if st := o.Status(); !st.Connected || st.Managed {
		t.Fatalf("Status() = %+v, want adopted external browser", st)
	}
}
