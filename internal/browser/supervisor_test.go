package browser

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol/cdptest"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		CDPHost:          "127.0.0.1",
		LaunchTimeout:    1500 * time.Millisecond,
		SessionTTL:       30 * time.Second,
		SessionCacheSize: 8,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestProbeFullBrowser(t *testing.T) {
	f := cdptest.New(t)
	s := NewSupervisor(testConfig(), f.Port())

	info, err := s.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !strings.HasPrefix(info.Browser, "Chrome/") {
		t.Fatalf("Probe() browser = %q, want Chrome/*", info.Browser)
	}
}

func TestProbeLookAlike(t *testing.T) {
	f := cdptest.New(t)
	f.SetVersion("HeadlessChrome/126.0.6478.62", "Mozilla/5.0 HeadlessChrome/126.0.0.0")
	s := NewSupervisor(testConfig(), f.Port())

	_, err := s.Probe(context.Background())
	if err == nil {
		t.Fatal("Probe() error = nil, want PORT_NOT_BROWSER")
	}
	if code := cdpcontrol.ErrorCode(err); code != cdpcontrol.CodePortNotBrowser {
		t.Fatalf("ErrorCode(err) = %q, want %q", code, cdpcontrol.CodePortNotBrowser)
	}
}

func TestProbeFreePort(t *testing.T) {
	s := NewSupervisor(testConfig(), freePort(t))

	_, err := s.Probe(context.Background())
	if err == nil {
		t.Fatal("Probe() error = nil, want NOT_CONNECTED")
	}
	if code := cdpcontrol.ErrorCode(err); code != cdpcontrol.CodeNotConnected {
		t.Fatalf("ErrorCode(err) = %q, want %q", code, cdpcontrol.CodeNotConnected)
	}
}

func TestLaunchArgs(t *testing.T) {
	args := launchArgs(9222, "/tmp/shadow", "Default", "https://example.com/")

	want := []string{
		"--remote-debugging-port=9222",
		"--user-data-dir=/tmp/shadow",
		"--profile-directory=Default",
		"--disable-blink-features=AutomationControlled",
		"--no-first-run",
	}
	joined := strings.Join(args, " ")
	for _, flag := range want {
		if !strings.Contains(joined, flag) {
			t.Fatalf("launchArgs() missing %q in %q", flag, joined)
		}
	}
	if last := args[len(args)-1]; last != "https://example.com/" {
		t.Fatalf("launchArgs() last arg = %q, want the start url", last)
	}
}

func TestLaunchFailsWhenProcessExits(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a unix shell")
	}
	s := NewSupervisor(testConfig(), freePort(t))

	_, err := s.Launch(context.Background(), LaunchOptions{
		Executable:  "/bin/true",
		UserDataDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("Launch() error = nil, want LAUNCH_FAILED")
	}
	if code := cdpcontrol.ErrorCode(err); code != cdpcontrol.CodeLaunchFailed {
		t.Fatalf("ErrorCode(err) = %q, want %q", code, cdpcontrol.CodeLaunchFailed)
	}
	if !strings.Contains(err.Error(), "exited") {
		t.Fatalf("Launch() error = %q, want it to mention the process exit", err)
	}
}

func TestLaunchFailsWhenPortNeverListens(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a unix shell")
	}
	fake := filepath.Join(t.TempDir(), "fakebrowser")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatalf("write fake browser: %v", err)
	}
	s := NewSupervisor(testConfig(), freePort(t))

	start := time.Now()
	_, err := s.Launch(context.Background(), LaunchOptions{
		Executable:  fake,
		UserDataDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("Launch() error = nil, want LAUNCH_FAILED")
	}
	if code := cdpcontrol.ErrorCode(err); code != cdpcontrol.CodeLaunchFailed {
		t.Fatalf("ErrorCode(err) = %q, want %q", code, cdpcontrol.CodeLaunchFailed)
	}
	if !strings.Contains(err.Error(), "not listening") {
		t.Fatalf("Launch() error = %q, want port diagnostics", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Launch() took %s, want it bounded by the configured timeout", elapsed)
	}
}

func TestLaunchRefusesBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	s := NewSupervisor(testConfig(), port)
	_, err = s.Launch(context.Background(), LaunchOptions{UserDataDir: t.TempDir()})
	if err == nil {
		t.Fatal("Launch() error = nil, want LAUNCH_FAILED for busy port")
	}
	if !strings.Contains(err.Error(), "already in use") {
		t.Fatalf("Launch() error = %q, want busy-port message", err)
	}
}
