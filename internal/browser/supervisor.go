package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/config"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/netutil"
)

// Instance describes one browser the server is bound to, spawned or adopted.
type Instance struct {
	Port        int
	PID         int
	Managed     bool
	Executable  string
	UserDataDir string
	Profile     string
	ShadowClone bool
	StartedAt   time.Time

	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

// Exited returns a channel closed when a managed process terminates. For an
// adopted external browser it returns nil, which never fires.
func (i *Instance) Exited() <-chan struct{} { return i.exited }

// ExitErr is valid once Exited has fired.
func (i *Instance) ExitErr() error { return i.exitErr }

// ExternalInstance records an adopted browser the server did not spawn.
func ExternalInstance(port int) *Instance {
	return &Instance{Port: port, Managed: false, StartedAt: time.Now()}
}

// LaunchOptions controls a managed browser start.
type LaunchOptions struct {
	Profile     string // profile subdirectory name, defaults to "Default"
	UserDataDir string // use this data dir as-is instead of shadow-cloning
	Executable  string // explicit browser binary
	StartURL    string // first page to open, defaults to about:blank
}

// Supervisor spawns browser processes and classifies what answers on the
// debugging port.
type Supervisor struct {
	cfg  *config.Config
	port int
}

func NewSupervisor(cfg *config.Config, port int) *Supervisor {
	return &Supervisor{cfg: cfg, port: port}
}

// Probe classifies the debugging port: a full browser yields its version
// info, a free port yields NOT_CONNECTED, anything else PORT_NOT_BROWSER.
func (s *Supervisor) Probe(ctx context.Context) (*cdpcontrol.VersionInfo, error) {
	if !netutil.IsPortListening(s.cfg.CDPHost, s.port, time.Second) {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeNotConnected,
			fmt.Sprintf("nothing is listening on port %d", s.port), nil)
	}
	eps := cdpcontrol.NewEndpoints(s.cfg.CDPBase(s.port))
	info, err := eps.Version(ctx)
	if err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodePortNotBrowser,
			fmt.Sprintf("port %d is in use but does not answer the DevTools version probe", s.port), err)
	}
	if !info.IsFullBrowser() {
		return nil, cdpcontrol.NewError(cdpcontrol.CodePortNotBrowser,
			fmt.Sprintf("endpoint on port %d identifies as %q, not a full browser", s.port, info.Browser), nil)
	}
	return info, nil
}

// launchArgs builds the Chromium command line for a managed start.
func launchArgs(port int, dataDir, profile, startURL string) []string {
	return []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir=" + dataDir,
		"--profile-directory=" + profile,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-infobars",
		"--disable-blink-features=AutomationControlled",
		"--password-store=basic",
		"--start-maximized",
		"--disable-breakpad",
		"--disable-crash-reporter",
		startURL,
	}
}

// Launch starts a browser with the debugging port open and waits until its
// DevTools endpoint answers. The data dir is the user's real profile shadow
// cloned, unless opts names a custom one.
func (s *Supervisor) Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	if netutil.IsPortListening(s.cfg.CDPHost, s.port, time.Second) {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeLaunchFailed,
			fmt.Sprintf("port %d is already in use", s.port), nil)
	}

	exe, err := FindExecutable(opts.Executable)
	if err != nil {
		return nil, err
	}

	profile := opts.Profile
	if profile == "" {
		profile = "Default"
	}

	dataDir := opts.UserDataDir
	shadow := false
	if dataDir == "" {
		srcDir, err := DefaultUserDataDir()
		if err != nil {
			return nil, err
		}
		destDir := s.cfg.ShadowProfileDir
		if destDir == "" {
			destDir = filepath.Join(os.TempDir(), "chrome-devtools-mcp", "shadow-profile")
		}
		sp := &ShadowProfile{SourceDir: srcDir, DestDir: destDir, Profile: profile}
		if dataDir, err = sp.Build(ctx); err != nil {
			return nil, err
		}
		shadow = true
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeLaunchFailed, "create user data dir", err)
		}
		removeSingletonLocks(dataDir, profile)
	}

	startURL := opts.StartURL
	if startURL == "" {
		startURL = "about:blank"
	}

	cmd := exec.Command(exe, launchArgs(s.port, dataDir, profile, startURL)...)
	// stdout carries the MCP stream; the browser must never write to it.
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeLaunchFailed,
			fmt.Sprintf("start %s", exe), err)
	}

	inst := &Instance{
		Port:        s.port,
		PID:         cmd.Process.Pid,
		Managed:     true,
		Executable:  exe,
		UserDataDir: dataDir,
		Profile:     profile,
		ShadowClone: shadow,
		StartedAt:   time.Now(),
		cmd:         cmd,
		exited:      make(chan struct{}),
	}
	go func() {
		inst.exitErr = cmd.Wait()
		close(inst.exited)
	}()
	slog.Info("browser process started",
		"pid", inst.PID, "executable", exe, "data_dir", dataDir, "profile", profile)

	if err := s.verify(ctx, inst); err != nil {
		s.Stop(inst)
		return nil, err
	}
	slog.Info("devtools endpoint ready", "port", s.port)
	return inst, nil
}

// verify walks the readiness ladder: process alive, port listening, version
// endpoint answering as a full browser. Each tier's last observation feeds
// the failure diagnostics.
func (s *Supervisor) verify(ctx context.Context, inst *Instance) error {
	deadline := time.Now().Add(s.cfg.LaunchTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	eps := cdpcontrol.NewEndpoints(s.cfg.CDPBase(s.port))
	var diags []string
	var lastErr error
	note := func(msg string) {
		if n := len(diags); n == 0 || diags[n-1] != msg {
			diags = append(diags, msg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return launchFailed("launch aborted", ctx.Err(), diags)
		case <-inst.exited:
			return launchFailed("browser process exited during startup", inst.exitErr, diags)
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return launchFailed(
				fmt.Sprintf("browser did not become ready within %s", s.cfg.LaunchTimeout),
				lastErr, diags)
		}

		if !netutil.IsPortListening(s.cfg.CDPHost, s.port, 500*time.Millisecond) {
			note(fmt.Sprintf("process running, port %d not listening", s.port))
			continue
		}
		vctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		info, err := eps.Version(vctx)
		cancel()
		if err != nil {
			lastErr = err
			note("port open, version endpoint not answering")
			continue
		}
		if !info.IsFullBrowser() {
			note(fmt.Sprintf("endpoint identifies as %q", info.Browser))
			continue
		}
		return nil
	}
}

func launchFailed(msg string, cause error, diags []string) error {
	if len(diags) > 0 {
		msg = msg + " (" + strings.Join(diags, "; ") + ")"
	}
	return cdpcontrol.NewError(cdpcontrol.CodeLaunchFailed, msg, cause)
}

// Stop terminates a managed browser with SIGTERM, falling back to SIGKILL.
func (s *Supervisor) Stop(inst *Instance) {
	if inst == nil || !inst.Managed || inst.cmd == nil || inst.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", inst.PID)
	_ = inst.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-inst.exited:
		slog.Info("browser stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = inst.cmd.Process.Kill()
		<-inst.exited
	}
}
