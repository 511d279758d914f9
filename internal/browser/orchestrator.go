package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/config"
)

// Conn bundles the live handles of one browser connection. A Conn is valid
// until the orchestrator tears it down; handles inside it fail with
// CDP_UNAVAILABLE after that.
type Conn struct {
	Endpoints *cdpcontrol.Endpoints
	Transport *cdpcontrol.Transport
	Registry  *cdpcontrol.TargetRegistry
	Sessions  *cdpcontrol.SessionManager
	Browser   *cdpcontrol.VersionInfo
}

// Status is the connection snapshot reported to the agent.
type Status struct {
	Connected   bool   `json:"connected"`
	Port        int    `json:"port"`
	Managed     bool   `json:"managed"`
	PID         int    `json:"pid,omitempty"`
	Browser     string `json:"browser,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	ShadowClone bool   `json:"shadowProfile"`
	UserDataDir string `json:"userDataDir,omitempty"`
	Profile     string `json:"profile,omitempty"`
	Pages       int    `json:"pages"`
	Targets     int    `json:"targets"`
}

// Orchestrator owns the binding between the server and at most one browser.
// Every tool that talks CDP goes through it, so connect, adopt, teardown and
// relaunch decisions happen in exactly one place.
type Orchestrator struct {
	cfg  *config.Config
	port int
	sup  *Supervisor

	mu   sync.Mutex
	inst *Instance
	conn *Conn
	gen  int

	connectHooks  []func(ctx context.Context, conn *Conn) error
	teardownHooks []func(reason string)
}

func NewOrchestrator(cfg *config.Config, port int) *Orchestrator {
	return &Orchestrator{cfg: cfg, port: port, sup: NewSupervisor(cfg, port)}
}

// Port returns the debugging port this orchestrator is bound to.
func (o *Orchestrator) Port() int { return o.port }

// OnConnect registers a hook run after each successful attach. Hook errors
// are logged, not fatal. Register before serving begins.
func (o *Orchestrator) OnConnect(fn func(ctx context.Context, conn *Conn) error) {
	o.connectHooks = append(o.connectHooks, fn)
}

// OnTeardown registers a hook run at the start of every teardown, while the
// transport is still usable. Hooks must not call back into the Orchestrator.
func (o *Orchestrator) OnTeardown(fn func(reason string)) {
	o.teardownHooks = append(o.teardownHooks, fn)
}

func (o *Orchestrator) notConnectedErr() error {
	return cdpcontrol.NewError(cdpcontrol.CodeNotConnected,
		fmt.Sprintf("no browser is connected on port %d; use launch_with_profile to start one", o.port), nil)
}

// Conn returns the live connection or NOT_CONNECTED.
func (o *Orchestrator) Conn() (*Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil, o.notConnectedErr()
	}
	return o.conn, nil
}

// EnsureConnected verifies the current connection or establishes one to a
// browser that is already answering on the port. It never launches: an agent
// must ask for that explicitly.
func (o *Orchestrator) EnsureConnected(ctx context.Context) (*Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.conn != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := o.conn.Endpoints.Version(vctx)
		cancel()
		if err == nil {
			return o.conn, nil
		}
		o.teardownLocked("browser stopped answering")
	}

	info, err := o.sup.Probe(ctx)
	if err != nil {
		if cdpcontrol.ErrorCode(err) == cdpcontrol.CodeNotConnected {
			return nil, o.notConnectedErr()
		}
		return nil, err
	}
	return o.attachLocked(ctx, ExternalInstance(o.port), info)
}

// attachLocked dials the browser-level WebSocket and builds the connection
// bundle. The caller holds o.mu and has already torn down any previous conn.
func (o *Orchestrator) attachLocked(ctx context.Context, inst *Instance, info *cdpcontrol.VersionInfo) (*Conn, error) {
	eps := cdpcontrol.NewEndpoints(o.cfg.CDPBase(o.port))
	tr := cdpcontrol.NewTransport(eps)

	o.gen++
	gen := o.gen
	tr.SetOnClose(func() { go o.onTransportGone(gen) })

	if err := tr.Dial(ctx); err != nil {
		return nil, err
	}
	reg := cdpcontrol.NewTargetRegistry(tr)
	if err := reg.Start(ctx); err != nil {
		tr.Close()
		return nil, err
	}
	sm := cdpcontrol.NewSessionManager(tr, o.cfg.SessionTTL, o.cfg.SessionCacheSize)
	conn := &Conn{Endpoints: eps, Transport: tr, Registry: reg, Sessions: sm, Browser: info}

	// A browser with no open page makes every page-addressed tool fail, so
	// give a fresh one a blank tab to land on.
	if len(reg.Pages()) == 0 {
		if _, err := eps.NewPage(ctx, "about:blank"); err != nil {
			slog.Warn("could not open a blank page", "error", err)
		}
	}

	o.conn = conn
	o.inst = inst
	slog.Info("attached to browser",
		"port", o.port, "browser", info.Browser, "managed", inst.Managed)

	for _, hook := range o.connectHooks {
		if err := hook(ctx, conn); err != nil {
			slog.Warn("connect hook failed", "error", err)
		}
	}
	if inst.Managed {
		go o.superviseExit(inst, gen)
	}
	return conn, nil
}

// onTransportGone runs when the WebSocket dies underneath us.
func (o *Orchestrator) onTransportGone(gen int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || o.conn == nil {
		return
	}
	o.teardownLocked("cdp transport closed")
}

// superviseExit watches a managed process. Chromium sometimes hands the real
// work to an already running process and exits the launcher pid, so a single
// grace re-probe decides between "browser alive elsewhere" and real death.
func (o *Orchestrator) superviseExit(inst *Instance, gen int) {
	<-inst.Exited()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := o.sup.Probe(pctx)
		cancel()
		if err == nil {
			o.mu.Lock()
			if o.gen == gen && o.inst == inst {
				slog.Info("managed pid exited but browser still answering, adopting it",
					"pid", inst.PID)
				o.inst = ExternalInstance(o.port)
			}
			o.mu.Unlock()
			return
		}
		time.Sleep(250 * time.Millisecond)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return
	}
	o.teardownLocked("browser process exited")
}

// teardownLocked atomically clears all connection state. Hooks run first so
// subsystems can drain while the transport still works.
func (o *Orchestrator) teardownLocked(reason string) {
	if o.conn == nil && o.inst == nil {
		return
	}
	slog.Info("tearing down browser connection", "reason", reason)
	o.gen++
	for _, hook := range o.teardownHooks {
		hook(reason)
	}
	if o.conn != nil {
		o.conn.Sessions.Reset()
		o.conn.Registry.Stop()
		o.conn.Transport.Close()
	}
	o.conn = nil
	o.inst = nil
}

// LaunchWithProfile connects the server to a browser, spawning one when the
// port is free. The returned status is one of "already_connected",
// "attached_existing" or "launched".
func (o *Orchestrator) LaunchWithProfile(ctx context.Context, opts LaunchOptions, force bool) (Status, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.conn != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, verr := o.conn.Endpoints.Version(vctx)
		cancel()
		switch {
		case verr == nil && !force:
			// Bring the existing window forward instead of spawning a twin.
			if rec, err := o.conn.Registry.ResolvePage(""); err == nil {
				_ = o.conn.Endpoints.Activate(ctx, rec.ID)
			}
			return o.statusLocked(), "already_connected", nil
		case verr == nil:
			prev := o.inst
			o.teardownLocked("relaunch requested")
			o.sup.Stop(prev)
		default:
			o.teardownLocked("browser stopped answering")
		}
	}

	info, err := o.sup.Probe(ctx)
	switch {
	case err == nil:
		// The port is owned by a live full browser: adopt, don't spawn.
		if _, aerr := o.attachLocked(ctx, ExternalInstance(o.port), info); aerr != nil {
			return Status{}, "", aerr
		}
		if opts.StartURL != "" {
			if _, nerr := o.conn.Endpoints.NewPage(ctx, opts.StartURL); nerr != nil {
				slog.Warn("could not open start url", "url", opts.StartURL, "error", nerr)
			}
		}
		return o.statusLocked(), "attached_existing", nil
	case cdpcontrol.ErrorCode(err) == cdpcontrol.CodePortNotBrowser:
		return Status{}, "", err
	}

	inst, err := o.sup.Launch(ctx, opts)
	if err != nil {
		return Status{}, "", err
	}
	info, err = o.sup.Probe(ctx)
	if err != nil {
		o.sup.Stop(inst)
		return Status{}, "", err
	}
	if _, err := o.attachLocked(ctx, inst, info); err != nil {
		o.sup.Stop(inst)
		return Status{}, "", err
	}
	return o.statusLocked(), "launched", nil
}

// CloseBrowser tears the connection down and, for a managed browser, stops
// the process. Returns "terminated", "disconnected" or "no_browser".
func (o *Orchestrator) CloseBrowser(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.conn == nil && o.inst == nil {
		return "no_browser", nil
	}
	inst := o.inst
	o.teardownLocked("close requested")
	if inst != nil && inst.Managed {
		o.sup.Stop(inst)
		return "terminated", nil
	}
	return "disconnected", nil
}

// Disconnect drops the connection without touching the process.
func (o *Orchestrator) Disconnect(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.teardownLocked(reason)
}

// Status reports the current binding.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() Status {
	st := Status{Port: o.port}
	if o.conn == nil {
		return st
	}
	st.Connected = true
	st.Browser = o.conn.Browser.Browser
	st.UserAgent = o.conn.Browser.UserAgent
	st.Pages = len(o.conn.Registry.Pages())
	st.Targets = len(o.conn.Registry.Snapshot())
	if o.inst != nil {
		st.Managed = o.inst.Managed
		st.PID = o.inst.PID
		st.ShadowClone = o.inst.ShadowClone
		st.UserDataDir = o.inst.UserDataDir
		st.Profile = o.inst.Profile
	}
	return st
}
