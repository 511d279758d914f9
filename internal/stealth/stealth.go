// Package stealth masks the fingerprint surfaces that anti-bot scripts use
// to tell an automated browser from a human-driven one. The patches run in
// every page before any site script, keyed by a per-connection random seed so
// noise is stable within a browsing session but differs across sessions.
package stealth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/browser"
)

// seedPlaceholder is substituted with the connection seed before injection.
const seedPlaceholder = "__STEALTH_SEED__"

// patchScript is injected via Page.addScriptToEvaluateOnNewDocument and also
// evaluated once against the already-loaded document. The window marker makes
// double application a no-op.
const patchScript = `(() => {
  'use strict';
  if (window.__stealth_patched__) { return; }
  try {
    Object.defineProperty(window, '__stealth_patched__', { value: true, enumerable: false });
  } catch (e) {}

  const seed = (__STEALTH_SEED__) >>> 0;
  const rand = (() => {
    let s = seed || 1;
    return () => {
      s |= 0; s = (s + 0x6D2B79F5) | 0;
      let t = Math.imul(s ^ (s >>> 15), 1 | s);
      t = (t + Math.imul(t ^ (t >>> 7), 61 | t)) ^ t;
      return ((t ^ (t >>> 14)) >>> 0) / 4294967296;
    };
  })();

  const nativeToString = Function.prototype.toString;
  const masked = new WeakMap();
  const mask = (fn, name) => {
    try { masked.set(fn, 'function ' + name + '() { [native code] }'); } catch (e) {}
    return fn;
  };
  try {
    const patchedToString = function toString() {
      if (masked.has(this)) { return masked.get(this); }
      return nativeToString.call(this);
    };
    mask(patchedToString, 'toString');
    Object.defineProperty(Function.prototype, 'toString', {
      value: patchedToString, writable: true, configurable: true
    });
  } catch (e) {}

  try {
    Object.defineProperty(navigator, 'webdriver', { get: mask(() => undefined, 'get webdriver'), configurable: true });
  } catch (e) {}

  try {
    const realPlatform = navigator.platform;
    Object.defineProperty(navigator, 'platform', { get: mask(() => realPlatform, 'get platform'), configurable: true });
    Object.defineProperty(navigator, 'languages', { get: mask(() => ['en-US', 'en'], 'get languages'), configurable: true });
    Object.defineProperty(navigator, 'hardwareConcurrency', { get: mask(() => 8, 'get hardwareConcurrency'), configurable: true });
    Object.defineProperty(navigator, 'deviceMemory', { get: mask(() => 8, 'get deviceMemory'), configurable: true });
  } catch (e) {}

  try {
    const makePlugin = (name, filename, description) => {
      const p = { name, filename, description, length: 1, item: () => null, namedItem: () => null };
      p[Symbol.iterator] = function* () {};
      return p;
    };
    const plugins = [
      makePlugin('Chrome PDF Plugin', 'internal-pdf-viewer', 'Portable Document Format'),
      makePlugin('Chrome PDF Viewer', 'mhjfbmdgcfjbbpaeojofohoefgiehjai', ''),
      makePlugin('Native Client', 'internal-nacl-plugin', '')
    ];
    plugins.item = (i) => plugins[i] || null;
    plugins.namedItem = (n) => plugins.find(p => p.name === n) || null;
    plugins.refresh = () => {};
    Object.defineProperty(navigator, 'plugins', { get: mask(() => plugins, 'get plugins'), configurable: true });
  } catch (e) {}

  try {
    if (navigator.permissions && navigator.permissions.query) {
      const realQuery = navigator.permissions.query.bind(navigator.permissions);
      navigator.permissions.query = mask((parameters) => {
        if (parameters && parameters.name === 'notifications') {
          return Promise.resolve({
            state: typeof Notification !== 'undefined' ? Notification.permission : 'default',
            onchange: null
          });
        }
        return realQuery(parameters);
      }, 'query');
    }
  } catch (e) {}

  try {
    if (!window.chrome) { window.chrome = {}; }
    if (!window.chrome.runtime) {
      window.chrome.runtime = {
        connect: mask(function () {
          return { onMessage: { addListener: function () {} }, postMessage: function () {} };
        }, 'connect'),
        sendMessage: mask(function () {}, 'sendMessage'),
        onMessage: { addListener: function () {} },
        id: undefined
      };
    }
  } catch (e) {}

  // Canvas: flip the low bit of a sparse, seed-chosen set of bytes so
  // canvas hashes differ across sessions without visible artifacts.
  try {
    const step = (97 + (seed % 101)) * 4;
    const offset = (seed % 16) * 4;
    const realGetImageData = CanvasRenderingContext2D.prototype.getImageData;
    CanvasRenderingContext2D.prototype.getImageData = mask(function (x, y, w, h, opts) {
      const image = realGetImageData.call(this, x, y, w, h, opts);
      const data = image.data;
      for (let i = offset; i < data.length; i += step) { data[i] = data[i] ^ 1; }
      return image;
    }, 'getImageData');

    const realToDataURL = HTMLCanvasElement.prototype.toDataURL;
    HTMLCanvasElement.prototype.toDataURL = mask(function () {
      try {
        const ctx = this.getContext('2d');
        if (ctx && this.width > 0 && this.height > 0) {
          const image = ctx.getImageData(0, 0, this.width, this.height);
          ctx.putImageData(image, 0, 0);
        }
      } catch (e) {}
      return realToDataURL.apply(this, arguments);
    }, 'toDataURL');
  } catch (e) {}

  // Audio: nudge one sample in a few thousand below the audible threshold.
  try {
    const audioStep = 1000 + (seed % 1000);
    const realGetChannelData = AudioBuffer.prototype.getChannelData;
    AudioBuffer.prototype.getChannelData = mask(function (channel) {
      const data = realGetChannelData.call(this, channel);
      if (!data.__stealth_noised__) {
        try {
          Object.defineProperty(data, '__stealth_noised__', { value: true, enumerable: false });
          for (let i = 0; i < data.length; i += audioStep) {
            data[i] = data[i] + (rand() - 0.5) * 1e-7;
          }
        } catch (e) {}
      }
      return data;
    }, 'getChannelData');
  } catch (e) {}

  try {
    const vendorFor = (param, real) => {
      if (param === 37445) { return 'Intel Inc.'; }
      if (param === 37446) { return 'Intel Iris OpenGL Engine'; }
      return real;
    };
    ['WebGLRenderingContext', 'WebGL2RenderingContext'].forEach((name) => {
      const ctx = window[name];
      if (!ctx || !ctx.prototype || typeof ctx.prototype.getParameter !== 'function') { return; }
      const realGetParameter = ctx.prototype.getParameter;
      ctx.prototype.getParameter = mask(function (param) {
        return vendorFor(param, realGetParameter.call(this, param));
      }, 'getParameter');
    });
  } catch (e) {}
})();`

// Injector installs the patch script on pages and tracks what it installed
// so a forced reapply can evict the previous copy.
type Injector struct {
	mu        sync.Mutex
	seed      uint32
	armed     bool
	scriptIDs map[string]string // targetID -> Page script identifier
}

func NewInjector() *Injector {
	return &Injector{scriptIDs: make(map[string]string)}
}

func newSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano()) | 1
	}
	return binary.LittleEndian.Uint32(b[:]) | 1
}

// Arm patches every open page and registers for pages opened later. Meant to
// run from the orchestrator's connect hook; errors on individual pages are
// reported but do not stop the rest.
func (inj *Injector) Arm(ctx context.Context, conn *browser.Conn) error {
	inj.mu.Lock()
	if !inj.armed {
		inj.seed = newSeed()
		inj.armed = true
	}
	inj.mu.Unlock()

	conn.Registry.OnNewPage(func(targetID string) {
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := inj.applyToTarget(pctx, conn, targetID, false); err != nil {
			slog.Warn("stealth patch on new page failed", "target", targetID, "error", err)
		}
	})

	var firstErr error
	for _, rec := range conn.Registry.Pages() {
		if err := inj.applyToTarget(ctx, conn, rec.ID, false); err != nil {
			slog.Warn("stealth patch failed", "target", rec.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Apply patches one page on demand. With force the previously installed
// script is removed first, so edited pages pick up a fresh copy.
func (inj *Injector) Apply(ctx context.Context, conn *browser.Conn, targetID string, force bool) error {
	inj.mu.Lock()
	if !inj.armed {
		inj.seed = newSeed()
		inj.armed = true
	}
	inj.mu.Unlock()
	return inj.applyToTarget(ctx, conn, targetID, force)
}

func (inj *Injector) applyToTarget(ctx context.Context, conn *browser.Conn, targetID string, force bool) error {
	inj.mu.Lock()
	script := strings.ReplaceAll(patchScript, seedPlaceholder, strconv.FormatUint(uint64(inj.seed), 10))
	oldID := inj.scriptIDs[targetID]
	inj.mu.Unlock()

	return conn.Sessions.WithEphemeral(ctx, targetID, func(sessionID string) error {
		if err := conn.Transport.EnablePageDomain(ctx, sessionID); err != nil {
			return err
		}
		if force && oldID != "" {
			if err := conn.Transport.RemoveScriptToEvaluateOnNewDocument(ctx, sessionID, oldID); err != nil {
				slog.Debug("could not remove previous stealth script", "target", targetID, "error", err)
			}
		}
		id, err := conn.Transport.AddScriptToEvaluateOnNewDocument(ctx, sessionID, script)
		if err != nil {
			return err
		}
		// The current document already ran its first scripts; patch it too.
		if _, err := conn.Transport.EvaluateValue(ctx, sessionID, script); err != nil {
			return err
		}
		inj.mu.Lock()
		inj.scriptIDs[targetID] = id
		inj.mu.Unlock()
		return nil
	})
}

// Applied reports whether patches are armed for the current connection.
func (inj *Injector) Applied() bool {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.armed
}

// PatchedTargets returns how many targets carry an installed script.
func (inj *Injector) PatchedTargets() int {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return len(inj.scriptIDs)
}

// Reset drops all per-connection state. Runs from the teardown hook.
func (inj *Injector) Reset() {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.armed = false
	inj.seed = 0
	inj.scriptIDs = make(map[string]string)
}
