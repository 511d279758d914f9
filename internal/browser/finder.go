package browser

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
)

// lookupNames are PATH candidates tried after the well-known install
// locations, most specific first.
var lookupNames = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"brave-browser",
	"microsoft-edge",
}

// wellKnownPaths returns the conventional install locations for Chromium
// family browsers on the current platform.
func wellKnownPaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files\BraveSoftware\Brave-Browser\Application\brave.exe`,
			`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/usr/bin/brave",
			"/usr/bin/brave-browser",
			"/usr/bin/microsoft-edge",
		}
	}
}

// FindExecutable locates a Chromium family browser binary. A non-empty
// override wins but must exist on disk.
func FindExecutable(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", cdpcontrol.NewError(cdpcontrol.CodeChromiumNotFound,
				fmt.Sprintf("browser executable %q not found", override), err)
		}
		return override, nil
	}

	for _, path := range wellKnownPaths() {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	for _, name := range lookupNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", cdpcontrol.NewError(cdpcontrol.CodeChromiumNotFound,
		"no Chrome or Chromium installation found; set an explicit executable path", nil)
}

// DefaultUserDataDir locates the real browser profile root for the current
// user, preferring Chrome over Chromium.
func DefaultUserDataDir() (string, error) {
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		candidates = []string{
			filepath.Join(home, "Library", "Application Support", "Google", "Chrome"),
			filepath.Join(home, "Library", "Application Support", "Chromium"),
		}
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		if local == "" {
			return "", fmt.Errorf("LOCALAPPDATA is not set")
		}
		candidates = []string{
			filepath.Join(local, "Google", "Chrome", "User Data"),
			filepath.Join(local, "Chromium", "User Data"),
		}
	default:
		cfg, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		candidates = []string{
			filepath.Join(cfg, "google-chrome"),
			filepath.Join(cfg, "chromium"),
		}
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", cdpcontrol.NewError(cdpcontrol.CodeLaunchFailed,
		fmt.Sprintf("no browser profile directory found (looked in %v)", candidates), nil)
}
