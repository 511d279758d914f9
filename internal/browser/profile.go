package browser

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
)

// shadowExcludes are profile subtrees that are pure cache. Skipping them cuts
// the clone from gigabytes to megabytes without losing cookies, logins or
// extensions. Paths are slash-separated and relative to the profile
// subdirectory.
var shadowExcludes = []string{
	"Cache",
	"Code Cache",
	"GPUCache",
	"ShaderCache",
	"GrShaderCache",
	"Safe Browsing",
	"Service Worker/CacheStorage",
	"Service Worker/ScriptCache",
	"VideoDecodeStats",
	"History Provider Cache",
}

// singletonLockNames are the files Chromium uses to detect a concurrent
// instance on the same data dir. Stale ones make a fresh launch attach to a
// dead instance instead of starting.
var singletonLockNames = []string{"SingletonLock", "SingletonSocket", "SingletonCookie"}

// ShadowProfile mirrors a real browser profile into a scratch data dir that a
// second browser instance can open without fighting the user's running one.
// Build is incremental: unchanged files are left alone, files that vanished
// from the source are deleted from the mirror, so repeated launches converge
// quickly.
type ShadowProfile struct {
	SourceDir string // real user data dir, e.g. ~/.config/google-chrome
	DestDir   string // shadow data dir
	Profile   string // profile subdirectory, e.g. "Default"
	Workers   int    // concurrent file copies, defaults to 4
}

// Build creates or refreshes the mirror and returns the shadow data dir.
func (sp *ShadowProfile) Build(ctx context.Context) (string, error) {
	srcProfile := filepath.Join(sp.SourceDir, sp.Profile)
	if info, err := os.Stat(srcProfile); err != nil || !info.IsDir() {
		return "", cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("profile %q not found under %s", sp.Profile, sp.SourceDir), err)
	}
	if isSubPath(sp.SourceDir, sp.DestDir) {
		return "", cdpcontrol.NewError(cdpcontrol.CodeValidation,
			"shadow dir cannot live inside the source profile", nil)
	}
	if err := os.MkdirAll(filepath.Join(sp.DestDir, sp.Profile), 0o755); err != nil {
		return "", fmt.Errorf("create shadow dir: %w", err)
	}

	// Local State holds the OS crypt key that encrypted the profile's
	// cookies, so it must travel with the clone byte for byte.
	localState := filepath.Join(sp.SourceDir, "Local State")
	if info, err := os.Stat(localState); err == nil && !info.IsDir() {
		if err := copyFile(localState, filepath.Join(sp.DestDir, "Local State"), info); err != nil {
			return "", fmt.Errorf("copy Local State: %w", err)
		}
	}

	start := time.Now()
	copied, skipped, err := sp.mirrorProfile(ctx)
	if err != nil {
		return "", err
	}

	removeSingletonLocks(sp.SourceDir, sp.Profile)
	removeSingletonLocks(sp.DestDir, sp.Profile)

	slog.Info("shadow profile ready",
		"dir", sp.DestDir, "profile", sp.Profile,
		"copied", copied, "unchanged", skipped,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return sp.DestDir, nil
}

type copyJob struct {
	src, dst string
	info     fs.FileInfo
}

// mirrorProfile syncs the profile subdirectory, fanning file copies out to a
// small worker pool. Source files that cannot be read (locked by the running
// browser) are skipped with a warning rather than failing the whole clone.
func (sp *ShadowProfile) mirrorProfile(ctx context.Context) (copied, skipped int, err error) {
	src := filepath.Join(sp.SourceDir, sp.Profile)
	dst := filepath.Join(sp.DestDir, sp.Profile)

	workers := sp.Workers
	if workers <= 0 {
		workers = 4
	}
	jobs := make(chan copyJob, workers*2)
	var wg sync.WaitGroup
	var copiedMu sync.Mutex
	var firstErr error
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				cerr := copyFile(job.src, job.dst, job.info)
				copiedMu.Lock()
				switch {
				case cerr == nil:
					copied++
				case os.IsNotExist(cerr) || os.IsPermission(cerr):
					slog.Warn("skipping unreadable profile file", "path", job.src, "error", cerr)
				case firstErr == nil:
					firstErr = cerr
				}
				copiedMu.Unlock()
			}
		}()
	}

	keep := make(map[string]bool)
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, werr error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if werr != nil {
			slog.Warn("skipping unreadable profile entry", "path", path, "error", werr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(src, path)
		if rerr != nil || rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)

		if d.IsDir() {
			if isExcluded(relSlash) {
				return fs.SkipDir
			}
			keep[rel] = true
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if isSingletonLock(d.Name()) {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			slog.Warn("skipping unreadable profile file", "path", path, "error", ierr)
			return nil
		}
		keep[rel] = true
		dstPath := filepath.Join(dst, rel)
		if !needsCopy(info, dstPath) {
			copiedMu.Lock()
			skipped++
			copiedMu.Unlock()
			return nil
		}
		jobs <- copyJob{src: path, dst: dstPath, info: info}
		return nil
	})
	close(jobs)
	wg.Wait()

	if walkErr != nil {
		return copied, skipped, walkErr
	}
	if firstErr != nil {
		return copied, skipped, fmt.Errorf("mirror profile: %w", firstErr)
	}

	// Drop mirror entries whose source is gone, excluded dirs included.
	pruneErr := filepath.WalkDir(dst, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return nil
		}
		rel, rerr := filepath.Rel(dst, path)
		if rerr != nil || rel == "." {
			return nil
		}
		if keep[rel] {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("could not prune stale mirror entry", "path", path, "error", err)
		}
		if d.IsDir() {
			return fs.SkipDir
		}
		return nil
	})
	return copied, skipped, pruneErr
}

func isExcluded(relSlash string) bool {
	for _, ex := range shadowExcludes {
		if relSlash == ex {
			return true
		}
	}
	return false
}

func isSingletonLock(name string) bool {
	for _, lock := range singletonLockNames {
		if name == lock {
			return true
		}
	}
	return false
}

// needsCopy compares size and mtime, the cheap resumability check.
func needsCopy(srcInfo fs.FileInfo, dstPath string) bool {
	dstInfo, err := os.Stat(dstPath)
	if err != nil {
		return true
	}
	return dstInfo.Size() != srcInfo.Size() || !dstInfo.ModTime().Equal(srcInfo.ModTime())
}

// copyFile copies src to dst preserving mode and mtime so needsCopy sees the
// pair as identical next time.
func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, time.Now(), info.ModTime())
}

// removeSingletonLocks clears stale instance locks from a data dir root and
// its profile subdirectory. Best effort.
func removeSingletonLocks(dataDir, profile string) {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, profile)} {
		for _, name := range singletonLockNames {
			path := filepath.Join(dir, name)
			if _, err := os.Lstat(path); err != nil {
				continue
			}
			if err := os.Remove(path); err != nil {
				slog.Debug("could not remove singleton lock", "path", path, "error", err)
			} else {
				slog.Debug("removed stale singleton lock", "path", path)
			}
		}
	}
}

// isSubPath reports whether child is inside parent after cleaning.
func isSubPath(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
