// Package storage validates caller-chosen export paths and performs the
// one-shot file writes behind the export tools. Nothing here streams;
// recorded data lives in memory until a tool asks for a file.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
)

// ValidateExportPath checks a caller-supplied destination and returns the
// path to write. Relative paths resolve against the working directory and
// must not climb out of it; absolute paths are confined to the system temp
// directory. wantExt (e.g. ".har") is appended when missing.
func ValidateExportPath(path, wantExt string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", cdpcontrol.NewError(cdpcontrol.CodeValidation, "empty file path", nil)
	}
	if strings.Contains(path, "..") {
		return "", cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("path %q contains a parent traversal", path), nil)
	}
	if filepath.IsAbs(path) {
		tmp := os.TempDir()
		if !strings.HasPrefix(path, tmp) && !strings.HasPrefix(path, "/tmp") {
			return "", cdpcontrol.NewError(cdpcontrol.CodeValidation,
				fmt.Sprintf("absolute path %q is outside the temp directory %s", path, tmp), nil)
		}
	}
	path = filepath.Clean(path)
	if wantExt != "" && !strings.EqualFold(filepath.Ext(path), wantExt) {
		path += wantExt
	}
	return path, nil
}

// ValidateImportPath checks a caller-supplied source file. Same confinement
// rules as exports; the file must already exist.
func ValidateImportPath(path string) (string, error) {
	path, err := ValidateExportPath(path, "")
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("cannot read %q", path), err)
	}
	if info.IsDir() {
		return "", cdpcontrol.NewError(cdpcontrol.CodeValidation,
			fmt.Sprintf("%q is a directory", path), nil)
	}
	return path, nil
}
