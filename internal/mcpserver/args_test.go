package mcpserver

import (
	"testing"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
)

func TestArgAccessors(t *testing.T) {
	args := map[string]any{
		"name":    "page",
		"blank":   "",
		"count":   float64(3),
		"ratio":   2.5,
		"flag":    true,
		"tags":    []any{"a", "b", float64(1), "c"},
		"headers": map[string]any{"X-A": "1", "X-N": float64(2), "X-B": true, "X-Skip": []any{}},
	}

	if got := argString(args, "name", "d"); got != "page" {
		t.Fatalf("argString(name) = %q, want page", got)
	}
	if got := argString(args, "blank", "d"); got != "d" {
		t.Fatalf("argString(blank) = %q, want the default for empty strings", got)
	}
	if got := argString(args, "missing", "d"); got != "d" {
		t.Fatalf("argString(missing) = %q, want d", got)
	}
	if got := argInt(args, "count", 9); got != 3 {
		t.Fatalf("argInt(count) = %d, want 3", got)
	}
	if got := argInt(args, "missing", 9); got != 9 {
		t.Fatalf("argInt(missing) = %d, want 9", got)
	}
	if got := argFloat(args, "ratio", 0); got != 2.5 {
		t.Fatalf("argFloat(ratio) = %v, want 2.5", got)
	}
	if got := argBool(args, "flag", false); !got {
		t.Fatalf("argBool(flag) = false, want true")
	}
	if got := argBool(args, "missing", true); !got {
		t.Fatalf("argBool(missing) = false, want the default")
	}

	tags := argStringSlice(args, "tags")
	if len(tags) != 3 || tags[0] != "a" || tags[2] != "c" {
		t.Fatalf("argStringSlice(tags) = %v, want [a b c]", tags)
	}
	if got := argStringSlice(args, "missing"); got != nil {
		t.Fatalf("argStringSlice(missing) = %v, want nil", got)
	}

	headers := argStringMap(args, "headers")
	if headers["X-A"] != "1" || headers["X-N"] != "2" || headers["X-B"] != "true" {
		t.Fatalf("argStringMap(headers) = %v, want stringified scalars", headers)
	}
	if _, ok := headers["X-Skip"]; ok {
		t.Fatalf("argStringMap kept a non-scalar value")
	}
}

func TestRequireString(t *testing.T) {
	args := map[string]any{"ok": "v", "spaces": "   "}

	if v, err := requireString(args, "ok"); err != nil || v != "v" {
		t.Fatalf("requireString(ok) = %q, %v; want v, nil", v, err)
	}
	for _, key := range []string{"missing", "spaces"} {
		_, err := requireString(args, key)
		if err == nil {
			t.Fatalf("requireString(%s) = nil error, want VALIDATION", key)
		}
		if code := cdpcontrol.ErrorCode(err); code != cdpcontrol.CodeValidation {
			t.Fatalf("requireString(%s) code = %q, want %q", key, code, cdpcontrol.CodeValidation)
		}
	}
}
