package intercept

import (
	"testing"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
)

func TestNewRuleValidation(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid observe", Rule{Pattern: "*api*", Action: ActionObserve}, false},
		{"empty pattern", Rule{Action: ActionObserve}, true},
		{"unknown stage", Rule{Pattern: "*", Stage: "both", Action: ActionObserve}, true},
		{"unknown action", Rule{Pattern: "*", Action: "rewrite"}, true},
		{"delay without latency", Rule{Pattern: "*", Action: ActionDelay}, true},
		{"delay with latency", Rule{Pattern: "*", Action: ActionDelay, LatencyMs: 100}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRule(tt.rule)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewRule() error = nil, want VALIDATION")
				}
				if code := cdpcontrol.ErrorCode(err); code != cdpcontrol.CodeValidation {
					t.Fatalf("ErrorCode(err) = %q, want %q", code, cdpcontrol.CodeValidation)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewRule() error = %v", err)
			}
			if r.ID == "" {
				t.Fatal("NewRule() assigned no id")
			}
		})
	}
}

func TestNewRuleDefaultsToRequestStage(t *testing.T) {
	r, err := NewRule(Rule{Pattern: "*", Action: ActionObserve})
	if err != nil {
		t.Fatalf("NewRule() error = %v", err)
	}
	if r.Stage != StageRequest {
		t.Fatalf("Stage = %q, want %q", r.Stage, StageRequest)
	}
}

func TestRuleMatchesFilters(t *testing.T) {
	r, err := NewRule(Rule{Pattern: "*api*", Method: "post", ResourceType: "xhr", Action: ActionObserve})
	if err != nil {
		t.Fatalf("NewRule() error = %v", err)
	}

	if !r.matches("https://api.example.com/x", "POST", "XHR", StageRequest) {
		t.Fatal("matches() = false for matching url/method/type")
	}
	if r.matches("https://api.example.com/x", "GET", "XHR", StageRequest) {
		t.Fatal("matches() = true for wrong method")
	}
	if r.matches("https://api.example.com/x", "POST", "Document", StageRequest) {
		t.Fatal("matches() = true for wrong resource type")
	}
	if r.matches("https://api.example.com/x", "POST", "XHR", StageResponse) {
		t.Fatal("matches() = true for wrong stage")
	}
	if r.matches("https://static.example.com/x", "POST", "XHR", StageRequest) {
		t.Fatal("matches() = true for non-matching url")
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"*", "https://anything.example.com/path?q=1", true},
		{"**", "https://anything.example.com/", true},
		{"*api.example.com*", "https://api.example.com/users", true},
		{"*api.example.com*", "https://static.example.com/app.js", false},
		{"https://example.com/page", "https://example.com/page", true},
		{"https://example.com/page", "https://example.com/page2", false},
		{"https://example.com/*", "https://example.com/a/b/c", true},
		{"*/health", "https://svc.internal/health", true},
		{"*/health", "https://svc.internal/healthz", false},
		{"https://example.com/?", "https://example.com/a", true},
		{"https://example.com/?", "https://example.com/ab", false},
		// Regex metacharacters in the literal part stay literal.
		{"*a.b", "https://x/a.b", true},
		{"*a.b", "https://x/axb", false},
	}
	for _, tt := range tests {
		if got := MatchGlob(tt.pattern, tt.url); got != tt.want {
			t.Errorf("MatchGlob(%q, %q) = %v, want %v", tt.pattern, tt.url, got, tt.want)
		}
	}
}

func TestPatternsOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"*", "*api*", true},
		{"*api*", "*api*", true},
		// Conservative: floating globs cannot be proven disjoint.
		{"*api*", "*static*", true},
		{"https://api.example.com/*", "https://static.cdn.com/*", false},
		{"https://api.example.com/*", "https://api.example.com/users*", true},
		{"https://static.cdn.com/app.js", "https://static.cdn.com/*", true},
		{"*.js", "*.css", false},
	}
	for _, tt := range tests {
		if got := patternsOverlap(tt.a, tt.b); got != tt.want {
			t.Errorf("patternsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
		if got := patternsOverlap(tt.b, tt.a); got != tt.want {
			t.Errorf("patternsOverlap(%q, %q) = %v, want %v", tt.b, tt.a, got, tt.want)
		}
	}
}
