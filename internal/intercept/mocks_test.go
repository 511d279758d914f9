package intercept

import (
	"testing"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
)

func TestNewMockEndpointDefaults(t *testing.T) {
	m, err := NewMockEndpoint(MockEndpoint{Pattern: "*api*"})
	if err != nil {
		t.Fatalf("NewMockEndpoint() error = %v", err)
	}
	if m.ID == "" {
		t.Fatal("NewMockEndpoint() assigned no id")
	}
	if m.Status != 200 {
		t.Fatalf("Status = %d, want default 200", m.Status)
	}
}

func TestNewMockEndpointValidation(t *testing.T) {
	tests := []struct {
		name string
		mock MockEndpoint
	}{
		{"empty pattern", MockEndpoint{Status: 200}},
		{"status too low", MockEndpoint{Pattern: "*", Status: 42}},
		{"status too high", MockEndpoint{Pattern: "*", Status: 700}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMockEndpoint(tt.mock)
			if err == nil {
				t.Fatal("NewMockEndpoint() error = nil, want VALIDATION")
			}
			if code := cdpcontrol.ErrorCode(err); code != cdpcontrol.CodeValidation {
				t.Fatalf("ErrorCode(err) = %q, want %q", code, cdpcontrol.CodeValidation)
			}
		})
	}
}

func TestMockMatches(t *testing.T) {
	m, err := NewMockEndpoint(MockEndpoint{Pattern: "*api.example.com/users*", Method: "get"})
	if err != nil {
		t.Fatalf("NewMockEndpoint() error = %v", err)
	}

	if !m.matches("https://api.example.com/users?page=2", "GET") {
		t.Fatal("matches() = false for matching url and method")
	}
	if m.matches("https://api.example.com/users", "DELETE") {
		t.Fatal("matches() = true for wrong method")
	}
	if m.matches("https://api.example.com/orders", "GET") {
		t.Fatal("matches() = true for non-matching url")
	}

	any, err := NewMockEndpoint(MockEndpoint{Pattern: "*ping*", Method: "*"})
	if err != nil {
		t.Fatalf("NewMockEndpoint() error = %v", err)
	}
	if !any.matches("https://x/ping", "OPTIONS") {
		t.Fatal("matches() = false with wildcard method")
	}
}
