package intercept

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/google/uuid"
)

// MockEndpoint fulfills matching requests locally; nothing reaches the
// network while one matches. Mocks win over every rule.
type MockEndpoint struct {
	ID        string
	Pattern   string
	Method    string
	Status    int
	Headers   map[string]string
	Body      string
	LatencyMs int

	calls int64
}

// NewMockEndpoint validates the fields and assigns an id.
func NewMockEndpoint(m MockEndpoint) (*MockEndpoint, error) {
	if m.Pattern == "" {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "mock needs a url pattern", nil)
	}
	if _, err := compileGlob(m.Pattern); err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, fmt.Sprintf("bad url pattern %q", m.Pattern), err)
	}
	if m.Status == 0 {
		m.Status = 200
	}
	if m.Status < 100 || m.Status > 599 {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, fmt.Sprintf("status %d out of range", m.Status), nil)
	}
	m.ID = uuid.NewString()
	return &m, nil
}

func (m *MockEndpoint) matches(url, method string) bool {
	if m.Method != "" && m.Method != "*" && !strings.EqualFold(m.Method, method) {
		return false
	}
	return MatchGlob(m.Pattern, url)
}

// Calls returns how many requests this mock has fulfilled.
func (m *MockEndpoint) Calls() int64 { return atomic.LoadInt64(&m.calls) }

// MockView is the serializable shape of a mock for listings.
type MockView struct {
	ID        string            `json:"mockId"`
	Pattern   string            `json:"urlPattern"`
	Method    string            `json:"method,omitempty"`
	Status    int               `json:"statusCode"`
	Headers   map[string]string `json:"headers,omitempty"`
	LatencyMs int               `json:"latencyMs,omitempty"`
	Calls     int64             `json:"callCount"`
}

func (m *MockEndpoint) view() MockView {
	return MockView{
		ID:        m.ID,
		Pattern:   m.Pattern,
		Method:    m.Method,
		Status:    m.Status,
		Headers:   m.Headers,
		LatencyMs: m.LatencyMs,
		Calls:     m.Calls(),
	}
}
