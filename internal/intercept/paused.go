package intercept

import (
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/capture"
)

// Disposition is the terminal outcome of a paused request. Exactly one
// terminal disposition is applied per pause; the per-request timer
// guarantees one happens even when the caller walks away.
type Disposition string

const (
	DispositionPending  Disposition = "pending"
	DispositionResumed  Disposition = "resumed"
	DispositionModified Disposition = "modified"
	DispositionFailed   Disposition = "failed"
	DispositionMocked   Disposition = "mocked"
	DispositionTimedOut Disposition = "timed-out"
)

// PausedRequest is one Fetch.requestPaused occurrence. It lives in the
// context's pending table until a terminal disposition claims it.
type PausedRequest struct {
	ID              string
	NetworkID       string
	URL             string
	Method          string
	ResourceType    string
	Headers         map[string]string
	PostData        string
	Stage           Stage
	StatusCode      int
	StatusText      string
	ResponseHeaders []*fetch.HeaderEntry
	ArrivedAt       time.Time
	RuleID          string
	Disposition     Disposition
	Warning         string

	rawHeaders network.Headers
	timer      *time.Timer
}

// PausedView is the serializable shape of a pending request for listings.
// Bodies are truncated by the engine before it builds the view.
type PausedView struct {
	RequestID         string            `json:"requestId"`
	URL               string            `json:"url"`
	Method            string            `json:"method"`
	Stage             string            `json:"stage"`
	ResourceType      string            `json:"resourceType,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	PostData          string            `json:"postData,omitempty"`
	PostDataTruncated bool              `json:"postDataTruncated,omitempty"`
	StatusCode        int               `json:"statusCode,omitempty"`
	StatusText        string            `json:"statusText,omitempty"`
	ResponseHeaders   map[string]string `json:"responseHeaders,omitempty"`
	RuleID            string            `json:"ruleId,omitempty"`
	AgeMs             int64             `json:"ageMs"`
}

// RequestPatch carries caller-supplied overrides for a paused request-stage
// entry. HasBody distinguishes "replace with empty body" from "leave alone".
type RequestPatch struct {
	URL           string
	Method        string
	Headers       map[string]string
	RemoveHeaders []string
	Body          string
	HasBody       bool
}

// ResponsePatch carries caller-supplied overrides for a paused
// response-stage entry. BodyReplacements apply to the original body when no
// full body override is given.
type ResponsePatch struct {
	StatusCode       int
	Headers          map[string]string
	RemoveHeaders    []string
	Body             string
	HasBody          bool
	BodyReplacements map[string]string
}

// view renders the entry for a listing. Post data beyond maxBody bytes is
// cut and flagged rather than dropped.
func (pr *PausedRequest) view(maxBody int) PausedView {
	v := PausedView{
		RequestID:    pr.ID,
		URL:          pr.URL,
		Method:       pr.Method,
		Stage:        string(pr.Stage),
		ResourceType: pr.ResourceType,
		Headers:      pr.Headers,
		StatusCode:   pr.StatusCode,
		StatusText:   pr.StatusText,
		RuleID:       pr.RuleID,
		AgeMs:        time.Since(pr.ArrivedAt).Milliseconds(),
	}
	if pr.PostData != "" {
		v.PostData, v.PostDataTruncated, _, _ = capture.TruncateString(pr.PostData, maxBody)
	}
	if len(pr.ResponseHeaders) > 0 {
		v.ResponseHeaders = entryMap(pr.ResponseHeaders)
	}
	return v
}

func headerMap(headers network.Headers) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func entryMap(entries []*fetch.HeaderEntry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e != nil {
			out[e.Name] = e.Value
		}
	}
	return out
}
