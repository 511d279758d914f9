package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/network"
)

// HAR is the top-level HTTP Archive structure (HAR 1.2).
type HAR struct {
	Log HARLog `json:"log"`
}

// HARLog holds the archive metadata, pages, and entries.
type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Pages   []HARPage  `json:"pages"`
	Entries []HAREntry `json:"entries"`
}

// HARCreator identifies the tool that generated the archive.
type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HARPage represents the page the entries belong to.
type HARPage struct {
	StartedDateTime string         `json:"startedDateTime"`
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	PageTimings     HARPageTimings `json:"pageTimings"`
}

// HARPageTimings carries page load milestones. -1 means unknown.
type HARPageTimings struct {
	OnContentLoad int `json:"onContentLoad"`
	OnLoad        int `json:"onLoad"`
}

// HAREntry is a single request/response pair.
type HAREntry struct {
	Pageref         string      `json:"pageref,omitempty"`
	StartedDateTime string      `json:"startedDateTime"`
	Time            int         `json:"time"`
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         HARTimings  `json:"timings"`
	Comment         string      `json:"comment,omitempty"`
}

// HARRequest is the request half of an entry.
type HARRequest struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	HTTPVersion string       `json:"httpVersion"`
	Headers     []HARHeader  `json:"headers"`
	QueryString []HARQuery   `json:"queryString"`
	PostData    *HARPostData `json:"postData,omitempty"`
	HeadersSize int          `json:"headersSize"`
	BodySize    int          `json:"bodySize"`
}

// HARResponse is the response half of an entry.
type HARResponse struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []HARHeader `json:"headers"`
	Content     HARContent  `json:"content"`
	RedirectURL string      `json:"redirectURL"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`
	Comment     string      `json:"comment,omitempty"`
}

// HARContent is the response body.
type HARContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// HARPostData is the request body.
type HARPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// HARTimings holds per-phase durations in milliseconds. -1 means unknown.
type HARTimings struct {
	Send    int `json:"send"`
	Wait    int `json:"wait"`
	Receive int `json:"receive"`
}

// HARHeader is a single header pair.
type HARHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HARQuery is a single query string parameter.
type HARQuery struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harPending struct {
	entry      *HAREntry
	arrivedAt  time.Time
	responseAt time.Time
	mimeType   string
	responded  bool
}

type bodyJob struct {
	requestID string
	entry     *HAREntry
}

// HARRecorder correlates Network.* events from one page target into HAR
// entries. Event callbacks only touch maps and must stay cheap; response
// bodies are fetched on a separate worker goroutine through the fetchBody
// callback, because the callbacks run on the transport read loop.
type HARRecorder struct {
	maxEntries int
	maxBody    int
	fetchBody  func(ctx context.Context, requestID string) ([]byte, error)

	mu        sync.Mutex
	recording bool
	startedAt time.Time
	pageURL   string
	pending   map[string]*harPending
	entries   []*HAREntry
	dropped   int

	bodyCh chan bodyJob
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewHARRecorder creates an idle recorder. fetchBody may be nil, in which
// case entries carry sizes but no body text.
func NewHARRecorder(maxEntries, maxBody int, fetchBody func(ctx context.Context, requestID string) ([]byte, error)) *HARRecorder {
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	h := &HARRecorder{
		maxEntries: maxEntries,
		maxBody:    maxBody,
		fetchBody:  fetchBody,
		pending:    make(map[string]*harPending),
		bodyCh:     make(chan bodyJob, 64),
		done:       make(chan struct{}),
	}
	h.wg.Add(1)
	go h.bodyLoop()
	return h
}

// Close stops the body worker. The recorder must not be used afterwards.
func (h *HARRecorder) Close() {
	close(h.done)
	h.wg.Wait()
}

// Start clears any previous run and begins accumulating.
func (h *HARRecorder) Start(pageURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recording = true
	h.startedAt = time.Now().UTC()
	h.pageURL = pageURL
	h.pending = make(map[string]*harPending)
	h.entries = nil
	h.dropped = 0
}

// Stop ends accumulation and discards half-open correlation state. Completed
// entries stay available for Export until the next Start.
func (h *HARRecorder) Stop() (entries, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recording = false
	h.pending = make(map[string]*harPending)
	return len(h.entries), h.dropped
}

// Recording reports whether the recorder is accumulating.
func (h *HARRecorder) Recording() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recording
}

// EntryCount returns the number of completed entries.
func (h *HARRecorder) EntryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// OnRequestWillBeSent opens a pending entry. A redirect hop completes the
// previous entry for the same request id first.
func (h *HARRecorder) OnRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.recording {
		return
	}

	if prev, ok := h.pending[string(ev.RequestID)]; ok && ev.RedirectResponse != nil {
		fillResponse(prev.entry, ev.RedirectResponse)
		prev.entry.Response.RedirectURL = ev.Request.URL
		h.completeLocked(string(ev.RequestID), prev, time.Now())
	}

	started := time.Now().UTC()
	if ev.WallTime != nil {
		started = ev.WallTime.Time().UTC()
	}

	entry := &HAREntry{
		Pageref:         "page_1",
		StartedDateTime: started.Format(time.RFC3339Nano),
		Request: HARRequest{
			Method:      ev.Request.Method,
			URL:         ev.Request.URL,
			HTTPVersion: "HTTP/1.1",
			Headers:     headerEntries(ev.Request.Headers),
			QueryString: queryEntries(ev.Request.URL),
			HeadersSize: -1,
		},
		Response: HARResponse{
			HTTPVersion: "HTTP/1.1",
			Headers:     []HARHeader{},
			RedirectURL: "",
			HeadersSize: -1,
			BodySize:    -1,
		},
		Timings: HARTimings{Send: -1, Wait: -1, Receive: -1},
	}
	if post := decodePostData(ev.Request); post != "" {
		entry.Request.BodySize = len(post)
		entry.Request.PostData = &HARPostData{Text: post}
	}

	h.pending[string(ev.RequestID)] = &harPending{entry: entry, arrivedAt: time.Now()}
}

// OnResponseReceived records status, headers, and mime type.
func (h *HARRecorder) OnResponseReceived(ev *network.EventResponseReceived) {
	if ev.Response == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	pending, ok := h.pending[string(ev.RequestID)]
	if !ok {
		return
	}
	fillResponse(pending.entry, ev.Response)
	pending.mimeType = ev.Response.MimeType
	pending.responseAt = time.Now()
	pending.responded = true
}

// OnLoadingFinished completes the entry and schedules the body fetch.
func (h *HARRecorder) OnLoadingFinished(ev *network.EventLoadingFinished) {
	h.mu.Lock()
	pending, ok := h.pending[string(ev.RequestID)]
	if !ok {
		h.mu.Unlock()
		return
	}
	if pending.entry.Response.Content.Size == 0 {
		pending.entry.Response.Content.Size = int(ev.EncodedDataLength)
		pending.entry.Response.BodySize = int(ev.EncodedDataLength)
	}
	wantBody := pending.responded && h.fetchBody != nil
	entry := pending.entry
	h.completeLocked(string(ev.RequestID), pending, time.Now())
	h.mu.Unlock()

	if !wantBody {
		return
	}
	select {
	case h.bodyCh <- bodyJob{requestID: string(ev.RequestID), entry: entry}:
	default:
		slog.Debug("har body queue full, skipping body", "request_id", ev.RequestID)
	}
}

// OnLoadingFailed completes the entry with the browser-side error text.
func (h *HARRecorder) OnLoadingFailed(ev *network.EventLoadingFailed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pending, ok := h.pending[string(ev.RequestID)]
	if !ok {
		return
	}
	if ev.Canceled {
		pending.entry.Comment = "canceled"
	} else {
		pending.entry.Comment = "failed: " + ev.ErrorText
	}
	h.completeLocked(string(ev.RequestID), pending, time.Now())
}

// completeLocked finalizes timings, moves the entry into the archive, and
// enforces the entry cap. Caller holds h.mu.
func (h *HARRecorder) completeLocked(requestID string, pending *harPending, finishedAt time.Time) {
	delete(h.pending, requestID)

	entry := pending.entry
	entry.Time = int(finishedAt.Sub(pending.arrivedAt).Milliseconds())
	if pending.responded {
		entry.Timings.Wait = int(pending.responseAt.Sub(pending.arrivedAt).Milliseconds())
		entry.Timings.Receive = int(finishedAt.Sub(pending.responseAt).Milliseconds())
	}

	if len(h.entries) >= h.maxEntries {
		h.entries = h.entries[1:]
		h.dropped++
	}
	h.entries = append(h.entries, entry)
}

func (h *HARRecorder) bodyLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case job := <-h.bodyCh:
			h.fillBody(job)
		}
	}
}

func (h *HARRecorder) fillBody(job bodyJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	body, err := h.fetchBody(ctx, job.requestID)
	if err != nil {
		slog.Debug("har body fetch failed", "request_id", job.requestID, "error", err)
		return
	}
	kept, truncated, originalSize, hash := Truncate(body, h.maxBody)

	h.mu.Lock()
	defer h.mu.Unlock()
	job.entry.Response.Content.Size = originalSize
	job.entry.Response.BodySize = originalSize
	if utf8.Valid(kept) {
		job.entry.Response.Content.Text = string(kept)
	} else {
		job.entry.Response.Content.Text = base64.StdEncoding.EncodeToString(kept)
		job.entry.Response.Content.Encoding = "base64"
	}
	if truncated {
		job.entry.Response.Comment = fmt.Sprintf("body truncated at %d bytes (original %d, sha256 %s)", len(kept), originalSize, hash)
	}
}

// Export renders the current archive. Safe to call while recording.
func (h *HARRecorder) Export(creatorName, creatorVersion string) HAR {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := make([]HAREntry, 0, len(h.entries))
	for _, e := range h.entries {
		entries = append(entries, *e)
	}

	started := h.startedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}

	return HAR{
		Log: HARLog{
			Version: "1.2",
			Creator: HARCreator{Name: creatorName, Version: creatorVersion},
			Pages: []HARPage{{
				StartedDateTime: started.Format(time.RFC3339Nano),
				ID:              "page_1",
				Title:           h.pageURL,
				PageTimings:     HARPageTimings{OnContentLoad: -1, OnLoad: -1},
			}},
			Entries: entries,
		},
	}
}

func fillResponse(entry *HAREntry, resp *network.Response) {
	entry.Response.Status = int(resp.Status)
	entry.Response.StatusText = resp.StatusText
	if entry.Response.StatusText == "" {
		entry.Response.StatusText = http.StatusText(int(resp.Status))
	}
	entry.Response.Headers = headerEntries(resp.Headers)
	entry.Response.Content.MimeType = resp.MimeType
}

func headerEntries(headers network.Headers) []HARHeader {
	if len(headers) == 0 {
		return []HARHeader{}
	}
	out := make([]HARHeader, 0, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			out = append(out, HARHeader{Name: k, Value: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func queryEntries(rawURL string) []HARQuery {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return []HARQuery{}
	}
	params := parsed.Query()
	if len(params) == 0 {
		return []HARQuery{}
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]HARQuery, 0, len(params))
	for _, name := range names {
		for _, value := range params[name] {
			out = append(out, HARQuery{Name: name, Value: value})
		}
	}
	return out
}

func decodePostData(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}
	var decoded []byte
	for _, entry := range req.PostDataEntries {
		if entry.Bytes == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			decoded = append(decoded, []byte(entry.Bytes)...)
			continue
		}
		decoded = append(decoded, raw...)
	}
	return string(decoded)
}
