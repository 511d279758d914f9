package cdpcontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/target"
)

type TargetKind string

const (
	KindPage           TargetKind = "page"
	KindServiceWorker  TargetKind = "service_worker"
	KindBackgroundPage TargetKind = "background_page"
	KindBrowser        TargetKind = "browser"
	KindOther          TargetKind = "other"
)

func classifyTarget(targetType string) TargetKind {
	switch targetType {
	case "page":
		return KindPage
	case "service_worker":
		return KindServiceWorker
	case "background_page":
		return KindBackgroundPage
	case "browser":
		return KindBrowser
	default:
		return KindOther
	}
}

// TargetRecord describes one debuggable context inside the browser.
type TargetRecord struct {
	ID       string     `json:"id"`
	Kind     TargetKind `json:"kind"`
	URL      string     `json:"url"`
	Title    string     `json:"title,omitempty"`
	OpenerID string     `json:"opener_id,omitempty"`
	Attached bool       `json:"attached,omitempty"`

	activeSeq int64
}

// TargetRegistry maintains a live map of target id to record, populated by
// Target.targetCreated/Destroyed/InfoChanged on the root session after
// discovery is switched on. The registry never fabricates targets.
type TargetRegistry struct {
	tr *Transport

	mu        sync.Mutex
	targets   map[string]*TargetRecord
	order     []string // enumeration order, oldest first
	seq       int64
	onNewPage []func(targetID string)
	unsubs    []func()
}

func NewTargetRegistry(tr *Transport) *TargetRegistry {
	return &TargetRegistry{
		tr:      tr,
		targets: make(map[string]*TargetRecord),
	}
}

// Start subscribes to target lifecycle events, enables discovery, and
// reconciles with /json/list so records carry titles and URLs even on
// builds whose created events arrive sparse.
func (r *TargetRegistry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.unsubs = append(r.unsubs,
		r.tr.Subscribe("Target.targetCreated", r.onTargetCreated),
		r.tr.Subscribe("Target.targetInfoChanged", r.onTargetInfoChanged),
		r.tr.Subscribe("Target.targetDestroyed", r.onTargetDestroyed),
	)
	r.mu.Unlock()

	params := struct {
		Discover bool `json:"discover"`
	}{Discover: true}
	if _, err := r.tr.Send(ctx, "", "Target.setDiscoverTargets", params); err != nil {
		return err
	}

	infos, err := r.tr.endpoints.List(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, info := range infos {
		r.upsertLocked(info)
	}
	r.mu.Unlock()
	return nil
}

// Stop unsubscribes the lifecycle handlers and clears all records.
func (r *TargetRegistry) Stop() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.targets = make(map[string]*TargetRecord)
	r.order = nil
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// OnNewPage registers an observer invoked (on its own goroutine) whenever a
// new page target appears. Used to re-arm document-start scripts.
func (r *TargetRegistry) OnNewPage(fn func(targetID string)) {
	r.mu.Lock()
	r.onNewPage = append(r.onNewPage, fn)
	r.mu.Unlock()
}

func (r *TargetRegistry) onTargetCreated(_ string, params json.RawMessage) {
	var ev struct {
		TargetInfo *target.Info `json:"targetInfo"`
	}
	if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil {
		return
	}

	r.mu.Lock()
	_, existed := r.targets[string(ev.TargetInfo.TargetID)]
	rec := r.upsertLocked(ev.TargetInfo)
	observers := make([]func(string), len(r.onNewPage))
	copy(observers, r.onNewPage)
	r.mu.Unlock()

	if !existed && rec.Kind == KindPage {
		slog.Debug("target appeared", "target_id", rec.ID, "url", rec.URL)
		for _, fn := range observers {
			// Observers issue CDP commands; never run them on the read loop.
			go fn(rec.ID)
		}
	}
}

func (r *TargetRegistry) onTargetInfoChanged(_ string, params json.RawMessage) {
	var ev struct {
		TargetInfo *target.Info `json:"targetInfo"`
	}
	if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil {
		return
	}
	r.mu.Lock()
	r.upsertLocked(ev.TargetInfo)
	r.mu.Unlock()
}

func (r *TargetRegistry) onTargetDestroyed(_ string, params json.RawMessage) {
	var ev struct {
		TargetID target.ID `json:"targetId"`
	}
	if json.Unmarshal(params, &ev) != nil || ev.TargetID == "" {
		return
	}

	r.mu.Lock()
	id := string(ev.TargetID)
	if _, ok := r.targets[id]; ok {
		delete(r.targets, id)
		for i, o := range r.order {
			if o == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		slog.Debug("target destroyed", "target_id", id)
	}
	r.mu.Unlock()
}

func (r *TargetRegistry) upsertLocked(info *target.Info) *TargetRecord {
	id := string(info.TargetID)
	rec, ok := r.targets[id]
	if !ok {
		rec = &TargetRecord{ID: id}
		r.targets[id] = rec
		r.order = append(r.order, id)
	}
	rec.Kind = classifyTarget(info.Type)
	rec.URL = info.URL
	rec.Title = info.Title
	rec.OpenerID = string(info.OpenerID)
	rec.Attached = info.Attached
	return rec
}

// Touch marks a target as most recently activated. Driven by our own
// activate/new-page actions; Chromium emits no focus event at this layer.
func (r *TargetRegistry) Touch(id string) {
	r.mu.Lock()
	if rec, ok := r.targets[id]; ok {
		r.seq++
		rec.activeSeq = r.seq
	}
	r.mu.Unlock()
}

// Get returns a copy of the record for the given target id.
func (r *TargetRegistry) Get(id string) (TargetRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.targets[id]
	if !ok {
		return TargetRecord{}, false
	}
	return *rec, true
}

// Snapshot returns all records in enumeration order.
func (r *TargetRegistry) Snapshot() []TargetRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TargetRecord, 0, len(r.order))
	for _, id := range r.order {
		if rec, ok := r.targets[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Pages returns page-kind records in enumeration order.
func (r *TargetRegistry) Pages() []TargetRecord {
	var out []TargetRecord
	for _, rec := range r.Snapshot() {
		if rec.Kind == KindPage {
			out = append(out, rec)
		}
	}
	return out
}

// Counts tallies records per kind.
func (r *TargetRegistry) Counts() map[TargetKind]int {
	counts := make(map[TargetKind]int)
	for _, rec := range r.Snapshot() {
		counts[rec.Kind]++
	}
	return counts
}

// ResolvePage resolves an optional caller-supplied target id. An explicit id
// must exist and be a page. An empty id picks the page most recently
// activated, falling back to the first page in enumeration order.
func (r *TargetRegistry) ResolvePage(id string) (TargetRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		rec, ok := r.targets[id]
		if !ok {
			return TargetRecord{}, NewError(CodeValidation, "unknown target id: "+id, nil)
		}
		if rec.Kind != KindPage {
			return TargetRecord{}, NewError(CodeValidation, "target is not a page: "+id, nil)
		}
		return *rec, nil
	}

	var best *TargetRecord
	for _, oid := range r.order {
		rec, ok := r.targets[oid]
		if !ok || rec.Kind != KindPage {
			continue
		}
		if best == nil || rec.activeSeq > best.activeSeq {
			best = rec
		}
	}
	if best == nil {
		return TargetRecord{}, NewError(CodeNoPageAvailable, "browser has no page targets", nil)
	}
	return *best, nil
}
