package intercept

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol"
	"github.com/google/uuid"
)

// Stage names the Fetch pause point a rule applies to.
type Stage string

const (
	StageRequest  Stage = "request"
	StageResponse Stage = "response"
)

// Action is what a matched rule does with the paused request.
type Action string

const (
	ActionObserve Action = "observe"
	ActionModify  Action = "modify"
	ActionFail    Action = "fail"
	ActionDelay   Action = "delay"
	ActionBlock   Action = "block"
)

// Rule is a standing interception rule on one page target. Rules are
// evaluated first-match-wins in registration order; mocks shadow them.
type Rule struct {
	ID           string
	Pattern      string
	Stage        Stage
	Method       string
	ResourceType string
	Action       Action

	AddHeaders       map[string]string
	RemoveHeaders    []string
	OverrideMethod   string
	OverrideBody     string
	OverrideStatus   int
	BodyReplacements map[string]string
	LatencyMs        int
	FailReason       string

	AutoContinue bool
}

// NewRule validates the fields and assigns an id.
func NewRule(r Rule) (*Rule, error) {
	if r.Pattern == "" {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "rule needs a url pattern", nil)
	}
	if _, err := compileGlob(r.Pattern); err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, fmt.Sprintf("bad url pattern %q", r.Pattern), err)
	}
	switch r.Stage {
	case StageRequest, StageResponse:
	case "":
		r.Stage = StageRequest
	default:
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, fmt.Sprintf("unknown stage %q", r.Stage), nil)
	}
	switch r.Action {
	case ActionObserve, ActionModify, ActionFail, ActionDelay, ActionBlock:
	default:
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, fmt.Sprintf("unknown action %q", r.Action), nil)
	}
	if r.Action == ActionDelay && r.LatencyMs <= 0 {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "delay rule needs latencyMs > 0", nil)
	}
	r.ID = uuid.NewString()
	return &r, nil
}

func (r *Rule) matches(url, method, resourceType string, stage Stage) bool {
	if r.Stage != stage {
		return false
	}
	if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, method) {
		return false
	}
	if r.ResourceType != "" && !strings.EqualFold(r.ResourceType, resourceType) {
		return false
	}
	return MatchGlob(r.Pattern, url)
}

// RuleView is the serializable shape of a rule for listings.
type RuleView struct {
	ID           string `json:"ruleId"`
	Pattern      string `json:"urlPattern"`
	Stage        string `json:"stage"`
	Method       string `json:"method,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	Action       string `json:"action"`
	LatencyMs    int    `json:"latencyMs,omitempty"`
}

func (r *Rule) view() RuleView {
	return RuleView{
		ID:           r.ID,
		Pattern:      r.Pattern,
		Stage:        string(r.Stage),
		Method:       r.Method,
		ResourceType: r.ResourceType,
		Action:       string(r.Action),
		LatencyMs:    r.LatencyMs,
	}
}

var globCache = struct {
	mu sync.Mutex
	m  map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

// compileGlob turns a URL glob into an anchored regexp. `*` and `**` match
// any run of characters, `?` matches one; everything else is literal.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	globCache.mu.Lock()
	re, ok := globCache.m[pattern]
	globCache.mu.Unlock()
	if ok {
		return re, nil
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			// ** is equivalent to *
			for i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
			}
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	globCache.mu.Lock()
	globCache.m[pattern] = re
	globCache.mu.Unlock()
	return re, nil
}

// MatchGlob reports whether url matches the glob pattern. Patterns that do
// not compile match nothing.
func MatchGlob(pattern, url string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(url)
}

// literalEdges returns the literal text before the first wildcard and after
// the last wildcard of a glob.
func literalEdges(pattern string) (prefix, suffix string) {
	first := strings.IndexAny(pattern, "*?")
	if first < 0 {
		return pattern, pattern
	}
	last := strings.LastIndexAny(pattern, "*?")
	return pattern[:first], pattern[last+1:]
}

// patternsOverlap reports whether two URL globs could match a common URL.
// The test is conservative: it only proves disjointness when the literal
// anchors of the two patterns are incompatible, so false positives are
// possible and false negatives are not.
func patternsOverlap(a, b string) bool {
	ap, as := literalEdges(a)
	bp, bs := literalEdges(b)
	if !strings.HasPrefix(ap, bp) && !strings.HasPrefix(bp, ap) {
		return false
	}
	if !strings.HasSuffix(as, bs) && !strings.HasSuffix(bs, as) {
		return false
	}
	return true
}
