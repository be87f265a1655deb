// Package tfplan pulls a Terraform plan out of noisy job console output.
//
// Extraction runs an ordered chain of heuristics and the first one that
// matches wins. Each heuristic is a pure function over the log text.
package tfplan

import (
	"regexp"
	"strings"
)

const (
	// BeginMarker and EndMarker delimit a plan that the pipeline printed on purpose.
	BeginMarker = "===BEGIN_TERRAFORM_PLAN==="
	EndMarker   = "===END_TERRAFORM_PLAN==="

	// ProviderIntro opens the human readable plan body.
	ProviderIntro = "Terraform used the selected providers to generate the following execution plan"
	// OutputsHeader precedes the outputs diff that follows resource changes.
	OutputsHeader = "Changes to Outputs:"

	// DefaultLookback is how many bytes before the plan summary SummaryWindow keeps.
	DefaultLookback = 2048
)

// Heuristic names reported in Result.
const (
	HeuristicMarkers  = "markers"
	HeuristicProvider = "provider_block"
	HeuristicSummary  = "summary_window"
)

var (
	ansiEscape     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	providerIntro  = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(ProviderIntro))
	outputsHeader  = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(OutputsHeader))
	planSummary    = regexp.MustCompile(`(?i)plan:\s*\d+\s+to\s+add`)
	planSummaryBOL = regexp.MustCompile(`(?im)^[ \t]*plan:\s*\d+\s+to\s+add`)
)

// Result is the outcome of an extraction. Found is false when the log does
// not carry a plan yet.
type Result struct {
	Plan      string
	Heuristic string
	Found     bool
}

// Extractor applies the heuristic chain.
type Extractor struct {
	lookback int
}

// NewExtractor returns an Extractor whose summary heuristic keeps lookback
// bytes before the summary line. Non-positive values use DefaultLookback.
func NewExtractor(lookback int) *Extractor {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Extractor{lookback: lookback}
}

// Extract returns the plan embedded in raw, if any.
func (e *Extractor) Extract(raw string) Result {
	if plan, ok := BetweenMarkers(raw, BeginMarker, EndMarker); ok {
		return Result{Plan: plan, Heuristic: HeuristicMarkers, Found: true}
	}
	// An opened but unterminated marker block means the plan is still being
	// printed; the weaker heuristics would only return a truncated copy.
	if strings.Contains(raw, BeginMarker) {
		return Result{}
	}

	clean := StripANSI(raw)
	if plan, ok := ProviderBlock(clean); ok {
		return Result{Plan: plan, Heuristic: HeuristicProvider, Found: true}
	}
	if plan, ok := SummaryWindow(clean, e.lookback); ok {
		return Result{Plan: plan, Heuristic: HeuristicSummary, Found: true}
	}
	return Result{}
}

// StripANSI removes terminal color and cursor escape sequences.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiEscape.ReplaceAllString(s, "")
}

// BetweenMarkers returns the trimmed text strictly between the first begin
// marker and the next end marker. Markers match literally. An empty body is
// not a match.
func BetweenMarkers(raw, begin, end string) (string, bool) {
	start := strings.Index(raw, begin)
	if start < 0 {
		return "", false
	}
	rest := raw[start+len(begin):]
	stop := strings.Index(rest, end)
	if stop < 0 {
		return "", false
	}
	plan := strings.TrimSpace(rest[:stop])
	if plan == "" {
		return "", false
	}
	return plan, true
}

// ProviderBlock returns the text from the provider introduction phrase up to,
// but excluding, the first outputs header or plan summary after it.
func ProviderBlock(raw string) (string, bool) {
	loc := providerIntro.FindStringIndex(raw)
	if loc == nil {
		return "", false
	}
	rest := raw[loc[0]:]

	stop := -1
	for _, re := range []*regexp.Regexp{outputsHeader, planSummary} {
		if m := re.FindStringIndex(rest); m != nil && (stop < 0 || m[0] < stop) {
			stop = m[0]
		}
	}
	if stop < 0 {
		return "", false
	}
	plan := strings.TrimSpace(rest[:stop])
	return plan, plan != ""
}

// SummaryWindow locates the last plan summary line and returns the text from
// lookback bytes before it to the end of the log. The window start is moved
// forward to a line boundary so the first line is never cut in half. This is
// the least precise heuristic.
func SummaryWindow(raw string, lookback int) (string, bool) {
	matches := planSummaryBOL.FindAllStringIndex(raw, -1)
	if len(matches) == 0 {
		return "", false
	}
	at := matches[len(matches)-1][0]

	start := at - lookback
	if start <= 0 {
		start = 0
	} else if nl := strings.IndexByte(raw[start:at], '\n'); nl >= 0 {
		start += nl + 1
	} else {
		start = at
	}

	plan := strings.TrimSpace(raw[start:])
	return plan, plan != ""
}
