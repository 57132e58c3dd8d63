// Package validation scores a final task result for signs of hallucination
// and turns the findings into a confidence value between 0 and 1.
package validation

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Report statuses.
const (
	StatusPassed  = "passed"
	StatusFlagged = "flagged"
	StatusFailed  = "failed"
)

// LowConfidenceThreshold is the confidence below which a result is reported
// as low confidence.
const LowConfidenceThreshold = 0.75

type patternGroup struct {
	name     string
	patterns []*regexp.Regexp
}

// Order matters: issues are reported in this order.
var patternGroups = []patternGroup{
	{"absolute_claims", compileAll(`\balways\b`, `\bnever\b`, `\bimpossible\b`)},
	{"invented_facts", compileAll(`\bI invented\b`, `\bI created\b`, `\bI developed\b`)},
	{"future_claims", compileAll(`\bwill definitely\b`, `\bwill certainly\b`)},
	{"unqualified_statements", compileAll(`\bproven\b`, `\bundeniable\b`)},
}

var (
	contradictionRe = regexp.MustCompile(`[^.!?]*\b(but|however)\b[^.!?]*`)
	quoteRe         = regexp.MustCompile("[\"'`]")
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// Report is the outcome of Validate.
type Report struct {
	Status string   `json:"status"`
	Issues []string `json:"issues"`
	// Score starts at 1 and loses a penalty per issue, floored at 0.
	Score float64 `json:"score"`
}

// Validate checks text for absolute or invented claims, contradictions,
// truncation and missing source attribution.
func Validate(text string) Report {
	issues := []string{}
	score := 1.0

	for _, g := range patternGroups {
		for _, re := range g.patterns {
			if re.MatchString(text) {
				issues = append(issues, "Found absolute claim pattern: "+g.name)
				score -= 0.15
			}
		}
	}

	contradictions := len(contradictionRe.FindAllString(text, -1))
	for i := 0; i < contradictions && i < 2; i++ {
		issues = append(issues, "Potential contradiction detected")
		score -= 0.10
	}

	if len(strings.Fields(text)) < 20 {
		issues = append(issues, "Response too short (may be incomplete)")
		score -= 0.20
	}

	if !quoteRe.MatchString(text) && utf8.RuneCountInString(text) > 200 {
		issues = append(issues, "No quoted sources found")
		score -= 0.05
	}

	status := StatusPassed
	switch {
	case len(issues) > 3:
		status = StatusFailed
	case len(issues) > 0:
		status = StatusFlagged
	}
	return Report{Status: status, Issues: issues, Score: math.Max(0, score)}
}

// Confidence combines the validation score (50%), response length (20%,
// saturating at 200 words) and source citation (30%), rounded to 2 decimals.
func Confidence(text string, r Report) float64 {
	length := math.Min(float64(len(strings.Fields(text)))/200, 1)
	citation := 0.6
	if strings.ContainsAny(text, `"'`) {
		citation = 0.8
	}
	c := r.Score*0.5 + length*0.2 + citation*0.3
	return math.Round(c*100) / 100
}

// Level names a confidence value.
func Level(confidence float64) string {
	switch {
	case confidence >= 0.85:
		return "Very High"
	case confidence >= 0.70:
		return "High"
	case confidence >= 0.50:
		return "Medium"
	default:
		return "Low"
	}
}

// Assessment bundles a report with its confidence.
type Assessment struct {
	Report
	Confidence float64 `json:"confidence"`
	Level      string  `json:"level"`
}

// Low reports whether the confidence is under LowConfidenceThreshold.
func (a Assessment) Low() bool { return a.Confidence < LowConfidenceThreshold }

// Assess validates a task result. JSON results are flattened to their string
// values first so keys and punctuation do not count as content.
func Assess(result json.RawMessage) Assessment {
	text := Text(result)
	r := Validate(text)
	c := Confidence(text, r)
	return Assessment{Report: r, Confidence: c, Level: Level(c)}
}

// Text extracts the human-readable content of a JSON value: strings are
// returned as-is, objects and arrays contribute their string leaves (object
// keys in sorted order) separated by blank lines. Non-JSON input is returned
// unchanged.
func Text(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var parts []string
	collect(v, &parts)
	return strings.Join(parts, "\n\n")
}

func collect(v any, parts *[]string) {
	switch x := v.(type) {
	case string:
		*parts = append(*parts, x)
	case []any:
		for _, e := range x {
			collect(e, parts)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collect(x[k], parts)
		}
	}
}
