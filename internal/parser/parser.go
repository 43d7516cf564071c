// Package parser recovers plain message text and speaker role from stored message
// content. Older rows hold a repr-style dump of the agent's conversation item
// (role='assistant' ... content=['...']) rather than plain text; newer rows hold the
// text itself. Parsing is best-effort and never fails.
package parser

import (
	"regexp"
	"strings"

	"github.com/comigor/friday-analytics/internal/logger"
)

// Result is the outcome of parsing one content string.
type Result struct {
	Role     string // empty when the strategy cannot tell
	Text     string
	Strategy string // name of the strategy that matched
}

// HasRole reports whether the content carried a role of its own.
func (r Result) HasRole() bool { return r.Role != "" }

// Strategy is one way of reading a content string.
type Strategy interface {
	Name() string
	Parse(raw string) (Result, bool)
}

// Chain tries each strategy in order; the first match wins.
type Chain []Strategy

var (
	objectDumpPattern = regexp.MustCompile(`(?s)role='(\w+)'.*?content=\[(.*?)\]`)
	quotedPattern     = regexp.MustCompile(`['"]([^'"]+)['"]`)
	edgeQuotePattern  = regexp.MustCompile(`^['"]|['"]$`)
)

// ObjectDump reads the serialized conversation-item format.
type ObjectDump struct{}

func (ObjectDump) Name() string { return "object-dump" }

func (ObjectDump) Parse(raw string) (Result, bool) {
	m := objectDumpPattern.FindStringSubmatch(raw)
	if m == nil {
		return Result{}, false
	}
	text := edgeQuotePattern.ReplaceAllString(strings.TrimSpace(m[2]), "")
	text = strings.TrimSpace(strings.ReplaceAll(text, `\n`, " "))
	return Result{Role: m[1], Text: text}, true
}

// Quoted takes the first quoted substring. It cannot tell who spoke, so it assumes the user.
type Quoted struct{}

func (Quoted) Name() string { return "quoted" }

func (Quoted) Parse(raw string) (Result, bool) {
	m := quotedPattern.FindStringSubmatch(raw)
	if m == nil {
		return Result{}, false
	}
	return Result{Role: "user", Text: m[1]}, true
}

// Passthrough treats the content as plain text.
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (Passthrough) Parse(raw string) (Result, bool) {
	return Result{Text: strings.TrimSpace(raw)}, true
}

// Default is the chain used by the pipeline.
var Default = Chain{ObjectDump{}, Quoted{}, Passthrough{}}

// Parse runs the default chain.
func Parse(raw string) Result {
	return Default.Parse(raw)
}

// Parse runs the chain. A strategy that panics degrades to the raw input.
func (c Chain) Parse(raw string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("content parse failed; using raw content", "panic", r)
			res = Result{Text: raw, Strategy: "raw"}
		}
	}()
	for _, s := range c {
		if out, ok := s.Parse(raw); ok {
			out.Strategy = s.Name()
			return out
		}
	}
	return Result{Text: raw, Strategy: "raw"}
}
