// Package parser recovers reasoning and final-answer segments from raw model
// output and strips control-token markup for display.
//
// Models separate hidden reasoning from the user-facing answer in several
// incompatible ways. Parse applies a prioritized chain of rules and degrades
// to returning the cleaned content when nothing matches. It never fails.
package parser

import (
	"regexp"
	"strings"
)

var (
	// Header tokens carry the channel, role or constraint name directly after
	// them: <|channel|>final, <|start|>assistant, <|constrain|>json. The name
	// must end at a word boundary so <|channel|>finally keeps its text.
	headerTokenRe = regexp.MustCompile(`(?i)<\|(?:channel|start|constrain)\|>[ \t]*(?:(?:analysis|final|commentary|assistant|user|system|developer|tool|json)\b)?`)
	controlTokenRe = regexp.MustCompile(`<\|[^|<>\n]{1,40}\|>`)
	xmlTagRe       = regexp.MustCompile(`(?i)</?(?:channel|message|start|end|final|analysis|assistant|think|thinking|reasoning)>`)
)

// artifacts are literal strings some models leak when their control tokens
// were stripped server-side.
var artifacts = []string{
	"assistantfinal",
	"**意味**",
}

// Cleanup strips control tokens, channel tags and known artifacts and trims
// surrounding whitespace. Passes repeat until nothing changes, so
// Cleanup(Cleanup(x)) == Cleanup(x) and the result is never longer than x.
func Cleanup(text string) string {
	out := text
	for {
		next := cleanupPass(out)
		if next == out {
			return out
		}
		out = next
	}
}

func cleanupPass(s string) string {
	s = headerTokenRe.ReplaceAllString(s, "")
	s = controlTokenRe.ReplaceAllString(s, "")
	s = xmlTagRe.ReplaceAllString(s, "")
	for _, a := range artifacts {
		s = strings.ReplaceAll(s, a, "")
	}
	return strings.TrimSpace(s)
}
