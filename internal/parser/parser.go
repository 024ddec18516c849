package parser

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"relaychat/internal/domain"
)

const (
	channelAnalysis = "analysis"
	channelFinal    = "final"

	// bareAnalysisCue is the leftover channel name some models emit when
	// their delimiter tokens are stripped upstream.
	bareAnalysisCue = "analysis"
	finalArtifact   = "assistantfinal"

	// maxReasoningShare bounds the leading reasoning span relative to the
	// whole content; longer spans are more likely the answer itself.
	maxReasoningShare = 0.65
)

var (
	channelHeaderRe = regexp.MustCompile(`(?i)<\|channel\|>[ \t]*([a-z_]+)[^<]*?(?:<\|constrain\|>[^<]*)?<\|message\|>`)
	terminatorRe    = regexp.MustCompile(`(?i)<\|(?:end|return|call|start|channel)\|>`)
	legacyPairRe    = regexp.MustCompile(`(?is)<\|analysis\|>(.*?)<\|(?:message|final|end)\|>`)

	reasoningOpenerRe  = regexp.MustCompile(`(?i)^(?:the user|user says|user asks|user wants|user writes|we have|we need to|we should|the question|okay, the user|ok, the user|so the user)\b`)
	reasoningKeywordRe = regexp.MustCompile(`(?i)\b(?:user|respond|conversation|means|should|probably|writes|says|wants|greeting)`)
	blankLineRe        = regexp.MustCompile(`\r?\n[ \t]*\r?\n`)
)

// Parse splits raw content into reasoning segments and final text. Exactly
// one rule applies: channel markup, then a leading-reasoning heuristic, then
// the fallback that returns the cleaned content with no reasoning.
func Parse(content string) domain.ParsedResponse {
	if p, ok := parseChannelMarkup(content); ok {
		return p
	}
	if p, ok := parseLeadingReasoning(content); ok {
		return p
	}
	return domain.ParsedResponse{
		Reasoning: []string{},
		FinalText: Cleanup(content),
		Rule:      domain.RuleFallback,
	}
}

func parseChannelMarkup(content string) (domain.ParsedResponse, bool) {
	headers := channelHeaderRe.FindAllStringSubmatchIndex(content, -1)
	if len(headers) == 0 {
		return parseLegacyPairs(content)
	}

	var (
		reasoning []string
		finals    []string
		rest      strings.Builder
		last      int
		matched   bool
	)
	for _, h := range headers {
		name := strings.ToLower(content[h[2]:h[3]])
		bodyStart := h[1]
		bodyEnd := len(content)
		if loc := terminatorRe.FindStringIndex(content[bodyStart:]); loc != nil {
			bodyEnd = bodyStart + loc[0]
		}
		body := content[bodyStart:bodyEnd]

		switch name {
		case channelAnalysis:
			matched = true
			if seg := Cleanup(body); seg != "" {
				reasoning = append(reasoning, seg)
			}
			rest.WriteString(content[last:h[0]])
			last = bodyEnd
		case channelFinal:
			matched = true
			finals = append(finals, body)
		}
	}
	if !matched {
		return parseLegacyPairs(content)
	}
	rest.WriteString(content[last:])

	final := rest.String()
	if len(finals) > 0 {
		final = strings.Join(finals, "\n")
	}
	if reasoning == nil {
		reasoning = []string{}
	}
	return domain.ParsedResponse{
		Reasoning: reasoning,
		FinalText: Cleanup(final),
		Rule:      domain.RuleChannelMarkup,
	}, true
}

// parseLegacyPairs handles the <|analysis|>...<|message|> convention.
func parseLegacyPairs(content string) (domain.ParsedResponse, bool) {
	matches := legacyPairRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return domain.ParsedResponse{}, false
	}
	reasoning := make([]string, 0, len(matches))
	for _, m := range matches {
		if seg := Cleanup(m[1]); seg != "" {
			reasoning = append(reasoning, seg)
		}
	}
	return domain.ParsedResponse{
		Reasoning: reasoning,
		FinalText: Cleanup(legacyPairRe.ReplaceAllString(content, "")),
		Rule:      domain.RuleChannelMarkup,
	}, true
}

func parseLeadingReasoning(content string) (domain.ParsedResponse, bool) {
	body := strings.TrimLeft(content, " \t\r\n")
	if n := len(bareAnalysisCue); len(body) >= n && strings.EqualFold(body[:n], bareAnalysisCue) {
		body = strings.TrimLeft(body[len(bareAnalysisCue):], ": \t")
	} else if !reasoningOpenerRe.MatchString(body) {
		return domain.ParsedResponse{}, false
	}

	span, remainder, ok := splitReasoning(body)
	if !ok {
		return domain.ParsedResponse{}, false
	}
	span = Cleanup(span)
	final := Cleanup(remainder)
	if span == "" || final == "" {
		return domain.ParsedResponse{}, false
	}
	if float64(utf8.RuneCountInString(span)) >= maxReasoningShare*float64(utf8.RuneCountInString(content)) {
		return domain.ParsedResponse{}, false
	}
	if !reasoningKeywordRe.MatchString(span) {
		return domain.ParsedResponse{}, false
	}
	return domain.ParsedResponse{
		Reasoning: []string{span},
		FinalText: final,
		Rule:      domain.RuleLeadingReasoning,
	}, true
}

// splitReasoning finds the break between a leading reasoning span and the
// answer: the assistantfinal artifact, a blank line, or a single newline
// followed by a line that does not open like reasoning.
func splitReasoning(body string) (span, remainder string, ok bool) {
	if i := strings.Index(body, finalArtifact); i >= 0 {
		return body[:i], body[i+len(finalArtifact):], true
	}
	if loc := blankLineRe.FindStringIndex(body); loc != nil {
		return body[:loc[0]], body[loc[1]:], true
	}

	offset := 0
	for {
		i := strings.IndexByte(body[offset:], '\n')
		if i < 0 {
			return "", "", false
		}
		nl := offset + i
		next := body[nl+1:]
		if j := strings.IndexByte(next, '\n'); j >= 0 {
			next = next[:j]
		}
		next = strings.TrimSpace(next)
		if next != "" && !reasoningOpenerRe.MatchString(next) {
			return body[:nl], body[nl+1:], true
		}
		offset = nl + 1
	}
}
