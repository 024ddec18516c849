package usecase

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	searchNeededRe = regexp.MustCompile(`<\|search_needed\|>\s*yes\s*<\|/search_needed\|>`)
	searchQueryRe  = regexp.MustCompile(`(?s)<\|search_query\|>(.*?)<\|/search_query\|>`)
)

type searchDecision struct {
	needed bool
	query  string
}

func buildDecisionPrompt(systemPrompt string) string {
	return strings.Join([]string{
		systemPrompt,
		"",
		"Web Search Available: You can search the web for current information.",
		"",
		`IMPORTANT: If the user explicitly asks to search the web (e.g., "search for...", "look up online..."), you MUST use web search.`,
		"",
		"Analyze the user's question and decide:",
		"1. Does this require current/real-time information?",
		"2. Did the user explicitly request a web search?",
		"3. Can you answer with your existing knowledge?",
		"",
		"If search is needed, respond ONLY with:",
		"<|search_needed|>yes<|/search_needed|>",
		"<|search_query|>your optimized search query here<|/search_query|>",
		"",
		"If NO search needed, respond normally.",
	}, "\n")
}

// parseSearchDecision reads the search sentinels out of a decision reply. A
// positive decision without a usable query falls back to fallbackQuery.
func parseSearchDecision(raw, fallbackQuery string) searchDecision {
	if !searchNeededRe.MatchString(raw) {
		return searchDecision{}
	}
	query := ""
	if m := searchQueryRe.FindStringSubmatch(raw); m != nil {
		query = strings.Join(strings.Fields(m[1]), " ")
	}
	if query == "" {
		query = strings.TrimSpace(fallbackQuery)
	}
	return searchDecision{needed: true, query: query}
}

func buildAugmentedPrompt(systemPrompt, question, query, searchContext string) string {
	return fmt.Sprintf(
		"%s\n\nSearch Results for %q:\n\n%s\n\nOriginal question: %s\n\nUse these search results to answer the user's question accurately.",
		systemPrompt,
		query,
		searchContext,
		strings.TrimSpace(question),
	)
}
