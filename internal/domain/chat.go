package domain

// ChatMessage is the provider-agnostic chat message shape sent to model
// gateways.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToChatMessages converts persisted messages into the wire shape, dropping
// empty contents.
func ToChatMessages(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// Rule identifies which parser rule produced a ParsedResponse.
type Rule string

const (
	RuleChannelMarkup    Rule = "channel_markup"
	RuleLeadingReasoning Rule = "leading_reasoning"
	RuleFallback         Rule = "fallback"
)

// ParsedResponse is the display form of a raw completion. It is derived on
// demand and never persisted.
type ParsedResponse struct {
	Reasoning []string `json:"reasoning"`
	FinalText string   `json:"finalText"`
	Rule      Rule     `json:"rule"`
}

// Degraded reports whether no structure could be recovered. Callers render
// FinalText and show no reasoning.
func (p ParsedResponse) Degraded() bool {
	return p.Rule == RuleFallback
}

// SearchResult is a single web search hit. It only lives for one turn.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Engine  string `json:"engine,omitempty"`
}
