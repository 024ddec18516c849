package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"relaychat/internal/domain"
)

func TestParse_ChannelPair(t *testing.T) {
	out := Parse("<|channel|>analysis<|message|>check units<|end|><|channel|>final<|message|>42 km")
	require.Equal(t, []string{"check units"}, out.Reasoning)
	require.Equal(t, "42 km", out.FinalText)
	require.Equal(t, domain.RuleChannelMarkup, out.Rule)
	require.False(t, out.Degraded())
}

func TestParse_ChannelPair_WithStartTokensAndReturn(t *testing.T) {
	raw := "<|start|>assistant<|channel|>analysis<|message|>User greets.<|end|>" +
		"<|start|>assistant<|channel|>final<|message|>Hello there!<|return|>"
	out := Parse(raw)
	require.Equal(t, []string{"User greets."}, out.Reasoning)
	require.Equal(t, "Hello there!", out.FinalText)
}

func TestParse_MultipleAnalysisRegionsKeptInOrder(t *testing.T) {
	raw := "<|channel|>analysis<|message|>first<|end|>" +
		"<|channel|>analysis<|message|>second<|end|>" +
		"<|channel|>final<|message|>answer"
	out := Parse(raw)
	require.Equal(t, []string{"first", "second"}, out.Reasoning)
	require.Equal(t, "answer", out.FinalText)
}

func TestParse_AnalysisWithoutFinalUsesRemainder(t *testing.T) {
	out := Parse("<|channel|>analysis<|message|>thinking<|end|>The answer is 7.")
	require.Equal(t, []string{"thinking"}, out.Reasoning)
	require.Equal(t, "The answer is 7.", out.FinalText)
}

func TestParse_FinalOnly(t *testing.T) {
	out := Parse("<|channel|>final<|message|>just the answer<|end|>")
	require.Empty(t, out.Reasoning)
	require.Equal(t, "just the answer", out.FinalText)
	require.Equal(t, domain.RuleChannelMarkup, out.Rule)
}

func TestParse_ConstrainedChannelHeader(t *testing.T) {
	raw := "<|channel|>analysis<|message|>plan<|end|><|channel|>final <|constrain|>json<|message|>{\"a\":1}"
	out := Parse(raw)
	require.Equal(t, []string{"plan"}, out.Reasoning)
	require.Equal(t, `{"a":1}`, out.FinalText)
}

func TestParse_LegacyAnalysisMessagePair(t *testing.T) {
	out := Parse("<|analysis|>The user says hi.<|message|>Hi! How can I help?")
	require.Equal(t, []string{"The user says hi."}, out.Reasoning)
	require.Equal(t, "Hi! How can I help?", out.FinalText)
	require.Equal(t, domain.RuleChannelMarkup, out.Rule)
}

func TestParse_ChannelMarkupWinsOverHeuristic(t *testing.T) {
	raw := "The user wants math.\n\n<|channel|>final<|message|>4"
	out := Parse(raw)
	require.Equal(t, domain.RuleChannelMarkup, out.Rule)
	require.Empty(t, out.Reasoning)
	require.Equal(t, "4", out.FinalText)
}

func TestParse_BareAnalysisKeyword(t *testing.T) {
	out := Parse("analysisThe user wants a joke.\n\nSure, here's one: ...")
	require.Equal(t, []string{"The user wants a joke."}, out.Reasoning)
	require.Equal(t, "Sure, here's one: ...", out.FinalText)
	require.Equal(t, domain.RuleLeadingReasoning, out.Rule)
}

func TestParse_AssistantFinalArtifact(t *testing.T) {
	out := Parse("analysisThe user says hello. We should respond warmly.assistantfinalHello! Nice to meet you, what shall we talk about today?")
	require.Equal(t, []string{"The user says hello. We should respond warmly."}, out.Reasoning)
	require.Equal(t, "Hello! Nice to meet you, what shall we talk about today?", out.FinalText)
}

func TestParse_ReasoningOpenerWithBlankLine(t *testing.T) {
	raw := "The user writes in Japanese, probably a greeting.\n\nこんにちは！今日はどのようなご用件でしょうか？お気軽にどうぞ。"
	out := Parse(raw)
	require.Equal(t, []string{"The user writes in Japanese, probably a greeting."}, out.Reasoning)
	require.Equal(t, "こんにちは！今日はどのようなご用件でしょうか？お気軽にどうぞ。", out.FinalText)
}

func TestParse_SingleNewlineBreak(t *testing.T) {
	raw := "The user wants a haiku about rain.\nSoft rain on the roof\nwhispers through the quiet night\nthe garden drinks deep"
	out := Parse(raw)
	require.Equal(t, []string{"The user wants a haiku about rain."}, out.Reasoning)
	require.True(t, strings.HasPrefix(out.FinalText, "Soft rain"))
}

func TestParse_HeuristicRejectsLongSpan(t *testing.T) {
	raw := "The user wants a very long explanation of many things that goes on and on and on and on.\n\nOk."
	out := Parse(raw)
	require.Equal(t, domain.RuleFallback, out.Rule)
	require.Equal(t, Cleanup(raw), out.FinalText)
}

func TestParse_HeuristicRequiresKeyword(t *testing.T) {
	raw := "We have three apples left.\n\nThat is what the inventory shows for the store this morning, checked twice."
	out := Parse(raw)
	require.Equal(t, domain.RuleFallback, out.Rule)
	require.Empty(t, out.Reasoning)
}

func TestParse_HeuristicRequiresCue(t *testing.T) {
	raw := "Paris is the capital. The user should know.\n\nIt has been since 987 AD and remains so today."
	out := Parse(raw)
	require.True(t, out.Degraded())
}

func TestParse_BareAnalysisCueIgnoresCase(t *testing.T) {
	raw := "Analysis: The user says hi, so I should greet back.\n\nHello there! How can I help you today?"
	out := Parse(raw)
	require.Equal(t, domain.RuleLeadingReasoning, out.Rule)
	require.Equal(t, []string{"The user says hi, so I should greet back."}, out.Reasoning)
	require.Equal(t, "Hello there! How can I help you today?", out.FinalText)
}

func TestParse_LegacyPairAfterUnknownChannel(t *testing.T) {
	out := Parse("<|channel|>commentary<|message|>x<|end|><|analysis|>r<|message|>ans")
	require.Equal(t, domain.RuleChannelMarkup, out.Rule)
	require.Equal(t, []string{"r"}, out.Reasoning)
	require.True(t, strings.HasSuffix(out.FinalText, "ans"), out.FinalText)
}

func TestParse_HeuristicNeedsBreakPoint(t *testing.T) {
	out := Parse("analysis of the user data shows growth")
	require.True(t, out.Degraded())
	require.Equal(t, "analysis of the user data shows growth", out.FinalText)
}

func TestParse_FallbackPlainText(t *testing.T) {
	cases := []string{
		"",
		"Hello, world.",
		"  Two\n\nparagraphs of plain answer.  ",
		"Use the <b>bold</b> tag.",
	}
	for _, raw := range cases {
		out := Parse(raw)
		require.Empty(t, out.Reasoning, "raw=%q", raw)
		require.Equal(t, Cleanup(raw), out.FinalText, "raw=%q", raw)
		require.True(t, out.Degraded(), "raw=%q", raw)
	}
}

func TestParse_IsDeterministic(t *testing.T) {
	raw := "analysisThe user wants a joke.\n\nSure."
	require.Equal(t, Parse(raw), Parse(raw))
}

func TestAccumulator(t *testing.T) {
	var acc Accumulator
	for _, tok := range []string{"<|channel|>analysis", "<|message|>hmm<|end|>", "<|channel|>final<|message|>", "done"} {
		require.True(t, acc.Write(tok))
	}
	require.Equal(t, "<|channel|>analysis<|message|>hmm<|end|><|channel|>final<|message|>done", acc.Raw())
	require.Equal(t, "hmmdone", acc.Display())
}
