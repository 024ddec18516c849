package parser

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestCleanup(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  hello  ", "hello"},
		{"channel header", "<|channel|>final<|message|>Hi", "Hi"},
		{"start role", "<|start|>assistant<|message|>Hi<|end|>", "Hi"},
		{"constrain", "<|constrain|>json{}", "{}"},
		{"xml tags", "<think>hmm</think> ok", "hmm ok"},
		{"artifact", "assistantfinalDone", "Done"},
		{"japanese artifact", "**意味**こんにちは", "こんにちは"},
		{"unknown control token", "a<|im_end|>b", "ab"},
		{"keeps html", "<b>bold</b>", "<b>bold</b>"},
		{"keeps pipes", "a | b | c", "a | b | c"},
		{"header name must end at a word boundary", "<|channel|>finally here", "finally here"},
		{"header name before punctuation", "<|constrain|>json: {}", ": {}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Cleanup(tc.in))
		})
	}
}

func TestCleanup_NestedRemovalReachesFixedPoint(t *testing.T) {
	// Removing the inner token exposes a new one.
	in := "<|e<|x|>nd|>answer"
	out := Cleanup(in)
	require.Equal(t, "answer", out)
	require.Equal(t, out, Cleanup(out))
}

func TestCleanup_IdempotentAndNeverLonger(t *testing.T) {
	inputs := []string{
		"",
		"plain text",
		"<|channel|>analysis<|message|>x<|end|><|channel|>final<|message|>y",
		"analysisThe user wants a joke.\n\nSure.",
		"  <|start|>assistant  ",
		"assistantassistantfinalfinal",
		"<|<|end|>|>",
		"<think><thinking></thinking></think>",
		"emoji 😀 and 日本語",
	}
	for _, in := range inputs {
		once := Cleanup(in)
		require.Equal(t, once, Cleanup(once), "in=%q", in)
		require.LessOrEqual(t, utf8.RuneCountInString(once), utf8.RuneCountInString(in), "in=%q", in)
	}
}
