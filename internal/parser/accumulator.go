package parser

import (
	"strings"
	"sync"
)

// Accumulator collects streamed tokens so a consumer can render a cleaned
// view of the text received so far. The raw text is kept untouched.
type Accumulator struct {
	mu  sync.Mutex
	buf strings.Builder
}

// Write appends a token. It always reports true so it can be used directly
// as a turn token sink.
func (a *Accumulator) Write(token string) bool {
	a.mu.Lock()
	a.buf.WriteString(token)
	a.mu.Unlock()
	return true
}

// Raw returns the unmodified accumulated text.
func (a *Accumulator) Raw() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Display returns the accumulated text with control markup removed.
func (a *Accumulator) Display() string {
	return Cleanup(a.Raw())
}
