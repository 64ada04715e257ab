package provider

import (
	"context"
)

// Kind tags how a provider shapes its requests. The tag is diagnostic
// only: the Invoker already encapsulates the behavior.
type Kind string

const (
	KindChatCompletion Kind = "chat-completion"
	KindNativeMessages Kind = "native-messages"
	KindHuman          Kind = "human"
	KindCustom         Kind = "custom"
)

// Result is one successful exchange with a backend. Tokens is 0 when
// the backend does not report usage.
type Result struct {
	Text   string
	Tokens int
}

// Invoker is the invocation capability a provider must fulfill: one
// prompt in, one text response (or error) out. All provider-specific
// protocol detail lives behind this interface.
type Invoker interface {
	Invoke(ctx context.Context, query string, maxTokens int, temperature float64) (*Result, error)
}

// Func adapts a plain function to an Invoker.
type Func func(ctx context.Context, query string, maxTokens int, temperature float64) (*Result, error)

func (f Func) Invoke(ctx context.Context, query string, maxTokens int, temperature float64) (*Result, error) {
	return f(ctx, query, maxTokens, temperature)
}
