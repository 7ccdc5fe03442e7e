package domain

import "context"

// Completer is the text-generation contract. Exactly one concrete provider
// is active per process, selected by configuration at startup.
type Completer interface {
	// Complete returns the full answer for a prompt in one call.
	Complete(ctx context.Context, prompt string) (string, error)
	// Stream opens a token stream for a prompt. The caller must drain or
	// close the stream; Recv returns io.EOF when the stream ends.
	Stream(ctx context.Context, prompt string) (TokenStream, error)
}

// TokenStream is a finite, non-restartable sequence of answer tokens.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}
