// Package responder produces the automated replies for sessions in AI mode.
package responder

import (
	"context"

	"github.com/handoff-protocol/handoff/protocol"
)

// Responder turns the recent transcript of a session into one reply. An
// empty reply with a nil error means "stay silent".
type Responder interface {
	Respond(ctx context.Context, chatID string, history []protocol.Message) (string, error)
}

// Func adapts a function to the Responder interface.
type Func func(ctx context.Context, chatID string, history []protocol.Message) (string, error)

// Respond implements Responder.
func (f Func) Respond(ctx context.Context, chatID string, history []protocol.Message) (string, error) {
	return f(ctx, chatID, history)
}
