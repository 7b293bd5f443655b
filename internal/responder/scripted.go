package responder

import (
	"context"
	"strings"
	"sync"

	"github.com/handoff-protocol/handoff/protocol"
)

// Scripted cycles through fixed replies. It backs development setups without
// an API key and keeps tests deterministic.
type Scripted struct {
	mu      sync.Mutex
	replies []string
	next    int
}

// NewScripted returns a Scripted responder; with no replies it echoes the
// last customer message.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies}
}

// Respond implements Responder.
func (s *Scripted) Respond(ctx context.Context, chatID string, history []protocol.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.replies) > 0 {
		reply := s.replies[s.next%len(s.replies)]
		s.next++
		return reply, nil
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].SenderType == protocol.SenderThirdParty {
			return "You said: " + strings.TrimSpace(history[i].Content), nil
		}
	}
	return "", nil
}
