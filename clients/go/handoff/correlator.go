package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/handoff-protocol/handoff/protocol"
)

// result carries one resolved request: either the answering envelope or the
// error that settled it.
type result struct {
	env protocol.Envelope
	err error
}

type pending struct {
	ch    chan result
	timer *time.Timer
}

// correlator is the per-connection table of in-flight requests. Each entry
// is removed exactly once: by the matching response, by its timeout, or by
// connection loss.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pending)}
}

// track registers a request id and arms its timeout. The returned channel
// receives exactly one result.
func (c *correlator) track(requestID string, timeout time.Duration) <-chan result {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &pending{ch: make(chan result, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		c.complete(requestID, result{err: ErrRequestTimeout})
	})
	c.pending[requestID] = p
	return p.ch
}

// complete settles the request if it is still pending. Reports whether the
// id matched an in-flight request.
func (c *correlator) complete(requestID string, res result) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- res
	return true
}

// failAll settles every pending request with err in one sweep.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.ch <- result{err: err}
	}
}

// await blocks until the request settles or ctx is done. A response.error
// envelope settles the caller with a *ServerError.
func await(ctx context.Context, ch <-chan result) (protocol.Envelope, error) {
	select {
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return protocol.Envelope{}, res.err
		}
		if res.env.Type == protocol.TypeError {
			var ep protocol.ErrorPayload
			if err := res.env.DecodePayload(&ep); err != nil {
				return protocol.Envelope{}, err
			}
			return protocol.Envelope{}, &ServerError{Code: ep.Code, Message: ep.Message}
		}
		return res.env, nil
	}
}
