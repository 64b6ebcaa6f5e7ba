package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type result struct {
	resp *ResponsePayload
	err  error
}

// pendingRequest is one dispatched request waiting for its reply. done has
// room for exactly one result and is only written by whoever removed the
// entry from the pending map.
type pendingRequest struct {
	token string
	conn  *peerConn
	done  chan result
}

// Correlator dispatches requests to the attached peer and matches replies
// back to the waiting caller by token.
type Correlator struct {
	registry *Registry
	logger   *zap.Logger
	timeout  atomic.Int64

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator creates a correlator bound to registry. A zero timeout waits
// for the reply until the peer disconnects.
func NewCorrelator(registry *Registry, timeout time.Duration, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Correlator{
		registry: registry,
		logger:   logger,
		pending:  make(map[string]*pendingRequest),
	}
	c.SetTimeout(timeout)
	return c
}

func (c *Correlator) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.timeout.Store(int64(d))
}

func (c *Correlator) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// Pending returns the number of requests waiting for a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Handle forwards req to the attached peer and blocks until it replies, the
// peer goes away, the reply timeout fires or ctx is done.
func (c *Correlator) Handle(ctx context.Context, req *RequestPayload) (*ResponsePayload, error) {
	if c.registry.TakeOverflow() {
		return nil, ErrTooManyClients
	}

	pc := c.registry.currentConn()
	if !pc.isLive() {
		return nil, ErrNoClient
	}

	p := &pendingRequest{
		token: uuid.NewString(),
		conn:  pc,
		done:  make(chan result, 1),
	}

	c.mu.Lock()
	c.pending[p.token] = p
	c.mu.Unlock()

	// A detach that ran before the insert could not have seen this entry.
	if !pc.isLive() {
		c.resolve(p.token, result{err: ErrClientDisconnected})
	} else if err := pc.peer.Send(p.token, req); err != nil {
		c.resolve(p.token, result{err: fmt.Errorf("%w: %v", ErrClientDisconnected, err)})
	}

	return c.wait(ctx, p)
}

func (c *Correlator) wait(ctx context.Context, p *pendingRequest) (*ResponsePayload, error) {
	var expired <-chan time.Time
	if d := c.Timeout(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	select {
	case res := <-p.done:
		return res.resp, res.err
	case <-expired:
		c.resolve(p.token, result{err: ErrReplyTimeout})
	case <-ctx.Done():
		c.resolve(p.token, result{err: ctx.Err()})
	}

	// Either our own resolve won or another one beat it; both leave exactly
	// one result in done.
	res := <-p.done
	return res.resp, res.err
}

// Resolve completes the request waiting on token with resp. It returns false
// for unknown or already completed tokens.
func (c *Correlator) Resolve(token string, resp *ResponsePayload) bool {
	if resp == nil {
		resp = &ResponsePayload{}
	}
	if !c.resolve(token, result{resp: resp}) {
		c.logger.Debug("discarding stale reply", zap.String("token", token))
		return false
	}
	return true
}

// Fail completes the request waiting on token with err instead of a reply.
// It returns false for unknown or already completed tokens.
func (c *Correlator) Fail(token string, err error) bool {
	if !c.resolve(token, result{err: err}) {
		c.logger.Debug("discarding stale failure", zap.String("token", token), zap.Error(err))
		return false
	}
	return true
}

func (c *Correlator) resolve(token string, res result) bool {
	c.mu.Lock()
	p, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- res
	return true
}

// FailPeer fails every request dispatched to pc with ErrClientDisconnected
// and returns how many were failed.
func (c *Correlator) FailPeer(pc *peerConn) int {
	if pc == nil {
		return 0
	}

	var failed []*pendingRequest
	c.mu.Lock()
	for token, p := range c.pending {
		if p.conn == pc {
			failed = append(failed, p)
			delete(c.pending, token)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		p.done <- result{err: ErrClientDisconnected}
	}

	if len(failed) > 0 {
		c.logger.Info("failed in-flight requests",
			zap.String("peer", pc.peer.ID()),
			zap.Int("count", len(failed)),
		)
	}
	return len(failed)
}
