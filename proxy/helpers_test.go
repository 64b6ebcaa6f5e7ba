package proxy

import (
	"sync"
	"testing"
	"time"
)

type sentRequest struct {
	token string
	req   *RequestPayload
}

// fakePeer records what the proxy sends it. onSend, when set, runs inside
// Send after the request has been recorded.
type fakePeer struct {
	id      string
	sendErr error
	onSend  func(token string, req *RequestPayload)

	mu          sync.Mutex
	sent        []sentRequest
	closed      bool
	closeReason error
	sentCh      chan sentRequest
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, sentCh: make(chan sentRequest, 64)}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(token string, req *RequestPayload) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	s := sentRequest{token: token, req: req}
	p.mu.Lock()
	p.sent = append(p.sent, s)
	p.mu.Unlock()
	p.sentCh <- s
	if p.onSend != nil {
		p.onSend(token, req)
	}
	return nil
}

func (p *fakePeer) Close(reason error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeReason = reason
	return nil
}

func (p *fakePeer) isClosed() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.closeReason
}

// waitSent returns the next request delivered to p.
func waitSent(t *testing.T, p *fakePeer) sentRequest {
	t.Helper()
	select {
	case s := <-p.sentCh:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("peer %s: no request sent", p.id)
		return sentRequest{}
	}
}
