package proxy

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Peer is a client attached through some channel transport. Implementations
// must be comparable; the registry matches disconnect events by identity.
type Peer interface {
	// ID identifies the peer in logs and health output.
	ID() string

	// Send delivers a request to the peer under the given correlation token.
	Send(token string, req *RequestPayload) error

	// Close terminates the peer's channel. reason is passed along to the
	// remote side when the transport can carry it.
	Close(reason error) error
}

// peerConn is the registry's handle on the attached peer.
type peerConn struct {
	peer        Peer
	live        atomic.Bool
	connectedAt time.Time
}

func (pc *peerConn) isLive() bool {
	return pc != nil && pc.live.Load()
}

// RegistryStats is a point-in-time view of the registry.
type RegistryStats struct {
	Connected   bool      `json:"connected"`
	PeerID      string    `json:"peer_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Rejected    uint64    `json:"rejected"`
}

// overflowWindow is how long after a rejected connection attempt the next
// request still reports it.
const overflowWindow = 2 * time.Second

// Registry holds at most one attached peer.
type Registry struct {
	mu         sync.Mutex
	current    *peerConn
	overflow   bool
	rejectedAt time.Time
	rejected   uint64

	now    func() time.Time
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{now: time.Now, logger: logger}
}

// Attach makes p the attached peer. If a live peer is already attached the
// incumbent is kept, the rejection is recorded and ErrTooManyClients is
// returned; terminating p is left to the caller.
func (r *Registry) Attach(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current.isLive() {
		r.overflow = true
		r.rejectedAt = r.now()
		r.rejected++
		r.logger.Warn("rejected client",
			zap.String("peer", p.ID()),
			zap.String("incumbent", r.current.peer.ID()),
		)
		return ErrTooManyClients
	}

	pc := &peerConn{
		peer:        p,
		connectedAt: r.now(),
	}
	pc.live.Store(true)
	r.current = pc

	r.logger.Info("client attached", zap.String("peer", p.ID()))
	return nil
}

// Detach clears the attachment if p is the attached peer and returns the
// handle that was detached. Events for any other peer are ignored.
func (r *Registry) Detach(p Peer) *peerConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	pc := r.current
	if pc == nil || pc.peer != p {
		return nil
	}

	pc.live.Store(false)
	r.current = nil
	r.overflow = false

	r.logger.Info("client detached", zap.String("peer", p.ID()))
	return pc
}

// currentConn returns the attached peer handle, or nil.
func (r *Registry) currentConn() *peerConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// CurrentPeer returns the attached peer or nil.
func (r *Registry) CurrentPeer() Peer {
	if pc := r.currentConn(); pc != nil {
		return pc.peer
	}
	return nil
}

// TakeOverflow reports whether a connection attempt was rejected since the
// last call and within overflowWindow, and clears the mark.
func (r *Registry) TakeOverflow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := r.overflow && r.now().Sub(r.rejectedAt) <= overflowWindow
	r.overflow = false
	return o
}

func (r *Registry) Snapshot() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{Rejected: r.rejected}
	if r.current != nil {
		stats.Connected = true
		stats.PeerID = r.current.peer.ID()
		stats.ConnectedAt = r.current.connectedAt
	}
	return stats
}
