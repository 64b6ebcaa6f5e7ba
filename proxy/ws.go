package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval    = 15 * time.Second
	defaultMaxMessageBytes = 32 << 20
	writeWait              = 20 * time.Second
	controlWait            = 5 * time.Second
)

// WSConfig tunes the websocket channel.
type WSConfig struct {
	// PingInterval is how often the server pings the client. Defaults to 15s.
	PingInterval time.Duration

	// IdleTimeout drops a client that has sent nothing, pongs included, for
	// this long. Zero disables the read deadline.
	IdleTimeout time.Duration

	// MaxMessageBytes limits a single inbound frame. Defaults to 32MiB.
	MaxMessageBytes int64

	Logger *zap.Logger
}

// WSHandler is the websocket attachment point for clients.
type WSHandler struct {
	proxy    *Proxy
	cfg      WSConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(p *Proxy, cfg WSConfig) *WSHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WSHandler{
		proxy: p,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	peer := newWSPeer(conn, r.RemoteAddr, h.logger)

	// Hold the write lock until the client has been told it is attached, so
	// no request frame can overtake the "connected" frame.
	peer.writeMu.Lock()
	if err := h.proxy.Connect(peer); err != nil {
		peer.writeMu.Unlock()
		return
	}
	err = peer.writeFrameLocked(&Frame{Type: FrameConnected, Peer: peer.id})
	peer.writeMu.Unlock()
	if err != nil {
		h.logger.Warn("sending connected frame", zap.String("peer", peer.id), zap.Error(err))
		h.proxy.Disconnect(peer)
		_ = peer.Close(err)
		return
	}

	go peer.pingLoop(h.cfg.PingInterval)
	peer.readLoop(h.proxy, h.cfg)

	h.proxy.Disconnect(peer)
	_ = peer.Close(nil)
}

// wsPeer is a client attached over a websocket.
type wsPeer struct {
	id     string
	remote string
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newWSPeer(conn *websocket.Conn, remote string, logger *zap.Logger) *wsPeer {
	id := uuid.NewString()
	return &wsPeer{
		id:     id,
		remote: remote,
		conn:   conn,
		logger: logger.With(zap.String("peer", id), zap.String("remote", remote)),
		closed: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(token string, req *RequestPayload) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.writeFrameLocked(&Frame{Type: FrameRequest, ID: token, Request: req})
}

func (p *wsPeer) writeFrameLocked(f *Frame) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	err := p.conn.WriteJSON(f)
	if err == nil {
		err = p.conn.SetWriteDeadline(time.Time{})
	}
	return err
}

// Close sends a close frame carrying reason and closes the socket. Only the
// first call has any effect.
func (p *wsPeer) Close(reason error) error {
	p.closeOnce.Do(func() {
		close(p.closed)

		code, text := websocket.CloseNormalClosure, ""
		switch {
		case errors.Is(reason, ErrTooManyClients):
			code, text = websocket.CloseTryAgainLater, reason.Error()
		case reason != nil:
			code, text = websocket.CloseInternalServerErr, reason.Error()
		}

		msg := websocket.FormatCloseMessage(code, text)
		if err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWait)); err != nil {
			p.logger.Debug("writing close frame", zap.Error(err))
		}
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *wsPeer) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				p.logger.Debug("ping failed", zap.Error(err))
				_ = p.conn.Close()
				return
			}
		}
	}
}

func (p *wsPeer) extendDeadline(idle time.Duration) error {
	if idle <= 0 {
		return p.conn.SetReadDeadline(time.Time{})
	}
	return p.conn.SetReadDeadline(time.Now().Add(idle))
}

// readLoop delivers reply frames to px until the connection fails or closes.
func (p *wsPeer) readLoop(px *Proxy, cfg WSConfig) {
	p.conn.SetReadLimit(cfg.MaxMessageBytes)
	if err := p.extendDeadline(cfg.IdleTimeout); err != nil {
		p.logger.Warn("setting read deadline", zap.Error(err))
		return
	}
	p.conn.SetPongHandler(func(string) error {
		return p.extendDeadline(cfg.IdleTimeout)
	})

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				p.logger.Info("client disconnected")
			} else {
				p.logger.Warn("client read failed", zap.Error(err))
			}
			return
		}
		if err := p.extendDeadline(cfg.IdleTimeout); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			p.rejectFrame(px, data, err)
			continue
		}

		switch f.Type {
		case FrameResponse:
			px.Reply(f.ID, f.Response)
		default:
			p.logger.Warn("unknown frame type", zap.String("type", f.Type))
		}
	}
}

// rejectFrame handles a frame that did not decode. If the envelope still
// names a pending request, that request fails with ErrInvalidReply; other
// requests on the session are unaffected.
func (p *wsPeer) rejectFrame(px *Proxy, data []byte, err error) {
	var envelope struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if json.Unmarshal(data, &envelope) != nil || envelope.Type != FrameResponse || envelope.ID == "" {
		p.logger.Warn("skipping undecodable frame", zap.Error(err))
		return
	}

	p.logger.Warn("invalid reply", zap.String("token", envelope.ID), zap.Error(err))
	px.ReplyError(envelope.ID, fmt.Errorf("%w: %v", ErrInvalidReply, err))
}
