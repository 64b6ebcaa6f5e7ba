// Package agent implements the client side of the tunnel: it dials the proxy
// over a websocket, stays attached, and answers each forwarded request by
// calling a local HTTP service.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go-tunnel/proxy"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Config configures an Agent.
type Config struct {
	// ServerURL is the proxy's websocket endpoint, e.g.
	// ws://proxy.example.com/__tunnel/connect.
	ServerURL string

	// Target is the base URL of the local service requests are sent to.
	Target string

	// Client performs the local requests. Defaults to a client that does not
	// follow redirects.
	Client *http.Client

	// MaxRetryInterval caps the reconnect backoff. Defaults to 5 minutes.
	MaxRetryInterval time.Duration

	// MaxRetryCount stops reconnecting after this many consecutive failures.
	// Negative retries forever.
	MaxRetryCount int

	Logger *zap.Logger
}

// Agent keeps one session with the proxy open and serves its requests.
type Agent struct {
	server *url.URL
	target *url.URL
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// errRejected is returned by a session the proxy refused because another
// agent is attached.
var errRejected = errors.New("rejected by proxy: " + proxy.ErrTooManyClients.Error())

func New(cfg Config) (*Agent, error) {
	server, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch server.Scheme {
	case "ws", "wss":
	case "http":
		server.Scheme = "ws"
	case "https":
		server.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", server.Scheme)
	}

	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("target %q must be an absolute URL", cfg.Target)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Agent{
		server: server,
		target: target,
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run connects to the proxy and serves requests, reconnecting with backoff
// whenever the session ends. It returns when ctx is done or the retry budget
// is used up.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    a.cfg.MaxRetryInterval,
		Factor: 2,
		Jitter: true,
	}

	for {
		attached, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if attached {
			b.Reset()
		}

		attempt := int(b.Attempt())
		if a.cfg.MaxRetryCount >= 0 && attempt >= a.cfg.MaxRetryCount {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		d := b.Duration()
		a.logger.Info("session ended, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("in", d),
		)

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection to the proxy. attached reports whether the
// proxy accepted the agent before the session ended.
func (a *Agent) session(ctx context.Context) (attached bool, err error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, a.server.String(), nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	s := &session{agent: a, conn: conn}

	stop := context.AfterFunc(ctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		_ = conn.Close()
	})
	defer stop()

	var hello proxy.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		if websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
			return false, errRejected
		}
		return false, err
	}
	if hello.Type != proxy.FrameConnected {
		return false, fmt.Errorf("expected %q frame, got %q", proxy.FrameConnected, hello.Type)
	}
	a.logger.Info("attached to proxy", zap.String("server", a.server.String()), zap.String("peer", hello.Peer))

	return true, s.serve(ctx)
}

type session struct {
	agent   *Agent
	conn    *websocket.Conn
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// serve reads request frames until the socket fails. Local requests still
// running when it returns are cancelled and waited for.
func (s *session) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	for {
		var f proxy.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return err
		}

		switch f.Type {
		case proxy.FrameRequest:
			if f.Request == nil {
				continue
			}
			s.wg.Add(1)
			go func(token string, req *proxy.RequestPayload) {
				defer s.wg.Done()
				resp := s.agent.Forward(ctx, req)
				if err := s.reply(token, resp); err != nil {
					s.agent.logger.Warn("sending reply", zap.String("id", req.ID), zap.Error(err))
				}
			}(f.ID, f.Request)
		default:
			s.agent.logger.Debug("ignoring frame", zap.String("type", f.Type))
		}
	}
}

func (s *session) reply(token string, resp *proxy.ResponsePayload) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(&proxy.Frame{Type: proxy.FrameResponse, ID: token, Response: resp})
}

// Forward performs req against the target and returns the reply to send
// back. Failures to reach the target become a 502 reply.
func (a *Agent) Forward(ctx context.Context, req *proxy.RequestPayload) *proxy.ResponsePayload {
	start := time.Now()

	resp, err := a.roundTrip(ctx, req)
	if err != nil {
		a.logger.Warn("local request failed",
			zap.String("id", req.ID),
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Error(err),
		)
		return &proxy.ResponsePayload{
			Status:  http.StatusBadGateway,
			Headers: proxy.Headers{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:    []byte("Error: " + err.Error() + "\n"),
		}
	}

	a.logger.Debug("local request",
		zap.String("id", req.ID),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.Status),
		zap.Duration("duration", time.Since(start)),
	)
	return resp
}

func (a *Agent) roundTrip(ctx context.Context, req *proxy.RequestPayload) (*proxy.ResponsePayload, error) {
	u, err := a.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for name, values := range req.Headers {
		if strings.EqualFold(name, "Host") || strings.EqualFold(name, "Content-Length") {
			continue
		}
		httpReq.Header[name] = append([]string(nil), values...)
	}
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(proxy.Headers, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = append([]string(nil), values...)
	}
	for _, h := range hopHeaders {
		delete(headers, h)
	}

	return &proxy.ResponsePayload{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    body,
	}, nil
}

// resolve joins the request URI onto the target base URL.
func (a *Agent) resolve(requestURI string) (*url.URL, error) {
	ref, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return nil, fmt.Errorf("parse request uri %q: %w", requestURI, err)
	}

	u := *a.target
	u.Path = strings.TrimSuffix(a.target.Path, "/") + ref.Path
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	return &u, nil
}
