package proxy

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config configures a Proxy.
type Config struct {
	// RequestTimeout bounds how long a request waits for the client's reply.
	// Zero waits until the client replies or disconnects.
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// Proxy brokers HTTP requests to a single attached client. It is an
// http.Handler on the HTTP side and exposes Connect, Disconnect and Reply
// for the channel transport.
type Proxy struct {
	registry   *Registry
	correlator *Correlator
	metrics    *Metrics
	logger     *zap.Logger
}

// HealthSummary is what the admin health endpoint reports.
type HealthSummary struct {
	Client           RegistryStats `json:"client"`
	Pending          int           `json:"pending"`
	RequestTimeoutMs int64         `json:"request_timeout_ms"`
}

func New(cfg Config) *Proxy {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := NewRegistry(logger.Named("registry"))
	correlator := NewCorrelator(registry, cfg.RequestTimeout, logger.Named("correlator"))

	return &Proxy{
		registry:   registry,
		correlator: correlator,
		metrics:    newMetrics(registry, correlator),
		logger:     logger,
	}
}

func (p *Proxy) Registry() *Registry     { return p.registry }
func (p *Proxy) Correlator() *Correlator { return p.correlator }
func (p *Proxy) Metrics() *Metrics       { return p.metrics }

// SetRequestTimeout changes the reply timeout for requests dispatched from
// now on.
func (p *Proxy) SetRequestTimeout(d time.Duration) {
	p.correlator.SetTimeout(d)
	p.logger.Info("request timeout updated", zap.Duration("timeout", p.correlator.Timeout()))
}

func (p *Proxy) Health() HealthSummary {
	return HealthSummary{
		Client:           p.registry.Snapshot(),
		Pending:          p.correlator.Pending(),
		RequestTimeoutMs: p.correlator.Timeout().Milliseconds(),
	}
}

// Connect attaches peer. If another client is already attached, peer is
// closed with ErrTooManyClients and that error is returned.
func (p *Proxy) Connect(peer Peer) error {
	err := p.registry.Attach(peer)
	p.metrics.observeAdmission(err)
	if err != nil {
		if cerr := peer.Close(err); cerr != nil {
			p.logger.Debug("closing rejected client", zap.String("peer", peer.ID()), zap.Error(cerr))
		}
		return err
	}
	return nil
}

// Disconnect detaches peer and fails everything still waiting on it. It
// returns false if peer was not the attached client.
func (p *Proxy) Disconnect(peer Peer) bool {
	pc := p.registry.Detach(peer)
	if pc == nil {
		return false
	}
	p.correlator.FailPeer(pc)
	return true
}

// Close detaches the attached client, if any, and closes its channel.
func (p *Proxy) Close() error {
	peer := p.registry.CurrentPeer()
	if peer == nil {
		return nil
	}
	p.Disconnect(peer)
	return peer.Close(nil)
}

// Reply hands a client's reply to the request waiting on token.
func (p *Proxy) Reply(token string, resp *ResponsePayload) bool {
	return p.correlator.Resolve(token, resp)
}

// ReplyError fails the request waiting on token, for replies the transport
// received but could not use.
func (p *Proxy) ReplyError(token string, err error) bool {
	return p.correlator.Fail(token, err)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload := BuildPayload(r, p.logger)
	start := time.Now()

	resp, err := p.correlator.Handle(r.Context(), payload)

	var status int
	if err != nil {
		status = WriteFailure(w, err)
	} else {
		status = WriteReply(w, resp)
	}

	elapsed := time.Since(start)
	p.metrics.observeRequest(err, elapsed)

	fields := []zap.Field{
		zap.String("id", payload.ID),
		zap.String("method", payload.Method),
		zap.String("path", payload.Path),
		zap.Int("status", status),
		zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
		zap.String("result", resultLabel(err)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	p.logger.Info("request", fields...)
}

// BuildPayload converts an incoming HTTP request into the payload sent to
// the client.
func BuildPayload(r *http.Request, logger *zap.Logger) *RequestPayload {
	reqID := uuid.New().String()

	headers := make(map[string][]string, len(r.Header)+3)
	for name, values := range r.Header {
		// copy so we don't share backing arrays with r.Header
		copied := make([]string, len(values))
		copy(copied, values)
		headers[name] = copied
	}

	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if host != "" {
		headers["Host"] = []string{host}
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && ip != "" {
		if existing, ok := headers["X-Forwarded-For"]; ok && len(existing) > 0 {
			headers["X-Forwarded-For"] = []string{existing[0] + ", " + ip}
		} else {
			headers["X-Forwarded-For"] = []string{ip}
		}
	}

	if _, ok := headers["X-Request-Id"]; !ok {
		headers["X-Request-Id"] = []string{reqID}
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil && logger != nil {
			logger.Warn("reading request body", zap.String("id", reqID), zap.Error(err))
		}
		_ = r.Body.Close()
	}

	path := r.URL.RequestURI()
	if path == "" {
		path = r.URL.Path
	}

	return &RequestPayload{
		ID:         reqID,
		Method:     r.Method,
		Path:       path,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	}
}
