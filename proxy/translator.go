package proxy

import (
	"errors"
	"net/http"
)

// FailureMessage returns the text reported to the HTTP caller for err.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrNoClient):
		return ErrNoClient.Error()
	case errors.Is(err, ErrTooManyClients):
		return ErrTooManyClients.Error()
	case errors.Is(err, ErrClientDisconnected):
		return ErrClientDisconnected.Error()
	case errors.Is(err, ErrInvalidReply):
		return ErrInvalidReply.Error()
	default:
		return err.Error()
	}
}

// WriteFailure writes the response for a request that could not be answered
// by a client and returns the status written. The first body line is
// "Error: <message>". An unusable reply is a 502, everything else a 503.
func WriteFailure(w http.ResponseWriter, err error) int {
	status := http.StatusServiceUnavailable
	if errors.Is(err, ErrInvalidReply) {
		status = http.StatusBadGateway
	}
	http.Error(w, "Error: "+FailureMessage(err), status)
	return status
}

// autoHeaders are added by net/http when missing from a response.
var autoHeaders = []string{"Content-Type", "Date"}

// WriteReply copies the client's reply to w and returns the status written.
// Header names are canonicalized, values are kept as sent, and nothing the
// client did not send is added.
func WriteReply(w http.ResponseWriter, resp *ResponsePayload) int {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 999 {
		return WriteFailure(w, ErrInvalidReply)
	}

	h := w.Header()
	for name, values := range resp.Headers {
		key := http.CanonicalHeaderKey(name)
		h[key] = append(h[key], values...)
	}
	// a nil value suppresses the header
	for _, key := range autoHeaders {
		if _, ok := h[key]; !ok {
			h[key] = nil
		}
	}

	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
	return status
}

// resultLabel classifies the outcome of a request for metrics and logs.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "replied"
	case errors.Is(err, ErrNoClient):
		return "no_client"
	case errors.Is(err, ErrTooManyClients):
		return "too_many_clients"
	case errors.Is(err, ErrReplyTimeout):
		return "timeout"
	case errors.Is(err, ErrClientDisconnected):
		return "disconnected"
	case errors.Is(err, ErrInvalidReply):
		return "invalid_reply"
	default:
		return "error"
	}
}
