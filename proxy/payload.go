package proxy

import "encoding/json"

// RequestPayload is the HTTP request forwarded to the client.
type RequestPayload struct {
	ID         string              `json:"id"`
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body,omitempty"`
	RemoteAddr string              `json:"remote_addr,omitempty"`
}

// ResponsePayload is the reply a client sends back for one request.
type ResponsePayload struct {
	Status  int     `json:"status"`
	Headers Headers `json:"headers,omitempty"`
	Body    []byte  `json:"body,omitempty"`
}

// Headers maps a header name to its values. On the wire each name may carry
// either a single string or an array of strings.
type Headers map[string][]string

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Headers, len(raw))
	for name, v := range raw {
		if string(v) == "null" {
			continue
		}

		var single string
		if err := json.Unmarshal(v, &single); err == nil {
			out[name] = []string{single}
			continue
		}

		var multi []string
		if err := json.Unmarshal(v, &multi); err != nil {
			return err
		}
		out[name] = multi
	}

	*h = out
	return nil
}

// Frame types exchanged over the websocket channel.
const (
	FrameConnected = "connected"
	FrameRequest   = "request"
	FrameResponse  = "response"
)

// Frame is a single message on the websocket channel.
type Frame struct {
	Type     string           `json:"type"`
	ID       string           `json:"id,omitempty"`   // correlation token
	Peer     string           `json:"peer,omitempty"` // only for "connected"
	Request  *RequestPayload  `json:"request,omitempty"`
	Response *ResponsePayload `json:"response,omitempty"`
}
