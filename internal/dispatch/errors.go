package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a dispatch-time failure per spec.md §7's taxonomy.
type Kind string

const (
	KindModelAliasNotFound    Kind = "model_alias_not_found"
	KindNoBackendTargets      Kind = "no_backend_targets"
	KindModelDetailsFetch     Kind = "model_details_fetch_error"
	KindStoreLock             Kind = "store_lock_error"
	KindInvalidProtocol       Kind = "invalid_protocol_error"
	KindUpstream              Kind = "upstream"
	KindProtocolViolation     Kind = "protocol_violation"
	KindToolXMLParse          Kind = "tool_xml_parse"
	KindInternal              Kind = "internal_error"
)

// UpstreamKind further classifies a Kind == KindUpstream failure by what
// went wrong talking to the backend.
type UpstreamKind string

const (
	UpstreamAuth       UpstreamKind = "auth"
	UpstreamRateLimit  UpstreamKind = "rate_limit"
	UpstreamOverloaded UpstreamKind = "overloaded"
	UpstreamClient     UpstreamKind = "client"
	UpstreamServer     UpstreamKind = "server"
	UpstreamTimeout    UpstreamKind = "timeout"
	UpstreamNetwork    UpstreamKind = "network"
)

// Error is the dispatcher's internal error shape. It carries enough to
// both log usefully and render a client-protocol-native error body.
type Error struct {
	Kind         Kind
	UpstreamKind UpstreamKind
	Status       int
	Message      string
	Body         []byte
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func newError(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// classifyUpstreamStatus maps an upstream HTTP status code onto an
// UpstreamKind. It does not pick the client-facing status: that is the
// upstream status passed through verbatim by newUpstreamError; the proxy
// only ever substitutes its own code for transport-level failures that
// never reached the upstream at all (see newNetworkError).
func classifyUpstreamStatus(status int) UpstreamKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return UpstreamAuth
	case status == http.StatusTooManyRequests:
		return UpstreamRateLimit
	case status == http.StatusServiceUnavailable:
		return UpstreamOverloaded
	case status >= 400 && status < 500:
		return UpstreamClient
	case status >= 500:
		return UpstreamServer
	default:
		return UpstreamServer
	}
}

func newUpstreamError(status int, body []byte) *Error {
	return &Error{
		Kind:         KindUpstream,
		UpstreamKind: classifyUpstreamStatus(status),
		Status:       status,
		Message:      fmt.Sprintf("upstream returned status %d", status),
		Body:         body,
	}
}

func newNetworkError(upstreamKind UpstreamKind, err error) *Error {
	return &Error{
		Kind:         KindUpstream,
		UpstreamKind: upstreamKind,
		Status:       http.StatusBadGateway,
		Message:      err.Error(),
	}
}

// renderClientError shapes err into the client protocol's own error
// envelope (spec.md §7 "user-visible surface"), returning the body and
// the HTTP status to send with it.
func renderClientError(protocol string, err *Error) ([]byte, int) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	switch protocol {
	case "anthropic":
		body, _ := json.Marshal(map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    string(err.Kind),
				"message": err.Message,
			},
		})
		return body, status
	case "gemini":
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": err.Message,
				"status":  string(err.Kind),
			},
		})
		return body, status
	default: // openai, ollama
		body, _ := json.Marshal(map[string]any{
			"error": map[string]string{
				"type":    string(err.Kind),
				"message": err.Message,
			},
		})
		return body, status
	}
}
