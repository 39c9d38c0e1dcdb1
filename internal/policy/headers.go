package policy

import (
	"net/http"
	"strings"

	"github.com/aidyou/ccproxy/internal/resolver"
)

// HeaderAction classifies what should happen to one inbound header on
// its way to the upstream backend request.
type HeaderAction int

const (
	HeaderDrop      HeaderAction = iota // never forwarded
	HeaderBlocked                       // request-scoped, stripped (hop-by-hop, content framing)
	HeaderForwarded                     // passed through unchanged
	HeaderStripped                      // "cs-" prefix removed, then forwarded
)

// blockList never crosses into the outbound request: hop-by-hop headers
// HTTP forbids proxying verbatim, framing headers this proxy recomputes
// itself (the body is transcoded, so the original Content-Length is
// wrong and Content-Encoding no longer applies), and the internal
// routing headers that exist only to talk to this proxy, never upstream.
var blockList = map[string]bool{
	"connection":           true,
	"keep-alive":           true,
	"proxy-authenticate":   true,
	"proxy-authorization":  true,
	"te":                   true,
	"trailer":              true,
	"transfer-encoding":    true,
	"upgrade":              true,
	"expect":               true,
	"content-length":       true,
	"content-encoding":     true,
	"host":                 true,
	"x-cs-provider-id":     true,
	"x-cs-model-id":        true,
	"x-cs-internal-request": true,
	"x-cs-group":           true,
}

// forwardAllowList is the named, non-"x-*" set of client headers that
// pass through unchanged. Everything else must either match the
// "cs-"-prefix strip rule or the "x-*" (excluding "x-api-*"/"x-cs-*")
// rule below to be forwarded; anything matching neither is dropped.
var forwardAllowList = map[string]bool{
	"x-request-id":    true,
	"user-agent":      true,
	"accept-language": true,
	"http-referer":    true,
	"conversation-id": true,
	"session-id":      true,
	"traceparent":     true,
}

// ClassifyRequestHeader decides what to do with one client-supplied
// request header before it is copied onto the outbound backend request,
// per the forward allow-list / strip-prefix / block rules.
func ClassifyRequestHeader(name string) HeaderAction {
	lower := strings.ToLower(name)
	if blockList[lower] {
		return HeaderBlocked
	}
	// Authorization/x-api-key/x-goog-api-key are always recomputed by
	// InjectAuthHeader from the resolved credential, never forwarded
	// from the client as-is.
	switch lower {
	case "authorization", "x-api-key", "x-goog-api-key":
		return HeaderDrop
	}
	if strings.HasPrefix(lower, "cs-") {
		return HeaderStripped
	}
	if forwardAllowList[lower] {
		return HeaderForwarded
	}
	if strings.HasPrefix(lower, "x-") && !strings.HasPrefix(lower, "x-api-") && !strings.HasPrefix(lower, "x-cs-") {
		return HeaderForwarded
	}
	return HeaderDrop
}

// ApplyRequestHeaders copies client headers onto an outbound request per
// ClassifyRequestHeader, then injects the resolved credential for the
// target protocol.
func ApplyRequestHeaders(dst *http.Request, src http.Header, pm *resolver.ProxyModel) {
	for name, values := range src {
		switch ClassifyRequestHeader(name) {
		case HeaderForwarded:
			for _, v := range values {
				dst.Header.Add(name, v)
			}
		case HeaderStripped:
			stripped := name[3:]
			for _, v := range values {
				dst.Header.Add(stripped, v)
			}
		}
	}
	InjectAuthHeader(dst, pm)
}

// InjectAuthHeader sets the protocol-appropriate credential header,
// overriding anything the client may have sent. Gemini's Generative
// Language API expects the key in x-goog-api-key; every other backend
// in this proxy speaks bearer-token auth.
func InjectAuthHeader(req *http.Request, pm *resolver.ProxyModel) {
	if pm.APIKey == "" {
		return
	}
	switch pm.Protocol {
	case "gemini":
		req.Header.Set("x-goog-api-key", pm.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+pm.APIKey)
	}
}

// responseBlockList headers are recomputed by the dispatcher (the
// response body is transcoded between wire protocols, so length/encoding
// from upstream never apply) or are connection-scoped.
var responseBlockList = map[string]bool{
	"content-length":    true,
	"content-encoding":  true,
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
}

// CopyResponseHeaders forwards upstream response headers to the client,
// skipping the ones the dispatcher recomputes itself.
func CopyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if responseBlockList[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
