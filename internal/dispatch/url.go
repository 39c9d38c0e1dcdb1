package dispatch

import (
	"fmt"
	"strings"

	"github.com/aidyou/ccproxy/internal/resolver"
)

// buildUpstreamURL constructs the outbound request URL for pm's protocol
// per spec.md §6.2. Gemini folds its model name and API key into the URL
// itself rather than the body or an auth header.
func buildUpstreamURL(pm *resolver.ProxyModel, stream bool) (string, error) {
	base := strings.TrimRight(pm.BaseURL, "/")

	switch pm.Protocol {
	case "openai":
		return base + "/chat/completions", nil
	case "ollama":
		return base + "/api/chat", nil
	case "anthropic":
		return base + "/messages", nil
	case "gemini":
		op := "generateContent"
		if stream {
			op = "streamGenerateContent"
		}
		url := fmt.Sprintf("%s/models/%s:%s?key=%s", base, pm.Model, op, pm.APIKey)
		if stream {
			url += "&alt=sse"
		}
		return url, nil
	default:
		return "", fmt.Errorf("%w: %q", errInvalidProtocol, pm.Protocol)
	}
}

var errInvalidProtocol = fmt.Errorf("unsupported protocol")
