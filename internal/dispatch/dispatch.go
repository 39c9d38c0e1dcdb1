// Package dispatch is the glue component (C8) that ties the front-end
// parsers, preprocessing pipeline, resolver, parameter/header policy and
// back-end adapters together into one HTTP request lifecycle, and owns
// the streaming pump that threads a streamstate.Session through an
// upstream response.
package dispatch

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aidyou/ccproxy/internal/backend"
	"github.com/aidyou/ccproxy/internal/config"
	"github.com/aidyou/ccproxy/internal/frontend"
	"github.com/aidyou/ccproxy/internal/ir"
	"github.com/aidyou/ccproxy/internal/policy"
	"github.com/aidyou/ccproxy/internal/resolver"
)

// tracer instruments one span per dispatched request. With no SDK
// configured by the embedding application, otel.Tracer returns a no-op
// implementation, so this costs nothing until a real exporter is wired
// up at the process entrypoint.
var tracer = otel.Tracer("github.com/aidyou/ccproxy/internal/dispatch")

// Internal routing headers (spec.md §6.3): never forwarded upstream,
// read here to let a caller bypass alias resolution entirely and target
// a provider/model directly, or select a non-default alias group.
const (
	headerProviderID     = "X-Cs-Provider-Id"
	headerModelID        = "X-Cs-Model-Id"
	headerInternalMarker = "X-Cs-Internal-Request"
	headerGroup          = "X-Cs-Group"
)

// Dispatcher owns one HTTP request's full lifecycle: parse -> resolve ->
// preprocess -> adapt -> call upstream -> adapt back -> render.
type Dispatcher struct {
	cfgMgr   *config.Manager
	resolver *resolver.Resolver
	adapters map[string]backend.Adapter
	client   *http.Client
	logger   *slog.Logger
}

// New wires a Dispatcher against a live config store and shared rotator.
// The HTTP client has no overall timeout: non-streaming requests are
// bounded by the 600s context deadline handle attaches to the upstream
// call per spec.md §5, and streaming requests are deliberately unbounded
// (chunked transfer) with only a connect/idle timeout on the transport.
func New(cfgMgr *config.Manager, res *resolver.Resolver, logger *slog.Logger) *Dispatcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return &Dispatcher{
		cfgMgr:   cfgMgr,
		resolver: res,
		logger:   logger,
		client:   &http.Client{Transport: transport},
		adapters: map[string]backend.Adapter{
			"openai":    backend.NewOpenAIAdapter(),
			"anthropic": backend.NewAnthropicAdapter(),
			"gemini":    backend.NewGeminiAdapter(),
			"ollama":    backend.NewOllamaAdapter(),
		},
	}
}

// ServeOpenAI handles an OpenAI-shaped chat/completions request.
func (d *Dispatcher) ServeOpenAI(w http.ResponseWriter, r *http.Request) {
	d.handle(w, r, "openai", frontend.ParseOpenAIRequest)
}

// ServeOllama handles an Ollama-shaped /api/chat request.
func (d *Dispatcher) ServeOllama(w http.ResponseWriter, r *http.Request) {
	d.handle(w, r, "ollama", frontend.ParseOllamaRequest)
}

// ServeAnthropic handles a Claude Messages API request.
func (d *Dispatcher) ServeAnthropic(w http.ResponseWriter, r *http.Request) {
	d.handle(w, r, "anthropic", frontend.ParseAnthropicRequest)
}

// ServeGemini handles a Gemini generateContent/streamGenerateContent
// request. The model name and stream/non-stream operation are both
// carried in the URL path rather than the body (spec.md §6.1/§6.2).
func (d *Dispatcher) ServeGemini(w http.ResponseWriter, r *http.Request) {
	model, stream, err := parseGeminiPath(r.URL.Path)
	if err != nil {
		d.writeError(r.Context(), w, "gemini", newError(KindInvalidProtocol, http.StatusNotFound, "%v", err))
		return
	}
	d.handle(w, r, "gemini", func(body []byte) (*ir.Request, error) {
		req, err := frontend.ParseGeminiRequest(body, model)
		if err != nil {
			return nil, err
		}
		req.Stream = stream
		return req, nil
	})
}

// parseGeminiPath extracts the model name and stream flag from a path of
// the form ".../models/{model}:generateContent" or
// ".../models/{model}:streamGenerateContent".
func parseGeminiPath(path string) (model string, stream bool, err error) {
	const marker = "/models/"
	idx := strings.Index(path, marker)
	if idx == -1 {
		return "", false, fmt.Errorf("gemini: path %q has no /models/ segment", path)
	}
	rest := path[idx+len(marker):]
	colon := strings.LastIndexByte(rest, ':')
	if colon == -1 {
		return "", false, fmt.Errorf("gemini: path %q has no :operation suffix", path)
	}
	model = rest[:colon]
	switch rest[colon+1:] {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		return "", false, fmt.Errorf("gemini: unsupported operation %q", rest[colon+1:])
	}
	return model, stream, nil
}

// handle runs the common post-parse request lifecycle shared by all four
// front-end protocols.
func (d *Dispatcher) handle(w http.ResponseWriter, r *http.Request, clientProtocol string, parse func([]byte) (*ir.Request, error)) {
	ctx, span := tracer.Start(r.Context(), "dispatch.handle", trace.WithAttributes(
		attribute.String("ccproxy.client_protocol", clientProtocol),
	))
	defer span.End()
	r = r.WithContext(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInternal, http.StatusBadRequest, "read request body: %v", err))
		return
	}

	req, err := parse(body)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInternal, http.StatusBadRequest, "parse request: %v", err))
		return
	}

	cfg := d.cfgMgr.Get()

	pm, dispErr := d.resolveTarget(cfg, r.Header, req.Model)
	if dispErr != nil {
		d.writeError(r.Context(), w, clientProtocol, dispErr)
		return
	}
	span.SetAttributes(
		attribute.String("ccproxy.provider_id", pm.ProviderID),
		attribute.String("ccproxy.backend_protocol", pm.Protocol),
		attribute.String("ccproxy.model", pm.Model),
	)

	frontend.Preprocess(req, pm)
	policy.MergeSamplingParams(req, pm)

	adapter, ok := d.adapters[pm.Protocol]
	if !ok {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInvalidProtocol, http.StatusBadGateway, "no adapter registered for protocol %q", pm.Protocol))
		return
	}

	outBody, err := adapter.AdaptRequest(req)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInternal, http.StatusInternalServerError, "adapt request: %v", err))
		return
	}

	outBody, err = mergeCustomParams(outBody, pm.CustomParams)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInternal, http.StatusInternalServerError, "merge custom params: %v", err))
		return
	}

	targetURL, err := buildUpstreamURL(pm, req.Stream)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInvalidProtocol, http.StatusBadGateway, "%v", err))
		return
	}

	upstreamCtx := r.Context()
	if !req.Stream {
		var cancel context.CancelFunc
		upstreamCtx, cancel = context.WithTimeout(upstreamCtx, 600*time.Second)
		defer cancel()
	}
	outReq, err := http.NewRequestWithContext(upstreamCtx, http.MethodPost, targetURL, bytes.NewReader(outBody))
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInternal, http.StatusInternalServerError, "build upstream request: %v", err))
		return
	}
	outReq.Header.Set("Content-Type", "application/json")
	policy.ApplyRequestHeaders(outReq, r.Header, pm)

	d.logger.Info("dispatching request",
		"client_protocol", clientProtocol,
		"provider", pm.ProviderID,
		"model", pm.Model,
		"stream", req.Stream,
		"api_key", resolver.RedactKey(pm.APIKey),
		"input_tokens_est", countInputTokens(req),
	)

	resp, err := d.client.Do(outReq)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, classifyTransportError(err))
		return
	}
	defer resp.Body.Close()

	bodyReader, err := decompressReader(resp)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInternal, http.StatusBadGateway, "decompress upstream response: %v", err))
		return
	}
	if closer, ok := bodyReader.(io.Closer); ok {
		defer closer.Close()
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(bodyReader)
		d.logger.Warn("upstream error response", "status", resp.StatusCode, "body", string(errBody))
		d.writeError(r.Context(), w, clientProtocol, newUpstreamError(resp.StatusCode, errBody))
		return
	}

	if req.Stream {
		policy.CopyResponseHeaders(w.Header(), resp.Header)
		w.Header().Set("Content-Type", streamContentType(clientProtocol))
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		d.pumpStream(w, bodyReader, pm, clientProtocol, req)
		return
	}

	respBody, err := io.ReadAll(bodyReader)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInternal, http.StatusBadGateway, "read upstream response: %v", err))
		return
	}

	irResp, err := adapter.AdaptResponse(respBody, req.ToolCompatMode)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindProtocolViolation, http.StatusBadGateway, "adapt response: %v", err))
		return
	}

	clientBody, err := renderResponse(clientProtocol, irResp)
	if err != nil {
		d.writeError(r.Context(), w, clientProtocol, newError(KindInternal, http.StatusInternalServerError, "render response: %v", err))
		return
	}

	policy.CopyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clientBody)
}

// resolveTarget picks the ProxyModel for this request, honouring the
// x-cs-provider-id/x-cs-model-id bypass headers (spec.md §6.3) ahead of
// normal alias resolution.
func (d *Dispatcher) resolveTarget(cfg *config.Config, headers http.Header, alias string) (*resolver.ProxyModel, *Error) {
	if providerID := headers.Get(headerProviderID); providerID != "" {
		modelID := headers.Get(headerModelID)
		if modelID == "" {
			modelID = alias
		}
		pm, err := d.resolver.ResolveDirect(cfg, providerID, modelID)
		if err != nil {
			return nil, resolverError(err, providerID)
		}
		return pm, nil
	}

	group := headers.Get(headerGroup)
	if group == "" {
		group = config.DefaultGroupName
	}

	pm, err := d.resolver.Resolve(cfg, group, alias)
	if err != nil {
		return nil, resolverError(err, alias)
	}
	return pm, nil
}

func resolverError(err error, subject string) *Error {
	switch {
	case errors.Is(err, resolver.ErrAliasNotFound):
		return newError(KindModelAliasNotFound, http.StatusNotFound, "no route matches alias %q", subject)
	case errors.Is(err, resolver.ErrNoBackendTargets):
		return newError(KindNoBackendTargets, http.StatusBadGateway, "alias %q has no backend targets configured", subject)
	case errors.Is(err, resolver.ErrNoKeysAvailable), errors.Is(err, resolver.ErrProviderNotFound), errors.Is(err, resolver.ErrEmptyBaseURL):
		return newError(KindModelDetailsFetch, http.StatusBadGateway, "%v", err)
	default:
		return newError(KindInternal, http.StatusInternalServerError, "resolve %q: %v", subject, err)
	}
}

func (d *Dispatcher) writeError(ctx context.Context, w http.ResponseWriter, clientProtocol string, err *Error) {
	d.logger.Error("dispatch error", "kind", err.Kind, "upstream_kind", err.UpstreamKind, "message", err.Message)

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Message)

	body, status := renderClientError(clientProtocol, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// classifyTransportError distinguishes a timeout from other network
// failures that never produced an upstream HTTP response at all.
func classifyTransportError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newNetworkError(UpstreamTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return newNetworkError(UpstreamNetwork, err)
	}
	return newNetworkError(UpstreamNetwork, err)
}

// mergeCustomParams object-merges an alias's configured custom_params
// onto the adapter-serialised outbound body, last-writer-wins per key
// (spec.md §4.2 item 1).
func mergeCustomParams(body []byte, custom map[string]any) ([]byte, error) {
	if len(custom) == 0 {
		return body, nil
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode outbound body for custom_params merge: %w", err)
	}
	for k, v := range custom {
		out[k] = v
	}
	return json.Marshal(out)
}

// decompressReader unwraps gzip/brotli upstream bodies (spec.md's
// ambient stack carries the teacher's decompression support; the
// transcoded response body never needs Content-Encoding preserved since
// it's re-serialised from scratch before reaching the client).
func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

func streamContentType(clientProtocol string) string {
	if clientProtocol == "ollama" {
		return "application/x-ndjson"
	}
	return "text/event-stream"
}

func renderResponse(clientProtocol string, resp *ir.Response) ([]byte, error) {
	switch clientProtocol {
	case "anthropic":
		return frontend.RenderAnthropicResponse(resp)
	case "gemini":
		return frontend.RenderGeminiResponse(resp)
	case "ollama":
		return frontend.RenderOllamaResponse(resp)
	default:
		return frontend.RenderOpenAIResponse(resp)
	}
}

// newMessageID mints a fresh message identifier for protocols (Ollama)
// whose wire format carries no response id the session can adopt.
func newMessageID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// countInputTokens is a logged-only estimate of the request's prompt size,
// distinct from the streaming estimator in stream.go: it runs once up front
// against the text ccproxy actually received, independent of what the
// resolved backend's own tokenizer would report. Never fed back into
// billing or routing decisions.
func countInputTokens(req *ir.Request) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0
	}
	var sb strings.Builder
	sb.WriteString(req.System)
	for _, m := range req.Messages {
		for _, block := range m.Content {
			if block.Kind == ir.BlockText || block.Kind == ir.BlockThinking {
				sb.WriteByte('\n')
				sb.WriteString(block.Text)
			}
		}
	}
	return len(enc.Encode(sb.String(), nil, nil))
}
