// Package gateway implements the translation pipeline behind POST
// /v1/messages: decode the Messages request, consult the fingerprint cache,
// translate, gate on the circuit breaker, dispatch to the backend, and
// assemble the response back into the client protocol.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/claudeshim/claudeshim/internal/api/anthropic"
	"github.com/claudeshim/claudeshim/internal/api/openai"
	"github.com/claudeshim/claudeshim/internal/breaker"
	"github.com/claudeshim/claudeshim/internal/domain"
	"github.com/claudeshim/claudeshim/internal/fingerprint"
	"github.com/claudeshim/claudeshim/internal/server"
	"github.com/claudeshim/claudeshim/internal/stream"
	"github.com/claudeshim/claudeshim/internal/tokens"
	"github.com/claudeshim/claudeshim/internal/trace"
	"github.com/claudeshim/claudeshim/internal/translate"
)

// Backend is the outbound side of the pipeline. *openai.Client implements
// it; tests substitute stubs.
type Backend interface {
	CreateChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest) (<-chan openai.StreamResult, error)
}

// Gateway wires the per-backend collaborators together. All shared state
// (breaker, cache) lives in the injected instances; the gateway itself holds
// none.
type Gateway struct {
	logger      *slog.Logger
	backend     Backend
	backendName string
	translator  *translate.Translator
	cache       *fingerprint.Cache
	breaker     *breaker.Breaker
	recorder    *trace.Recorder
	estimator   *tokens.Estimator
}

// New creates a gateway for one backend target.
func New(logger *slog.Logger, backend Backend, backendName string,
	translator *translate.Translator, cache *fingerprint.Cache,
	brk *breaker.Breaker, recorder *trace.Recorder) *Gateway {
	return &Gateway{
		logger:      logger,
		backend:     backend,
		backendName: backendName,
		translator:  translator,
		cache:       cache,
		breaker:     brk,
		recorder:    recorder,
		estimator:   tokens.NewEstimator(),
	}
}

// Routes mounts the gateway's endpoints.
func (g *Gateway) Routes(r chi.Router) {
	r.Post("/v1/messages", g.HandleMessages)
	r.Get("/v1/metrics", g.HandleMetrics)
	r.Get("/health", g.HandleHealth)
}

// HandleMessages serves both streaming and non-streaming Messages requests.
func (g *Gateway) HandleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, domain.ErrInvalidRequest("invalid request body: "+err.Error()))
		return
	}
	if err := validateRequest(&req); err != nil {
		g.writeError(w, r, err)
		return
	}

	res, err := g.translator.Translate(&req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	server.AddLogField(ctx, "model", req.Model)
	if res.CacheHit {
		server.AddLogField(ctx, "fingerprint_hit", "true")
	}
	for _, warning := range res.Warnings {
		g.logger.Warn("schema degraded for backend",
			slog.String("path", warning.Path),
			slog.String("detail", warning.Message),
		)
	}

	// Breaker gate: an open circuit rejects before any network attempt.
	if !g.breaker.ShouldAllowRequest() {
		server.AddLogField(ctx, "breaker", "open")
		g.writeError(w, r, domain.ErrCircuitOpen(g.backendName))
		return
	}

	rec := &trace.Record{
		RequestID: server.GetRequestID(ctx),
		Model:     req.Model,
		Streaming: req.Stream,
		CacheHit:  res.CacheHit,
	}
	rec.Request = g.traceRequestPayload(r, &req)

	if req.Stream {
		g.serveStream(w, r, &req, res, rec)
		return
	}
	g.serveOnce(w, r, &req, res, rec)
}

// serveOnce handles the non-streaming path.
func (g *Gateway) serveOnce(w http.ResponseWriter, r *http.Request, req *anthropic.MessagesRequest, res *translate.Result, rec *trace.Record) {
	ctx := r.Context()
	start := time.Now()

	backendResp, err := g.backend.CreateChatCompletion(ctx, &res.Request)
	if err != nil {
		g.breaker.RecordFailure()
		apiErr := classifyBackendError(g.backendName, err)
		rec.Error = apiErr.Error()
		g.saveTrace(ctx, rec, start)
		g.writeError(w, r, apiErr)
		return
	}
	g.breaker.RecordSuccess()
	g.breaker.RecordLatency(time.Since(start))

	out, err := stream.AssembleResponse(backendResp)
	if err != nil {
		g.writeError(w, r, domain.ErrServer(err.Error()))
		return
	}
	g.fillUsage(out, &res.Request)

	rec.StopReason = out.StopReason
	rec.InputTokens = out.Usage.InputTokens
	rec.OutputTokens = out.Usage.OutputTokens
	for _, block := range out.Content {
		if block.Type == "tool_use" {
			rec.ToolCalls++
		}
	}
	if raw, err := json.Marshal(out); err == nil {
		rec.Response = string(raw)
	}
	g.saveTrace(ctx, rec, start)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// serveStream handles the streaming path: backend chunks are translated and
// flushed to the client as they arrive.
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, req *anthropic.MessagesRequest, res *translate.Result, rec *trace.Record) {
	ctx := r.Context()
	start := time.Now()

	chunks, err := g.backend.StreamChatCompletion(ctx, &res.Request)
	if err != nil {
		g.breaker.RecordFailure()
		apiErr := classifyBackendError(g.backendName, err)
		rec.Error = apiErr.Error()
		g.saveTrace(ctx, rec, start)
		g.writeError(w, r, apiErr)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emitter := stream.NewSSEEmitter(w)
	assembler := stream.NewAssembler(emitter, req.Model)

	for result := range chunks {
		if result.Err != nil {
			// A cancelled request context means the client hung up. That
			// is not a backend fault, so the breaker is left untouched.
			if errors.Is(result.Err, context.Canceled) && ctx.Err() != nil {
				server.AddError(ctx, result.Err)
				rec.Error = result.Err.Error()
				g.saveTrace(ctx, rec, start)
				return
			}
			g.breaker.RecordFailure()
			apiErr := classifyBackendError(g.backendName, result.Err)
			rec.Error = apiErr.Error()
			g.saveTrace(ctx, rec, start)
			server.AddError(ctx, result.Err)
			// Headers are gone; report the failure in-band.
			emitter.Emit("error", anthropic.NewErrorResponse(apiErr.WireType(), apiErr.Message))
			return
		}
		if err := assembler.Push(result.Chunk); err != nil {
			server.AddError(ctx, err)
			return
		}
	}

	sum, err := assembler.Close()
	if err != nil {
		server.AddError(ctx, err)
		return
	}
	g.breaker.RecordSuccess()
	g.breaker.RecordLatency(time.Since(start))

	rec.StopReason = sum.StopReason
	rec.ToolCalls = sum.ToolCalls
	if sum.Usage != nil {
		rec.InputTokens = sum.Usage.PromptTokens
		rec.OutputTokens = sum.Usage.CompletionTokens
	} else {
		rec.InputTokens = g.estimator.EstimateRequest(&res.Request)
		rec.OutputTokens = g.estimator.CountText(req.Model, sum.OutputText)
	}
	g.saveTrace(ctx, rec, start)
}

// HandleMetrics reports breaker and cache counters.
func (g *Gateway) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"breaker": g.breaker.Metrics(),
		"cache":   g.cache.Metrics(),
	})
}

// HandleHealth is the liveness endpoint.
func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// fillUsage estimates token usage when the backend reported none.
func (g *Gateway) fillUsage(out *anthropic.MessagesResponse, backendReq *openai.ChatCompletionRequest) {
	if out.Usage.InputTokens > 0 || out.Usage.OutputTokens > 0 {
		return
	}
	out.Usage.InputTokens = g.estimator.EstimateRequest(backendReq)
	var text string
	for _, block := range out.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	out.Usage.OutputTokens = g.estimator.CountText(backendReq.Model, text)
}

// traceRequestPayload builds the redacted request copy handed to the trace
// recorder: sanitized headers plus the decoded body.
func (g *Gateway) traceRequestPayload(r *http.Request, req *anthropic.MessagesRequest) string {
	payload := map[string]any{
		"headers": trace.RedactHeaders(r.Header),
		"body":    req,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (g *Gateway) saveTrace(ctx context.Context, rec *trace.Record, start time.Time) {
	rec.LatencyMs = time.Since(start).Milliseconds()
	if err := g.recorder.Save(ctx, rec); err != nil {
		g.logger.Warn("failed to save trace record", slog.String("error", err.Error()))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)
	server.AddError(r.Context(), apiErr)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	json.NewEncoder(w).Encode(anthropic.NewErrorResponse(apiErr.WireType(), apiErr.Message))
}

func validateRequest(req *anthropic.MessagesRequest) error {
	if req.Model == "" {
		return domain.ErrInvalidRequest("model is required").WithParam("model")
	}
	if req.MaxTokens <= 0 {
		return domain.ErrInvalidRequest("max_tokens must be positive").WithParam("max_tokens")
	}
	if len(req.Messages) == 0 {
		return domain.ErrInvalidRequest("messages must not be empty").WithParam("messages")
	}
	return nil
}

// classifyBackendError maps transport and backend failures onto the error
// taxonomy. Inactivity is kept distinct from fast errors.
func classifyBackendError(backendName string, err error) *domain.APIError {
	if errors.Is(err, openai.ErrInactivity) {
		return domain.ErrBackendTimeout("backend " + backendName + " stopped responding mid-request")
	}

	var backendErr *openai.APIError
	if errors.As(err, &backendErr) {
		switch backendErr.Type {
		case "invalid_request_error":
			if backendErr.Code == "context_length_exceeded" {
				return domain.ErrContextLength(backendErr.Message)
			}
			return domain.ErrInvalidRequest(backendErr.Message)
		case "authentication_error":
			return domain.ErrAuthentication(backendErr.Message)
		case "rate_limit_error":
			return domain.ErrRateLimit(backendErr.Message)
		default:
			return domain.ErrServer(backendErr.Message)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrServer("request cancelled: " + err.Error())
	}
	return domain.ErrBackendUnavailable("backend " + backendName + " is unreachable: " + err.Error())
}
