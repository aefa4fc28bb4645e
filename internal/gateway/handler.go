package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/EricTsai83/optstuff-sub000/internal/apierror"
	"github.com/EricTsai83/optstuff-sub000/internal/model"
	"github.com/EricTsai83/optstuff-sub000/internal/observability"
	"github.com/EricTsai83/optstuff-sub000/internal/telemetry"
	"github.com/EricTsai83/optstuff-sub000/internal/transform"
	"github.com/EricTsai83/optstuff-sub000/internal/upstream"
)

const immutableCacheControl = "public, s-maxage=31536000, max-age=31536000, immutable"

// Transformer produces the transformed image for a GET.
type Transformer interface {
	Dispatch(ctx context.Context, imageURL *url.URL, ops transform.Operations, accept string) (*transform.Output, error)
}

// Prober answers HEAD requests without touching the engine.
type Prober interface {
	Probe(ctx context.Context, u *url.URL) upstream.ProbeResult
}

// Recorder receives post-response telemetry. *telemetry.Recorder satisfies it.
type Recorder interface {
	ShouldSample() bool
	RecordSuccess(ctx context.Context, s telemetry.Success)
	RecordDenied(ctx context.Context, d telemetry.Denied)
}

// Handler serves GET and HEAD on the signed image path.
type Handler struct {
	validator   *Validator
	transformer Transformer
	prober      Prober
	recorder    Recorder
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewHandler wires the request pipeline.
func NewHandler(
	validator *Validator,
	transformer Transformer,
	prober Prober,
	recorder Recorder,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		validator:   validator,
		transformer: transformer,
		prober:      prober,
		recorder:    recorder,
		metrics:     metrics,
		logger:      logger.With("component", "gateway"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		apierror.Write(w, r, apierror.MethodNotAllowed())
		return
	}

	ctx, span := observability.Tracer().Start(r.Context(), "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.request.method", r.Method)),
	)
	defer span.End()

	timing := &serverTiming{}

	authStart := time.Now()
	_, authSpan := observability.Tracer().Start(ctx, "gateway.auth")
	sc, apiErr := h.validator.Validate(ctx, r)
	authSpan.End()
	timing.add("auth", h.stage("auth", authStart))

	if apiErr != nil {
		span.SetStatus(codes.Error, apiErr.Reason)
		h.reject(ctx, w, r, sc, apiErr, start, timing)
		return
	}

	h.metrics.IncAllowed()
	if rl := sc.RateLimit; rl != nil && rl.Limit > 0 {
		h.metrics.ObserveRemaining(rl.Remaining)
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
	}
	span.SetAttributes(
		attribute.String("optstuff.project", sc.ProjectSlug),
		attribute.String("optstuff.operations", sc.Operations.String()),
	)

	if r.Method == http.MethodHead {
		h.serveHead(ctx, w, r, sc, start, timing)
		return
	}
	h.serveGet(ctx, w, r, sc, start, timing)
}

func (h *Handler) serveHead(ctx context.Context, w http.ResponseWriter, r *http.Request, sc *SignedRequestContext, start time.Time, timing *serverTiming) {
	probeStart := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "gateway.probe")
	res := h.prober.Probe(ctx, sc.ImageURL)
	span.End()
	timing.add("probe", h.stage("probe", probeStart))
	h.metrics.ObserveProbe(res.Reason)

	if !res.OK {
		h.fail(ctx, w, r, sc, res.Err(), start, timing)
		return
	}

	hdr := w.Header()
	if res.ContentType != "" {
		hdr.Set("Content-Type", res.ContentType)
	}
	if res.ContentLength >= 0 {
		hdr.Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	}
	h.succeed(ctx, w, r, sc, start, timing, "", -1, false)
}

func (h *Handler) serveGet(ctx context.Context, w http.ResponseWriter, r *http.Request, sc *SignedRequestContext, start time.Time, timing *serverTiming) {
	transformStart := time.Now()
	tctx, span := observability.Tracer().Start(ctx, "gateway.transform")
	out, err := h.transformer.Dispatch(tctx, sc.ImageURL, sc.Operations, r.Header.Get("Accept"))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	timing.add("transform", h.stage("transform", transformStart))

	if err != nil {
		apiErr := apierror.FromEngine(err)
		h.metrics.IncEngineErrors(apiErr.Status)
		h.logger.Warn("transform failed",
			"project", sc.ProjectSlug, "status", apiErr.Status, "error", err)
		h.fail(ctx, w, r, sc, apiErr, start, timing)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", out.ContentType)
	hdr.Set("Content-Length", strconv.Itoa(len(out.Data)))
	h.succeed(ctx, w, r, sc, start, timing, out.Format, int64(len(out.Data)), h.recorder.ShouldSample())
	_, _ = w.Write(out.Data)
}

// succeed writes the 200 headers and schedules the success telemetry. The
// body, if any, is written by the caller afterwards. Only transforms sample
// the original size.
func (h *Handler) succeed(ctx context.Context, w http.ResponseWriter, r *http.Request, sc *SignedRequestContext, start time.Time, timing *serverTiming, format string, size int64, sampled bool) {
	hdr := w.Header()
	hdr.Set("Cache-Control", immutableCacheControl)
	hdr.Set("Vary", vary(sc.Project))
	hdr.Set("X-Original-Size-Sampled", strconv.FormatBool(sampled))
	total := time.Since(start)
	finishTiming(hdr, timing, total)
	w.WriteHeader(http.StatusOK)

	h.recorder.RecordSuccess(ctx, telemetry.Success{
		RequestID:      hdr.Get("X-Request-Id"),
		ProjectID:      sc.Project.ID,
		APIKeyID:       sc.APIKey.ID,
		SourceURL:      sc.ImageURL,
		HTTPStatus:     http.StatusOK,
		ProcessingTime: total,
		OptimizedSize:  size,
		Format:         format,
		SampleOriginal: sampled,
	})
}

// reject answers a request that failed validation.
func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, r *http.Request, sc *SignedRequestContext, e *apierror.Error, start time.Time, timing *serverTiming) {
	switch e.Kind {
	case apierror.KindRateLimit:
		h.metrics.IncLimited(e.Reason)
	default:
		h.metrics.IncAuthRejected(e.Reason)
	}
	if e.Status >= http.StatusInternalServerError {
		h.logger.Error("validation dependency failed", "reason", e.Reason, "error", e.Unwrap())
	} else {
		h.logger.Debug("request rejected", "status", e.Status, "reason", e.Reason)
	}

	var status string
	switch e.Status {
	case http.StatusForbidden:
		status = model.StatusForbidden
	case http.StatusTooManyRequests:
		status = model.StatusRateLimited
	}
	h.write(ctx, w, r, sc, e, start, timing, status)
}

// fail answers a validated request whose probe or transform failed.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, r *http.Request, sc *SignedRequestContext, e *apierror.Error, start time.Time, timing *serverTiming) {
	status := model.StatusError
	if e.Status == http.StatusForbidden {
		status = model.StatusForbidden
	}
	h.write(ctx, w, r, sc, e, start, timing, status)
}

func (h *Handler) write(ctx context.Context, w http.ResponseWriter, r *http.Request, sc *SignedRequestContext, e *apierror.Error, start time.Time, timing *serverTiming, logStatus string) {
	total := time.Since(start)
	finishTiming(w.Header(), timing, total)
	if sc.Project != nil && sc.Project.RestrictsReferer() {
		w.Header().Set("Vary", vary(sc.Project))
	}
	apierror.Write(w, r, e)

	if logStatus == "" || sc.APIKey == nil {
		return
	}
	d := telemetry.Denied{
		RequestID:      w.Header().Get("X-Request-Id"),
		ProjectID:      sc.APIKey.ProjectID,
		APIKeyID:       sc.APIKey.ID,
		SourceURL:      sourceForLog(sc),
		Status:         logStatus,
		HTTPStatus:     e.Status,
		Reason:         e.Reason,
		ProcessingTime: total,
	}
	h.recorder.RecordDenied(ctx, d)
}

func (h *Handler) stage(name string, start time.Time) time.Duration {
	d := time.Since(start)
	h.metrics.ObserveStage(name, d)
	return d
}

func sourceForLog(sc *SignedRequestContext) string {
	if sc.ImageURL != nil {
		return sc.ImageURL.String()
	}
	return sc.ImagePath
}

func vary(p *model.ProjectConfig) string {
	if p != nil && p.RestrictsReferer() {
		return "Accept, Referer"
	}
	return "Accept"
}

func finishTiming(h http.Header, t *serverTiming, total time.Duration) {
	t.add("total", total)
	h.Set("Server-Timing", t.String())
	h.Set("X-Processing-Time", formatMillis(total)+"ms")
}

// serverTiming accumulates Server-Timing metrics in order.
type serverTiming struct {
	parts []string
}

func (t *serverTiming) add(name string, d time.Duration) {
	t.parts = append(t.parts, name+";dur="+formatMillis(d))
}

func (t *serverTiming) String() string {
	return strings.Join(t.parts, ", ")
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.1f", float64(d.Microseconds())/1000)
}
