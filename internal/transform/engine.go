package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/config"
)

// Options is the engine's call shape for one transformation.
type Options struct {
	Width   int     `json:"width,omitempty"`
	Height  int     `json:"height,omitempty"`
	Quality int     `json:"quality,omitempty"`
	Format  string  `json:"format,omitempty"`
	Fit     string  `json:"fit,omitempty"`
	DPR     float64 `json:"dpr,omitempty"`
	Blur    float64 `json:"blur,omitempty"`
	Rotate  *int    `json:"rotate,omitempty"`
}

// Result is what an engine returns for a successful transformation.
type Result struct {
	Data        []byte
	Format      string
	ContentType string
}

// Engine transforms the image at url.
type Engine interface {
	Transform(ctx context.Context, url string, opts Options) (*Result, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, url string, opts Options) (*Result, error)

// Transform calls f.
func (f EngineFunc) Transform(ctx context.Context, url string, opts Options) (*Result, error) {
	return f(ctx, url, opts)
}

// EngineError is a non-2xx answer from the engine.
type EngineError struct {
	Status int
	Body   string
}

func (e *EngineError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("engine returned status %d", e.Status)
	}
	return fmt.Sprintf("engine returned status %d: %s", e.Status, e.Body)
}

// StatusCode returns the engine's HTTP status.
func (e *EngineError) StatusCode() int { return e.Status }

// ErrResponseTooLarge is returned when the engine output exceeds the
// configured cap.
var ErrResponseTooLarge = errors.New("engine response exceeds size limit")

// HTTPEngine calls a transformation engine over HTTP. Each call POSTs
// {"url": ..., "options": {...}} and expects the image bytes back.
type HTTPEngine struct {
	endpoint string
	client   *http.Client
	maxBytes int64
}

// NewHTTPEngine creates an engine client from the configuration.
func NewHTTPEngine(cfg config.EngineConfig) *HTTPEngine {
	timeout := config.MustParseDuration(cfg.Timeout, 30*time.Second)
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // The engine is a single host.
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPEngine{
		endpoint: cfg.URL,
		client:   &http.Client{Timeout: timeout, Transport: transport},
		maxBytes: maxBytes,
	}
}

type engineRequest struct {
	URL     string  `json:"url"`
	Options Options `json:"options"`
}

// Transform implements Engine.
func (e *HTTPEngine) Transform(ctx context.Context, url string, opts Options) (*Result, error) {
	body, err := json.Marshal(engineRequest{URL: url, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("marshal engine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &EngineError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if resp.ContentLength > e.maxBytes {
		return nil, ErrResponseTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read engine response: %w", err)
	}
	if int64(len(data)) > e.maxBytes {
		return nil, ErrResponseTooLarge
	}

	ct := resp.Header.Get("Content-Type")
	return &Result{
		Data:        data,
		Format:      formatFromContentType(ct),
		ContentType: ct,
	}, nil
}

func formatFromContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	sub, ok := strings.CutPrefix(mt, "image/")
	if !ok {
		return ""
	}
	switch sub {
	case "jpg", "pjpeg":
		return string(FormatJPEG)
	case "svg+xml":
		return "svg"
	}
	return sub
}
