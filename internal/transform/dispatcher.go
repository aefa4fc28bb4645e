package transform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Output is a transformed image ready to be written to the client.
type Output struct {
	Data        []byte
	Format      string
	ContentType string
}

// ErrEmptyOutput is returned when the engine answers with no bytes.
var ErrEmptyOutput = errors.New("engine returned an empty image")

// Dispatcher maps parsed operations onto engine calls.
type Dispatcher struct {
	engine Engine
}

// NewDispatcher creates a Dispatcher backed by engine.
func NewDispatcher(engine Engine) *Dispatcher {
	return &Dispatcher{engine: engine}
}

// Dispatch transforms the image at imageURL. accept is the client's Accept
// header, used to resolve f_auto. Engine panics are returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, imageURL *url.URL, ops Operations, accept string) (out *Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("engine panic: %v", p)
		}
	}()

	opts := EngineOptions(ops, accept)
	res, err := d.engine.Transform(ctx, imageURL.String(), opts)
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Data) == 0 {
		return nil, ErrEmptyOutput
	}

	format := res.Format
	if format == "" {
		format = formatFromContentType(res.ContentType)
	}
	if format == "" {
		format = opts.Format
	}
	ct := res.ContentType
	if ct == "" {
		ct = Format(format).ContentType()
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &Output{Data: res.Data, Format: format, ContentType: ct}, nil
}

// EngineOptions converts ops into the engine's call shape, resolving
// f_auto against accept.
func EngineOptions(ops Operations, accept string) Options {
	opts := Options{
		Width:   ops.Width,
		Height:  ops.Height,
		Quality: ops.Quality,
		Format:  string(ops.Format),
		Fit:     string(ops.Fit),
		DPR:     ops.DPR,
		Blur:    ops.Blur,
	}
	if ops.Format == FormatAuto {
		opts.Format = string(NegotiateFormat(accept))
	}
	if ops.HasRotate {
		r := ops.Rotate
		opts.Rotate = &r
	}
	return opts
}

// NegotiateFormat picks the best output format the client accepts: AVIF,
// then WebP, then JPEG.
func NegotiateFormat(accept string) Format {
	var avif, webp bool
	for _, part := range strings.Split(accept, ",") {
		mt, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if rejected(params) {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(mt)) {
		case "image/avif":
			avif = true
		case "image/webp":
			webp = true
		}
	}
	switch {
	case avif:
		return FormatAVIF
	case webp:
		return FormatWebP
	default:
		return FormatJPEG
	}
}

// rejected reports whether an Accept entry's parameters carry q=0.
func rejected(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return err == nil && q <= 0
	}
	return false
}
