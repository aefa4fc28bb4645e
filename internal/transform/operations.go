// Package transform parses the operations segment of a signed URL and calls
// the external image transformation engine.
package transform

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Passthrough is the operations segment that requests the source unchanged.
const Passthrough = "_"

// Limits for numeric operations.
const (
	MaxDimension = 8192
	MaxBlur      = 250
	MinDPR       = 1
	MaxDPR       = 4
)

// Format is an output image format.
type Format string

// Output formats. FormatAuto is negotiated from the Accept header.
const (
	FormatAuto Format = "auto"
	FormatAVIF Format = "avif"
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
)

// ContentType returns the media type for f, or "" when f is empty or auto.
func (f Format) ContentType() string {
	switch f {
	case FormatAVIF, FormatWebP, FormatJPEG, FormatPNG, FormatGIF:
		return "image/" + string(f)
	}
	return ""
}

// Fit is the resize mode used when both width and height are set.
type Fit string

// Fit modes.
const (
	FitCover   Fit = "cover"
	FitContain Fit = "contain"
	FitFill    Fit = "fill"
	FitInside  Fit = "inside"
	FitOutside Fit = "outside"
)

// Operations is the parsed operations segment. Zero fields are unset.
type Operations struct {
	Width   int
	Height  int
	Quality int
	Format  Format
	Fit     Fit
	DPR     float64
	Blur    float64
	Rotate  int
	// Rotation needs its own flag since 0 is a valid angle.
	HasRotate bool
}

// IsPassthrough reports whether no transformation was requested.
func (o Operations) IsPassthrough() bool {
	return o == Operations{}
}

// ErrInvalidOperation wraps every parse failure.
var ErrInvalidOperation = errors.New("invalid operation")

// ParseOperations parses a comma-separated operations segment such as
// "w_800,q_80,f_webp". The passthrough segment "_" yields zero Operations.
// Unknown tokens, out of range values and repeated operations are rejected.
func ParseOperations(raw string) (Operations, error) {
	var ops Operations
	if raw == Passthrough {
		return ops, nil
	}
	if raw == "" {
		return ops, fmt.Errorf("%w: empty operations segment", ErrInvalidOperation)
	}

	seen := make(map[string]struct{}, 4)
	for _, tok := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(tok, "_")
		if !ok || name == "" || value == "" {
			return Operations{}, fmt.Errorf("%w: %q", ErrInvalidOperation, tok)
		}
		if _, dup := seen[name]; dup {
			return Operations{}, fmt.Errorf("%w: %q given more than once", ErrInvalidOperation, name)
		}
		seen[name] = struct{}{}

		if err := ops.apply(name, value); err != nil {
			return Operations{}, fmt.Errorf("%w: %q: %w", ErrInvalidOperation, tok, err)
		}
	}
	return ops, nil
}

func (o *Operations) apply(name, value string) error {
	var err error
	switch name {
	case "w":
		o.Width, err = intInRange(value, 1, MaxDimension)
	case "h":
		o.Height, err = intInRange(value, 1, MaxDimension)
	case "q":
		o.Quality, err = intInRange(value, 1, 100)
	case "f":
		o.Format, err = parseFormat(value)
	case "fit":
		o.Fit, err = parseFit(value)
	case "dpr":
		o.DPR, err = floatInRange(value, MinDPR, MaxDPR)
	case "blur":
		o.Blur, err = floatInRange(value, 0.3, MaxBlur)
	case "rotate":
		switch value {
		case "0", "90", "180", "270":
			o.Rotate, _ = strconv.Atoi(value)
			o.HasRotate = true
		default:
			err = errors.New("must be 0, 90, 180 or 270")
		}
	default:
		err = errors.New("unknown operation")
	}
	return err
}

func intInRange(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("not an integer")
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("must be between %d and %d", lo, hi)
	}
	return n, nil
}

func floatInRange(s string, lo, hi float64) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, errors.New("not a number")
	}
	if f < lo || f > hi {
		return 0, fmt.Errorf("must be between %g and %g", lo, hi)
	}
	return f, nil
}

func parseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	case "avif":
		return FormatAVIF, nil
	case "png":
		return FormatPNG, nil
	case "gif":
		return FormatGIF, nil
	case "auto":
		return FormatAuto, nil
	}
	return "", errors.New("unsupported format")
}

func parseFit(s string) (Fit, error) {
	switch f := Fit(strings.ToLower(s)); f {
	case FitCover, FitContain, FitFill, FitInside, FitOutside:
		return f, nil
	}
	return "", errors.New("unsupported fit")
}

// String renders o back into canonical token order.
func (o Operations) String() string {
	if o.IsPassthrough() {
		return Passthrough
	}
	var toks []string
	if o.Width > 0 {
		toks = append(toks, "w_"+strconv.Itoa(o.Width))
	}
	if o.Height > 0 {
		toks = append(toks, "h_"+strconv.Itoa(o.Height))
	}
	if o.Quality > 0 {
		toks = append(toks, "q_"+strconv.Itoa(o.Quality))
	}
	if o.Format != "" {
		toks = append(toks, "f_"+string(o.Format))
	}
	if o.Fit != "" {
		toks = append(toks, "fit_"+string(o.Fit))
	}
	if o.DPR > 0 {
		toks = append(toks, "dpr_"+strconv.FormatFloat(o.DPR, 'g', -1, 64))
	}
	if o.Blur > 0 {
		toks = append(toks, "blur_"+strconv.FormatFloat(o.Blur, 'g', -1, 64))
	}
	if o.HasRotate {
		toks = append(toks, "rotate_"+strconv.Itoa(o.Rotate))
	}
	return strings.Join(toks, ",")
}
