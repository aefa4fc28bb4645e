package telemetry

import (
	"context"
	"math"
	"math/rand/v2"
	"net/url"
	"sync/atomic"

	"github.com/EricTsai83/optstuff-sub000/internal/upstream"
	"golang.org/x/time/rate"
)

// SizeProber issues the HEAD request used to measure a source image.
type SizeProber interface {
	Probe(ctx context.Context, u *url.URL) upstream.ProbeResult
}

// Sampler decides which successful requests also measure the original
// source size, and performs the measurement.
type Sampler struct {
	prober  SizeProber
	rate    atomic.Uint64 // math.Float64bits of the sample probability
	limiter *rate.Limiter
	random  func() float64
}

// NewSampler creates a sampler. sampleRate is clamped to [0,1]; maxRPS caps
// measurements per second across the process (0 disables the cap).
func NewSampler(prober SizeProber, sampleRate, maxRPS float64) *Sampler {
	s := &Sampler{prober: prober, random: rand.Float64}
	s.SetRate(sampleRate)
	if maxRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(maxRPS), max(1, int(math.Ceil(maxRPS))))
	}
	return s
}

// SetRate updates the sample probability.
func (s *Sampler) SetRate(r float64) {
	switch {
	case math.IsNaN(r), r < 0:
		r = 0
	case r > 1:
		r = 1
	}
	s.rate.Store(math.Float64bits(r))
}

// Rate returns the current sample probability.
func (s *Sampler) Rate() float64 {
	return math.Float64frombits(s.rate.Load())
}

// ShouldSample rolls the dice for one request.
func (s *Sampler) ShouldSample() bool {
	r := s.Rate()
	if r <= 0 || s.random() >= r {
		return false
	}
	return s.limiter == nil || s.limiter.Allow()
}

// Measure returns the source size reported by a HEAD request, or false when
// it is unknown. Every failure is swallowed.
func (s *Sampler) Measure(ctx context.Context, u *url.URL) (int64, bool) {
	res := s.prober.Probe(ctx, u)
	if !res.OK || res.ContentLength < 0 {
		return 0, false
	}
	return res.ContentLength, true
}
