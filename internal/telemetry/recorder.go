package telemetry

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/model"
	"github.com/google/uuid"
)

// Toucher updates usage timestamps in the source of record.
type Toucher interface {
	TouchAPIKey(ctx context.Context, keyID string, at time.Time) error
	TouchProject(ctx context.Context, projectID string, at time.Time) error
}

// LogEmitter accepts request-log rows without blocking.
type LogEmitter interface {
	Emit(row model.RequestLog)
}

// Success describes a request that passed validation and was served.
type Success struct {
	RequestID      string
	ProjectID      string
	APIKeyID       string
	SourceURL      *url.URL
	HTTPStatus     int
	ProcessingTime time.Duration
	// OptimizedSize is the number of bytes sent, or -1 for HEAD.
	OptimizedSize int64
	Format        string
	// SampleOriginal asks for a HEAD measurement of the source size.
	SampleOriginal bool
}

// Denied describes a request that was rejected or failed after the API key
// was resolved. Status is one of model.StatusForbidden,
// model.StatusRateLimited or model.StatusError.
type Denied struct {
	RequestID      string
	ProjectID      string
	APIKeyID       string
	SourceURL      string
	Status         string
	HTTPStatus     int
	Reason         string
	ProcessingTime time.Duration
}

// Recorder schedules post-response telemetry.
type Recorder struct {
	tasks   *Tasks
	emitter LogEmitter
	toucher Toucher
	sampler *Sampler
	now     func() time.Time

	// OnSampled is called after a successful original-size measurement.
	OnSampled func()
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithEmitter sets the request-log destination. Without one, rows are
// discarded.
func WithEmitter(e LogEmitter) RecorderOption {
	return func(r *Recorder) { r.emitter = e }
}

// WithToucher sets the usage timestamp store.
func WithToucher(t Toucher) RecorderOption {
	return func(r *Recorder) { r.toucher = t }
}

// WithSampler enables original-size sampling.
func WithSampler(s *Sampler) RecorderOption {
	return func(r *Recorder) { r.sampler = s }
}

// NewRecorder creates a Recorder that runs its work on tasks.
func NewRecorder(tasks *Tasks, opts ...RecorderOption) *Recorder {
	r := &Recorder{tasks: tasks, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ShouldSample reports whether the current request should measure the
// original size. It is decided on the request path so the response can say
// so in a header.
func (r *Recorder) ShouldSample() bool {
	return r.sampler != nil && r.sampler.ShouldSample()
}

// SetSampleRate updates the original-size sample probability.
func (r *Recorder) SetSampleRate(rate float64) {
	if r.sampler != nil {
		r.sampler.SetRate(rate)
	}
}

// RecordSuccess schedules the usage touch and the request-log row for a
// served request. It returns immediately.
func (r *Recorder) RecordSuccess(ctx context.Context, s Success) {
	at := r.now()

	if r.toucher != nil {
		r.tasks.Go(ctx, "touch", func(ctx context.Context) error {
			return errors.Join(
				r.toucher.TouchAPIKey(ctx, s.APIKeyID, at),
				r.toucher.TouchProject(ctx, s.ProjectID, at),
			)
		})
	}

	if r.emitter == nil {
		return
	}
	r.tasks.Go(ctx, "request_log", func(ctx context.Context) error {
		row := model.RequestLog{
			ID:               uuid.New(),
			RequestID:        s.RequestID,
			ProjectID:        s.ProjectID,
			APIKeyID:         s.APIKeyID,
			Status:           model.StatusSuccess,
			HTTPStatus:       s.HTTPStatus,
			ProcessingTimeMs: s.ProcessingTime.Milliseconds(),
			Format:           s.Format,
			CreatedAt:        at,
		}
		if s.SourceURL != nil {
			row.SourceURL = s.SourceURL.String()
		}
		if s.OptimizedSize >= 0 {
			size := s.OptimizedSize
			row.OptimizedSize = &size
		}
		if s.SampleOriginal && r.sampler != nil && s.SourceURL != nil {
			if size, ok := r.sampler.Measure(ctx, s.SourceURL); ok {
				row.OriginalSize = &size
				if r.OnSampled != nil {
					r.OnSampled()
				}
			}
		}
		r.emitter.Emit(row)
		return nil
	})
}

// RecordDenied schedules a request-log row for a rejected request.
func (r *Recorder) RecordDenied(ctx context.Context, d Denied) {
	if r.emitter == nil {
		return
	}
	at := r.now()
	r.tasks.Go(ctx, "request_log", func(context.Context) error {
		r.emitter.Emit(model.RequestLog{
			ID:               uuid.New(),
			RequestID:        d.RequestID,
			ProjectID:        d.ProjectID,
			APIKeyID:         d.APIKeyID,
			SourceURL:        d.SourceURL,
			Status:           d.Status,
			HTTPStatus:       d.HTTPStatus,
			Reason:           d.Reason,
			ProcessingTimeMs: d.ProcessingTime.Milliseconds(),
			CreatedAt:        at,
		})
		return nil
	})
}

// Close waits for running tasks until ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	return r.tasks.Close(ctx)
}
