package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/model"
)

// Sink delivers a batch of request-log rows.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []model.RequestLog) error
}

// LogInserter is the part of the store the PostgreSQL sink needs.
type LogInserter interface {
	InsertRequestLogs(ctx context.Context, logs []model.RequestLog) (int64, error)
}

// StoreSink writes batches with a single COPY into the request_logs table.
type StoreSink struct {
	Store LogInserter
}

// Name implements Sink.
func (s StoreSink) Name() string { return "postgres" }

// Write implements Sink.
func (s StoreSink) Write(ctx context.Context, batch []model.RequestLog) error {
	n, err := s.Store.InsertRequestLogs(ctx, batch)
	if err != nil {
		return err
	}
	if n != int64(len(batch)) {
		return fmt.Errorf("inserted %d of %d request logs", n, len(batch))
	}
	return nil
}

// HTTPSink POSTs batches as {"logs": [...]} to a webhook receiver.
type HTTPSink struct {
	URL    string
	Client *http.Client
}

// NewHTTPSink creates a webhook sink.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Name implements Sink.
func (s *HTTPSink) Name() string { return "http" }

// Write implements Sink.
func (s *HTTPSink) Write(ctx context.Context, batch []model.RequestLog) error {
	payload := struct {
		Logs []model.RequestLog `json:"logs"`
	}{Logs: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request logs: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request log webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send request logs: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("request log receiver returned status %d", resp.StatusCode)
	}
	return nil
}

// EmitterOptions tunes batching.
type EmitterOptions struct {
	BatchSize     int
	BufferSize    int
	FlushInterval time.Duration
	// OnDropped and OnWritten receive row counts.
	OnDropped func(n int)
	OnWritten func(sink string, n int)
}

// Emitter is an async, buffered request-log writer. Rows are batched in a
// ring buffer and flushed to the sink by size or interval. Emit never blocks.
type Emitter struct {
	logger *slog.Logger
	sink   Sink

	batchSize     int
	flushInterval time.Duration
	bufferSize    int
	onDropped     func(n int)
	onWritten     func(sink string, n int)

	ring     []model.RequestLog
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter starts an emitter writing to sink.
func NewEmitter(sink Sink, opts EmitterOptions, logger *slog.Logger) *Emitter {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	e := &Emitter{
		logger:        logger.With("component", "request_logs", "sink", sink.Name()),
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		onDropped:     opts.OnDropped,
		onWritten:     opts.OnWritten,
		ring:          make([]model.RequestLog, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues a row. When the buffer is full, the oldest row is dropped.
func (e *Emitter) Emit(row model.RequestLog) {
	e.ringMu.Lock()
	e.ring[e.ringTail] = row
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	dropped := false
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		dropped = true
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if dropped {
		e.dropped(1)
	}
	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and drains what is buffered until ctx is done.
func (e *Emitter) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		err = e.flush(ctx)
	})
	return err
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			_ = e.flush(context.Background())
		case <-e.flushCh:
			_ = e.flush(context.Background())
		}
	}
}

func (e *Emitter) flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			e.ringMu.Lock()
			n := e.ringLen
			e.ringLen, e.ringHead = 0, e.ringTail
			e.ringMu.Unlock()
			if n > 0 {
				e.dropped(n)
			}
			return err
		}
		batch := e.drain()
		if len(batch) == 0 {
			return nil
		}
		e.send(ctx, batch)
	}
}

func (e *Emitter) drain() []model.RequestLog {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.batchSize)
	batch := make([]model.RequestLog, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(ctx context.Context, batch []model.RequestLog) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := e.sink.Write(ctx, batch); err != nil {
		e.logger.Warn("failed to write request logs", "error", err, "count", len(batch))
		e.dropped(len(batch))
		return
	}
	if e.onWritten != nil {
		e.onWritten(e.sink.Name(), len(batch))
	}
}

func (e *Emitter) dropped(n int) {
	if e.onDropped != nil {
		e.onDropped(n)
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(sink=%s, batch=%d, flush=%s, buf=%d)",
		e.sink.Name(), e.batchSize, e.flushInterval, e.bufferSize)
}
