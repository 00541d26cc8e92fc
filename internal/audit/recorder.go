package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"authgate/internal/ids"
	"authgate/internal/models"
)

// Recorder hands events to a Sink. With a buffer it never blocks the caller:
// one goroutine drains the queue and a full queue drops the event with an
// error log. With buffer 0 every Record writes inline, bounded by timeout.
// Sink failures are logged and never returned.
type Recorder struct {
	sink    Sink
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	events chan models.AuditEvent
	done   chan struct{}
}

func NewRecorder(sink Sink, logger zerolog.Logger, buffer int, timeout time.Duration) *Recorder {
	r := &Recorder{
		sink:    sink,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if buffer > 0 {
		r.events = make(chan models.AuditEvent, buffer)
		go r.run()
	} else {
		close(r.done)
	}
	return r
}

// Record stamps the event with an id and timestamp when missing and queues it.
func (r *Recorder) Record(ctx context.Context, event models.AuditEvent) {
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.events == nil || r.closed {
		r.write(context.WithoutCancel(ctx), event)
		return
	}

	select {
	case r.events <- event:
	default:
		r.logger.Error().
			Str("event_id", event.ID).
			Str("event_type", string(event.EventType)).
			Msg("audit buffer full, event dropped")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for event := range r.events {
		r.write(context.Background(), event)
	}
}

func (r *Recorder) write(ctx context.Context, event models.AuditEvent) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.sink.Append(ctx, event); err != nil {
		r.logger.Error().
			Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.EventType)).
			Bool("success", event.Success).
			Msg("audit append failed")
	}
}

// Close stops accepting queued events and waits for the queue to drain.
// Later Record calls write inline.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		if r.events != nil {
			close(r.events)
		}
	}
	r.mu.Unlock()
	<-r.done
}
