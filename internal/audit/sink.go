package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	rtsup "hireflow/internal/runtime/supervisor"
	logx "hireflow/pkg/logx"
)

var (
	ErrSinkClosed = errors.New("audit sink closed")
	ErrQueueFull  = errors.New("audit queue full")
)

// Sink receives audit records.
type Sink interface {
	// Emit hands r off without waiting for it to be written. The error only
	// reports a local hand-off failure (queue full, sink closed).
	Emit(r Record) error
	// EmitDurable returns once r is written.
	EmitDurable(ctx context.Context, r Record) error
}

// Writer persists one record. *storage.SQLite implements it.
type Writer interface {
	AppendAudit(ctx context.Context, r Record) error
}

type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
	// Retries is the number of extra write attempts per queued record.
	Retries int
}

type Stats struct {
	Queued  int    `json:"queued"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// AsyncSink writes records from a bounded queue on a single worker so the
// order of Emit calls is the order in the log.
type AsyncSink struct {
	w   Writer
	cfg Config
	log logx.Logger
	now func() time.Time

	mu        sync.Mutex
	accepting bool
	queue     chan Record
	sup       *rtsup.Supervisor
	sendWG    sync.WaitGroup

	hookMu   sync.RWMutex
	critical []func(Record)

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewAsync(w Writer, cfg Config, log logx.Logger) *AsyncSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &AsyncSink{
		w:         w,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		accepting: true,
		queue:     make(chan Record, cfg.QueueSize),
	}
}

// OnCritical registers fn for every written record with critical severity.
func (s *AsyncSink) OnCritical(fn func(Record)) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.critical = append(s.critical, fn)
	s.hookMu.Unlock()
}

// Start launches the writer. Records emitted before Start stay queued.
func (s *AsyncSink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "audit"))),
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	s.sup.GoRestart("writer", func(c context.Context) error {
		return s.writeLoop(c, q)
	}, 100*time.Millisecond, 5*time.Second)
}

func (s *AsyncSink) Emit(r Record) error {
	r = r.Normalize(s.now())
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.sendWG.Add(1)
	q := s.queue
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- r:
		return nil
	default:
		s.dropped.Add(1)
		s.log.Warn("audit queue full, record dropped",
			logx.String("kind", string(r.Kind)), logx.String("actor", r.Actor), logx.Int64("entity_id", r.EntityID))
		return ErrQueueFull
	}
}

func (s *AsyncSink) EmitDurable(ctx context.Context, r Record) error {
	r = r.Normalize(s.now())
	if err := s.w.AppendAudit(ctx, r); err != nil {
		s.failed.Add(1)
		return errors.Wrapf(err, "durable audit write %s", r.ID)
	}
	s.written.Add(1)
	s.fireCritical(r)
	return nil
}

func (s *AsyncSink) writeLoop(ctx context.Context, q <-chan Record) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-q:
			if !ok {
				return nil
			}
			s.write(ctx, r)
		}
	}
}

func (s *AsyncSink) write(ctx context.Context, r Record) {
	var err error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				s.failed.Add(1)
				s.log.Error("audit write abandoned", logx.String("id", r.ID), logx.Err(err))
				return
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
		err = s.w.AppendAudit(wctx, r)
		cancel()
		if err == nil {
			s.written.Add(1)
			s.fireCritical(r)
			return
		}
	}
	s.failed.Add(1)
	s.log.Error("audit write failed",
		logx.String("id", r.ID), logx.String("kind", string(r.Kind)), logx.Int64("entity_id", r.EntityID), logx.Err(err))
}

func (s *AsyncSink) fireCritical(r Record) {
	if !r.IsCritical() {
		return
	}
	s.hookMu.RLock()
	hooks := append([]func(Record){}, s.critical...)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(r)
	}
}

// Drain stops intake and waits for queued records to be written, bounded by
// ctx. Records still queued when ctx ends are lost.
func (s *AsyncSink) Drain(ctx context.Context) error {
	s.mu.Lock()
	if !s.accepting {
		sup := s.sup
		s.mu.Unlock()
		if sup != nil {
			return sup.Wait(ctx)
		}
		return nil
	}
	s.accepting = false
	sup := s.sup
	s.mu.Unlock()

	s.sendWG.Wait()
	close(s.queue)
	if sup == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil {
		left := len(s.queue)
		sup.Cancel()
		s.log.Warn("audit drain timed out", logx.Int("abandoned", left), logx.Err(err))
		return errors.WithDetailf(errors.Wrap(err, "drain audit sink"), "%d records abandoned", left)
	}
	return nil
}

func (s *AsyncSink) Stats() Stats {
	return Stats{
		Queued:  len(s.queue),
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
	}
}
