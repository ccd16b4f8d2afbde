// Package notify delivers operator messages: the weekly digest and alerts
// for critical audit records.
//
// Service wraps a Transport with a token-bucket rate limit, retry with
// jittered backoff and a short dedup window. Send is synchronous; Notify
// queues and returns immediately.
package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	rtsup "hireflow/internal/runtime/supervisor"
	logx "hireflow/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

type Priority int

const (
	PriorityInfo     Priority = 0
	PriorityWarning  Priority = 7
	PriorityCritical Priority = 9
)

type Message struct {
	Subject  string
	Body     string
	Priority Priority
}

// Text is the rendered message as transports send it.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(prefixForPriority(m.Priority))
	if m.Subject != "" {
		b.WriteString(m.Subject)
		if m.Body != "" {
			b.WriteString("\n\n")
		}
	}
	b.WriteString(m.Body)
	return b.String()
}

func prefixForPriority(p Priority) string {
	switch {
	case p >= PriorityCritical:
		return "[CRITICAL] "
	case p >= PriorityWarning:
		return "[WARN] "
	}
	return ""
}

// Sender is what the scheduler depends on.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Transport delivers one message once.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, text string) error
}

type Config struct {
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	DedupWindow   time.Duration
	QueueSize     int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

type Service struct {
	tr      Transport
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time

	mu        sync.Mutex
	accepting bool
	queue     chan Message
	sup       *rtsup.Supervisor
}

func New(tr Transport, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Service{
		tr:      tr,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "notify"), logx.String("transport", tr.Name())),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		dedup:   map[string]time.Time{},
	}
}

// Start launches the worker behind Notify.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	q := s.queue
	s.sup.GoRestart("worker", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case m, ok := <-q:
				if !ok {
					return nil
				}
				if err := s.Send(c, m); err != nil {
					s.log.Warn("queued notification failed", logx.Err(err))
				}
			}
		}
	}, time.Second, 30*time.Second)
}

// Stop closes intake and waits for queued messages until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	close(s.queue)
	sup := s.sup
	s.mu.Unlock()
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		return err
	}
	return nil
}

// Notify queues m for background delivery.
func (s *Service) Notify(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return ErrStopped
	}
	select {
	case s.queue <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// Send delivers m, retrying transient failures. Duplicates inside the dedup
// window are dropped silently.
func (s *Service) Send(ctx context.Context, m Message) error {
	text := m.Text()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !s.dedupAllow(text) {
		s.log.Debug("duplicate notification suppressed")
		return nil
	}

	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limit wait")
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.tr.Deliver(callCtx, text)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Wrap(ctx.Err(), "notify retry")
		}
	}
	s.forget(text)
	return errors.Wrapf(lastErr, "send via %s after %d attempts", s.tr.Name(), attempts)
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(text string) bool {
	if s.cfg.DedupWindow <= 0 {
		return true
	}
	now := time.Now()
	key := dedupKey(text)
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return true
}

// forget lets a failed message be retried by a later Send.
func (s *Service) forget(text string) {
	s.dmu.Lock()
	delete(s.dedup, dedupKey(text))
	s.dmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

// Nop discards everything.
type Nop struct{}

func (Nop) Send(context.Context, Message) error { return nil }
