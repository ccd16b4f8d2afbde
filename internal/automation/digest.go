package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"hireflow/internal/audit"
	"hireflow/internal/notify"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

// DigestStore supplies pipeline counts.
type DigestStore interface {
	CountByStatus(ctx context.Context) (map[storage.Status]int, error)
	CountCreatedSince(ctx context.Context, t time.Time) (int, error)
}

// AuditCounter counts audit records per actor; optional.
type AuditCounter interface {
	CountAuditByActor(ctx context.Context, kind audit.Kind, since time.Time) (map[string]int, error)
}

// Digest is the weekly pipeline summary.
type Digest struct {
	From            time.Time
	To              time.Time
	ByStatus        map[storage.Status]int
	NewApplications int
	Transitions     map[string]int
	Stale           int
	StaleComputedAt time.Time
}

var statusOrder = []storage.Status{
	storage.StatusApplied, storage.StatusReviewing, storage.StatusInterviewing,
	storage.StatusOffered, storage.StatusHired, storage.StatusRejected, storage.StatusWithdrawn,
}

// Text renders d as plain text.
func (d Digest) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline %s to %s\n", d.From.Format("2006-01-02"), d.To.Format("2006-01-02"))
	fmt.Fprintf(&b, "New applications: %d\n", d.NewApplications)
	b.WriteString("\nOpen by status:\n")
	seen := map[storage.Status]bool{}
	for _, st := range statusOrder {
		seen[st] = true
		if n := d.ByStatus[st]; n > 0 {
			fmt.Fprintf(&b, "  %-13s %d\n", st, n)
		}
	}
	var extra []string
	for st := range d.ByStatus {
		if !seen[st] {
			extra = append(extra, string(st))
		}
	}
	sort.Strings(extra)
	for _, st := range extra {
		fmt.Fprintf(&b, "  %-13s %d\n", st, d.ByStatus[storage.Status(st)])
	}
	if len(d.Transitions) > 0 {
		b.WriteString("\nAutomations this week:\n")
		actors := make([]string, 0, len(d.Transitions))
		for a := range d.Transitions {
			actors = append(actors, a)
		}
		sort.Strings(actors)
		for _, a := range actors {
			fmt.Fprintf(&b, "  %-22s %d\n", strings.TrimPrefix(a, "system:"), d.Transitions[a])
		}
	}
	if !d.StaleComputedAt.IsZero() {
		fmt.Fprintf(&b, "\nStale applications: %d (as of %s)\n", d.Stale, d.StaleComputedAt.Format("2006-01-02 15:04"))
	}
	return b.String()
}

// DigestSender builds and delivers the weekly digest.
type DigestSender struct {
	store   DigestStore
	counter AuditCounter
	stale   StaleReader
	sender  notify.Sender
	sink    audit.Sink
	log     logx.Logger
}

func NewDigestSender(store DigestStore, counter AuditCounter, stale StaleReader, sender notify.Sender, sink audit.Sink, log logx.Logger) *DigestSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sender == nil {
		sender = notify.Nop{}
	}
	return &DigestSender{store: store, counter: counter, stale: stale, sender: sender, sink: sink, log: log.With(logx.String("comp", "digest"))}
}

// Build assembles the digest for the week ending at now.
func (d *DigestSender) Build(ctx context.Context, now time.Time) (Digest, error) {
	dg := Digest{From: now.AddDate(0, 0, -7), To: now}
	var err error
	if dg.ByStatus, err = d.store.CountByStatus(ctx); err != nil {
		return dg, storeErr(err, "count by status")
	}
	if dg.NewApplications, err = d.store.CountCreatedSince(ctx, dg.From); err != nil {
		return dg, storeErr(err, "count new applications")
	}
	if d.counter != nil {
		if dg.Transitions, err = d.counter.CountAuditByActor(ctx, audit.KindTransition, dg.From); err != nil {
			d.log.Warn("automation counts unavailable", logx.Err(err))
			dg.Transitions = nil
		}
	}
	if d.stale != nil {
		dg.Stale = d.stale.Count()
		dg.StaleComputedAt = d.stale.ComputedAt()
	}
	return dg, nil
}

// Run is the digest's RunFunc.
func (d *DigestSender) Run(ctx context.Context, run Run) (Outcome, error) {
	dg, err := d.Build(ctx, run.Now)
	if err != nil {
		return Outcome{}, err
	}
	if err := d.sender.Send(ctx, notify.Message{Subject: "Weekly hiring digest", Body: dg.Text()}); err != nil {
		return Outcome{Failed: 1}, err
	}
	total := 0
	for _, n := range dg.ByStatus {
		total += n
	}
	if err := d.sink.Emit(audit.Record{
		Kind:  audit.KindDigest,
		Actor: audit.SystemActor(string(WeeklyDigest)),
		Metadata: map[string]any{
			"run_id":           run.ID,
			"open":             total,
			"new_applications": dg.NewApplications,
			"stale":            dg.Stale,
		},
	}); err != nil {
		d.log.Warn("digest audit failed", logx.Err(err))
	}
	return Outcome{Matched: total, Succeeded: 1}, nil
}
