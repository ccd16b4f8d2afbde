package audit

import (
	"context"
	"sync"
	"time"
)

// MemorySink keeps records in memory. Fail, when set, is consulted for every
// record and a non-nil result is returned instead of storing it.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	Fail    func(Record) error
}

func NewMemory() *MemorySink { return &MemorySink{} }

func (m *MemorySink) add(r Record) error {
	r = r.Normalize(time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(r); err != nil {
			return err
		}
	}
	m.records = append(m.records, r)
	return nil
}

func (m *MemorySink) Emit(r Record) error { return m.add(r) }

func (m *MemorySink) EmitDurable(_ context.Context, r Record) error { return m.add(r) }

func (m *MemorySink) AppendAudit(_ context.Context, r Record) error { return m.add(r) }

// Records returns a copy of everything stored so far.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// ByKind filters Records by kind.
func (m *MemorySink) ByKind(k Kind) []Record {
	var out []Record
	for _, r := range m.Records() {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemorySink) Reset() {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
}
