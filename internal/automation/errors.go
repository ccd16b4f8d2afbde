package automation

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Wrap with errors.Mark so callers can test with errors.Is.
var (
	// ErrConfiguration is an invalid or missing setting; the task resolves to disabled.
	ErrConfiguration = errors.New("automation configuration error")
	// ErrTransientStore is a failed query or update; the run is retried on the next trigger.
	ErrTransientStore = errors.New("transient store error")
	// ErrAuditEmission is a failed audit hand-off; it never blocks a transition.
	ErrAuditEmission = errors.New("audit emission error")
	// ErrIrreversibleOperation is a partial failure of permanent deletion.
	ErrIrreversibleOperation = errors.New("irreversible operation failed")
)

var (
	ErrTaskDisabled = errors.New("automation disabled")
	ErrUnknownTask  = errors.New("unknown automation")
	ErrStopped      = errors.New("scheduler stopped")
)

// errAudited marks errors whose audit record was already written by the
// routine that produced them.
var errAudited = errors.New("already audited")

type Class string

const (
	ClassNone           Class = ""
	ClassConfiguration  Class = "configuration"
	ClassTransientStore Class = "transient_store"
	ClassAuditEmission  Class = "audit_emission"
	ClassIrreversible   Class = "irreversible"
	ClassUnknown        Class = "unknown"
)

// Classify maps err onto the error taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrIrreversibleOperation):
		return ClassIrreversible
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrTaskDisabled):
		return ClassConfiguration
	case errors.Is(err, ErrTransientStore):
		return ClassTransientStore
	case errors.Is(err, ErrAuditEmission):
		return ClassAuditEmission
	}
	return ClassUnknown
}

func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrTransientStore)
}
