package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotReady means the extraction service has not finished the job yet.
	ErrNotReady = errors.New("extraction result not ready")
	// ErrUnknownCorrelation means no task carries the correlation id.
	ErrUnknownCorrelation = errors.New("unknown correlation id")
)

// TransientError wraps a failure talking to an external system. The affected item
// is revisited on a later tick and no state becomes terminal because of it.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalTaskError means the extraction service reported the job itself failed.
type TerminalTaskError struct {
	Reason string
}

func (e *TerminalTaskError) Error() string {
	return "extraction failed: " + e.Reason
}

// AssemblyError is a rendering or publishing failure for a whole batch.
type AssemblyError struct {
	BatchID string
	Stage   string
	Err     error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble batch %s: %s: %v", e.BatchID, e.Stage, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// IntegrityError flags a batch that needs operator attention.
type IntegrityError struct {
	BatchID string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("batch %s needs attention: %s", e.BatchID, e.Reason)
}

// Transient wraps err as a TransientError unless it already is one.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried on a later tick. Timeouts and
// network errors count as transient even when not wrapped.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsTerminal reports whether err is a terminal task failure.
func IsTerminal(err error) bool {
	var te *TerminalTaskError
	return errors.As(err, &te)
}

// IsIntegrity reports whether err is a data-integrity violation.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
