package vault

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entry or policy does not exist.
var ErrNotFound = errors.New("vault: not found")

// ValidationError rejects a malformed append request. Not retryable; the
// caller must correct the payload and resubmit.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "vault: validation: " + e.Reason
}

// ConflictError signals a lost sequence-allocation race. Retryable: the caller
// re-reads the chain head and tries again.
type ConflictError struct {
	Tenant   string
	Sequence int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("vault: sequence conflict for tenant %s at %d", e.Tenant, e.Sequence)
}

// IntegrityError reports a chain break found during verification. Never
// auto-repaired; everything from Sequence onward is untrusted until a human
// investigates.
type IntegrityError struct {
	Tenant   string
	Sequence int64
	Kind     BreakKind
	Detail   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("vault: integrity break (%s) for tenant %s at sequence %d: %s",
		e.Kind, e.Tenant, e.Sequence, e.Detail)
}

// RetentionPolicyError signals an ambiguous hold state. The retention manager
// fails closed: the affected entry stays out of archival but the business flow
// that produced it is unaffected.
type RetentionPolicyError struct {
	Tenant   string
	Sequence int64
	Reason   string
}

func (e *RetentionPolicyError) Error() string {
	return fmt.Sprintf("vault: retention policy for tenant %s sequence %d: %s",
		e.Tenant, e.Sequence, e.Reason)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
