package domain

import (
	"fmt"
	"strings"
)

// Violation is one validation problem. Errors aggregate all of them so
// callers see the complete problem set, not just the first.
type Violation struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// ValidationError reports every violation found in a create/update.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Field != "" {
			parts = append(parts, v.Field+": "+v.Reason)
			continue
		}
		parts = append(parts, v.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NotFoundError identifies a missing type, field, entity, process or event.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError is an optimistic concurrency violation. The caller must
// re-read and retry with fresh state.
type ConflictError struct {
	Kind     string
	ID       string
	Revision int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s changed since revision %d", e.Kind, e.ID, e.Revision)
}

// UnresolvedReferenceError means condition evaluation could not resolve a
// query source or field. It is propagated, never coerced to false.
type UnresolvedReferenceError struct {
	Ref    string
	Reason string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %s", e.Ref, e.Reason)
}

// TypeMismatchError means an operator was applied to value kinds it does not
// support.
type TypeMismatchError struct {
	Operator Operator
	Left     string
	Right    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("operator %s cannot compare %s with %s", e.Operator, e.Left, e.Right)
}

// UnsupportedOperatorError marks a malformed condition definition. It is
// fatal to that definition and never retried.
type UnsupportedOperatorError struct {
	Operator string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("unsupported operator %q", e.Operator)
}

// ActionExecutionError wraps a failed action side effect. Attempts are
// retried up to policy before the step goes terminally failed.
type ActionExecutionError struct {
	StepID string
	Err    error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action step %s failed: %v", e.StepID, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }
