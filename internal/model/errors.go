// Package model defines the persistent and volatile data model of a Bundle
// Protocol node: bundles, endpoints, schemes, convergence-layer protocols,
// inducts, outducts, and the event timeline. This package is pure layout —
// it carries no store access and no engine behavior; those live in
// internal/bpdb, internal/vdb, and the L6-L11 engine packages.
package model

import "fmt"

// Code is the three-way return convention used throughout the header this
// engine is modeled on: fatal operations abort the enclosing task, transient
// operations are retried or the bundle is discarded, and success carries on.
type Code int

const (
	// CodeFatal indicates a store failure or other unrecoverable condition.
	// The caller must propagate it to the top of the task and abort any open
	// transaction.
	CodeFatal Code = -1

	// CodeTransient indicates a malformed bundle, congestive admission,
	// unknown destination scheme, or absent route. The bundle is discarded
	// or limbo'd; the task continues.
	CodeTransient Code = 0

	// CodeSuccess indicates the operation completed as requested.
	CodeSuccess Code = 1
)

// BPError wraps an underlying error with the tri-state Code so call sites
// that need the original convention (bpEndAcq, bp_send) can recover it via
// errors.As, while everything else treats it as a normal error.
type BPError struct {
	Code Code
	Op   string
	Err  error
}

func (e *BPError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BPError) Unwrap() error { return e.Err }

// Fatal wraps err as a fatal BPError attributed to op.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BPError{Code: CodeFatal, Op: op, Err: err}
}

// Transient wraps err as a transient BPError attributed to op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BPError{Code: CodeTransient, Op: op, Err: err}
}

// ErrNotFound is returned by store lookups for a key that does not exist.
var ErrNotFound = fmt.Errorf("bpcore: not found")

// ErrCongestive is returned by a ZCO store when a Create or Append would push
// resident bytes past its budget ceiling (zco.Budget.Reserve); the
// acquisition engine treats it as a congestive refusal. BpDB.MaxAcqInHeap
// plays no part in it.
var ErrCongestive = fmt.Errorf("bpcore: acquisition heap budget exhausted")

// ErrMalformed is returned by the acquisition engine when a primary or
// extension block fails to parse.
var ErrMalformed = fmt.Errorf("bpcore: malformed bundle")

// ErrNoRoute is returned by a scheme forwarder (or its stand-in in tests)
// when no outduct can be chosen for a bundle's destination.
var ErrNoRoute = fmt.Errorf("bpcore: no route to destination")

// ErrInterrupted is the sentinel a blocking wait returns when bp_interrupt
// unblocked it rather than the condition it was waiting for.
var ErrInterrupted = fmt.Errorf("bpcore: interrupted")

// ErrShutdown is the sentinel a blocking wait returns when the owning
// BpNode is shutting down.
var ErrShutdown = fmt.Errorf("bpcore: shutdown")
