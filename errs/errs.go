// Package errs defines the error taxonomy the scheduler and its collaborators
// use to report faults (see "ERROR HANDLING DESIGN" in the design docs).
//
// Every fault that crosses a component boundary is wrapped in a *Fault so the
// scheduler's first-fault slot can carry a stable Kind alongside the
// offending node's name, the way the teacher's runtime package wraps
// low-level errors with fmt.Errorf("...: %w", err) rather than inventing a
// custom errors package.
package errs

import "fmt"

// Kind enumerates the fault categories a driver can report.
type Kind string

const (
	GraphInvalid         Kind = "GraphInvalid"
	SetupFailed          Kind = "SetupFailed"
	IOFailed             Kind = "IOFailed"
	DeviceTransferFailed Kind = "DeviceTransferFailed"
	KernelLaunchFailed   Kind = "KernelLaunchFailed"
	ConfigInvalid        Kind = "ConfigInvalid"
	Cancelled            Kind = "Cancelled"
)

// Fault is the error type carried by the scheduler's first-fault slot.
type Fault struct {
	Kind Kind
	Node string
	Err  error
}

func (f *Fault) Error() string {
	if f.Node == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: node %q: %v", f.Kind, f.Node, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New wraps err with a Kind and the name of the node that raised it.
func New(kind Kind, node string, err error) *Fault {
	return &Fault{Kind: kind, Node: node, Err: err}
}

// Is reports whether err is a *Fault of the given kind.
func Is(err error, kind Kind) bool {
	f, ok := err.(*Fault)
	return ok && f.Kind == kind
}
