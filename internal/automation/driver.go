// Package automation defines the boundary to the browser-driven site
// drivers. The coordinator never looks past this contract: a driver is an
// opaque asynchronous machine that logs in, occasionally asks for user
// input, and performs transfers.
package automation

import (
	"context"
	"errors"
	"fmt"
)

// InputKind is the kind of user input a driver is currently waiting for.
type InputKind string

const (
	// InputNone means no input is pending.
	InputNone InputKind = ""
	// InputSMSCode is a one-time passcode delivered out-of-band.
	InputSMSCode InputKind = "sms_code"
	// InputCardNumber is a card identifier prompt.
	InputCardNumber InputKind = "card_number"
)

// Result is the outcome of an asynchronous driver operation.
type Result struct {
	Success bool
	// Fatal marks the session unrecoverable; the registry closes it.
	Fatal bool
	Err   error
}

// Stats is the driver-reported view of a live site session.
type Stats struct {
	LifetimeMinutes int            `json:"lifetimeMinutes"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Driver is the capability contract every site automation must satisfy.
//
// Login and Transfer are network-bound and may block for a long time;
// they must honor ctx. Close must abort any in-flight operation.
type Driver interface {
	Init(ctx context.Context) error
	Login(ctx context.Context) Result

	// PendingInputType reports what the driver is waiting for, if anything.
	PendingInputType() InputKind
	// PendingInputData returns display data for the pending prompt
	// (e.g. masked phone number), opaque to the coordinator.
	PendingInputData() any

	// SubmitInput hands a user-supplied value to the driver. It returns
	// false when no input is currently expected.
	SubmitInput(value string) bool

	Transfer(ctx context.Context) Result
	Stats() Stats

	// Close releases the underlying browser resources. deleteData also
	// removes any persisted site-session state.
	Close(ctx context.Context, deleteData bool) error
}

// Factory mints a driver for one username/phone pair.
type Factory func(username, phone string) (Driver, error)

// DriverError wraps a site automation failure with its source for logging.
type DriverError struct {
	Source string // e.g. site name
	Op     string // "login", "transfer", ...
	Err    error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// ErrDriverGone is returned by operations on a closed driver.
var ErrDriverGone = errors.New("driver closed")
