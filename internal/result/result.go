// Package result defines the result codes emitted by blocking entry points.
//
// Codes mirror the kernel ABI: zero and positive values are success, negative
// values are errors. A Code implements error so it can be returned, wrapped and
// matched with errors.Is like any other Go error.
package result

import (
	"errors"
	"fmt"
)

// Code is a syscall result code. Only negative codes are errors.
type Code int64

// General error codes.
const (
	Permission             Code = -1
	InvalidHandle          Code = -2
	InvalidMemory          Code = -3
	Busy                   Code = -4
	InvalidOperation       Code = -5
	InvalidString          Code = -6
	InsufficientLength     Code = -7
	ResourceLimitExhausted Code = -8
	InvalidState           Code = -9
	InvalidOption          Code = -10
	InsufficientMemory     Code = -11
	FinishedEnumerate      Code = -32
)

// Thread subsystem codes.
const (
	Timeout     Code = -0x100
	Interrupted Code = -0x101
	Killed      Code = -0x102
)

var names = map[Code]string{
	Permission:             "PERMISSION",
	InvalidHandle:          "INVALID_HANDLE",
	InvalidMemory:          "INVALID_MEMORY",
	Busy:                   "BUSY",
	InvalidOperation:       "INVALID_OPERATION",
	InvalidString:          "INVALID_STRING",
	InsufficientLength:     "INSUFFICIENT_LENGTH",
	ResourceLimitExhausted: "RESOURCE_LIMIT_EXHAUSTED",
	InvalidState:           "INVALID_STATE",
	InvalidOption:          "INVALID_OPTION",
	InsufficientMemory:     "INSUFFICIENT_MEMORY",
	FinishedEnumerate:      "FINISHED_ENUMERATE",
	Timeout:                "TIMEOUT",
	Interrupted:            "INTERRUPTED",
	Killed:                 "KILLED",
}

// Error implements the error interface.
func (c Code) Error() string {
	if n, ok := names[c]; ok {
		return n
	}
	if c >= 0 {
		return fmt.Sprintf("success(%d)", int64(c))
	}
	return fmt.Sprintf("unknown error %#x", -int64(c))
}

// String returns the ABI name of the code.
func (c Code) String() string {
	return c.Error()
}

// OK reports whether c is a success value.
func (c Code) OK() bool {
	return c >= 0
}

// Group classifies codes for error ordering.
type Group int

const (
	GroupSuccess  Group = iota
	GroupArgument       // detected before any state is touched
	GroupState          // state, permission and resource-limit errors
	GroupOutcome        // expected terminal states of a blocking episode
	GroupOther
)

// Group returns the class the code belongs to.
func (c Code) Group() Group {
	switch c {
	case InvalidHandle, InvalidMemory, InvalidOption, InvalidString, InsufficientLength:
		return GroupArgument
	case InvalidState, InvalidOperation, Permission, ResourceLimitExhausted, Busy:
		return GroupState
	case Timeout, Interrupted, Killed:
		return GroupOutcome
	}
	if c >= 0 {
		return GroupSuccess
	}
	return GroupOther
}

// Of extracts the Code carried by err. A nil error is success (0). Errors that
// do not wrap a Code are reported as InvalidOperation.
func Of(err error) Code {
	if err == nil {
		return 0
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return InvalidOperation
}

// Raw converts a value/error pair into the raw integer a syscall would return.
func Raw(v int64, err error) int64 {
	if err != nil {
		return int64(Of(err))
	}
	return v
}

// First returns the error that must be reported when several conditions are
// detectable at once: argument errors win over state errors, which win over
// everything else. Nil entries are skipped.
func First(errs ...error) error {
	var best error
	bestGroup := GroupOther + 1
	for _, err := range errs {
		if err == nil || Of(err).OK() {
			continue
		}
		g := Of(err).Group()
		if g < bestGroup {
			best, bestGroup = err, g
		}
	}
	return best
}
