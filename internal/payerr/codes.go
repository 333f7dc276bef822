// Package payerr defines the daemon's error taxonomy: a small set of
// machine-readable codes with the wire representation "ERR N (desc)".
package payerr

import "fmt"

// Code identifies a failure class on the wire.
type Code int

const (
	CodeUnknownCommand    Code = 1
	CodeGeneral           Code = 2
	CodeMissingValue      Code = 3
	CodeInvValue          Code = 4
	CodeInvName           Code = 5
	CodeInvLength         Code = 6
	CodeProtocolViolation Code = 7
	CodeLimitReached      Code = 8
	CodeNotFound          Code = 9
	CodeForbidden         Code = 10
	CodeOutOfMemory       Code = 11
	CodeGateway           Code = 12
	CodeTruncated         Code = 13
	CodeEOF               Code = 14
	CodeNotLive           Code = 179
)

var descriptions = map[Code]string{
	CodeUnknownCommand:    "Unknown command",
	CodeGeneral:           "General error",
	CodeMissingValue:      "Required value missing",
	CodeInvValue:          "Invalid value",
	CodeInvName:           "Invalid name",
	CodeInvLength:         "Invalid length",
	CodeProtocolViolation: "Protocol violation",
	CodeLimitReached:      "Limit reached",
	CodeNotFound:          "Not found",
	CodeForbidden:         "Forbidden",
	CodeOutOfMemory:       "Out of core",
	CodeGateway:           "Payment gateway error",
	CodeTruncated:         "Line too long",
	CodeEOF:               "Unexpected end of file",
	CodeNotLive:           "running in test mode",
}

// Error is a failure carrying a wire code and a human readable
// description which is surfaced to the client.
type Error struct {
	Code Code
	Desc string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ERR %d (%s)", e.Code, e.Desc)
}

// New returns an Error with the given code and description.  An empty
// description falls back to the code's canonical text.
func New(code Code, desc string) *Error {
	if desc == "" {
		desc = descriptions[code]
	}
	if desc == "" {
		desc = "Unspecified error"
	}
	return &Error{Code: code, Desc: desc}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// From coerces err into an *Error, wrapping unknown errors as a general
// failure so that every reply still carries a valid code.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return New(CodeGeneral, err.Error())
}
