package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrorKind classifies failures reported by a backend.
type ErrorKind string

const (
	KindSyntax    ErrorKind = "syntax"
	KindException ErrorKind = "exception"
	KindTimeout   ErrorKind = "timeout"
	KindInternal  ErrorKind = "internal"
)

// Error is the single error type backends return.
type Error struct {
	Kind    ErrorKind
	Message string
	File    string
	Line    int
	Column  int
	Stack   string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("%s: %s (%s:%d:%d)", e.Kind, e.Message, e.File, e.Line, e.Column)
	}
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// ParseLocation splits "file:line:col" as reported by engines. File names may
// themselves contain colons, so the numbers are taken from the right.
func ParseLocation(loc string) (file string, line, col int) {
	loc = strings.TrimSpace(loc)
	parts := strings.Split(loc, ":")
	if len(parts) < 2 {
		return loc, 0, 0
	}
	if len(parts) >= 3 {
		l, lerr := strconv.Atoi(parts[len(parts)-2])
		c, cerr := strconv.Atoi(parts[len(parts)-1])
		if lerr == nil && cerr == nil {
			return strings.Join(parts[:len(parts)-2], ":"), l, c
		}
	}
	if l, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
		return strings.Join(parts[:len(parts)-1], ":"), l, 0
	}
	return loc, 0, 0
}
