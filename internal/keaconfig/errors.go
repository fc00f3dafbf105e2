package keaconfig

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedJSON is returned when the configuration does not parse
	// after comments are removed
	ErrMalformedJSON = errors.New("malformed configuration")

	// ErrMissingSection is returned when there is no Dhcp6 object
	ErrMissingSection = errors.New("missing Dhcp6 section")

	// ErrNoSubnets is returned when Dhcp6 defines no subnet6 entries
	ErrNoSubnets = errors.New("no subnet6 entries")
)

// ParseError describes why an uploaded configuration was rejected.
type ParseError struct {
	Kind   error // one of ErrMalformedJSON, ErrMissingSection, ErrNoSubnets
	Line   int
	Column int
	Err    error
}

func (e *ParseError) Error() string {
	msg := e.Kind.Error()
	if e.Line > 0 {
		msg = fmt.Sprintf("%s at line %d, column %d", msg, e.Line, e.Column)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
