package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound matches every lookup failure in the topology.
	ErrNotFound = errors.New("not found")
	// ErrValidation matches every build-time validation failure.
	ErrValidation = errors.New("invalid topology")

	ErrNodeNotFound      = fmt.Errorf("node %w", ErrNotFound)
	ErrInterfaceNotFound = fmt.Errorf("interface %w", ErrNotFound)
	ErrLinkNotFound      = fmt.Errorf("link %w", ErrNotFound)

	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrWrongKind         = errors.New("operation not supported for node kind")
)

// ValidationError collects every problem found while building a topology.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error { return e.Problems }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// MissingProgramError is reported for a switch with no program when the
// topology has no default program either.
type MissingProgramError struct {
	Switch string
}

func (e *MissingProgramError) Error() string {
	return fmt.Sprintf("switch %q has no program and no default program is configured", e.Switch)
}

func (e *MissingProgramError) Is(target error) bool { return target == ErrValidation }
