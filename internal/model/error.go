package model

import (
	"errors"
	"strings"
)

var (
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrAlreadyFinalized     = errors.New("already finalized")
	ErrNoActiveTest         = errors.New("no active test")
	ErrArtifactRejected     = errors.New("artifact rejected")
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrAlreadyFlushed       = errors.New("test already flushed")
	ErrTestsAlreadyStarted  = errors.New("tcm configuration must be provided before tests start")
	ErrSessionNotFound      = errors.New("session not found")
)

type NotFoundError struct{}

func (e NotFoundError) Error() string {
	return "not found"
}

// TransitionError is returned when a status change is not allowed for the
// current state of an entity.
type TransitionError struct {
	Entity EntityRef
	From   Status
	To     Status
	// Err is either ErrInvalidTransition or ErrAlreadyFinalized.
	Err error
}

func (e TransitionError) Error() string {
	var b strings.Builder

	b.WriteString(e.Err.Error())
	b.WriteString(": ")
	b.WriteString(e.Entity.String())
	b.WriteString(" is " + string(e.From))
	if e.To != "" {
		b.WriteString(", cannot change to " + string(e.To))
	}

	return b.String()
}

func (e TransitionError) Unwrap() error {
	return e.Err
}

type ArtifactRejectedError struct {
	Name   string
	Reason string
}

func (e ArtifactRejectedError) Error() string {
	return "artifact " + e.Name + " rejected: " + e.Reason
}

func (e ArtifactRejectedError) Unwrap() error {
	return ErrArtifactRejected
}
