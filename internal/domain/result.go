package domain

import (
	"errors"
	"fmt"
)

// ErrMalformedResult is returned when a collaborator payload cannot be classified.
var ErrMalformedResult = errors.New("malformed submit result")

// Outcome is the closed classification of a SubmitResult.
type Outcome int

const (
	// OutcomeOutput is plain textual output (validated flag absent).
	OutcomeOutput Outcome = iota
	// OutcomeValidated is a generated artifact that passed validation.
	OutcomeValidated
	// OutcomeValidationFailed is a generated artifact that did not validate.
	OutcomeValidationFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOutput:
		return "output"
	case OutcomeValidated:
		return "validated"
	case OutcomeValidationFailed:
		return "validation_failed"
	default:
		return "unknown"
	}
}

// SubmitResult is what the prompt collaborator returns for one submission.
type SubmitResult struct {
	Content            string
	Validated          *bool
	ClassName          string
	ValidationError    string
	ValidationAttempts int
	ComponentCode      string
}

// Outcome classifies the result. Exactly one outcome applies.
func (r SubmitResult) Outcome() Outcome {
	switch {
	case r.Validated == nil:
		return OutcomeOutput
	case *r.Validated:
		return OutcomeValidated
	default:
		return OutcomeValidationFailed
	}
}

// Check rejects results with impossible counters. A validated result without
// component code is still a validated result.
func (r SubmitResult) Check() error {
	if r.ValidationAttempts < 0 {
		return fmt.Errorf("%w: negative validation attempts %d", ErrMalformedResult, r.ValidationAttempts)
	}
	return nil
}

// Metadata builds the transcript metadata for artifact-bearing outcomes.
// Returns nil for plain output.
func (r SubmitResult) Metadata() *MessageMetadata {
	if r.Validated == nil {
		return nil
	}
	validated := *r.Validated
	return &MessageMetadata{
		ClassName:          r.ClassName,
		Validated:          &validated,
		ValidationAttempts: r.ValidationAttempts,
		ComponentCode:      r.ComponentCode,
	}
}

// Bool returns a pointer to b, for building tri-state results.
func Bool(b bool) *bool {
	return &b
}
