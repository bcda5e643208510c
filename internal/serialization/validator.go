package serialization

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Result reports the outcome of payload validation.
type Result struct {
	IsValid bool
	Errors  []string
}

// Validator checks execution state payloads before they are persisted.
type Validator interface {
	Validate(payload map[string]any) Result
}

// ValidationError indicates a payload failed validation. It is fatal to the
// save operation: nothing is written when it is returned.
type ValidationError struct {
	Errors []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "payload validation failed"
	}
	return fmt.Sprintf("payload validation failed: %s", strings.Join(e.Errors, "; "))
}

// PayloadValidator is the default Validator. It rejects nil payloads and
// values JSON cannot encode (channels, functions, cyclic structures).
type PayloadValidator struct{}

// Validate implements Validator.
func (PayloadValidator) Validate(payload map[string]any) Result {
	if payload == nil {
		return Result{Errors: []string{"state payload is required"}}
	}
	if _, err := json.Marshal(payload); err != nil {
		return Result{Errors: []string{fmt.Sprintf("state payload is not serializable: %v", err)}}
	}
	return Result{IsValid: true}
}
