package domain

import (
	"errors"
	"fmt"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrVersionNotFound   = errors.New("workflow version not found")
	ErrVersionExists     = errors.New("workflow version already exists")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStepNotFound      = errors.New("execution step not found")
	ErrInvalidState      = errors.New("execution is not in a cancellable state")
)

// Step failure error types recorded on the step row and surfaced in history.
const (
	ErrorTypeUnknownHandler    = "UnknownHandler"
	ErrorTypeChoiceError       = "ChoiceError"
	ErrorTypeWorkflowFail      = "WorkflowFail"
	ErrorTypeHandlerException  = "HandlerException"
	ErrorTypeInvariantViolated = "EngineInvariantViolation"
)

// DefinitionError reports a malformed or inconsistent workflow definition.
// It is fatal to the execution that encountered it.
type DefinitionError struct {
	Detail string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid workflow definition: %s", e.Detail)
}

func NewDefinitionError(format string, args ...interface{}) *DefinitionError {
	return &DefinitionError{Detail: fmt.Sprintf(format, args...)}
}

// IsDefinitionError reports whether err is (or wraps) a DefinitionError.
func IsDefinitionError(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}
