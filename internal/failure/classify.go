// Package failure normalizes sandbox-execution errors into the closed
// taxonomy and composes the natural-language fallback when a task cannot be
// completed. Nothing below the router surfaces raw errors to the user.
package failure

import (
	"context"
	"errors"
	"strings"

	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/DataWeave/TaskPipe/internal/sandbox"
	"github.com/DataWeave/TaskPipe/internal/sqlexec"
)

// Classify maps any execution error onto the closed taxonomy. Unrecognized
// errors collapse to execution_failure/unknown_error rather than escaping.
func Classify(err error) *models.ExecutionFailure {
	if err == nil {
		return nil
	}

	// Already classified values pass through unchanged.
	var ef *models.ExecutionFailure
	if errors.As(err, &ef) {
		return ef
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failureOf(models.SubKindTimeoutError, "the analysis program did not finish in time", err)
	case errors.Is(err, sandbox.ErrParse),
		errors.Is(err, sandbox.ErrNoRunFunc),
		errors.Is(err, sandbox.ErrBadSignature),
		errors.Is(err, sandbox.ErrForbiddenImport):
		return failureOf(models.SubKindSyntaxError, "the generated program was not executable", err)
	case errors.Is(err, sandbox.ErrPanic):
		if strings.Contains(err.Error(), "index out of range") {
			return failureOf(models.SubKindArrayIndexOutOfBounds, "the program addressed a row that does not exist", err)
		}
		return failureOf(models.SubKindRuntimeError, "the program crashed while running", err)
	case errors.Is(err, sandbox.ErrBadShape):
		return failureOf(models.SubKindRuntimeError, "the program produced an unrenderable result", err)
	case errors.Is(err, sqlexec.ErrNotReadOnly):
		return failureOf(models.SubKindProcessError, "the program attempted a non-read-only query", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "allow-list"):
		return failureOf(models.SubKindNoDataAvailable, "the requested data is not available in the data source", err)
	case strings.Contains(msg, "index out of range"):
		return failureOf(models.SubKindArrayIndexOutOfBounds, "the program addressed a row that does not exist", err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return failureOf(models.SubKindTimeoutError, "the analysis program did not finish in time", err)
	}

	return failureOf(models.SubKindUnknownError, "the analysis failed for an unexpected reason", err)
}

// EmptyResult is the classification for a well-formed query that matched no data.
func EmptyResult() *models.ExecutionFailure {
	return &models.ExecutionFailure{
		Kind:    models.FailureDataAccess,
		SubKind: models.SubKindEmptyQueryResult,
		Message: "the query ran but matched no data",
	}
}

func failureOf(sub models.FailureSubKind, message string, cause error) *models.ExecutionFailure {
	kind, _ := models.KindForSubKind(sub)
	return &models.ExecutionFailure{
		Kind:    kind,
		SubKind: sub,
		Message: message,
		Cause:   cause.Error(),
	}
}
