// Package models defines the core data structures for TaskPipe.
//
// This file covers the router/sandbox boundary: execution results, the
// closed failure taxonomy, and the result shapes the visualization layer
// can render without content inspection.
package models

// ResultShape names the closed set of result renderings.
type ResultShape string

const (
	ShapeSum       ResultShape = "sum"
	ShapeTrend     ResultShape = "trend"
	ShapeRegion    ResultShape = "region"
	ShapeList      ResultShape = "list"
	ShapeString    ResultShape = "string"
	ShapeIndexList ResultShape = "indexList"
)

var shapeByName = map[string]ResultShape{
	string(ShapeSum):       ShapeSum,
	string(ShapeTrend):     ShapeTrend,
	string(ShapeRegion):    ShapeRegion,
	string(ShapeList):      ShapeList,
	string(ShapeString):    ShapeString,
	string(ShapeIndexList): ShapeIndexList,
}

// ShapeByName returns the result shape for its wire name, or false when the name is not defined.
func ShapeByName(name string) (ResultShape, bool) {
	s, ok := shapeByName[name]
	return s, ok
}

// IsValidResultShape checks if the given shape is part of the closed set.
func IsValidResultShape(s ResultShape) bool {
	_, ok := shapeByName[string(s)]
	return ok
}

// FailureKind is the top level of the execution-failure taxonomy.
type FailureKind string

const (
	// FailureDataAccess means the generated code ran but the requested data does not exist.
	FailureDataAccess FailureKind = "data_access"
	// FailureExecution means the generated code could not run to completion.
	FailureExecution FailureKind = "execution_failure"
)

// FailureSubKind enumerates the closed sub-kinds per failure kind.
type FailureSubKind string

const (
	// DataAccess sub-kinds.
	SubKindArrayIndexOutOfBounds FailureSubKind = "array_index_out_of_bounds"
	SubKindEmptyQueryResult      FailureSubKind = "empty_query_result"
	SubKindNoDataAvailable       FailureSubKind = "no_data_available"

	// ExecutionFailure sub-kinds.
	SubKindSyntaxError  FailureSubKind = "syntax_error"
	SubKindRuntimeError FailureSubKind = "runtime_error"
	SubKindTimeoutError FailureSubKind = "timeout_error"
	SubKindProcessError FailureSubKind = "process_error"
	SubKindUnknownError FailureSubKind = "unknown_error"
)

var kindBySubKind = map[FailureSubKind]FailureKind{
	SubKindArrayIndexOutOfBounds: FailureDataAccess,
	SubKindEmptyQueryResult:      FailureDataAccess,
	SubKindNoDataAvailable:       FailureDataAccess,
	SubKindSyntaxError:           FailureExecution,
	SubKindRuntimeError:          FailureExecution,
	SubKindTimeoutError:          FailureExecution,
	SubKindProcessError:          FailureExecution,
	SubKindUnknownError:          FailureExecution,
}

// KindForSubKind returns the top-level kind a sub-kind belongs to, or false when undefined.
func KindForSubKind(sub FailureSubKind) (FailureKind, bool) {
	k, ok := kindBySubKind[sub]
	return k, ok
}

// IsValidFailureSubKind checks if the given sub-kind is part of the taxonomy.
func IsValidFailureSubKind(sub FailureSubKind) bool {
	_, ok := kindBySubKind[sub]
	return ok
}

// Row is one result row keyed by column name.
type Row map[string]any

// ExecutionFailure is the typed failure half of an execution result.
type ExecutionFailure struct {
	Kind    FailureKind    `json:"kind"`
	SubKind FailureSubKind `json:"sub_kind"`
	Message string         `json:"message"`
	Cause   string         `json:"cause,omitempty"`
}

// Error implements the error interface so failures can flow through error returns.
func (f *ExecutionFailure) Error() string {
	return string(f.Kind) + "/" + string(f.SubKind) + ": " + f.Message
}

// ExecutionResult is the tagged union crossing the router/sandbox boundary:
// either Rows+Shape on success or a Failure. Exactly one side is set.
type ExecutionResult struct {
	Rows    []Row             `json:"rows,omitempty"`
	Shape   ResultShape       `json:"shape,omitempty"`
	Failure *ExecutionFailure `json:"failure,omitempty"`
}

// Succeeded reports whether the result carries data rather than a failure.
func (r *ExecutionResult) Succeeded() bool {
	return r.Failure == nil
}

// SucceedExecution builds a success result with the given shape.
func SucceedExecution(rows []Row, shape ResultShape) ExecutionResult {
	return ExecutionResult{Rows: rows, Shape: shape}
}

// FailExecution builds a failure result for the given sub-kind. The kind is
// derived from the taxonomy; undefined sub-kinds collapse to unknown_error.
func FailExecution(sub FailureSubKind, message, cause string) ExecutionResult {
	kind, ok := kindBySubKind[sub]
	if !ok {
		kind = FailureExecution
		sub = SubKindUnknownError
	}
	return ExecutionResult{Failure: &ExecutionFailure{Kind: kind, SubKind: sub, Message: message, Cause: cause}}
}
