// Package models defines the core data structures for TaskPipe.
//
// It includes the consensus document elicited through conversation, the
// per-field status lattice, the delta patches produced by AI extraction,
// and the read projections consumed by the confirmation UI.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConsensusSchemaVersion is the version stamped into serialized consensus documents.
const ConsensusSchemaVersion = 1

// ConsensusStatus tracks how far a single task field has progressed toward agreement.
type ConsensusStatus string

const (
	// StatusUnknown means nothing has been elicited for the field yet.
	StatusUnknown ConsensusStatus = "unknown"
	// StatusKnown means a value was elicited but the user has not confirmed it.
	StatusKnown ConsensusStatus = "known"
	// StatusConfirmed means the user explicitly agreed to the field value.
	StatusConfirmed ConsensusStatus = "confirmed"
)

// Numeric codes for the status lattice, used by the UI projection.
const (
	StatusCodeUnknown   = 0
	StatusCodeKnown     = 1
	StatusCodeConfirmed = 2
)

var statusByCode = map[int]ConsensusStatus{
	StatusCodeUnknown:   StatusUnknown,
	StatusCodeKnown:     StatusKnown,
	StatusCodeConfirmed: StatusConfirmed,
}

var codeByStatus = map[ConsensusStatus]int{
	StatusUnknown:   StatusCodeUnknown,
	StatusKnown:     StatusCodeKnown,
	StatusConfirmed: StatusCodeConfirmed,
}

// StatusByCode returns the status for a numeric code, or false when the code is not defined.
func StatusByCode(code int) (ConsensusStatus, bool) {
	s, ok := statusByCode[code]
	return s, ok
}

// Code returns the numeric code for the status. Unrecognized statuses map to unknown.
func (s ConsensusStatus) Code() int {
	if c, ok := codeByStatus[s]; ok {
		return c
	}
	return StatusCodeUnknown
}

// IsValidConsensusStatus checks if the given status is part of the lattice.
func IsValidConsensusStatus(s ConsensusStatus) bool {
	_, ok := codeByStatus[s]
	return ok
}

// AtLeastKnown reports whether the field has been elicited.
func (s ConsensusStatus) AtLeastKnown() bool {
	return s == StatusKnown || s == StatusConfirmed
}

// DialogStatus is the coarse per-turn phase of the elicitation dialog.
type DialogStatus string

const (
	// DialogInit means no field has been elicited yet.
	DialogInit DialogStatus = "init"
	// DialogConsensusSupplement means at least one field still needs eliciting or re-eliciting.
	DialogConsensusSupplement DialogStatus = "consensus_supplement"
	// DialogConfirmQuestion means all fields are known and a yes/no confirmation is outstanding.
	DialogConfirmQuestion DialogStatus = "confirm_question"
	// DialogExecuting means every field is confirmed and the task is being dispatched.
	DialogExecuting DialogStatus = "executing"
)

// IsValidDialogStatus checks if the given dialog status is supported.
func IsValidDialogStatus(d DialogStatus) bool {
	switch d {
	case DialogInit, DialogConsensusSupplement, DialogConfirmQuestion, DialogExecuting:
		return true
	default:
		return false
	}
}

// SessionStatus summarizes the whole session for the UI layer.
type SessionStatus int

const (
	// SessionNoTask means no consensus is being elicited.
	SessionNoTask SessionStatus = 0
	// SessionTaskInProgress means a consensus document exists and is incomplete.
	SessionTaskInProgress SessionStatus = 1
	// SessionTaskCompleted means the last consensus ran to completion.
	SessionTaskCompleted SessionStatus = 2
)

// FieldPath addresses one of the four consensus field groups in patches and confirmations.
type FieldPath string

const (
	FieldTaskName   FieldPath = "task_name"
	FieldTaskInput  FieldPath = "task_input"
	FieldTaskOutput FieldPath = "task_output"
	FieldTaskSteps  FieldPath = "task_steps"
)

var allFieldPaths = []FieldPath{FieldTaskName, FieldTaskInput, FieldTaskOutput, FieldTaskSteps}

// AllFieldPaths returns the four field groups in canonical order.
func AllFieldPaths() []FieldPath {
	out := make([]FieldPath, len(allFieldPaths))
	copy(out, allFieldPaths)
	return out
}

// IsValidFieldPath checks if the given field path addresses a consensus field group.
func IsValidFieldPath(p FieldPath) bool {
	switch p {
	case FieldTaskName, FieldTaskInput, FieldTaskOutput, FieldTaskSteps:
		return true
	default:
		return false
	}
}

// Error variables for consensus validation and patch rejection.
var (
	ErrEmptyUserID          = errors.New("user id cannot be empty")
	ErrUnknownFieldPath     = errors.New("unknown consensus field path")
	ErrNonContiguousSteps   = errors.New("step numbers must be contiguous starting at 1")
	ErrUnsatisfiedStepInput = errors.New("step requirement not satisfiable from declared inputs or prior outputs")
	ErrEmptyStepName        = errors.New("step name cannot be empty")
)

// TaskName is the elicited name of the task.
type TaskName struct {
	Name   string          `json:"name"`
	Status ConsensusStatus `json:"status"`
}

// InputItem is one declared input of the task.
type InputItem struct {
	Title string `json:"title"`
}

// OutputItem is one requested output of the task, with the rendering shape the user asked for.
type OutputItem struct {
	Title       string      `json:"title"`
	VisualStyle ResultShape `json:"visual_style,omitempty"`
}

// TaskStep is one step of the execution plan.
type TaskStep struct {
	StepNo       int      `json:"step_no"`
	StepName     string   `json:"step_name"`
	Requirements []string `json:"requirements,omitempty"`
	Outputs      []string `json:"outputs,omitempty"`
}

// TaskInput groups the declared inputs with their shared confirmation status.
type TaskInput struct {
	Items  []InputItem     `json:"items"`
	Status ConsensusStatus `json:"status"`
}

// TaskOutput groups the requested outputs with their shared confirmation status.
type TaskOutput struct {
	Items  []OutputItem    `json:"items"`
	Status ConsensusStatus `json:"status"`
}

// TaskSteps groups the execution plan with its shared confirmation status.
type TaskSteps struct {
	Items  []TaskStep      `json:"items"`
	Status ConsensusStatus `json:"status"`
}

// Consensus is the working specification for one user's task at one point in time.
//
// Consensus values are treated as immutable: the state machine copies the
// current document, applies a patch, and writes the new value back. Nothing
// mutates a stored Consensus in place.
type Consensus struct {
	SchemaVersion int          `json:"v"`
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	DialogStatus  DialogStatus `json:"dialog_status"`
	TaskName      TaskName     `json:"task_name"`
	TaskInput     TaskInput    `json:"task_input"`
	TaskOutput    TaskOutput   `json:"task_output"`
	TaskSteps     TaskSteps    `json:"task_steps"`
	Available     bool         `json:"available"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewConsensus creates an empty consensus document for a user, all fields unknown.
func NewConsensus(userID string) *Consensus {
	now := time.Now()
	return &Consensus{
		SchemaVersion: ConsensusSchemaVersion,
		ID:            uuid.NewString(),
		UserID:        userID,
		DialogStatus:  DialogInit,
		TaskName:      TaskName{Status: StatusUnknown},
		TaskInput:     TaskInput{Status: StatusUnknown},
		TaskOutput:    TaskOutput{Status: StatusUnknown},
		TaskSteps:     TaskSteps{Status: StatusUnknown},
		Available:     true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// FieldStatus returns the status of the addressed field group.
func (c *Consensus) FieldStatus(p FieldPath) (ConsensusStatus, error) {
	switch p {
	case FieldTaskName:
		return c.TaskName.Status, nil
	case FieldTaskInput:
		return c.TaskInput.Status, nil
	case FieldTaskOutput:
		return c.TaskOutput.Status, nil
	case FieldTaskSteps:
		return c.TaskSteps.Status, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: %s", ErrUnknownFieldPath, p)
	}
}

// AllFieldsAre reports whether every field group has exactly the given status.
func (c *Consensus) AllFieldsAre(s ConsensusStatus) bool {
	return c.TaskName.Status == s &&
		c.TaskInput.Status == s &&
		c.TaskOutput.Status == s &&
		c.TaskSteps.Status == s
}

// AllFieldsAtLeastKnown reports whether every field group has been elicited.
func (c *Consensus) AllFieldsAtLeastKnown() bool {
	return c.TaskName.Status.AtLeastKnown() &&
		c.TaskInput.Status.AtLeastKnown() &&
		c.TaskOutput.Status.AtLeastKnown() &&
		c.TaskSteps.Status.AtLeastKnown()
}

// Clone returns a deep copy of the consensus document.
func (c *Consensus) Clone() *Consensus {
	out := *c
	out.TaskInput.Items = append([]InputItem(nil), c.TaskInput.Items...)
	out.TaskOutput.Items = append([]OutputItem(nil), c.TaskOutput.Items...)
	out.TaskSteps.Items = make([]TaskStep, len(c.TaskSteps.Items))
	for i, st := range c.TaskSteps.Items {
		cp := st
		cp.Requirements = append([]string(nil), st.Requirements...)
		cp.Outputs = append([]string(nil), st.Outputs...)
		out.TaskSteps.Items[i] = cp
	}
	return &out
}

// ValidateSteps checks the execution-plan invariants: step numbers contiguous
// from 1, non-empty step names, and every requirement satisfiable by a prior
// step's outputs or one of the declared inputs.
func ValidateSteps(steps []TaskStep, inputs []InputItem) error {
	available := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		available[in.Title] = true
	}
	for i, st := range steps {
		if st.StepNo != i+1 {
			return fmt.Errorf("%w: step %d has number %d", ErrNonContiguousSteps, i+1, st.StepNo)
		}
		if st.StepName == "" {
			return fmt.Errorf("%w: step %d", ErrEmptyStepName, st.StepNo)
		}
		for _, req := range st.Requirements {
			if !available[req] {
				return fmt.Errorf("%w: step %d requires %q", ErrUnsatisfiedStepInput, st.StepNo, req)
			}
		}
		for _, out := range st.Outputs {
			available[out] = true
		}
	}
	return nil
}

// DeltaPatch is the partial update extracted from one user utterance.
//
// Value fields that are nil/empty were not mentioned in the utterance.
// Confirmations lists the field groups the user explicitly agreed to;
// HolisticAgree marks a whole-plan "yes", which the state machine applies
// as a confirmation of every currently-known field.
type DeltaPatch struct {
	TaskName        *string      `json:"task_name,omitempty"`
	InputItems      []InputItem  `json:"input_items,omitempty"`
	OutputItems     []OutputItem `json:"output_items,omitempty"`
	Steps           []TaskStep   `json:"steps,omitempty"`
	Confirmations   []FieldPath  `json:"confirmations,omitempty"`
	HolisticAgree   bool         `json:"holistic_agree,omitempty"`
	ConfirmAwaiting bool         `json:"confirm_awaiting,omitempty"`
}

// IsEmpty reports whether the patch carries neither values nor confirmations.
func (p *DeltaPatch) IsEmpty() bool {
	return p.TaskName == nil &&
		len(p.InputItems) == 0 &&
		len(p.OutputItems) == 0 &&
		len(p.Steps) == 0 &&
		len(p.Confirmations) == 0 &&
		!p.HolisticAgree
}

// TurnAction is what the conversation layer should do after a turn's transition.
type TurnAction string

const (
	// ActionAskForMore keeps eliciting missing or unconfirmed fields.
	ActionAskForMore TurnAction = "ask_for_more"
	// ActionAskToConfirm asks the user to confirm the fully elicited plan.
	ActionAskToConfirm TurnAction = "ask_to_confirm"
	// ActionDispatchExecution hands the confirmed consensus to the router.
	ActionDispatchExecution TurnAction = "dispatch_execution"
	// ActionNoOp means the utterance carried no extractable delta; a clarifying question is still owed.
	ActionNoOp TurnAction = "no_op"
	// ActionAskForClarification reports a rejected patch or anomalous confirmation.
	ActionAskForClarification TurnAction = "ask_for_clarification"
)

// ConsensusParameterItem is one parameter row in the flattened UI projection.
type ConsensusParameterItem struct {
	Name   string `json:"name"`
	Status int    `json:"status"`
}

// ConsensusItem is one field-group row in the flattened UI projection.
type ConsensusItem struct {
	Name       string                   `json:"name"`
	ID         string                   `json:"id"`
	Status     int                      `json:"status"`
	Parameters []ConsensusParameterItem `json:"parameters,omitempty"`
}

// ConsensusStatusManage is the session-scope summary rebuilt each turn from the consensus.
type ConsensusStatusManage struct {
	DialogStatus       SessionStatus   `json:"dialog_status"`
	CurrentConsensusID string          `json:"current_consensus_id,omitempty"`
	ConsensusItems     []ConsensusItem `json:"consensus_items,omitempty"`
}
