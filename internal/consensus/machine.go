// Package consensus implements the per-turn transition logic over consensus
// documents: merging AI-extracted deltas, applying confirmations, recomputing
// the dialog phase, and deciding the next conversational action.
//
// Transitions are pure: Advance never mutates its inputs and returns a new
// document. Persistence is the caller's concern.
package consensus

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/DataWeave/TaskPipe/internal/models"
)

// Outcome describes what the conversation layer should do after a transition.
type Outcome struct {
	Action models.TurnAction
	// Detail carries the inconsistency or anomaly description for
	// ask_for_clarification outcomes.
	Detail string
}

// Advance computes the next consensus document for one turn.
//
// The returned document is always safe to persist: when the patch is rejected
// (malformed plan, unknown field path) the input document is returned
// unchanged alongside an ask_for_clarification outcome. Confirming an
// unelicited field is an anomaly: the field is left untouched, the rest of
// the patch still applies, and the outcome reports the anomaly.
func Advance(current *models.Consensus, patch *models.DeltaPatch) (*models.Consensus, Outcome) {
	if patch == nil || patch.IsEmpty() {
		slog.Debug("consensus.Advance: empty patch", "userID", current.UserID, "consensusID", current.ID)
		return current, Outcome{Action: models.ActionNoOp}
	}

	next := current.Clone()

	// Step 1: apply value deltas. A materially different value on a known or
	// confirmed field is a correction and clears the confirmation.
	applyValues(next, patch)

	// The plan invariants gate the whole patch: a delta referencing an
	// impossible step or requirement must not leave partial edits behind.
	if err := models.ValidateSteps(next.TaskSteps.Items, next.TaskInput.Items); err != nil {
		slog.Info("consensus.Advance: rejecting malformed patch", "userID", current.UserID, "error", err)
		return current, Outcome{
			Action: models.ActionAskForClarification,
			Detail: fmt.Sprintf("the proposed plan is inconsistent: %v", err),
		}
	}

	// Step 2: apply confirmations.
	anomaly, reject := applyConfirmations(next, patch)
	if reject != "" {
		return current, Outcome{Action: models.ActionAskForClarification, Detail: reject}
	}

	// Step 3: recompute the dialog phase.
	next.DialogStatus = recomputePhase(next, patch)

	// Step 4: decide the action.
	outcome := decideAction(next, anomaly)
	slog.Debug("consensus.Advance: transition computed",
		"userID", next.UserID,
		"consensusID", next.ID,
		"dialogStatus", next.DialogStatus,
		"action", outcome.Action)
	return next, outcome
}

// applyValues merges the patch's value fields into the document.
func applyValues(next *models.Consensus, patch *models.DeltaPatch) {
	if patch.TaskName != nil {
		if next.TaskName.Status == models.StatusUnknown || next.TaskName.Name != *patch.TaskName {
			next.TaskName.Name = *patch.TaskName
			next.TaskName.Status = models.StatusKnown
		}
	}
	if len(patch.InputItems) > 0 {
		// Compare the deduped form; the stored items are deduped, and a
		// re-assertion with a stray duplicate is not a correction.
		items := dedupInputs(patch.InputItems)
		if next.TaskInput.Status == models.StatusUnknown || !reflect.DeepEqual(next.TaskInput.Items, items) {
			next.TaskInput.Items = items
			next.TaskInput.Status = models.StatusKnown
		}
	}
	if len(patch.OutputItems) > 0 {
		if next.TaskOutput.Status == models.StatusUnknown || !reflect.DeepEqual(next.TaskOutput.Items, patch.OutputItems) {
			next.TaskOutput.Items = append([]models.OutputItem(nil), patch.OutputItems...)
			next.TaskOutput.Status = models.StatusKnown
		}
	}
	if len(patch.Steps) > 0 {
		steps := dedupSteps(patch.Steps)
		if next.TaskSteps.Status == models.StatusUnknown || !reflect.DeepEqual(next.TaskSteps.Items, steps) {
			next.TaskSteps.Items = steps
			next.TaskSteps.Status = models.StatusKnown
		}
	}
}

// applyConfirmations promotes confirmed fields. It returns an anomaly
// description for explicit confirmations of unelicited fields, or a reject
// description when the patch addresses an unknown field path.
func applyConfirmations(next *models.Consensus, patch *models.DeltaPatch) (anomaly, reject string) {
	for _, path := range patch.Confirmations {
		if !models.IsValidFieldPath(path) {
			return "", fmt.Sprintf("the confirmation addresses an unknown field %q", path)
		}
		status, _ := next.FieldStatus(path)
		switch status {
		case models.StatusKnown:
			promote(next, path)
		case models.StatusUnknown:
			// Nothing to confirm. Explicit confirmations are anomalous;
			// holistic agreement simply skips fields not yet elicited.
			if !patch.HolisticAgree {
				anomaly = fmt.Sprintf("cannot confirm %s: nothing has been agreed for it yet", path)
			}
		case models.StatusConfirmed:
			// Re-confirming is harmless.
		}
	}
	if patch.HolisticAgree {
		for _, path := range models.AllFieldPaths() {
			if status, _ := next.FieldStatus(path); status == models.StatusKnown {
				promote(next, path)
			}
		}
	}
	return anomaly, ""
}

func promote(next *models.Consensus, path models.FieldPath) {
	switch path {
	case models.FieldTaskName:
		next.TaskName.Status = models.StatusConfirmed
	case models.FieldTaskInput:
		next.TaskInput.Status = models.StatusConfirmed
	case models.FieldTaskOutput:
		next.TaskOutput.Status = models.StatusConfirmed
	case models.FieldTaskSteps:
		next.TaskSteps.Status = models.StatusConfirmed
	}
}

// recomputePhase derives the dialog phase from the field statuses and the
// turn's outstanding-confirmation signal.
func recomputePhase(next *models.Consensus, patch *models.DeltaPatch) models.DialogStatus {
	switch {
	case next.AllFieldsAre(models.StatusUnknown):
		return models.DialogInit
	case next.AllFieldsAre(models.StatusConfirmed):
		return models.DialogExecuting
	case next.AllFieldsAtLeastKnown() && patch.ConfirmAwaiting:
		return models.DialogConfirmQuestion
	default:
		return models.DialogConsensusSupplement
	}
}

func decideAction(next *models.Consensus, anomaly string) Outcome {
	if anomaly != "" {
		return Outcome{Action: models.ActionAskForClarification, Detail: anomaly}
	}
	if next.DialogStatus == models.DialogExecuting {
		return Outcome{Action: models.ActionDispatchExecution}
	}
	if next.AllFieldsAtLeastKnown() {
		return Outcome{Action: models.ActionAskToConfirm}
	}
	return Outcome{Action: models.ActionAskForMore}
}

// dedupInputs drops duplicate input titles while preserving order.
func dedupInputs(items []models.InputItem) []models.InputItem {
	seen := make(map[string]bool, len(items))
	out := make([]models.InputItem, 0, len(items))
	for _, it := range items {
		if !seen[it.Title] {
			seen[it.Title] = true
			out = append(out, it)
		}
	}
	return out
}

// dedupSteps drops duplicate requirement and output names within each step.
func dedupSteps(steps []models.TaskStep) []models.TaskStep {
	out := make([]models.TaskStep, len(steps))
	for i, st := range steps {
		cp := st
		cp.Requirements = dedupStrings(st.Requirements)
		cp.Outputs = dedupStrings(st.Outputs)
		out[i] = cp
	}
	return out
}

func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
