package consensus

import (
	"fmt"

	"github.com/DataWeave/TaskPipe/internal/models"
)

// Project flattens a consensus document into the addressable item list the
// confirmation UI renders. It is a pure read projection: the same document
// always yields identical output, and the returned items never share memory
// with the document.
func Project(c *models.Consensus) []models.ConsensusItem {
	if c == nil {
		return nil
	}
	items := make([]models.ConsensusItem, 0, 4)

	items = append(items, models.ConsensusItem{
		Name:   string(models.FieldTaskName),
		ID:     itemID(c, models.FieldTaskName),
		Status: c.TaskName.Status.Code(),
		Parameters: []models.ConsensusParameterItem{
			{Name: c.TaskName.Name, Status: c.TaskName.Status.Code()},
		},
	})

	inputParams := make([]models.ConsensusParameterItem, 0, len(c.TaskInput.Items))
	for _, it := range c.TaskInput.Items {
		inputParams = append(inputParams, models.ConsensusParameterItem{Name: it.Title, Status: c.TaskInput.Status.Code()})
	}
	items = append(items, models.ConsensusItem{
		Name:       string(models.FieldTaskInput),
		ID:         itemID(c, models.FieldTaskInput),
		Status:     c.TaskInput.Status.Code(),
		Parameters: inputParams,
	})

	outputParams := make([]models.ConsensusParameterItem, 0, len(c.TaskOutput.Items))
	for _, it := range c.TaskOutput.Items {
		outputParams = append(outputParams, models.ConsensusParameterItem{Name: it.Title, Status: c.TaskOutput.Status.Code()})
	}
	items = append(items, models.ConsensusItem{
		Name:       string(models.FieldTaskOutput),
		ID:         itemID(c, models.FieldTaskOutput),
		Status:     c.TaskOutput.Status.Code(),
		Parameters: outputParams,
	})

	stepParams := make([]models.ConsensusParameterItem, 0, len(c.TaskSteps.Items))
	for _, st := range c.TaskSteps.Items {
		stepParams = append(stepParams, models.ConsensusParameterItem{
			Name:   fmt.Sprintf("%d. %s", st.StepNo, st.StepName),
			Status: c.TaskSteps.Status.Code(),
		})
	}
	items = append(items, models.ConsensusItem{
		Name:       string(models.FieldTaskSteps),
		ID:         itemID(c, models.FieldTaskSteps),
		Status:     c.TaskSteps.Status.Code(),
		Parameters: stepParams,
	})

	return items
}

func itemID(c *models.Consensus, path models.FieldPath) string {
	return c.ID + ":" + string(path)
}

// BuildStatusManage rebuilds the session-scope summary from the current
// consensus. A nil consensus means no task is in progress.
func BuildStatusManage(c *models.Consensus) models.ConsensusStatusManage {
	if c == nil {
		return models.ConsensusStatusManage{DialogStatus: models.SessionNoTask}
	}
	return models.ConsensusStatusManage{
		DialogStatus:       models.SessionTaskInProgress,
		CurrentConsensusID: c.ID,
		ConsensusItems:     Project(c),
	}
}

// CompletedStatusManage is the summary reported for the turn on which a
// dispatched task finished; the next turn starts from no_task.
func CompletedStatusManage(consensusID string) models.ConsensusStatusManage {
	return models.ConsensusStatusManage{
		DialogStatus:       models.SessionTaskCompleted,
		CurrentConsensusID: consensusID,
	}
}
