package consensus

import (
	"reflect"
	"testing"

	"github.com/DataWeave/TaskPipe/internal/models"
)

func TestProjectIsPure(t *testing.T) {
	c := fullyKnownConsensus(t)
	first := Project(c)
	second := Project(c)
	if !reflect.DeepEqual(first, second) {
		t.Error("projection of the same document must be identical")
	}

	// Mutating the projection must not leak into the document.
	first[0].Parameters[0].Name = "mutated"
	if c.TaskName.Name == "mutated" {
		t.Error("projection shares memory with the document")
	}
}

func TestProjectShape(t *testing.T) {
	c := fullyKnownConsensus(t)
	items := Project(c)
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}

	byName := make(map[string]models.ConsensusItem, len(items))
	for _, it := range items {
		byName[it.Name] = it
	}

	name := byName[string(models.FieldTaskName)]
	if name.Status != models.StatusCodeKnown {
		t.Errorf("expected known status code, got %d", name.Status)
	}
	if name.ID != c.ID+":task_name" {
		t.Errorf("unexpected item id %q", name.ID)
	}

	steps := byName[string(models.FieldTaskSteps)]
	if len(steps.Parameters) != 2 {
		t.Fatalf("expected 2 step parameters, got %d", len(steps.Parameters))
	}
	if steps.Parameters[0].Name != "1. filter orders" {
		t.Errorf("unexpected step parameter name %q", steps.Parameters[0].Name)
	}
}

func TestProjectNil(t *testing.T) {
	if got := Project(nil); got != nil {
		t.Errorf("expected nil projection for nil consensus, got %+v", got)
	}
}

func TestBuildStatusManage(t *testing.T) {
	if m := BuildStatusManage(nil); m.DialogStatus != models.SessionNoTask {
		t.Errorf("expected no_task for nil consensus, got %d", m.DialogStatus)
	}

	c := fullyKnownConsensus(t)
	m := BuildStatusManage(c)
	if m.DialogStatus != models.SessionTaskInProgress {
		t.Errorf("expected task_in_progress, got %d", m.DialogStatus)
	}
	if m.CurrentConsensusID != c.ID {
		t.Errorf("expected consensus id %q, got %q", c.ID, m.CurrentConsensusID)
	}
	if len(m.ConsensusItems) != 4 {
		t.Errorf("expected 4 consensus items, got %d", len(m.ConsensusItems))
	}

	done := CompletedStatusManage(c.ID)
	if done.DialogStatus != models.SessionTaskCompleted || done.CurrentConsensusID != c.ID {
		t.Errorf("unexpected completed summary: %+v", done)
	}
}
