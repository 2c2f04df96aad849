// Package router dispatches a fully confirmed consensus: it has the analysis
// program generated, runs it in the sandbox, classifies any failure, and
// performs the terminal cleanup that makes a dispatched consensus final.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/DataWeave/TaskPipe/internal/failure"
	"github.com/DataWeave/TaskPipe/internal/genai"
	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/DataWeave/TaskPipe/internal/sandbox"
	"github.com/DataWeave/TaskPipe/internal/store"
)

// Executor is the sandbox boundary the router drives; tests swap in fakes.
type Executor interface {
	Execute(ctx context.Context, program string) (*sandbox.Output, error)
}

// Router turns confirmed consensus documents into executed analyses.
// Collaborators are injected at construction and scoped to the router;
// there are no package-level registries.
type Router struct {
	client            genai.ClientInterface
	executor          Executor
	store             store.Store
	datasourceSummary string
}

// New creates a router with its collaborators.
func New(client genai.ClientInterface, executor Executor, st store.Store, datasourceSummary string) *Router {
	return &Router{
		client:            client,
		executor:          executor,
		store:             st,
		datasourceSummary: datasourceSummary,
	}
}

var fencedGoRe = regexp.MustCompile("(?s)```(?:go|golang)?\\s*\\n(.*?)```")

// Dispatch generates and executes the program for a confirmed consensus.
//
// Completion is terminal for the consensus whether it succeeds or fails: the
// document is removed from the store before the result is returned, so the
// next turn starts a fresh elicitation cycle.
func (r *Router) Dispatch(ctx context.Context, c *models.Consensus, userID string) models.ExecutionResult {
	defer func() {
		if err := r.store.DeleteConsensus(ctx, userID); err != nil {
			slog.Error("router.Dispatch: terminal cleanup failed", "error", err, "userID", userID)
		}
	}()

	slog.Info("router.Dispatch: dispatching confirmed task", "userID", userID, "consensusID", c.ID, "taskName", c.TaskName.Name)

	raw, err := r.client.GenerateProgram(ctx, c, r.datasourceSummary)
	if err != nil {
		slog.Error("router.Dispatch: program generation failed", "error", err, "userID", userID)
		return failureResult(&models.ExecutionFailure{
			Kind:    models.FailureExecution,
			SubKind: models.SubKindProcessError,
			Message: "program generation failed",
			Cause:   err.Error(),
		})
	}

	program := ExtractProgram(raw)
	if program == "" {
		slog.Warn("router.Dispatch: generator returned no executable content", "userID", userID)
		return failureResult(&models.ExecutionFailure{
			Kind:    models.FailureExecution,
			SubKind: models.SubKindSyntaxError,
			Message: "the generator returned no executable program",
		})
	}

	out, err := r.executor.Execute(ctx, program)
	if err != nil {
		classified := failure.Classify(err)
		slog.Warn("router.Dispatch: execution failed", "kind", classified.Kind, "subKind", classified.SubKind, "userID", userID)
		return failureResult(classified)
	}

	if len(out.Rows) == 0 {
		slog.Info("router.Dispatch: execution produced no rows", "userID", userID, "consensusID", c.ID)
		return failureResult(failure.EmptyResult())
	}

	shape := out.Shape
	if want := preferredShape(c); want != "" && want != shape {
		// The confirmed output wins over the program's self-reported shape so
		// the visualization layer renders what the user agreed to.
		slog.Debug("router.Dispatch: overriding program shape with confirmed shape", "program", shape, "confirmed", want)
		shape = want
	}

	slog.Info("router.Dispatch: execution succeeded", "userID", userID, "consensusID", c.ID, "shape", shape, "rows", len(out.Rows))
	return models.SucceedExecution(out.Rows, shape)
}

// Summary describes what was attempted, for the fallback prompt.
func (r *Router) Summary(c *models.Consensus) string {
	return fmt.Sprintf("generated a %d-step analysis program for %q and executed it in the sandbox",
		len(c.TaskSteps.Items), c.TaskName.Name)
}

// ExtractProgram pulls the executable program out of a generator reply: the
// first fenced code block when present, otherwise the trimmed raw text.
func ExtractProgram(raw string) string {
	if m := fencedGoRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}

// preferredShape returns the visual style of the first confirmed output item.
func preferredShape(c *models.Consensus) models.ResultShape {
	for _, out := range c.TaskOutput.Items {
		if models.IsValidResultShape(out.VisualStyle) {
			return out.VisualStyle
		}
	}
	return ""
}

func failureResult(f *models.ExecutionFailure) models.ExecutionResult {
	return models.ExecutionResult{Failure: f}
}
