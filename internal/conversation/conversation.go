// Package conversation orchestrates one user turn end to end: lease, history,
// delta extraction, consensus transition, persistence, and, on a fully
// confirmed plan, dispatch through the router.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DataWeave/TaskPipe/internal/consensus"
	"github.com/DataWeave/TaskPipe/internal/genai"
	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/DataWeave/TaskPipe/internal/store"
)

var (
	// ErrEmptyUtterance is returned when a turn carries no text.
	ErrEmptyUtterance = errors.New("utterance cannot be empty")
	// ErrBusy is returned while another turn for the same user is in flight.
	// Callers should retry after a short delay.
	ErrBusy = errors.New("a turn for this user is already in progress")
	// ErrExtractionUnavailable is returned when the extraction call failed or
	// timed out. The stored consensus is untouched and the turn is retryable.
	ErrExtractionUnavailable = errors.New("delta extraction unavailable")
)

// Dispatcher executes a fully confirmed consensus. Satisfied by router.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *models.Consensus, userID string) models.ExecutionResult
	Summary(c *models.Consensus) string
}

// FallbackResponder produces the natural-language reply for a failed
// execution. Satisfied by failure.Responder.
type FallbackResponder interface {
	Reply(ctx context.Context, userID, question, taskName, executionsSummary string, classified *models.ExecutionFailure) string
}

// TurnResult is everything one turn produces for the caller.
type TurnResult struct {
	Action       models.TurnAction            `json:"action"`
	Reply        string                       `json:"reply"`
	StatusManage models.ConsensusStatusManage `json:"status_manage"`
	Execution    *models.ExecutionResult      `json:"execution,omitempty"`
}

// Service runs conversation turns. Collaborators are injected at
// construction; the service itself is stateless between turns.
type Service struct {
	store      store.Store
	client     genai.ClientInterface
	dispatcher Dispatcher
	responder  FallbackResponder
	leaseTTL   time.Duration
}

// NewService creates a conversation service.
func NewService(st store.Store, client genai.ClientInterface, dispatcher Dispatcher, responder FallbackResponder) *Service {
	return &Service{
		store:      st,
		client:     client,
		dispatcher: dispatcher,
		responder:  responder,
		leaseTTL:   store.DefaultLeaseTTL,
	}
}

// HandleTurn processes one user utterance.
//
// The per-user lease covers the whole read-merge-write cycle, so concurrent
// turns for the same user cannot interleave partial updates. When extraction
// fails the stored document is left exactly as it was.
func (s *Service) HandleTurn(ctx context.Context, userID, utterance string) (TurnResult, error) {
	if userID == "" {
		return TurnResult{}, models.ErrEmptyUserID
	}
	if strings.TrimSpace(utterance) == "" {
		return TurnResult{}, ErrEmptyUtterance
	}

	token, err := s.store.AcquireLease(ctx, userID, s.leaseTTL)
	if err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			slog.Info("Service.HandleTurn: lease held, turn rejected", "userID", userID)
			return TurnResult{}, fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return TurnResult{}, fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		// Release must survive a canceled turn context or the user stays
		// locked out until the lease TTL expires.
		if relErr := s.store.ReleaseLease(context.WithoutCancel(ctx), userID, token); relErr != nil {
			slog.Warn("Service.HandleTurn: lease release failed", "error", relErr, "userID", userID)
		}
	}()

	s.appendHistory(ctx, userID, "user", utterance)

	current, err := s.store.GetConsensus(ctx, userID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load consensus: %w", err)
	}
	fresh := current == nil
	if fresh {
		current = models.NewConsensus(userID)
	}

	patch, err := s.client.ExtractDelta(ctx, utterance, current)
	if err != nil {
		// Nothing has been written yet, so the caller can simply retry.
		slog.Warn("Service.HandleTurn: extraction failed", "error", err, "userID", userID)
		return TurnResult{}, fmt.Errorf("%w: %w", ErrExtractionUnavailable, err)
	}

	next, outcome := consensus.Advance(current, patch)

	var result TurnResult
	if outcome.Action == models.ActionDispatchExecution {
		result, err = s.dispatch(ctx, next, userID, utterance)
	} else {
		result, err = s.persist(ctx, next, fresh, outcome)
	}
	if err != nil {
		return TurnResult{}, err
	}

	s.appendHistory(ctx, userID, "assistant", result.Reply)
	return result, nil
}

// ResetConsensus abandons the user's in-progress task. The document is
// soft-deleted so it stays visible for audit.
func (s *Service) ResetConsensus(ctx context.Context, userID string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	token, err := s.store.AcquireLease(ctx, userID, s.leaseTTL)
	if err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		if relErr := s.store.ReleaseLease(context.WithoutCancel(ctx), userID, token); relErr != nil {
			slog.Warn("Service.ResetConsensus: lease release failed", "error", relErr, "userID", userID)
		}
	}()
	if err := s.store.MarkUnavailable(ctx, userID); err != nil {
		return fmt.Errorf("reset consensus: %w", err)
	}
	slog.Info("Service.ResetConsensus: consensus abandoned", "userID", userID)
	return nil
}

// StatusManage reports the session summary without advancing the dialog.
func (s *Service) StatusManage(ctx context.Context, userID string) (models.ConsensusStatusManage, error) {
	if userID == "" {
		return models.ConsensusStatusManage{}, models.ErrEmptyUserID
	}
	c, err := s.store.GetConsensus(ctx, userID)
	if err != nil {
		return models.ConsensusStatusManage{}, fmt.Errorf("load consensus: %w", err)
	}
	return consensus.BuildStatusManage(c), nil
}

// dispatch hands the confirmed consensus to the router and composes the
// final reply. The task name is captured here because the router removes the
// document as part of completion. The triggering utterance travels to the
// fallback responder as the question it answers.
func (s *Service) dispatch(ctx context.Context, c *models.Consensus, userID, utterance string) (TurnResult, error) {
	taskName := c.TaskName.Name
	summary := s.dispatcher.Summary(c)

	exec := s.dispatcher.Dispatch(ctx, c, userID)

	var reply string
	if exec.Succeeded() {
		reply = fmt.Sprintf("Task %q finished: %d rows rendered as %s.", taskName, len(exec.Rows), exec.Shape)
	} else {
		reply = s.responder.Reply(ctx, userID, utterance, taskName, summary, exec.Failure)
	}

	return TurnResult{
		Action:       models.ActionDispatchExecution,
		Reply:        reply,
		StatusManage: consensus.CompletedStatusManage(c.ID),
		Execution:    &exec,
	}, nil
}

// persist writes the advanced document back and composes the elicitation
// reply. A no-op turn on a fresh user writes nothing.
func (s *Service) persist(ctx context.Context, next *models.Consensus, fresh bool, outcome consensus.Outcome) (TurnResult, error) {
	if !fresh || outcome.Action != models.ActionNoOp {
		if err := s.store.SaveConsensus(ctx, next); err != nil {
			return TurnResult{}, fmt.Errorf("save consensus: %w", err)
		}
	}
	return TurnResult{
		Action:       outcome.Action,
		Reply:        composeReply(next, outcome),
		StatusManage: consensus.BuildStatusManage(next),
	}, nil
}

func (s *Service) appendHistory(ctx context.Context, userID, role, content string) {
	entry := models.HistoryEntry{UserID: userID, Role: role, Content: content, Timestamp: time.Now()}
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		slog.Warn("Service.appendHistory: history write failed", "error", err, "userID", userID, "role", role)
	}
}

// composeReply renders the deterministic elicitation prompt for a turn.
func composeReply(c *models.Consensus, outcome consensus.Outcome) string {
	switch outcome.Action {
	case models.ActionAskForClarification:
		if outcome.Detail != "" {
			return "I could not apply that: " + outcome.Detail + " Could you restate it?"
		}
		return "I did not follow that. Could you restate it?"
	case models.ActionAskToConfirm:
		return fmt.Sprintf("I have the full picture for %q. Shall I run it as planned?", c.TaskName.Name)
	case models.ActionNoOp:
		return "I did not catch anything new about the task. What would you like to analyze?"
	default:
		if missing := missingFields(c); len(missing) > 0 {
			return "Got it. I still need: " + strings.Join(missing, ", ") + "."
		}
		return "Got it. Anything else to add before we confirm?"
	}
}

var fieldLabels = map[models.FieldPath]string{
	models.FieldTaskName:   "the task name",
	models.FieldTaskInput:  "the data inputs",
	models.FieldTaskOutput: "the expected outputs",
	models.FieldTaskSteps:  "the analysis steps",
}

func missingFields(c *models.Consensus) []string {
	var out []string
	for _, path := range models.AllFieldPaths() {
		if status, _ := c.FieldStatus(path); status == models.StatusUnknown {
			out = append(out, fieldLabels[path])
		}
	}
	return out
}
