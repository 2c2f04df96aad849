package failure

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/DataWeave/TaskPipe/internal/genai"
	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/DataWeave/TaskPipe/internal/store"
)

// History formatting limits for the fallback prompt.
const (
	// DefaultHistoryWindow is how far back the dialog history reaches.
	DefaultHistoryWindow = 10 * time.Minute
	// MaxHistoryBytes truncates oversized histories from the front, keeping
	// the most recent turns.
	MaxHistoryBytes = 4096
)

// staticFallback is the bottom line when even the fallback AI call fails.
const staticFallback = "I wasn't able to complete that analysis. Could you rephrase the task or try again in a moment?"

// Responder invokes the natural-language fallback with full task context.
type Responder struct {
	client        genai.ClientInterface
	store         store.Store
	historyWindow time.Duration
}

// NewResponder creates a fallback responder. A zero window uses the default.
func NewResponder(client genai.ClientInterface, st store.Store, historyWindow time.Duration) *Responder {
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	return &Responder{client: client, store: st, historyWindow: historyWindow}
}

// Reply composes the user-facing explanation for a classified failure.
// taskName is the name captured at confirmation time, not re-derived.
// Reply never returns an error; the static bottom line covers AI failures.
func (r *Responder) Reply(ctx context.Context, userID, question, taskName, executionsSummary string, classified *models.ExecutionFailure) string {
	history := r.recentHistory(ctx, userID)

	fc := genai.FallbackContext{
		Question:          question,
		DialogHistory:     history,
		TaskName:          taskName,
		ExecutionsSummary: executionsSummary,
	}
	if classified != nil {
		fc.ErrorKind = classified.Kind
		fc.ErrorSubKind = classified.SubKind
		fc.ErrorMessage = classified.Message
	}

	reply, err := r.client.FallbackReply(ctx, fc)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("failure.Reply: fallback responder unavailable, using static reply", "error", err, "userID", userID)
		return staticFallback
	}
	return reply
}

// recentHistory renders the last window of turns, newline-normalized and
// truncated from the front.
func (r *Responder) recentHistory(ctx context.Context, userID string) string {
	entries, err := r.store.RecentHistory(ctx, userID, r.historyWindow)
	if err != nil {
		slog.Warn("failure.recentHistory: history unavailable", "error", err, "userID", userID)
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		content := strings.ReplaceAll(e.Content, "\n", " ")
		lines = append(lines, e.Role+": "+content)
	}
	history := strings.Join(lines, "\n")
	if len(history) > MaxHistoryBytes {
		history = history[len(history)-MaxHistoryBytes:]
		// Drop the partial first line after cutting.
		if idx := strings.Index(history, "\n"); idx >= 0 {
			history = history[idx+1:]
		}
	}
	return history
}
