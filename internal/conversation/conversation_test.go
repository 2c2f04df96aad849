package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/DataWeave/TaskPipe/internal/genai"
	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/DataWeave/TaskPipe/internal/store"
)

type mockExtractor struct {
	patch *models.DeltaPatch
	err   error
}

func (m *mockExtractor) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return "", nil
}

func (m *mockExtractor) ExtractDelta(ctx context.Context, utterance string, current *models.Consensus) (*models.DeltaPatch, error) {
	return m.patch, m.err
}

func (m *mockExtractor) GenerateProgram(ctx context.Context, c *models.Consensus, datasourceSummary string) (string, error) {
	return "", nil
}

func (m *mockExtractor) FallbackReply(ctx context.Context, fc genai.FallbackContext) (string, error) {
	return "", nil
}

type mockDispatcher struct {
	result models.ExecutionResult
	calls  int
	got    *models.Consensus
}

func (m *mockDispatcher) Dispatch(ctx context.Context, c *models.Consensus, userID string) models.ExecutionResult {
	m.calls++
	m.got = c
	return m.result
}

func (m *mockDispatcher) Summary(c *models.Consensus) string {
	return "executed the plan"
}

type mockResponder struct {
	reply       string
	calls       int
	gotQuestion string
}

func (m *mockResponder) Reply(ctx context.Context, userID, question, taskName, executionsSummary string, classified *models.ExecutionFailure) string {
	m.calls++
	m.gotQuestion = question
	return m.reply
}

func newService(patch *models.DeltaPatch) (*Service, *store.InMemoryStore, *mockDispatcher, *mockResponder) {
	st := store.NewInMemoryStore()
	disp := &mockDispatcher{result: models.SucceedExecution([]models.Row{{"n": 1}}, models.ShapeSum)}
	resp := &mockResponder{reply: "sorry, that did not work"}
	svc := NewService(st, &mockExtractor{patch: patch}, disp, resp)
	return svc, st, disp, resp
}

func TestHandleTurnElicitation(t *testing.T) {
	name := "季度营收趋势分析"
	svc, st, disp, _ := newService(&models.DeltaPatch{TaskName: &name})

	result, err := svc.HandleTurn(context.Background(), "u1", "我想分析季度营收趋势")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if result.Action != models.ActionAskForMore {
		t.Errorf("Action = %s, want ask_for_more", result.Action)
	}
	if !strings.Contains(result.Reply, "data inputs") {
		t.Errorf("reply should name the missing fields, got %q", result.Reply)
	}
	if result.StatusManage.DialogStatus != models.SessionTaskInProgress {
		t.Errorf("session = %d, want task in progress", result.StatusManage.DialogStatus)
	}
	if disp.calls != 0 {
		t.Error("dispatcher must not run during elicitation")
	}

	stored, err := st.GetConsensus(context.Background(), "u1")
	if err != nil || stored == nil {
		t.Fatalf("expected persisted consensus, got %v, %v", stored, err)
	}
	if stored.TaskName.Name != name || stored.TaskName.Status != models.StatusKnown {
		t.Errorf("stored name = %+v", stored.TaskName)
	}

	history, err := st.RecentHistory(context.Background(), "u1", time.Minute)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("expected both turn sides in history, got %+v", history)
	}
}

func TestHandleTurnEmptyInputs(t *testing.T) {
	svc, _, _, _ := newService(&models.DeltaPatch{})
	if _, err := svc.HandleTurn(context.Background(), "", "hi"); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("empty user: got %v", err)
	}
	if _, err := svc.HandleTurn(context.Background(), "u1", "  "); !errors.Is(err, ErrEmptyUtterance) {
		t.Errorf("empty utterance: got %v", err)
	}
}

func TestHandleTurnLeaseHeld(t *testing.T) {
	svc, st, _, _ := newService(&models.DeltaPatch{})
	if _, err := st.AcquireLease(context.Background(), "u1", time.Minute); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	_, err := svc.HandleTurn(context.Background(), "u1", "hello")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestHandleTurnExtractionFailureLeavesStoreUntouched(t *testing.T) {
	st := store.NewInMemoryStore()
	seeded := models.NewConsensus("u1")
	seeded.TaskName = models.TaskName{Name: "original", Status: models.StatusKnown}
	if err := st.SaveConsensus(context.Background(), seeded); err != nil {
		t.Fatalf("SaveConsensus: %v", err)
	}
	svc := NewService(st, &mockExtractor{err: context.DeadlineExceeded}, &mockDispatcher{}, &mockResponder{})

	_, err := svc.HandleTurn(context.Background(), "u1", "change everything")
	if !errors.Is(err, ErrExtractionUnavailable) {
		t.Fatalf("expected ErrExtractionUnavailable, got %v", err)
	}

	stored, err := st.GetConsensus(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetConsensus: %v", err)
	}
	if stored.TaskName.Name != "original" || stored.TaskName.Status != models.StatusKnown {
		t.Errorf("stored consensus changed across a failed extraction: %+v", stored.TaskName)
	}

	// The lease must be released so a retry can go through.
	if _, err := st.AcquireLease(context.Background(), "u1", time.Minute); err != nil {
		t.Errorf("retry should reacquire the lease, got %v", err)
	}
}

// strictLeaseStore fails lease release when the handed context is already
// canceled, the way the SQL backends do.
type strictLeaseStore struct {
	store.Store
	releaseCtxErr error
}

func (s *strictLeaseStore) ReleaseLease(ctx context.Context, userID, token string) error {
	s.releaseCtxErr = ctx.Err()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.Store.ReleaseLease(ctx, userID, token)
}

// cancelingExtractor cancels the turn context mid-extraction and reports the
// cancellation, simulating an abandoned turn.
type cancelingExtractor struct {
	mockExtractor
	cancel context.CancelFunc
}

func (m *cancelingExtractor) ExtractDelta(ctx context.Context, utterance string, current *models.Consensus) (*models.DeltaPatch, error) {
	m.cancel()
	return nil, ctx.Err()
}

func TestHandleTurnReleasesLeaseAfterCanceledTurn(t *testing.T) {
	inner := store.NewInMemoryStore()
	st := &strictLeaseStore{Store: inner}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewService(st, &cancelingExtractor{cancel: cancel}, &mockDispatcher{}, &mockResponder{})

	if _, err := svc.HandleTurn(ctx, "u1", "hello"); !errors.Is(err, ErrExtractionUnavailable) {
		t.Fatalf("expected ErrExtractionUnavailable, got %v", err)
	}
	if st.releaseCtxErr != nil {
		t.Errorf("lease release ran under a canceled context: %v", st.releaseCtxErr)
	}
	// The very next turn must be able to take the lease.
	if _, err := inner.AcquireLease(context.Background(), "u1", time.Minute); err != nil {
		t.Errorf("retry should reacquire the lease, got %v", err)
	}
}

func seedFullyKnown(t *testing.T, st *store.InMemoryStore) *models.Consensus {
	t.Helper()
	c := models.NewConsensus("u1")
	c.TaskName = models.TaskName{Name: "quarterly revenue trend", Status: models.StatusKnown}
	c.TaskInput = models.TaskInput{Items: []models.InputItem{{Title: "orders"}}, Status: models.StatusKnown}
	c.TaskOutput = models.TaskOutput{Items: []models.OutputItem{{Title: "trend", VisualStyle: models.ShapeTrend}}, Status: models.StatusKnown}
	c.TaskSteps = models.TaskSteps{Items: []models.TaskStep{{StepNo: 1, StepName: "aggregate by quarter"}}, Status: models.StatusKnown}
	c.DialogStatus = models.DialogConsensusSupplement
	if err := st.SaveConsensus(context.Background(), c); err != nil {
		t.Fatalf("SaveConsensus: %v", err)
	}
	return c
}

func TestHandleTurnDispatchesOnHolisticAgreement(t *testing.T) {
	svc, st, disp, resp := newService(&models.DeltaPatch{HolisticAgree: true})
	seedFullyKnown(t, st)

	result, err := svc.HandleTurn(context.Background(), "u1", "yes, run it")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if result.Action != models.ActionDispatchExecution {
		t.Fatalf("Action = %s, want dispatch_execution", result.Action)
	}
	if disp.calls != 1 {
		t.Fatalf("dispatcher calls = %d, want 1", disp.calls)
	}
	if !disp.got.AllFieldsAre(models.StatusConfirmed) {
		t.Error("dispatcher should receive the fully confirmed document")
	}
	if result.Execution == nil || !result.Execution.Succeeded() {
		t.Fatalf("expected successful execution, got %+v", result.Execution)
	}
	if result.StatusManage.DialogStatus != models.SessionTaskCompleted {
		t.Errorf("session = %d, want task completed", result.StatusManage.DialogStatus)
	}
	if !strings.Contains(result.Reply, "quarterly revenue trend") {
		t.Errorf("success reply should carry the task name, got %q", result.Reply)
	}
	if resp.calls != 0 {
		t.Error("fallback responder must not run on success")
	}
}

func TestHandleTurnFailedExecutionUsesFallback(t *testing.T) {
	svc, st, disp, resp := newService(&models.DeltaPatch{HolisticAgree: true})
	seedFullyKnown(t, st)
	disp.result = models.FailExecution(models.SubKindEmptyQueryResult, "no rows", "")

	result, err := svc.HandleTurn(context.Background(), "u1", "confirm")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if resp.calls != 1 {
		t.Fatalf("responder calls = %d, want 1", resp.calls)
	}
	if resp.gotQuestion != "confirm" {
		t.Errorf("responder question = %q, want the user's utterance", resp.gotQuestion)
	}
	if result.Reply != "sorry, that did not work" {
		t.Errorf("Reply = %q, want the fallback text", result.Reply)
	}
	if result.Execution == nil || result.Execution.Succeeded() {
		t.Fatalf("expected failed execution, got %+v", result.Execution)
	}
	if result.StatusManage.DialogStatus != models.SessionTaskCompleted {
		t.Errorf("failure is still terminal, session = %d", result.StatusManage.DialogStatus)
	}
}

func TestResetConsensus(t *testing.T) {
	svc, st, _, _ := newService(&models.DeltaPatch{})
	seedFullyKnown(t, st)

	if err := svc.ResetConsensus(context.Background(), "u1"); err != nil {
		t.Fatalf("ResetConsensus: %v", err)
	}
	stored, err := st.GetConsensus(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetConsensus: %v", err)
	}
	if stored != nil {
		t.Error("reset should hide the consensus")
	}
}

func TestStatusManage(t *testing.T) {
	svc, st, _, _ := newService(&models.DeltaPatch{})

	sm, err := svc.StatusManage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("StatusManage: %v", err)
	}
	if sm.DialogStatus != models.SessionNoTask {
		t.Errorf("empty user session = %d, want no task", sm.DialogStatus)
	}

	seedFullyKnown(t, st)
	sm, err = svc.StatusManage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("StatusManage: %v", err)
	}
	if sm.DialogStatus != models.SessionTaskInProgress || len(sm.ConsensusItems) != 4 {
		t.Errorf("seeded session = %+v", sm)
	}
}
