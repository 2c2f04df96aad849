// Package genai wraps the OpenAI API for TaskPipe's three AI collaborators:
// delta extraction from user utterances, analysis-program generation, and the
// bottom-line fallback responder.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Request timeout policy. Thinking-style models are given a longer budget.
const (
	// DefaultRequestTimeout bounds one chat completion call.
	DefaultRequestTimeout = 300 * time.Second
	// MaxThinkingTimeout caps the extended budget for thinking-style models.
	MaxThinkingTimeout = 1800 * time.Second
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4o

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// openaiChatService adapts the OpenAI SDK client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return s.client.Chat.Completions.New(ctx, params)
}

// ClientInterface is the surface the rest of the core consumes; tests swap in mocks.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	ExtractDelta(ctx context.Context, utterance string, current *models.Consensus) (*models.DeltaPatch, error)
	GenerateProgram(ctx context.Context, c *models.Consensus, datasourceSummary string) (string, error)
	FallbackReply(ctx context.Context, fc FallbackContext) (string, error)
}

// FallbackContext carries the conversational context handed to the fallback
// responder when execution cannot proceed or fails.
type FallbackContext struct {
	Question          string
	DialogHistory     string
	TaskName          string
	ExecutionsSummary string
	ErrorKind         models.FailureKind
	ErrorSubKind      models.FailureSubKind
	ErrorMessage      string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	MaxTokens      int64
	RequestTimeout time.Duration
	ThinkingModel  bool
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithMaxTokens sets the completion token budget.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithRequestTimeout overrides the per-call timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithThinkingModel marks the configured model as a thinking-style model,
// extending the per-call timeout up to MaxThinkingTimeout.
func WithThinkingModel() Option {
	return func(o *Opts) { o.ThinkingModel = true }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	timeout     time.Duration
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if cfg.ThinkingModel {
		timeout = MaxThinkingTimeout
	}
	if timeout > MaxThinkingTimeout {
		timeout = MaxThinkingTimeout
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "timeout", timeout, "thinking", cfg.ThinkingModel)
	return &Client{
		chat:        openaiChatService{client: cli},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
	}, nil
}

// withTimeout applies the client's per-call timeout unless the caller already
// set a tighter deadline.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// GenerateWithMessages runs one chat completion and returns the assistant text.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(c.maxTokens),
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.GenerateWithMessages: completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		slog.Error("genai.GenerateWithMessages: no choices returned", "model", c.model)
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

const extractSystemPrompt = `You extract task-specification updates from a user's message.
Reply with a single JSON object with these optional keys:
"task_name" (string), "input_items" ([{"title":...}]),
"output_items" ([{"title":...,"visual_style":...}]), "steps"
([{"step_no":...,"step_name":...,"requirements":[...],"outputs":[...]}]),
"confirmations" (subset of ["task_name","task_input","task_output","task_steps"]),
"holistic_agree" (bool, true when the user agrees with the whole plan),
"confirm_awaiting" (bool, true when your reply should be a yes/no confirmation question).
Only include keys the message actually supports. Reply with JSON only.`

// ExtractDelta asks the model which fields the utterance updates or confirms.
// An unparseable reply degrades to an empty patch rather than failing the turn.
func (c *Client) ExtractDelta(ctx context.Context, utterance string, current *models.Consensus) (*models.DeltaPatch, error) {
	stateJSON, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("failed to encode current consensus: %w", err)
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(extractSystemPrompt),
		openai.SystemMessage("Current task specification: " + string(stateJSON)),
		openai.UserMessage(utterance),
	}
	reply, err := c.GenerateWithMessages(ctx, messages)
	if err != nil {
		return nil, err
	}

	patch, err := ParseDeltaPatch(reply)
	if err != nil {
		slog.Warn("genai.ExtractDelta: unparseable extraction reply, treating as empty delta", "error", err)
		return &models.DeltaPatch{}, nil
	}
	return patch, nil
}

// ParseDeltaPatch decodes an extraction reply, tolerating Markdown fences.
func ParseDeltaPatch(reply string) (*models.DeltaPatch, error) {
	body := StripCodeFence(reply)
	var patch models.DeltaPatch
	if err := json.Unmarshal([]byte(body), &patch); err != nil {
		return nil, fmt.Errorf("failed to decode delta patch: %w", err)
	}
	for _, path := range patch.Confirmations {
		if !models.IsValidFieldPath(path) {
			return nil, fmt.Errorf("delta patch confirms unknown field %q", path)
		}
	}
	return &patch, nil
}

const programSystemPrompt = `You write a Go analysis program for a sandboxed interpreter.
The program must define exactly:

	func Run(q Query) (Result, error)

where Query lets you execute read-only SQL ("rows, err := q.SQL(...)", each row
is a map[string]any) and Result is built with "NewResult(shape, rows)". Allowed
imports: fmt, strings, strconv, sort, time, math, encoding/json. Reply with a
single fenced Go code block and nothing else.`

// GenerateProgram asks the model for an executable analysis program
// implementing the confirmed task steps.
func (c *Client) GenerateProgram(ctx context.Context, consensus *models.Consensus, datasourceSummary string) (string, error) {
	planJSON, err := json.Marshal(struct {
		TaskName string              `json:"task_name"`
		Inputs   []models.InputItem  `json:"inputs"`
		Outputs  []models.OutputItem `json:"outputs"`
		Steps    []models.TaskStep   `json:"steps"`
	}{
		TaskName: consensus.TaskName.Name,
		Inputs:   consensus.TaskInput.Items,
		Outputs:  consensus.TaskOutput.Items,
		Steps:    consensus.TaskSteps.Items,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode task plan: %w", err)
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(programSystemPrompt),
		openai.SystemMessage("Available data source: " + datasourceSummary),
		openai.UserMessage("Confirmed task plan: " + string(planJSON)),
	}
	return c.GenerateWithMessages(ctx, messages)
}

const fallbackSystemPrompt = `The analysis task could not be completed. Explain to the user,
in plain conversational language, what was attempted and why no result is available,
and suggest what they could try instead. Never show raw error text, stack traces, or code.`

// FallbackReply composes the natural-language explanation for a failed or
// unexecutable task.
func (c *Client) FallbackReply(ctx context.Context, fc FallbackContext) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", fc.TaskName)
	fmt.Fprintf(&b, "User question: %s\n", fc.Question)
	if fc.ExecutionsSummary != "" {
		fmt.Fprintf(&b, "What was attempted: %s\n", fc.ExecutionsSummary)
	}
	fmt.Fprintf(&b, "Failure: %s/%s - %s\n", fc.ErrorKind, fc.ErrorSubKind, fc.ErrorMessage)
	if fc.DialogHistory != "" {
		fmt.Fprintf(&b, "Recent conversation:\n%s\n", fc.DialogHistory)
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(fallbackSystemPrompt),
		openai.UserMessage(b.String()),
	}
	return c.GenerateWithMessages(ctx, messages)
}

// StripCodeFence removes a surrounding Markdown code fence, if any.
func StripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:] // drop the language tag line
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
