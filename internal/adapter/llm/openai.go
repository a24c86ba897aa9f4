package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/config"
	"swarmbridge/internal/infra/tracer"
)

// OpenAIProvider implements domain.InferenceProvider against any
// OpenAI-compatible chat completions API (LM Studio, Ollama, vLLM, OpenAI).
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	// client carries an overall deadline for one-shot calls; streamClient
	// does not, so long generations are bounded only by their context.
	client       *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:1235/v1"
	}

	return &OpenAIProvider{
		name:         cfg.Name,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		client:       newHTTPClient(cfg.ConnTimeout, cfg.RespTimeout),
		streamClient: newStreamClient(cfg.ConnTimeout, cfg.RespTimeout),
		logger:       logger,
	}
}

// Name implements domain.InferenceProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Complete implements domain.InferenceProvider. It is a single-shot,
// non-streaming call used for cheap routing decisions.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, opts domain.CompleteOptions) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.complete",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.model),
		),
	)
	defer span.End()

	req := openaiRequest{
		Model:    p.model,
		Messages: []openaiMessage{{Role: "user", Content: prompt}},
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	t := opts.Temperature
	req.Temperature = &t

	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", domain.ErrProviderError)
	}

	span.SetAttributes(tracer.IntAttr("llm.total_tokens", oaiResp.Usage.TotalTokens))
	return oaiResp.Choices[0].Message.Content, nil
}

// Generate implements domain.InferenceProvider. Tokens stream through
// onToken as they arrive; the finalized result carries any tool calls in
// pending state plus usage and cost.
func (p *OpenAIProvider) Generate(ctx context.Context, req domain.GenerateRequest, onToken domain.TokenFunc) (*domain.GenerateResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.agent", req.Agent.ID),
			tracer.IntAttr("llm.history", len(req.History)),
		),
	)
	defer span.End()

	model := req.Agent.Model
	if model == "" {
		model = p.model
	}

	oaiReq := openaiRequest{
		Model:         model,
		Messages:      p.buildMessages(req),
		Tools:         agentTools(),
		Stream:        true,
		StreamOptions: &openaiStreamOptions{IncludeUsage: true},
	}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.streamClient, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	ch := parseSSEStream(ctx, httpResp.Body, parseOpenAIChunk)

	var (
		text  strings.Builder
		calls toolCallAccumulator
		usage *domain.Usage
	)
	for delta := range ch {
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onToken != nil {
				onToken(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			calls.add(tc)
		}
		if delta.Usage != nil {
			usage = delta.Usage
		}
	}
	if err := ctx.Err(); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	result := &domain.GenerateResult{
		Text:        text.String(),
		Invocations: calls.invocations(),
		Usage:       usage,
	}
	if usage != nil {
		result.Cost = modelCost(model, *usage)
		span.SetAttributes(tracer.IntAttr("llm.total_tokens", usage.TotalTokens))
	}

	p.logger.Debug("generation completed",
		"provider", p.name,
		"agent", req.Agent.ID,
		"chars", len(result.Text),
		"tool_calls", len(result.Invocations),
	)
	return result, nil
}

func (p *OpenAIProvider) headers() map[string]string {
	if p.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

// buildMessages flattens the shared transcript into a chat request from the
// speaking agent's point of view: its own past entries become assistant
// turns, everyone else's are labeled user turns.
func (p *OpenAIProvider) buildMessages(req domain.GenerateRequest) []openaiMessage {
	instructions := req.Instructions
	if instructions == "" {
		instructions = req.Agent.Instructions
	}

	var system strings.Builder
	system.WriteString(instructions)
	fmt.Fprintf(&system, "\n\nYou are %s (%s).", req.Agent.Name, req.Agent.ID)
	if len(req.Roster) > 0 {
		system.WriteString(" Team:")
		for _, a := range req.Roster {
			fmt.Fprintf(&system, " %s (%s);", a.Name, a.Role)
		}
	}

	msgs := []openaiMessage{{Role: "system", Content: system.String()}}
	for _, m := range req.History {
		if m.Thinking {
			continue
		}
		switch {
		case m.AuthorID == req.Agent.ID:
			msgs = append(msgs, openaiMessage{Role: "assistant", Content: m.Content})
		case m.FromUser():
			msgs = append(msgs, openaiMessage{Role: "user", Content: m.Content})
		default:
			name := m.AuthorID
			if a, ok := req.Roster.Find(m.AuthorID); ok {
				name = a.Name
			}
			msgs = append(msgs, openaiMessage{Role: "user", Content: name + ": " + m.Content})
		}
	}
	return append(msgs, openaiMessage{Role: "user", Content: req.Trigger})
}

// agentTools declares the tool surface exposed to agents. File writes go
// through the approval gate, so the declaration here is the whole contract.
func agentTools() []openaiTool {
	return []openaiTool{{
		Type: "function",
		Function: openaiToolFunction{
			Name:        domain.WriteFileTool,
			Description: "Write a source file into the shared workspace. Requires user approval.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"filename": {"type": "string", "description": "Flat file name, no directories"},
					"content": {"type": "string", "description": "Full file content"}
				},
				"required": ["filename", "content"]
			}`),
		},
	}}
}

// toolCallAccumulator reassembles streamed tool call fragments by index.
type toolCallAccumulator struct {
	order []int
	parts map[int]*toolCallDelta
}

func (a *toolCallAccumulator) add(tc toolCallDelta) {
	if a.parts == nil {
		a.parts = make(map[int]*toolCallDelta)
	}
	cur, ok := a.parts[tc.Index]
	if !ok {
		a.order = append(a.order, tc.Index)
		cp := tc
		a.parts[tc.Index] = &cp
		return
	}
	if tc.ID != "" {
		cur.ID = tc.ID
	}
	if tc.Name != "" {
		cur.Name = tc.Name
	}
	cur.Args += tc.Args
}

func (a *toolCallAccumulator) invocations() []domain.ToolInvocation {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]domain.ToolInvocation, 0, len(a.order))
	for _, idx := range a.order {
		tc := a.parts[idx]
		id := tc.ID
		if id == "" {
			// Some local servers omit call ids.
			id = ulid.Make().String()
		}
		out = append(out, domain.ToolInvocation{
			ID:     id,
			Name:   tc.Name,
			Args:   json.RawMessage(tc.Args),
			Status: domain.InvocationPending,
		})
	}
	return out
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Created int64          `json:"created"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u openaiUsage) toDomain() *domain.Usage {
	return &domain.Usage{
		PromptTokens:   u.PromptTokens,
		ResponseTokens: u.CompletionTokens,
		TotalTokens:    u.TotalTokens,
	}
}

// --- OpenAI streaming wire types ---

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string                 `json:"content,omitempty"`
	ToolCalls []openaiStreamToolCall `json:"tool_calls,omitempty"`
}

type openaiStreamToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

func parseOpenAIChunk(data []byte) (*streamDelta, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}

	delta := &streamDelta{}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		delta.Content = c.Delta.Content
		for _, tc := range c.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, toolCallDelta{
				Index: tc.Index,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Args:  tc.Function.Arguments,
			})
		}
	}
	if chunk.Usage != nil {
		delta.Usage = chunk.Usage.toDomain()
	}
	return delta, nil
}

// --- cost accounting ---

// tokenPrice is USD per million tokens.
type tokenPrice struct {
	prompt   float64
	response float64
}

// Pricing for hosted models; local models resolve to zero cost.
var modelPrices = map[string]tokenPrice{
	"gpt-4o":        {prompt: 2.50, response: 10.00},
	"gpt-4o-mini":   {prompt: 0.15, response: 0.60},
	"gpt-4.1":       {prompt: 2.00, response: 8.00},
	"gpt-4.1-mini":  {prompt: 0.40, response: 1.60},
	"o4-mini":       {prompt: 1.10, response: 4.40},
	"deepseek-chat": {prompt: 0.27, response: 1.10},
}

func modelCost(model string, usage domain.Usage) float64 {
	price, ok := modelPrices[model]
	if !ok {
		// Longest-prefix match covers dated snapshots like gpt-4o-2024-11-20.
		best := 0
		for name, p := range modelPrices {
			if strings.HasPrefix(model, name) && len(name) > best {
				price, ok, best = p, true, len(name)
			}
		}
	}
	if !ok {
		return 0
	}
	return (float64(usage.PromptTokens)*price.prompt +
		float64(usage.ResponseTokens)*price.response) / 1e6
}

var _ domain.InferenceProvider = (*OpenAIProvider)(nil)
