// Package llm is the single gateway to chat-completion and embedding
// providers. It routes calls round-robin over the configured targets, enforces
// the rolling token budget, and translates provider failures into a closed
// error taxonomy. Scorers never talk to provider SDKs directly.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashita-ai/mamori/internal/config"
)

// Providers.
const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
)

// TokenConsumption is the LLM usage of one call or a chain of calls.
type TokenConsumption struct {
	Prompt     int
	Completion int
}

// Add returns the sum of two consumptions.
func (t TokenConsumption) Add(o TokenConsumption) TokenConsumption {
	return TokenConsumption{Prompt: t.Prompt + o.Prompt, Completion: t.Completion + o.Completion}
}

// Total returns prompt plus completion tokens.
func (t TokenConsumption) Total() int { return t.Prompt + t.Completion }

// TokenCounter estimates prompt tokens before a call.
type TokenCounter interface {
	Count(text string) int
}

// Options configures an Executor.
type Options struct {
	Provider         string
	Targets          []config.LLMTarget
	EmbeddingsTarget *config.LLMTarget
	AzureAPIVersion  string
	Timeout          time.Duration
	TokensPerPeriod  int
	Period           time.Duration
	Counter          TokenCounter
	TokensTotal      *prometheus.CounterVec // labelled by kind; may be nil
	Logger           *slog.Logger
}

type target struct {
	model    string
	endpoint string
	client   *openai.Client
}

// Executor routes LLM calls. It is safe for concurrent use.
type Executor struct {
	targets  []target
	embed    *target
	next     atomic.Uint64
	governor *Governor
	counter  TokenCounter
	tokens   *prometheus.CounterVec
	logger   *slog.Logger
}

// New creates an executor. Zero targets is allowed; every call then fails
// with ErrNoTargets so LLM-backed rules report Unavailable.
func New(opts Options) (*Executor, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: opts.Timeout}

	e := &Executor{
		governor: NewGovernor(opts.TokensPerPeriod, opts.Period),
		counter:  opts.Counter,
		tokens:   opts.TokensTotal,
		logger:   opts.Logger,
	}
	for _, t := range opts.Targets {
		tg, err := newTarget(opts.Provider, opts.AzureAPIVersion, t, httpClient)
		if err != nil {
			return nil, err
		}
		e.targets = append(e.targets, tg)
	}
	if opts.EmbeddingsTarget != nil {
		tg, err := newTarget(opts.Provider, opts.AzureAPIVersion, *opts.EmbeddingsTarget, httpClient)
		if err != nil {
			return nil, err
		}
		e.embed = &tg
	}
	return e, nil
}

func newTarget(provider, apiVersion string, t config.LLMTarget, httpClient *http.Client) (target, error) {
	var cfg openai.ClientConfig
	switch provider {
	case ProviderAzure:
		if t.Endpoint == "" {
			return target{}, fmt.Errorf("llm: azure target %s requires an endpoint", t.Model)
		}
		cfg = openai.DefaultAzureConfig(t.APIKey, t.Endpoint)
		if apiVersion != "" {
			cfg.APIVersion = apiVersion
		}
		// Deployments are named after the model they serve.
		model := t.Model
		cfg.AzureModelMapperFunc = func(string) string { return model }
	case ProviderOpenAI, "":
		cfg = openai.DefaultConfig(t.APIKey)
		if t.Endpoint != "" {
			cfg.BaseURL = t.Endpoint
		}
	default:
		return target{}, fmt.Errorf("llm: unknown provider %q", provider)
	}
	cfg.HTTPClient = httpClient
	return target{model: t.Model, endpoint: t.Endpoint, client: openai.NewClientWithConfig(cfg)}, nil
}

// Configured reports whether at least one chat target exists.
func (e *Executor) Configured() bool { return len(e.targets) > 0 }

// EmbeddingsConfigured reports whether an embeddings target exists.
func (e *Executor) EmbeddingsConfigured() bool { return e.embed != nil }

// Call is one provider invocation against a chosen target.
type Call[T any] func(ctx context.Context, client *openai.Client, model string) (T, TokenConsumption, error)

// Execute runs fn against the next target in rotation. promptEstimate tokens
// are admitted against the budget up front; actual usage beyond the estimate
// is charged afterwards. A throttled target falls through to the next one.
func Execute[T any](ctx context.Context, e *Executor, operation string, promptEstimate int, fn Call[T]) (T, TokenConsumption, error) {
	var zero T
	if len(e.targets) == 0 {
		return zero, TokenConsumption{}, ErrNoTargets
	}
	return execute(ctx, e, operation, promptEstimate, e.pick(), fn)
}

func execute[T any](ctx context.Context, e *Executor, operation string, promptEstimate int, order []target, fn Call[T]) (T, TokenConsumption, error) {
	var zero T
	ctx, span := otel.Tracer("mamori/llm").Start(ctx, "llm."+operation)
	defer span.End()

	if err := e.governor.Admit(promptEstimate); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return zero, TokenConsumption{}, err
	}

	var lastErr error
	for i, t := range order {
		start := time.Now()
		res, usage, err := fn(ctx, t.client, t.model)
		err = translate(err)
		if err == nil {
			e.charge(promptEstimate, usage)
			span.SetAttributes(
				attribute.String("llm.model", t.model),
				attribute.Int("llm.prompt_tokens", usage.Prompt),
				attribute.Int("llm.completion_tokens", usage.Completion),
			)
			e.logger.Debug("llm: call complete", "operation", operation, "model", t.model,
				"prompt_tokens", usage.Prompt, "completion_tokens", usage.Completion,
				"duration_ms", time.Since(start).Milliseconds())
			return res, usage, nil
		}
		lastErr = err
		if IsRateLimited(err) && i < len(order)-1 {
			e.logger.Warn("llm: target throttled, trying next", "operation", operation, "model", t.model)
			continue
		}
		break
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	e.logger.Warn("llm: call failed", "operation", operation, "error", lastErr)
	return zero, TokenConsumption{}, lastErr
}

// pick returns all targets starting at the next round-robin position.
func (e *Executor) pick() []target {
	n := len(e.targets)
	start := int(e.next.Add(1)-1) % n
	order := make([]target, 0, n)
	for i := range n {
		order = append(order, e.targets[(start+i)%n])
	}
	return order
}

func (e *Executor) charge(estimate int, usage TokenConsumption) {
	e.governor.Charge(usage.Completion + max(0, usage.Prompt-estimate))
	if e.tokens != nil {
		e.tokens.WithLabelValues("prompt").Add(float64(usage.Prompt))
		e.tokens.WithLabelValues("completion").Add(float64(usage.Completion))
	}
}

func (e *Executor) estimate(texts ...string) int {
	var n int
	for _, t := range texts {
		if e.counter != nil {
			n += e.counter.Count(t)
		} else {
			n += (len(t) + 3) / 4
		}
	}
	return n
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Messages  []openai.ChatCompletionMessage
	MaxTokens int
	JSON      bool
}

// Chat runs a deterministic chat completion and returns the first choice's text.
func (e *Executor) Chat(ctx context.Context, operation string, req ChatRequest) (string, TokenConsumption, error) {
	texts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		texts = append(texts, m.Content)
	}
	return Execute(ctx, e, operation, e.estimate(texts...),
		func(ctx context.Context, client *openai.Client, model string) (string, TokenConsumption, error) {
			creq := openai.ChatCompletionRequest{
				Model:       model,
				Messages:    req.Messages,
				Temperature: 0,
				MaxTokens:   req.MaxTokens,
			}
			if req.JSON {
				creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
			}
			resp, err := client.CreateChatCompletion(ctx, creq)
			if err != nil {
				return "", TokenConsumption{}, err
			}
			usage := TokenConsumption{Prompt: resp.Usage.PromptTokens, Completion: resp.Usage.CompletionTokens}
			if len(resp.Choices) == 0 {
				return "", usage, fmt.Errorf("llm: %s: empty response", operation)
			}
			if resp.Choices[0].FinishReason == openai.FinishReasonContentFilter {
				return "", usage, ErrContentFilter
			}
			return resp.Choices[0].Message.Content, usage, nil
		})
}

// Embed embeds texts with the embeddings target. Vectors are returned in
// input order.
func (e *Executor) Embed(ctx context.Context, texts []string) ([][]float32, TokenConsumption, error) {
	if e.embed == nil {
		return nil, TokenConsumption{}, ErrNoTargets
	}
	return execute(ctx, e, "embed", e.estimate(texts...), []target{*e.embed},
		func(ctx context.Context, client *openai.Client, model string) ([][]float32, TokenConsumption, error) {
			resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
				Input: texts,
				Model: openai.EmbeddingModel(model),
			})
			if err != nil {
				return nil, TokenConsumption{}, err
			}
			out := make([][]float32, len(texts))
			for _, d := range resp.Data {
				if d.Index < 0 || d.Index >= len(texts) {
					return nil, TokenConsumption{}, fmt.Errorf("llm: embed: invalid index %d in response", d.Index)
				}
				out[d.Index] = d.Embedding
			}
			return out, TokenConsumption{Prompt: resp.Usage.PromptTokens}, nil
		})
}
