package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelpkg "github.com/basket/agenda/internal/otel"
	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/resolve"
)

// maxStructuredRetries is how many times a malformed structured reply is fed
// back to the model before the call counts as unavailable.
const maxStructuredRetries = 2

// Config selects the LLM provider backing the oracle suite.
type Config struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or
	// "openrouter". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	// OpenAI-compatible endpoints.
	CompatProvider string
	CompatBaseURL  string

	// Telemetry. Both may be nil; spans then go to a no-op tracer and no
	// instruments are recorded.
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Client implements the full oracle suite on Genkit. Without credentials it
// runs in degraded mode: every structured call returns ErrUnavailable and
// question generation falls back to deterministic phrasing.
type Client struct {
	g       *genkit.Genkit
	cfg     Config
	log     *slog.Logger
	llmOn   bool
	tracer  trace.Tracer
	metrics *otelpkg.Metrics

	planner   *Validator
	extractor *Validator
	resolver  *Validator
}

// NewClient initializes Genkit with the configured provider.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "oracle")

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false
	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.CompatProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.CompatBaseURL,
			}))
			llmOn = true
		}
	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
		}
	default:
		log.Warn("unknown LLM provider", "provider", provider)
	}
	if g == nil {
		g = genkit.Init(ctx)
	}
	if llmOn {
		log.Info("oracle client initialized", "provider", provider, "model", cfg.Model)
	} else {
		log.Warn("no API key configured; oracle calls degrade to clarification")
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}

	return &Client{
		g:         g,
		cfg:       cfg,
		log:       log,
		llmOn:     llmOn,
		tracer:    tracer,
		metrics:   cfg.Metrics,
		planner:   mustValidator(plannerSchema),
		extractor: mustValidator(extractorSchema),
		resolver:  mustValidator(resolverSchema),
	}
}

// Available reports whether the client has a usable provider.
func (c *Client) Available() bool { return c.llmOn }

// Plan drafts a raw plan for the utterance.
func (c *Client) Plan(ctx context.Context, req PlanRequest) (plan.PlannerOutput, error) {
	prompt, err := marshalPrompt("Request", req)
	if err != nil {
		return plan.PlannerOutput{}, err
	}
	raw, err := c.generateStructured(ctx, c.planner, "planner", plannerSystem, prompt)
	if err != nil {
		return plan.PlannerOutput{}, err
	}
	var out plan.PlannerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return plan.PlannerOutput{}, fmt.Errorf("%w: decode planner reply: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Extract fills one step's argument bag.
func (c *Client) Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error) {
	prompt, err := marshalPrompt("Step", req)
	if err != nil {
		return ExtractResult{}, err
	}
	raw, err := c.generateStructured(ctx, c.extractor, "extractor", extractorSystem, prompt)
	if err != nil {
		return ExtractResult{}, err
	}
	var out ExtractResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return ExtractResult{}, fmt.Errorf("%w: decode extractor reply: %v", ErrUnavailable, err)
	}
	return out, nil
}

// ResolveReference asks the model to pick a candidate, broaden the window or
// hand the question to the user.
func (c *Client) ResolveReference(ctx context.Context, req resolve.Request) (resolve.Decision, error) {
	prompt, err := marshalPrompt("Reference", req)
	if err != nil {
		return resolve.Decision{}, err
	}
	raw, err := c.generateStructured(ctx, c.resolver, "resolver", resolverSystem, prompt)
	if err != nil {
		return resolve.Decision{}, err
	}
	var out resolve.Decision
	if err := json.Unmarshal(raw, &out); err != nil {
		return resolve.Decision{}, fmt.Errorf("%w: decode resolver reply: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Question phrases one clarification question. It never fails: without a
// provider, or when generation fails, the deterministic phrasing is used.
func (c *Client) Question(ctx context.Context, utterance string, issues plan.Issues) (string, error) {
	fallback := FormatQuestion(issues)
	if !c.llmOn {
		return fallback, nil
	}
	prompt := fmt.Sprintf("User said: %q\n\nOpen problems:\n%s\n\nAsk one short question that gets the missing information.",
		utterance, fallback)
	reply, err := c.generate(ctx, "questioner", questionerSystem, prompt)
	if err != nil || strings.TrimSpace(reply) == "" {
		c.log.Warn("question generation failed, using deterministic phrasing", "error", err)
		return fallback, nil
	}
	return strings.TrimSpace(reply), nil
}

// generateStructured generates a reply and validates it against the schema,
// feeding validation errors back to the model up to maxStructuredRetries
// times.
func (c *Client) generateStructured(ctx context.Context, v *Validator, role, system, prompt string) (json.RawMessage, error) {
	if !c.llmOn {
		return nil, ErrUnavailable
	}
	reply, err := c.generate(ctx, role, system, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for attempt := 0; ; attempt++ {
		raw, valErr := v.Extract(reply)
		if valErr == nil {
			return raw, nil
		}
		if attempt >= maxStructuredRetries {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, valErr)
		}
		c.log.Debug("structured reply rejected, retrying", "attempt", attempt, "error", valErr)
		if c.metrics != nil {
			c.metrics.OracleRetries.Add(ctx, 1)
		}
		retryPrompt := fmt.Sprintf(
			"Your reply did not match the required JSON schema. Error: %s\n\nReply again with valid JSON only.",
			valErr)
		reply, err = c.generate(ctx, role, system, prompt+"\n\n"+retryPrompt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
}

func (c *Client) generate(ctx context.Context, role, system, prompt string) (string, error) {
	ctx, span := otelpkg.StartClientSpan(ctx, c.tracer, "agenda.oracle.generate",
		otelpkg.AttrOracleRole.String(role),
		otelpkg.AttrModel.String(c.cfg.Model),
	)
	defer span.End()
	began := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.OracleCallDuration.Record(ctx, time.Since(began).Seconds())
		}
	}()

	// Escape % so ai.WithSystem does not treat the prompt as a format string.
	system = strings.ReplaceAll(system, "%", "%%")
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(modelNameForProvider(c.cfg.Provider, c.cfg.Model)),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func marshalPrompt(label string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrUnavailable, err)
	}
	return label + ":\n" + string(data), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

const plannerSystem = `You are the planning stage of a calendar and task assistant.
Turn the user's request into a JSON plan: {"plan": {"steps": [...]}, "confidence": 0.0-1.0}.
Each step has step_id, intent (create_event, update_event, cancel_event, create_task,
update_task, cancel_task, summarize, or meta.clarify), optional hint, optional args,
optional query_window (list of {start_date, end_date}), optional depends_on and on_fail.
Updates, cancellations and summaries always need a query_window bounding the items involved.
Reply with JSON only.`

const extractorSystem = `You are the field extraction stage of a calendar and task assistant.
Given one plan step and the user's request, fill the step's arguments.
Reply with JSON only: {"args": {...}, "confidence": 0.0-1.0}.
Use "items" for multiple targets; dates are YYYY-MM-DD, timestamps YYYY-MM-DDTHH:MM.`

const resolverSystem = `You are the reference resolution stage of a calendar and task assistant.
Given an unresolved reference and candidate items, reply with JSON only:
{"action": "select_event", "selected_id": "..."} to pick a candidate,
{"action": "expand_context", "window": {"start_date": "...", "end_date": "..."}} to search a strictly wider date range,
or {"action": "ask_user", "reason": "..."} when only the user can decide.`

const questionerSystem = `You phrase one short clarification question for a calendar and task assistant.
Ask only for what is listed as missing or ambiguous. One question, no preamble.`
