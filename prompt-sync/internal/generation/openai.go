package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"gopkg.in/yaml.v3"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	HTTPClient  *http.Client
}

// OpenAIClient generates instructions with a chat-completion model. The SDK's own
// retries are disabled; Retrying owns the retry policy.
type OpenAIClient struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

const systemPrompt = `You write the operating instructions for a phone receptionist voice agent.
Use only the business facts in the configuration document. Never invent services, prices or hours.
Cover: identity and tone, greeting, hours, services with prices and durations, FAQs,
extra knowledge, when and how to transfer the caller, and which offers to mention and when.
Write plain prose and short lists. No markdown headings.`

func (c *OpenAIClient) Generate(ctx context.Context, snap models.ConfigurationSnapshot) (models.GeneratedContent, error) {
	if snap.TenantID == "" {
		return models.GeneratedContent{}, InvalidInput("validate request", fmt.Errorf("tenant id required"))
	}
	doc, err := renderDocument(snap)
	if err != nil {
		return models.GeneratedContent{}, InvalidInput("render snapshot", err)
	}

	primary, err := c.complete(ctx, doc, snap.Persona.PrimaryLanguage())
	if err != nil {
		return models.GeneratedContent{}, err
	}
	out := models.GeneratedContent{Primary: primary}
	if lang := snap.Persona.SecondaryLanguage(); lang != "" {
		secondary, err := c.complete(ctx, doc, lang)
		if err != nil {
			return models.GeneratedContent{}, err
		}
		out.Secondary = secondary
		out.SecondaryLanguage = lang
	}
	return out, nil
}

func (c *OpenAIClient) complete(ctx context.Context, doc, lang string) (string, error) {
	user := fmt.Sprintf("Write the instructions in language %q.\n\nConfiguration:\n%s", lang, doc)
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", Unavailable("complete", errors.New("no choices in response"))
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", Unavailable("complete", errors.New("empty completion"))
	}
	return text, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
			return InvalidInput("complete", err)
		}
	}
	return Unavailable("complete", err)
}

type promptDocument struct {
	Business  string            `yaml:"business"`
	Timezone  string            `yaml:"timezone,omitempty"`
	Agent     agentSection      `yaml:"agent"`
	Hours     []hoursLine       `yaml:"hours"`
	Services  []serviceLine     `yaml:"services"`
	FAQs      []models.FAQ      `yaml:"faqs"`
	Knowledge []knowledgeLine   `yaml:"knowledge,omitempty"`
	Transfer  transferSection   `yaml:"transfer"`
	Offers    map[string]any    `yaml:"offers,omitempty"`
	Greetings map[string]string `yaml:"greetings"`
}

type agentSection struct {
	Name      string   `yaml:"name,omitempty"`
	Tone      string   `yaml:"tone,omitempty"`
	Languages []string `yaml:"languages"`
}

type hoursLine struct {
	Day    string `yaml:"day"`
	Open   string `yaml:"open,omitempty"`
	Close  string `yaml:"close,omitempty"`
	Closed bool   `yaml:"closed,omitempty"`
}

type serviceLine struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Minutes     int    `yaml:"minutes,omitempty"`
	Price       string `yaml:"price"`
}

type knowledgeLine struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

type transferSection struct {
	Phone       string   `yaml:"phone,omitempty"`
	OnRequest   bool     `yaml:"on_request"`
	OnEmergency bool     `yaml:"on_emergency"`
	OnUpset     bool     `yaml:"on_upset"`
	Keywords    []string `yaml:"keywords,omitempty"`
}

var weekdays = [...]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// renderDocument flattens a snapshot into YAML for the model. Prices are rendered as strings.
func renderDocument(snap models.ConfigurationSnapshot) (string, error) {
	doc := promptDocument{
		Business:  snap.TenantName,
		Timezone:  snap.Timezone,
		Agent:     agentSection{Name: snap.Persona.AgentName, Tone: snap.Persona.Tone, Languages: snap.Persona.Languages},
		FAQs:      snap.FAQs,
		Greetings: snap.Persona.Greetings,
		Transfer: transferSection{
			Phone:       snap.Persona.Transfer.Phone,
			OnRequest:   snap.Persona.Transfer.OnRequest,
			OnEmergency: snap.Persona.Transfer.OnEmergency,
			OnUpset:     snap.Persona.Transfer.OnUpset,
			Keywords:    snap.Persona.Transfer.Keywords,
		},
	}
	for _, h := range snap.Hours {
		day := fmt.Sprintf("day-%d", h.Day)
		if h.Day >= 0 && h.Day < len(weekdays) {
			day = weekdays[h.Day]
		}
		doc.Hours = append(doc.Hours, hoursLine{Day: day, Open: h.Open, Close: h.Close, Closed: h.Closed})
	}
	for _, s := range snap.Services {
		doc.Services = append(doc.Services, serviceLine{
			Name: s.Name, Description: s.Description, Minutes: s.DurationMinutes, Price: s.Price.StringFixed(2),
		})
	}
	for _, k := range snap.Knowledge {
		doc.Knowledge = append(doc.Knowledge, knowledgeLine{Title: k.Title, Body: k.Body})
	}
	doc.Offers = renderOffers(snap.Offers)

	b, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func renderOffers(o models.Offers) map[string]any {
	out := map[string]any{}
	if len(o.CrossSells) > 0 {
		var items []map[string]string
		for _, c := range o.CrossSells {
			items = append(items, map[string]string{
				"when_booking": c.SourceService,
				"suggest":      c.TargetService,
				"pitch":        c.Pitch,
				"discount_pct": c.DiscountPercent.String(),
			})
		}
		out["cross_sells"] = items
	}
	if len(o.Bundles) > 0 {
		var items []map[string]any
		for _, b := range o.Bundles {
			items = append(items, map[string]any{
				"name": b.Name, "services": b.Services, "price": b.Price.StringFixed(2), "description": b.Description,
			})
		}
		out["bundles"] = items
	}
	if len(o.Packages) > 0 {
		var items []map[string]any
		for _, p := range o.Packages {
			items = append(items, map[string]any{
				"name": p.Name, "service": p.ServiceName, "sessions": p.Sessions, "price": p.Price.StringFixed(2),
			})
		}
		out["packages"] = items
	}
	if len(o.Memberships) > 0 {
		var items []map[string]string
		for _, m := range o.Memberships {
			items = append(items, map[string]string{
				"name": m.Name, "monthly_price": m.MonthlyPrice.StringFixed(2), "benefits": m.Benefits,
			})
		}
		out["memberships"] = items
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
