package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/stellarlinkco/peacy/internal/config"
	"github.com/stellarlinkco/peacy/internal/logging"
)

const (
	ApologyAuth    = "Sorry, I'm having trouble authenticating. Please check my configuration."
	ApologyGeneric = "Sorry, I encountered an error generating a response."
)

// ErrAuth wraps provider responses that reject our credentials.
var ErrAuth = errors.New("llm authentication failed")

const replyPrompt = `You are %s, a friendly and concise AI that learns continuously from every conversation, building personal connections and evolving with each interaction.
Keep your response direct and to the point.`

const summarizePrompt = `You maintain a short running recap of a chat between a user and an assistant.
Merge the prior recap and the new turns into one compact recap. Keep names, facts, decisions and open questions. Drop greetings and filler.
Reply with the recap text only.`

const summarizeTemperature = 0.3

// Client talks to any OpenAI-compatible chat completions endpoint (Groq,
// OpenAI, Ollama). Replies and recaps go through the agentsdk chat model,
// which retries transient failures; JSON extraction uses the raw client for
// its response_format switch.
type Client struct {
	chat      model.Model
	api       openai.Client
	apiKey    string
	name      string
	model     string
	maxTokens int
	logger    *log.Logger
}

// New builds a client from cfg.Provider. A missing API key is not an error
// here; every call then fails with ErrAuth. extra applies to the JSON client.
func New(cfg *config.Config, logger *log.Logger, extra ...option.RequestOption) *Client {
	p := cfg.Provider
	logger = logging.OrDiscard(logger).WithPrefix("llm")

	opts := []option.RequestOption{option.WithAPIKey(p.APIKey)}
	if strings.TrimSpace(p.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	opts = append(opts, extra...)

	name := cfg.Assistant.Name
	if name == "" {
		name = config.DefaultAssistantName
	}

	c := &Client{
		api:       openai.NewClient(opts...),
		apiKey:    p.APIKey,
		name:      name,
		model:     p.Model,
		maxTokens: p.MaxTokens,
		logger:    logger,
	}
	if strings.TrimSpace(p.APIKey) != "" {
		chat, err := model.NewOpenAI(model.OpenAIConfig{
			APIKey:      p.APIKey,
			BaseURL:     strings.TrimSpace(p.BaseURL),
			Model:       p.Model,
			MaxTokens:   p.MaxTokens,
			MaxRetries:  p.MaxRetries,
			Temperature: p.Temperature,
		})
		if err != nil {
			logger.Warn("chat model unavailable", "err", err)
		} else {
			c.chat = chat
		}
	}
	return c
}

// Generate produces the assistant reply for input given the composed context.
func (c *Client) Generate(ctx context.Context, contextText, input string) (string, error) {
	system := fmt.Sprintf(replyPrompt, c.name)
	if strings.TrimSpace(contextText) != "" {
		system += "\nContext (for internal use only):\n" + contextText
	}
	reply, err := c.converse(ctx, model.Request{
		System:   system,
		Messages: []model.Message{{Role: "user", Content: input}},
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return reply, nil
}

// Summarize folds newTurns into prior and returns the compacted recap.
func (c *Client) Summarize(ctx context.Context, prior string, newTurns []string) (string, error) {
	var sb strings.Builder
	if strings.TrimSpace(prior) != "" {
		sb.WriteString("Prior recap:\n")
		sb.WriteString(prior)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New turns:\n")
	sb.WriteString(strings.Join(newTurns, "\n"))

	temp := summarizeTemperature
	recap, err := c.converse(ctx, model.Request{
		System:      summarizePrompt,
		Messages:    []model.Message{{Role: "user", Content: sb.String()}},
		Temperature: &temp,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return recap, nil
}

// CompleteJSON asks for a JSON object and decodes it into out.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, out any) error {
	raw, err := c.complete(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return fmt.Errorf("complete json: %w", err)
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), out); err != nil {
		return fmt.Errorf("parse json completion: %w", err)
	}
	return nil
}

func (c *Client) converse(ctx context.Context, req model.Request) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" || c.chat == nil {
		return "", fmt.Errorf("%w: missing api key", ErrAuth)
	}
	resp, err := c.chat.Complete(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	if resp == nil {
		return "", fmt.Errorf("empty completion")
	}
	content := strings.TrimSpace(resp.Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty completion")
	}
	c.logger.Debug("completion", "model", c.model, "tokens", resp.Usage.TotalTokens)
	return content, nil
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("%w: missing api key", ErrAuth)
	}
	if c.model == "" {
		return "", fmt.Errorf("missing model")
	}
	params.Model = c.model
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty completion")
	}
	c.logger.Debug("completion", "model", c.model, "tokens", resp.Usage.TotalTokens)
	return content, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
	}
	if strings.Contains(err.Error(), "invalid_api_key") {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return err
}

// IsAuth reports whether err came from rejected credentials.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// Apology maps a generation failure to the user-visible fallback reply.
func Apology(err error) string {
	if IsAuth(err) {
		return ApologyAuth
	}
	return ApologyGeneric
}

// extractJSON trims code fences and prose around the outermost JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
