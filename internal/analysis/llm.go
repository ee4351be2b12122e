package analysis

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/stellarlinkco/peacy/internal/llm"
	"github.com/stellarlinkco/peacy/internal/logging"
	"github.com/stellarlinkco/peacy/internal/outcome"
)

const extractPrompt = `You extract facts a chat user states about themselves.
Return strict JSON object: {"name":"","location":"","sentiment":"neutral"}
- name: the user's own name only if they state it, else ""
- location: where the user lives or is from only if they state it, else ""
- sentiment: one of positive, negative, neutral`

// JSONCompleter is the slice of llm.Client the extractor needs.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, system, user string, out any) error
}

// LLMExtractor asks the language model for one JSON verdict per message.
type LLMExtractor struct {
	client JSONCompleter
	logger *log.Logger
}

var _ JSONCompleter = (*llm.Client)(nil)

func NewLLMExtractor(client JSONCompleter, logger *log.Logger) *LLMExtractor {
	return &LLMExtractor{client: client, logger: logging.OrDiscard(logger).WithPrefix("extract")}
}

func (e *LLMExtractor) Analyze(ctx context.Context, text string) Analysis {
	if strings.TrimSpace(text) == "" {
		return Analysis{Sentiment: Neutral, Status: outcome.Empty}
	}
	var out struct {
		Name      string `json:"name"`
		Location  string `json:"location"`
		Sentiment string `json:"sentiment"`
	}
	if err := e.client.CompleteJSON(ctx, extractPrompt, text, &out); err != nil {
		e.logger.Warn("extraction failed", "err", err)
		return Analysis{Sentiment: Neutral, Status: outcome.Degraded}
	}
	a := Analysis{
		Name:      strings.TrimSpace(out.Name),
		Location:  strings.TrimSpace(out.Location),
		Sentiment: ParseSentiment(out.Sentiment),
		Status:    outcome.OK,
	}
	if a.Name == "" && a.Location == "" && a.Sentiment == Neutral {
		a.Status = outcome.Empty
	}
	return a
}
