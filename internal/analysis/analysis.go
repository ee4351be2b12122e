// Package analysis extracts profile signals (name, location, sentiment) from
// single messages.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/stellarlinkco/peacy/internal/config"
	"github.com/stellarlinkco/peacy/internal/llm"
	"github.com/stellarlinkco/peacy/internal/outcome"
)

type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
	Neutral  Sentiment = "neutral"
)

// ParseSentiment maps a label onto the closed vocabulary; anything unknown is
// neutral.
func ParseSentiment(s string) Sentiment {
	switch Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case Positive:
		return Positive
	case Negative:
		return Negative
	default:
		return Neutral
	}
}

// Analysis is what one message says about its author. Confident is set when
// Name or Location came from an explicit self-statement.
type Analysis struct {
	Name      string
	Location  string
	Sentiment Sentiment
	Confident bool
	Status    outcome.Status
}

// Extractor never fails: on internal errors it returns an Analysis with
// Status Degraded and no signal.
type Extractor interface {
	Analyze(ctx context.Context, text string) Analysis
}

const (
	ExtractorRules = "rules"
	ExtractorLLM   = "llm"
)

// NewExtractor returns the extractor named by cfg.Learner.Extractor.
func NewExtractor(cfg *config.Config, client *llm.Client, logger *log.Logger) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Learner.Extractor)) {
	case "", ExtractorRules:
		return NewRules(), nil
	case ExtractorLLM:
		if client == nil {
			return nil, fmt.Errorf("llm extractor requires a provider client")
		}
		return NewLLMExtractor(client, logger), nil
	default:
		return nil, fmt.Errorf("unsupported extractor: %s", cfg.Learner.Extractor)
	}
}

// AggregateSentiment resolves labels by majority vote. A tie for the top
// count, or no labels at all, resolves to neutral.
func AggregateSentiment(labels []Sentiment) Sentiment {
	counts := map[Sentiment]int{}
	for _, l := range labels {
		counts[ParseSentiment(string(l))]++
	}
	best, bestCount, tied := Neutral, 0, false
	for _, s := range []Sentiment{Positive, Negative, Neutral} {
		switch n := counts[s]; {
		case n > bestCount:
			best, bestCount, tied = s, n, false
		case n == bestCount && n > 0:
			tied = true
		}
	}
	if bestCount == 0 || tied {
		return Neutral
	}
	return best
}
