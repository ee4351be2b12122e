package analysis

import (
	"context"
	"regexp"
	"strings"

	"github.com/stellarlinkco/peacy/internal/outcome"
)

var (
	namePattern     = regexp.MustCompile(`(?i:\b(?:my name is|my name's|call me|i am called|i'm called))\s+(\p{Lu}\p{L}*(?:[-']\p{Lu}?\p{L}+)?)`)
	locationPattern = regexp.MustCompile(`(?i:\b(?:i live in|i'm from|i am from|i'm based in|i am based in|based in|living in|moved to))\s+(\p{Lu}\p{L}*(?:[ -]\p{Lu}\p{L}*)*)`)
)

var lexicon = map[string]Sentiment{
	"happy": Positive, "joy": Positive, "excited": Positive, "great": Positive,
	"good": Positive, "love": Positive, "glad": Positive, "awesome": Positive,
	"wonderful": Positive, "thanks": Positive, "amazing": Positive, "fantastic": Positive,
	"sad": Negative, "angry": Negative, "bad": Negative, "depressed": Negative,
	"upset": Negative, "hate": Negative, "terrible": Negative, "awful": Negative,
	"annoyed": Negative, "tired": Negative, "worried": Negative, "frustrated": Negative,
}

var negators = map[string]bool{"not": true, "never": true, "no": true, "don't": true, "isn't": true}

// Rules is an offline extractor based on self-statement patterns and a
// sentiment lexicon.
type Rules struct{}

func NewRules() *Rules { return &Rules{} }

func (r *Rules) Analyze(_ context.Context, text string) Analysis {
	a := Analysis{
		Name:      r.ExtractName(text),
		Location:  r.ExtractLocation(text),
		Sentiment: r.ClassifySentiment(text),
		Status:    outcome.OK,
	}
	a.Confident = a.Name != "" || a.Location != ""
	if !a.Confident && a.Sentiment == Neutral {
		a.Status = outcome.Empty
	}
	return a
}

func (r *Rules) ExtractName(text string) string {
	return firstGroup(namePattern, text)
}

// ExtractLocation returns the capitalized place after a self-statement,
// cut at the first capitalized function word ("Lagos And I" is "Lagos").
func (r *Rules) ExtractLocation(text string) string {
	words := strings.Fields(firstGroup(locationPattern, text))
	for i, w := range words {
		if locationStopWords[strings.ToLower(w)] {
			words = words[:i]
			break
		}
	}
	return strings.Join(words, " ")
}

// ClassifySentiment scores lexicon hits, flipping a hit that directly follows
// a negator.
func (r *Rules) ClassifySentiment(text string) Sentiment {
	score := 0
	words := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !(c >= 'a' && c <= 'z') && c != '\''
	})
	for i, w := range words {
		s, ok := lexicon[w]
		if !ok {
			continue
		}
		v := 1
		if s == Negative {
			v = -1
		}
		if i > 0 && negators[words[i-1]] {
			v = -v
		}
		score += v
	}
	switch {
	case score > 0:
		return Positive
	case score < 0:
		return Negative
	default:
		return Neutral
	}
}

var locationStopWords = map[string]bool{
	"i": true, "i'm": true, "im": true, "and": true, "but": true, "or": true, "so": true,
	"because": true, "since": true, "then": true, "the": true, "it": true, "we": true,
	"he": true, "she": true, "they": true, "you": true, "my": true, "now": true,
	"today": true, "yesterday": true, "tomorrow": true, "with": true, "for": true,
}

func firstGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}
