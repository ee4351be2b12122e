// Package composer assembles the bounded context handed to reply generation.
package composer

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/stellarlinkco/peacy/internal/logging"
	"github.com/stellarlinkco/peacy/internal/memory"
	"github.com/stellarlinkco/peacy/internal/outcome"
	"github.com/stellarlinkco/peacy/internal/store"
)

const (
	summaryLabel   = "Persistent conversation summary: "
	retrievedLabel = "Relevant past interactions: "
)

type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
	GetSummary(ctx context.Context, chatID string) (string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) memory.Retrieval
}

type Snapshotter interface {
	Snapshot(key string) string
}

// Composition is a composed context plus what went into it.
type Composition struct {
	Text      string
	Truncated bool
	Memory    outcome.Status
}

type Composer struct {
	store    ProfileSource
	memory   Retriever
	rolling  Snapshotter
	maxChars int
	topK     int
	logger   *log.Logger
}

func New(s ProfileSource, m Retriever, r Snapshotter, maxChars, topK int, logger *log.Logger) *Composer {
	return &Composer{
		store:    s,
		memory:   m,
		rolling:  r,
		maxChars: maxChars,
		topK:     topK,
		logger:   logging.OrDiscard(logger).WithPrefix("composer"),
	}
}

// Compose builds the context for one incoming message. Segments go in
// priority order: profile, durable summary, retrieved memories, rolling recap.
// A read failure drops only its own segment.
func (c *Composer) Compose(ctx context.Context, userID, chatID, text string) Composition {
	var sb strings.Builder

	profile, err := c.store.GetProfile(ctx, userID)
	switch {
	case err == nil:
		sb.WriteString(ProfileLine(profile))
	case !errors.Is(err, store.ErrNotFound):
		c.logger.Warn("read profile failed", "user", userID, "err", err)
	}

	summary, err := c.store.GetSummary(ctx, chatID)
	switch {
	case err == nil && strings.TrimSpace(summary) != "":
		sb.WriteString(summaryLabel)
		sb.WriteString(summary)
		sb.WriteString("\n")
	case err != nil && !errors.Is(err, store.ErrNotFound):
		c.logger.Warn("read summary failed", "chat", chatID, "err", err)
	}

	ret := c.memory.Retrieve(ctx, text, c.topK)
	if len(ret.Texts) > 0 {
		sb.WriteString(retrievedLabel)
		sb.WriteString(strings.Join(ret.Texts, "\n"))
		sb.WriteString("\n")
	}

	if c.rolling != nil {
		sb.WriteString(c.rolling.Snapshot(chatID))
	}

	out, truncated := KeepSuffix(sb.String(), c.maxChars)
	if truncated {
		c.logger.Debug("context truncated", "chat", chatID, "max", c.maxChars)
	}
	return Composition{Text: out, Truncated: truncated, Memory: ret.Status}
}

// ProfileLine renders the "User: ..." header, or "" for an empty profile.
func ProfileLine(p store.Profile) string {
	if p.Empty() {
		return ""
	}
	name := p.DisplayName
	if name == "" {
		name = p.Username
	}
	var parts []string
	switch {
	case name != "" && p.ProfileInfo != "":
		parts = append(parts, name+" ("+p.ProfileInfo+")")
	case name != "":
		parts = append(parts, name)
	case p.ProfileInfo != "":
		parts = append(parts, p.ProfileInfo)
	}
	if p.Location != "" {
		parts = append(parts, "Location: "+p.Location)
	}
	if p.EmotionalState != "" {
		parts = append(parts, "Mood: "+p.EmotionalState)
	}
	return "User: " + strings.Join(parts, ". ") + ".\n"
}

// KeepSuffix returns the last maxChars runes of s. A non-positive maxChars
// disables the bound.
func KeepSuffix(s string, maxChars int) (string, bool) {
	if maxChars <= 0 {
		return s, false
	}
	r := []rune(s)
	if len(r) <= maxChars {
		return s, false
	}
	return string(r[len(r)-maxChars:]), true
}
