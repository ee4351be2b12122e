// Package learner runs the periodic profile learning pass: it reads the recent
// message window, extracts per-author signals and merges them into profiles
// without ever replacing manually set fields.
package learner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"github.com/stellarlinkco/peacy/internal/analysis"
	"github.com/stellarlinkco/peacy/internal/logging"
	"github.com/stellarlinkco/peacy/internal/outcome"
	"github.com/stellarlinkco/peacy/internal/store"
)

// Separator joins multiple distinct candidates for one field.
const Separator = ", "

// Store is the part of the structured store the learner touches.
type Store interface {
	MessagesSince(ctx context.Context, since time.Time) ([]store.Message, error)
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
	UpdateProfile(ctx context.Context, upd store.ProfileUpdate) error
}

type Options struct {
	Window    time.Duration
	Timeout   time.Duration
	BotAuthor string
}

type Learner struct {
	store     Store
	extractor analysis.Extractor
	opts      Options
	logger    *log.Logger
	now       func() time.Time
}

func New(s Store, extractor analysis.Extractor, opts Options, logger *log.Logger) *Learner {
	return &Learner{
		store:     s,
		extractor: extractor,
		opts:      opts,
		logger:    logging.OrDiscard(logger).WithPrefix("learner"),
		now:       time.Now,
	}
}

// Result summarizes one pass.
type Result struct {
	Messages  int
	Authors   int
	Updated   int
	Unchanged int
	Failed    int
}

// Aggregate is everything one window says about one author.
type Aggregate struct {
	Names     []string
	Locations []string
	Sentiment analysis.Sentiment
	Votes     int
}

// Run performs one learning pass. Only reading the window can fail the run;
// per-author failures are counted and logged.
func (l *Learner) Run(ctx context.Context) (Result, error) {
	since := l.now().Add(-l.opts.Window)
	msgs, err := l.store.MessagesSince(ctx, since)
	if err != nil {
		return Result{}, fmt.Errorf("learner: read window: %w", err)
	}
	msgs = lo.Filter(msgs, func(m store.Message, _ int) bool {
		return m.AuthorID != l.opts.BotAuthor && strings.TrimSpace(m.Text) != ""
	})

	byAuthor := lo.GroupBy(msgs, func(m store.Message) string { return m.AuthorID })
	authors := lo.Keys(byAuthor)
	slices.Sort(authors)

	res := Result{Messages: len(msgs), Authors: len(authors)}
	for _, author := range authors {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		changed, err := l.learnAuthor(ctx, author, byAuthor[author])
		switch {
		case err != nil:
			res.Failed++
			l.logger.Error("profile update failed", "user", author, "err", err)
		case changed:
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	l.logger.Info("learning pass done", "messages", res.Messages, "authors", res.Authors,
		"updated", res.Updated, "unchanged", res.Unchanged, "failed", res.Failed)
	return res, nil
}

func (l *Learner) learnAuthor(ctx context.Context, author string, msgs []store.Message) (bool, error) {
	agg := l.aggregate(ctx, msgs)

	current, err := l.store.GetProfile(ctx, author)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("read profile: %w", err)
	}

	upd, changed := Merge(current, agg)
	if !changed {
		l.logger.Debug("profile unchanged", "user", author)
		return false, nil
	}
	upd.UserID = author
	if err := l.store.UpdateProfile(ctx, upd); err != nil {
		return false, fmt.Errorf("write profile: %w", err)
	}
	l.logger.Info("profile updated", "user", author, "name", lo.FromPtr(upd.DisplayName),
		"location", lo.FromPtr(upd.Location), "sentiment", lo.FromPtr(upd.EmotionalState))
	return true, nil
}

func (l *Learner) aggregate(ctx context.Context, msgs []store.Message) Aggregate {
	var (
		names, locations []string
		labels           []analysis.Sentiment
	)
	for _, m := range msgs {
		a := l.analyze(ctx, m.Text)
		if a.Status == outcome.Degraded {
			continue
		}
		if a.Name != "" {
			names = append(names, a.Name)
		}
		if a.Location != "" {
			locations = append(locations, a.Location)
		}
		labels = append(labels, a.Sentiment)
	}
	return Aggregate{
		Names:     distinct(names),
		Locations: distinct(locations),
		Sentiment: analysis.AggregateSentiment(labels),
		Votes:     len(labels),
	}
}

func (l *Learner) analyze(ctx context.Context, text string) analysis.Analysis {
	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}
	return l.extractor.Analyze(ctx, text)
}

// Merge reconciles an aggregate against the current profile. Manual name and
// location are kept; sentiment is written whenever at least one vote was cast.
// It reports whether anything would change.
func Merge(current store.Profile, agg Aggregate) (store.ProfileUpdate, bool) {
	upd := store.ProfileUpdate{Source: store.SourceInferred}
	changed := false

	if !current.ManualName() && len(agg.Names) > 0 {
		if v := strings.Join(agg.Names, Separator); v != current.DisplayName {
			upd.DisplayName = store.Str(v)
			changed = true
		}
	}
	if !current.ManualLocation() && len(agg.Locations) > 0 {
		if v := strings.Join(agg.Locations, Separator); v != current.Location {
			upd.Location = store.Str(v)
			changed = true
		}
	}
	if agg.Votes > 0 && string(agg.Sentiment) != current.EmotionalState {
		upd.EmotionalState = store.Str(string(agg.Sentiment))
		changed = true
	}
	return upd, changed
}

// distinct drops case-insensitive duplicates, keeping the first spelling, and
// sorts the result so the joined value does not depend on message order.
func distinct(values []string) []string {
	out := lo.UniqBy(values, strings.ToLower)
	slices.SortFunc(out, func(a, b string) int {
		if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return out
}
