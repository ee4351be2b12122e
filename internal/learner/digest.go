package learner

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"github.com/stellarlinkco/peacy/internal/logging"
	"github.com/stellarlinkco/peacy/internal/store"
)

const digestPreviewChars = 200

// ChatDigest is a read-only overview of one chat's recent traffic.
type ChatDigest struct {
	ChatID   string
	Messages int
	Authors  []string
	Preview  string
}

// Digest periodically logs what each chat has been talking about.
type Digest struct {
	store  Store
	window time.Duration
	logger *log.Logger
	now    func() time.Time
}

func NewDigest(s Store, window time.Duration, logger *log.Logger) *Digest {
	return &Digest{
		store:  s,
		window: window,
		logger: logging.OrDiscard(logger).WithPrefix("digest"),
		now:    time.Now,
	}
}

func (d *Digest) Run(ctx context.Context) ([]ChatDigest, error) {
	msgs, err := d.store.MessagesSince(ctx, d.now().Add(-d.window))
	if err != nil {
		return nil, fmt.Errorf("digest: read window: %w", err)
	}

	byChat := lo.GroupBy(msgs, func(m store.Message) string { return m.ChatID })
	chats := lo.Keys(byChat)
	slices.Sort(chats)

	digests := make([]ChatDigest, 0, len(chats))
	for _, chat := range chats {
		cm := byChat[chat]
		authors := lo.Uniq(lo.Map(cm, func(m store.Message, _ int) string { return m.AuthorID }))
		slices.Sort(authors)
		lines := lo.Map(cm, func(m store.Message, _ int) string { return m.AuthorID + ": " + m.Text })

		dg := ChatDigest{
			ChatID:   chat,
			Messages: len(cm),
			Authors:  authors,
			Preview:  tail(strings.Join(lines, " | "), digestPreviewChars),
		}
		digests = append(digests, dg)
		d.logger.Info("chat digest", "chat", chat, "messages", dg.Messages, "authors", len(authors), "preview", dg.Preview)
	}
	return digests, nil
}

// tail keeps the last n runes of s.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n:])
}
