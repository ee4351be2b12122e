// Package rolling keeps a short, process-local recap per chat session and
// compacts it through a summarization capability once it grows too large.
package rolling

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stellarlinkco/peacy/internal/logging"
	"github.com/stellarlinkco/peacy/internal/outcome"
)

// Summarizer folds new turns into a prior recap.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, newTurns []string) (string, error)
}

type session struct {
	mu       sync.Mutex
	recap    string
	turns    []string
	lastSeen time.Time
}

// Manager owns every session. Calls for one session are serialized; different
// sessions proceed in parallel.
type Manager struct {
	summarizer Summarizer
	limit      int
	timeout    time.Duration
	logger     *log.Logger
	now        func() time.Time
	// beforeLock runs between the session lookup and its lock; tests only.
	beforeLock func()

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(summarizer Summarizer, tokenLimit int, timeout time.Duration, logger *log.Logger) *Manager {
	return &Manager{
		summarizer: summarizer,
		limit:      tokenLimit,
		timeout:    timeout,
		logger:     logging.OrDiscard(logger).WithPrefix("rolling"),
		now:        time.Now,
		sessions:   make(map[string]*session),
	}
}

// lockSession returns the live session for key with its lock held. A session
// pruned between lookup and lock is discarded and the lookup repeated, so the
// caller never writes into a session that is no longer in the map.
func (m *Manager) lockSession(key string) *session {
	for {
		s := m.session(key, true)
		if m.beforeLock != nil {
			m.beforeLock()
		}
		s.mu.Lock()
		m.mu.Lock()
		live := m.sessions[key] == s
		m.mu.Unlock()
		if live {
			return s
		}
		s.mu.Unlock()
	}
}

func (m *Manager) session(key string, create bool) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok && create {
		s = &session{lastSeen: m.now()}
		m.sessions[key] = s
	}
	return s
}

// Observe appends one exchange to the session. When the session exceeds the
// token limit it is compacted; Degraded means the summarizer failed and the
// oldest turns were dropped instead.
func (m *Manager) Observe(ctx context.Context, key, userTurn, assistantTurn string) outcome.Status {
	s := m.lockSession(key)
	defer s.mu.Unlock()

	if t := strings.TrimSpace(userTurn); t != "" {
		s.turns = append(s.turns, "User: "+t)
	}
	if t := strings.TrimSpace(assistantTurn); t != "" {
		s.turns = append(s.turns, "Assistant: "+t)
	}
	s.lastSeen = m.now()

	if m.limit <= 0 || estimateTokens(s.text()) <= m.limit {
		return outcome.OK
	}

	if m.summarizer != nil {
		cctx, cancel := m.bounded(ctx)
		recap, err := m.summarizer.Summarize(cctx, s.recap, s.turns)
		cancel()
		if err == nil && strings.TrimSpace(recap) != "" {
			s.recap = keepTrailingTokens(strings.TrimSpace(recap), m.limit)
			s.turns = nil
			m.logger.Debug("session compacted", "session", key, "tokens", estimateTokens(s.recap))
			return outcome.OK
		}
		m.logger.Warn("summarize failed, dropping oldest turns", "session", key, "err", err)
	}

	for len(s.turns) > 0 && estimateTokens(s.text()) > m.limit {
		s.turns = s.turns[1:]
	}
	if estimateTokens(s.text()) > m.limit {
		s.recap = keepTrailingTokens(s.recap, m.limit)
	}
	return outcome.Degraded
}

func (m *Manager) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

// Snapshot returns the current recap followed by uncompacted turns.
func (m *Manager) Snapshot(key string) string {
	s := m.session(key, false)
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text()
}

// Prune drops sessions idle for longer than maxIdle and returns how many went.
func (m *Manager) Prune(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, s := range m.sessions {
		if !s.mu.TryLock() {
			continue
		}
		if s.lastSeen.Before(cutoff) {
			delete(m.sessions, key)
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (s *session) text() string {
	parts := make([]string, 0, len(s.turns)+1)
	if s.recap != "" {
		parts = append(parts, s.recap)
	}
	parts = append(parts, s.turns...)
	return strings.Join(parts, "\n")
}

func estimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	estimate := int(float64(cjk)*1.5 + float64(len(strings.Fields(text)))*0.75)
	if estimate < 1 {
		return 1
	}
	return estimate
}

// keepTrailingTokens cuts whole words from the front of text until it fits.
func keepTrailingTokens(text string, limit int) string {
	if limit <= 0 || estimateTokens(text) <= limit {
		return text
	}
	words := strings.Fields(text)
	for len(words) > 0 && estimateTokens(strings.Join(words, " ")) > limit {
		words = words[1:]
	}
	return strings.Join(words, " ")
}
