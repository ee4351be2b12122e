package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stellarlinkco/peacy/internal/logging"
	"github.com/stellarlinkco/peacy/internal/outcome"
)

// Role tags who produced a memory record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSeed      Role = "seed"
)

// SeedID is the fixed identifier of the persona seed record.
const SeedID = "seed:persona"

const (
	metaRole      = "role"
	metaCreatedAt = "created_at"
)

// Record is one unit of semantic memory as seen by callers.
type Record struct {
	ID   string
	Text string
	Role Role
	Tags map[string]string
}

// Document is a record with its embedding, as handed to a Backend.
type Document struct {
	ID        string
	Text      string
	Metadata  map[string]string
	Embedding []float32
}

// Hit is one similarity search result.
type Hit struct {
	ID         string
	Text       string
	Metadata   map[string]string
	Similarity float64
}

// Backend persists documents and answers nearest-neighbor queries. Upsert
// replaces an existing document with the same ID. Search never returns more
// than k hits nor more hits than stored documents, and where filters on exact
// metadata matches.
type Backend interface {
	Upsert(ctx context.Context, doc Document) error
	Search(ctx context.Context, vector []float32, k int, where map[string]string) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
	Close() error
}

// Retrieval is the result of a similarity lookup. Status tells an empty store
// apart from a failed embedding or backend call.
type Retrieval struct {
	Texts  []string
	Status outcome.Status
}

// Memory is the semantic memory: append-only records with similarity
// retrieval. Safe for concurrent use.
type Memory struct {
	backend  Backend
	embedder Embedder
	logger   *log.Logger
	timeout  time.Duration

	seedMu sync.Mutex
}

type Option func(*Memory)

// WithTimeout bounds every embedding and backend call.
func WithTimeout(d time.Duration) Option {
	return func(m *Memory) { m.timeout = d }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Memory) { m.logger = l.WithPrefix("memory") }
}

func New(backend Backend, embedder Embedder, opts ...Option) *Memory {
	m := &Memory{
		backend:  backend,
		embedder: embedder,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

// Add stores a record and returns its ID. An empty ID is replaced with a
// fresh UUID; adding the same ID again replaces the earlier record.
func (m *Memory) Add(ctx context.Context, rec Record) (string, error) {
	text := strings.TrimSpace(rec.Text)
	if text == "" {
		return "", fmt.Errorf("add memory: empty text")
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	role := rec.Role
	if role == "" {
		role = RoleUser
	}

	meta := make(map[string]string, len(rec.Tags)+2)
	for k, v := range rec.Tags {
		meta[k] = v
	}
	meta[metaRole] = string(role)
	meta[metaCreatedAt] = strconv.FormatInt(time.Now().UnixNano(), 10)

	ctx, cancel := m.bounded(ctx)
	defer cancel()

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("add memory %s: %w", id, err)
	}
	if err := m.backend.Upsert(ctx, Document{ID: id, Text: text, Metadata: meta, Embedding: vec}); err != nil {
		return "", fmt.Errorf("add memory %s: %w", id, err)
	}
	m.logger.Debug("memory added", "id", id, "role", role)
	return id, nil
}

// Retrieve returns up to k stored texts most similar to query, best first.
// It never fails: an empty store yields Empty and any embedding or backend
// error yields Degraded with no texts.
func (m *Memory) Retrieve(ctx context.Context, query string, k int) Retrieval {
	query = strings.TrimSpace(query)
	if k <= 0 || query == "" {
		return Retrieval{Status: outcome.Empty}
	}

	ctx, cancel := m.bounded(ctx)
	defer cancel()

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		m.logger.Warn("retrieve: embed failed", "err", err)
		return Retrieval{Status: outcome.Degraded}
	}
	hits, err := m.backend.Search(ctx, vec, k, nil)
	if err != nil {
		m.logger.Warn("retrieve: search failed", "err", err)
		return Retrieval{Status: outcome.Degraded}
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	if len(hits) == 0 {
		return Retrieval{Status: outcome.Empty}
	}

	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		texts = append(texts, h.Text)
	}
	return Retrieval{Texts: texts, Status: outcome.OK}
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	return m.backend.Count(ctx)
}

// Seed inserts the persona document unless a seed record is already present.
// It reports whether a record was written. The existence probe runs right
// before the insert; two processes seeding at once still converge on a single
// record because the seed always uses SeedID.
func (m *Memory) Seed(ctx context.Context, persona string) (bool, error) {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		return false, fmt.Errorf("seed memory: empty persona")
	}

	m.seedMu.Lock()
	defer m.seedMu.Unlock()

	exists, err := m.hasSeed(ctx, persona)
	if err != nil {
		return false, fmt.Errorf("seed memory: %w", err)
	}
	if exists {
		m.logger.Debug("seed already present")
		return false, nil
	}
	if _, err := m.Add(ctx, Record{ID: SeedID, Text: persona, Role: RoleSeed}); err != nil {
		return false, fmt.Errorf("seed memory: %w", err)
	}
	m.logger.Info("seeded persona memory")
	return true, nil
}

func (m *Memory) hasSeed(ctx context.Context, probe string) (bool, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	n, err := m.backend.Count(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	vec, err := m.embedder.Embed(ctx, probe)
	if err != nil {
		return false, err
	}
	hits, err := m.backend.Search(ctx, vec, 1, map[string]string{metaRole: string(RoleSeed)})
	if err != nil {
		return false, err
	}
	return len(hits) > 0, nil
}

// Reset drops every record. The store stays usable and can be seeded again.
func (m *Memory) Reset(ctx context.Context) error {
	if err := m.backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset memory: %w", err)
	}
	m.logger.Info("memory reset")
	return nil
}

func (m *Memory) Close() error {
	return m.backend.Close()
}
