package learner

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stellarlinkco/peacy/internal/analysis"
	"github.com/stellarlinkco/peacy/internal/outcome"
	"github.com/stellarlinkco/peacy/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "peacy.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func logMessage(t *testing.T, s *store.Store, chat, author, text string) {
	t.Helper()
	if _, err := s.LogMessage(context.Background(), chat, author, text); err != nil {
		t.Fatalf("LogMessage error: %v", err)
	}
}

func newTestLearner(s Store, e analysis.Extractor) *Learner {
	return New(s, e, Options{Window: time.Hour, Timeout: time.Second, BotAuthor: "Peacy"}, nil)
}

func TestRun_LearnsNameLocationSentiment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logMessage(t, s, "chat1", "u1", "My name is Alex and I live in Lagos, I feel great today")

	l := newTestLearner(s, analysis.NewRules())
	res, err := l.Run(ctx)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Updated != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}

	p, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile error: %v", err)
	}
	if p.DisplayName != "Alex" || p.Location != "Lagos" || p.EmotionalState != "positive" {
		t.Errorf("profile = %+v", p)
	}
	if p.DisplayNameSource != store.SourceInferred {
		t.Errorf("name source = %q", p.DisplayNameSource)
	}

	res, err = l.Run(ctx)
	if err != nil {
		t.Fatalf("second Run error: %v", err)
	}
	if res.Updated != 0 || res.Unchanged != 1 {
		t.Errorf("second result = %+v", res)
	}
	again, _ := s.GetProfile(ctx, "u1")
	if !reflect.DeepEqual(p, again) {
		t.Errorf("profile drifted:\n%+v\n%+v", p, again)
	}
}

func TestRun_ManualNameSurvives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.UpdateProfile(ctx, store.ProfileUpdate{
		UserID: "u1", Source: store.SourceManual, DisplayName: store.Str("Alexandra"),
	})
	if err != nil {
		t.Fatalf("UpdateProfile error: %v", err)
	}
	logMessage(t, s, "chat1", "u1", "call me Alex")
	logMessage(t, s, "chat1", "u1", "my name is Alex, I am so happy")

	l := newTestLearner(s, analysis.NewRules())
	for i := 0; i < 3; i++ {
		if _, err := l.Run(ctx); err != nil {
			t.Fatalf("Run error: %v", err)
		}
	}

	p, _ := s.GetProfile(ctx, "u1")
	if p.DisplayName != "Alexandra" || p.DisplayNameSource != store.SourceManual {
		t.Errorf("manual name lost: %+v", p)
	}
	if p.EmotionalState != "neutral" {
		t.Errorf("sentiment = %q, want neutral (tie between neutral and positive)", p.EmotionalState)
	}
}

func TestRun_JoinsDistinctCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logMessage(t, s, "chat1", "u1", "I live in Lagos")
	logMessage(t, s, "chat1", "u1", "actually I'm from Abuja")
	logMessage(t, s, "chat2", "u1", "i live in lagos now")
	logMessage(t, s, "chat2", "u1", "I live in Lagos")

	if _, err := newTestLearner(s, analysis.NewRules()).Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	p, _ := s.GetProfile(ctx, "u1")
	if p.Location != "Abuja, Lagos" {
		t.Errorf("location = %q, want %q", p.Location, "Abuja, Lagos")
	}
}

func TestRun_SkipsBotAndOldMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logMessage(t, s, "chat1", "Peacy", "My name is Peacy and I am happy")
	if _, err := s.LogMessageAt(ctx, "chat1", "u2", "my name is Bob", time.Now().Add(-3*time.Hour)); err != nil {
		t.Fatalf("LogMessageAt error: %v", err)
	}

	res, err := newTestLearner(s, analysis.NewRules()).Run(ctx)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Authors != 0 {
		t.Errorf("authors = %d, want 0", res.Authors)
	}
	if _, err := s.GetProfile(ctx, "Peacy"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("bot profile should not exist, err = %v", err)
	}
}

type degradedExtractor struct{}

func (degradedExtractor) Analyze(context.Context, string) analysis.Analysis {
	return analysis.Analysis{Sentiment: analysis.Neutral, Status: outcome.Degraded}
}

func TestRun_DegradedCastsNoVote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpdateProfile(ctx, store.ProfileUpdate{
		UserID: "u1", Source: store.SourceInferred, EmotionalState: store.Str("positive"),
	}); err != nil {
		t.Fatalf("UpdateProfile error: %v", err)
	}
	logMessage(t, s, "chat1", "u1", "anything")

	res, err := newTestLearner(s, degradedExtractor{}).Run(ctx)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Unchanged != 1 {
		t.Errorf("result = %+v", res)
	}
	p, _ := s.GetProfile(ctx, "u1")
	if p.EmotionalState != "positive" {
		t.Errorf("sentiment = %q, want positive kept", p.EmotionalState)
	}
}

type flakyStore struct {
	*store.Store
	failFor string
}

func (f flakyStore) UpdateProfile(ctx context.Context, upd store.ProfileUpdate) error {
	if upd.UserID == f.failFor {
		return errors.New("disk full")
	}
	return f.Store.UpdateProfile(ctx, upd)
}

func TestRun_IsolatesAuthorFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logMessage(t, s, "chat1", "a", "I am happy")
	logMessage(t, s, "chat1", "b", "I am sad")
	logMessage(t, s, "chat1", "c", "call me Chi")

	res, err := newTestLearner(flakyStore{Store: s, failFor: "b"}, analysis.NewRules()).Run(ctx)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Failed != 1 || res.Updated != 2 {
		t.Errorf("result = %+v", res)
	}
	if p, _ := s.GetProfile(ctx, "c"); p.DisplayName != "Chi" {
		t.Errorf("profile c = %+v", p)
	}
}

type failingWindow struct{ Store }

func (failingWindow) MessagesSince(context.Context, time.Time) ([]store.Message, error) {
	return nil, errors.New("connection refused")
}

func TestRun_WindowReadFailure(t *testing.T) {
	if _, err := newTestLearner(failingWindow{}, analysis.NewRules()).Run(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestMerge(t *testing.T) {
	manual := store.Profile{
		DisplayName: "Alexandra", DisplayNameSource: store.SourceManual,
		Location: "Lagos", LocationSource: store.SourceInferred,
		EmotionalState: "neutral",
	}
	agg := Aggregate{Names: []string{"Alex"}, Locations: []string{"Abuja"}, Sentiment: analysis.Positive, Votes: 2}

	upd, changed := Merge(manual, agg)
	if !changed {
		t.Fatal("expected change")
	}
	if upd.DisplayName != nil {
		t.Errorf("manual name must not be written, got %q", *upd.DisplayName)
	}
	if upd.Location == nil || *upd.Location != "Abuja" {
		t.Errorf("location = %v", upd.Location)
	}
	if upd.EmotionalState == nil || *upd.EmotionalState != "positive" {
		t.Errorf("sentiment = %v", upd.EmotionalState)
	}
	if upd.Source != store.SourceInferred {
		t.Errorf("source = %q", upd.Source)
	}

	_, changed = Merge(store.Profile{EmotionalState: "neutral"}, Aggregate{Sentiment: analysis.Neutral, Votes: 1})
	if changed {
		t.Error("identical sentiment should not count as a change")
	}
	_, changed = Merge(store.Profile{}, Aggregate{Sentiment: analysis.Neutral})
	if changed {
		t.Error("no votes should not write sentiment")
	}
}

func TestDistinct(t *testing.T) {
	got := distinct([]string{"lagos", "Abuja", "Lagos", "abuja", "Berlin"})
	want := []string{"Abuja", "Berlin", "lagos"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("distinct = %v, want %v", got, want)
	}
	if len(distinct(nil)) != 0 {
		t.Error("expected empty")
	}
}
