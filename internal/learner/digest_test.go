package learner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDigest_GroupsByChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logMessage(t, s, "chat2", "u1", "hello")
	logMessage(t, s, "chat1", "u2", "first")
	logMessage(t, s, "chat1", "Peacy", "second")
	logMessage(t, s, "chat1", "u2", "third")

	digests, err := NewDigest(s, time.Hour, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(digests) != 2 {
		t.Fatalf("digests = %d, want 2", len(digests))
	}
	d := digests[0]
	if d.ChatID != "chat1" || d.Messages != 3 {
		t.Errorf("digest = %+v", d)
	}
	if strings.Join(d.Authors, ",") != "Peacy,u2" {
		t.Errorf("authors = %v", d.Authors)
	}
	if d.Preview != "u2: first | Peacy: second | u2: third" {
		t.Errorf("preview = %q", d.Preview)
	}
}

func TestTail(t *testing.T) {
	if got := tail("abcdef", 3); got != "...def" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("abc", 5); got != "abc" {
		t.Errorf("tail = %q", got)
	}
}
