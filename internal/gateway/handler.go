package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stellarlinkco/peacy/internal/analysis"
	"github.com/stellarlinkco/peacy/internal/bus"
	"github.com/stellarlinkco/peacy/internal/composer"
	"github.com/stellarlinkco/peacy/internal/llm"
	"github.com/stellarlinkco/peacy/internal/logging"
	"github.com/stellarlinkco/peacy/internal/memory"
	"github.com/stellarlinkco/peacy/internal/outcome"
	"github.com/stellarlinkco/peacy/internal/rolling"
	"github.com/stellarlinkco/peacy/internal/store"
)

// Replier turns a composed context and the user's text into a reply.
type Replier interface {
	Generate(ctx context.Context, contextText, input string) (string, error)
}

// Outbox accepts replies for delivery.
type Outbox interface {
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage) error
}

// Handler is the real-time path for one inbound event. It is the manual
// writer of profiles: platform identity and explicit self-statements.
type Handler struct {
	store     *store.Store
	memory    *memory.Memory
	rolling   *rolling.Manager
	composer  *composer.Composer
	replier   Replier
	rules     *analysis.Rules
	out       Outbox
	wakeWords []string
	botAuthor string
	timeout   time.Duration
	logger    *log.Logger
}

type HandlerDeps struct {
	Store     *store.Store
	Memory    *memory.Memory
	Rolling   *rolling.Manager
	Composer  *composer.Composer
	Replier   Replier
	Out       Outbox
	WakeWords []string
	BotAuthor string
	Timeout   time.Duration
}

func NewHandler(deps HandlerDeps, logger *log.Logger) *Handler {
	words := make([]string, 0, len(deps.WakeWords))
	for _, w := range deps.WakeWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return &Handler{
		store:     deps.Store,
		memory:    deps.Memory,
		rolling:   deps.Rolling,
		composer:  deps.Composer,
		replier:   deps.Replier,
		rules:     analysis.NewRules(),
		out:       deps.Out,
		wakeWords: words,
		botAuthor: deps.BotAuthor,
		timeout:   deps.Timeout,
		logger:    logging.OrDiscard(logger).WithPrefix("handler"),
	}
}

// Wakes reports whether text addresses the assistant. With no wake words
// every message does.
func (h *Handler) Wakes(text string) bool {
	if len(h.wakeWords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, w := range h.wakeWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Handle processes one inbound event and returns the reply it sent, or ""
// when the event needed no answer. Storage failures are logged and never stop
// the reply.
func (h *Handler) Handle(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if msg.IsJoin() {
		h.recordIdentity(ctx, msg)
		h.logger.Info("member joined", "chat", msg.ChatID, "user", msg.SenderID)
		return "", nil
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" || !h.Wakes(text) {
		return "", nil
	}
	h.logger.Debug("inbound", "chat", msg.ChatID, "user", msg.SenderID, "text", truncate(text, 80))

	h.recordIdentity(ctx, msg)
	h.recordStatements(ctx, msg.SenderID, text)

	logged, err := h.store.LogMessage(ctx, msg.ChatID, msg.SenderID, text)
	if err != nil {
		h.logger.Warn("log message failed", "chat", msg.ChatID, "user", msg.SenderID, "err", err)
	}

	comp := h.composer.Compose(ctx, msg.SenderID, msg.ChatID, text)

	reply, genErr := h.generate(ctx, comp.Text, text)
	if genErr != nil {
		h.logger.Error("generate failed", "chat", msg.ChatID, "auth", llm.IsAuth(genErr), "err", genErr)
		reply = llm.Apology(genErr)
	}

	if h.out != nil {
		out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply, ReplyTo: msg.MessageID}
		if err := h.out.PublishOutbound(ctx, out); err != nil {
			return reply, fmt.Errorf("publish reply to %s: %w", msg.ChatID, err)
		}
	}
	if _, err := h.store.LogMessage(ctx, msg.ChatID, h.botAuthor, reply); err != nil {
		h.logger.Warn("log reply failed", "chat", msg.ChatID, "err", err)
	}
	if genErr != nil {
		return reply, nil
	}

	h.remember(ctx, msg, logged, text, reply)
	if status := h.rolling.Observe(ctx, msg.ChatID, text, reply); status == outcome.Degraded {
		h.logger.Warn("rolling summary degraded", "chat", msg.ChatID)
	}
	if err := h.store.PutSummary(ctx, msg.ChatID, comp.Text); err != nil {
		h.logger.Warn("store summary failed", "chat", msg.ChatID, "err", err)
	}
	return reply, nil
}

func (h *Handler) generate(ctx context.Context, contextText, input string) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	return h.replier.Generate(ctx, contextText, input)
}

// recordIdentity writes the platform identity as manual profile data.
func (h *Handler) recordIdentity(ctx context.Context, msg bus.InboundMessage) {
	upd := store.ProfileUpdate{UserID: msg.SenderID, Source: store.SourceManual}
	if msg.Username != "" {
		upd.Username = store.Str(msg.Username)
	}
	if info := ProfileInfo(msg.FullName, msg.Username); info != "" {
		upd.ProfileInfo = store.Str(info)
	}
	var err error
	if upd.Username == nil && upd.ProfileInfo == nil {
		err = h.store.EnsureUser(ctx, msg.SenderID)
	} else {
		err = h.store.UpdateProfile(ctx, upd)
	}
	if err != nil {
		h.logger.Warn("record identity failed", "user", msg.SenderID, "err", err)
	}
}

// recordStatements stores explicit self-statements ("my name is ...",
// "I live in ...") as manual fields.
func (h *Handler) recordStatements(ctx context.Context, userID, text string) {
	a := h.rules.Analyze(ctx, text)
	if !a.Confident {
		return
	}
	upd := store.ProfileUpdate{UserID: userID, Source: store.SourceManual}
	if a.Name != "" {
		upd.DisplayName = store.Str(a.Name)
	}
	if a.Location != "" {
		upd.Location = store.Str(a.Location)
	}
	if err := h.store.UpdateProfile(ctx, upd); err != nil {
		h.logger.Warn("record statement failed", "user", userID, "err", err)
		return
	}
	h.logger.Info("profile stated", "user", userID, "name", a.Name, "location", a.Location)
}

// remember appends the exchange to semantic memory under IDs derived from
// the platform message, so a redelivered message overwrites instead of
// duplicating.
func (h *Handler) remember(ctx context.Context, msg bus.InboundMessage, logged store.Message, text, reply string) {
	ref := msg.MessageID
	if ref == "" && logged.ID > 0 {
		ref = "log" + strconv.FormatInt(logged.ID, 10)
	}
	tags := map[string]string{"chat_id": msg.ChatID, "user_id": msg.SenderID}
	records := []memory.Record{
		{Text: text, Role: memory.RoleUser, Tags: tags},
		{Text: reply, Role: memory.RoleAssistant, Tags: tags},
	}
	for _, rec := range records {
		if ref != "" {
			rec.ID = MemoryID(msg.ChatID, ref, rec.Role)
		}
		if _, err := h.memory.Add(ctx, rec); err != nil {
			h.logger.Warn("remember failed", "chat", msg.ChatID, "role", rec.Role, "err", err)
		}
	}
}

// MemoryID is the record ID for one side of an exchange.
func MemoryID(chatID, messageRef string, role memory.Role) string {
	return chatID + ":" + messageRef + ":" + string(role)
}

// ProfileInfo renders the platform identity, e.g. "Alex Okafor (username: alex)".
func ProfileInfo(fullName, username string) string {
	fullName = strings.TrimSpace(fullName)
	switch {
	case fullName != "" && username != "":
		return fullName + " (username: " + username + ")"
	case fullName != "":
		return fullName
	case username != "":
		return "(username: " + username + ")"
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
