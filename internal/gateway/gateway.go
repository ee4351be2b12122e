package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/option"
	"github.com/stellarlinkco/peacy/internal/analysis"
	"github.com/stellarlinkco/peacy/internal/bus"
	"github.com/stellarlinkco/peacy/internal/channel"
	"github.com/stellarlinkco/peacy/internal/composer"
	"github.com/stellarlinkco/peacy/internal/config"
	"github.com/stellarlinkco/peacy/internal/cron"
	"github.com/stellarlinkco/peacy/internal/learner"
	"github.com/stellarlinkco/peacy/internal/llm"
	"github.com/stellarlinkco/peacy/internal/logging"
	"github.com/stellarlinkco/peacy/internal/memory"
	"github.com/stellarlinkco/peacy/internal/rolling"
	"github.com/stellarlinkco/peacy/internal/store"
)

// Background job tasks.
const (
	TaskLearn  = "learn"
	TaskDigest = "digest"
	TaskPrune  = "prune"
)

const (
	jobLearner = "profile-learner"
	jobDigest  = "chat-digest"
	jobPrune   = "rolling-prune"

	pruneInterval = 15 * time.Minute
)

// Reset targets accepted by Gateway.Reset.
const (
	ResetMessages  = "messages"
	ResetUsers     = "users"
	ResetSummaries = "summaries"
	ResetMemory    = "memory"
	ResetAll       = "all"
)

// Options for creating a Gateway
type Options struct {
	Logger     *log.Logger
	LLMOptions []option.RequestOption // appended to structured JSON completion requests
	Replier    Replier                // replaces the provider client for replies
	SignalChan chan os.Signal         // for testing signal handling
}

// Gateway is constructed once at startup and owns every shared handle: the
// structured store, semantic memory, rolling sessions and the jobs that read
// them. Shutdown releases them.
type Gateway struct {
	cfg    *config.Config
	logger *log.Logger

	bus        *bus.MessageBus
	store      *store.Store
	memory     *memory.Memory
	llm        *llm.Client
	rolling    *rolling.Manager
	composer   *composer.Composer
	learner    *learner.Learner
	digest     *learner.Digest
	handler    *Handler
	dispatcher *Dispatcher
	cron       *cron.Service
	channels   *channel.ChannelManager

	signalChan   chan os.Signal
	shutdownOnce sync.Once

	// Set by Run; Shutdown stops outbound delivery only after the last reply
	// is queued.
	stopOutbound context.CancelFunc
	outboundDone chan struct{}
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.OrDiscard(opts.Logger)
	g := &Gateway{cfg: cfg, logger: logger.WithPrefix("gateway"), signalChan: opts.SignalChan}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	st, err := store.Open(context.Background(), cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	mem, err := memory.Open(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open memory: %w", err)
	}
	g.memory = mem

	g.llm = llm.New(cfg, logger, opts.LLMOptions...)
	var replier Replier = g.llm
	if opts.Replier != nil {
		replier = opts.Replier
	}

	g.rolling = rolling.NewManager(g.llm, cfg.Rolling.TokenLimit, cfg.CapabilityTimeout(), logger)
	g.composer = composer.New(st, mem, g.rolling, cfg.Composer.MaxChars, cfg.Composer.TopK, logger)

	extractor, err := analysis.NewExtractor(cfg, g.llm, logger)
	if err != nil {
		g.closeStores()
		return nil, fmt.Errorf("create extractor: %w", err)
	}
	g.learner = learner.New(st, extractor, learner.Options{
		Window:    cfg.LearnerWindow(),
		Timeout:   cfg.CapabilityTimeout(),
		BotAuthor: cfg.Assistant.BotAuthorID,
	}, logger)
	g.digest = learner.NewDigest(st, cfg.DigestWindow(), logger)

	g.handler = NewHandler(HandlerDeps{
		Store:     st,
		Memory:    mem,
		Rolling:   g.rolling,
		Composer:  g.composer,
		Replier:   replier,
		Out:       g.bus,
		WakeWords: cfg.Assistant.WakeWords,
		BotAuthor: cfg.Assistant.BotAuthorID,
		Timeout:   cfg.CapabilityTimeout(),
	}, logger)
	g.dispatcher = NewDispatcher(func(ctx context.Context, msg bus.InboundMessage) {
		if _, err := g.handler.Handle(ctx, msg); err != nil {
			g.logger.Error("handle failed", "chat", msg.ChatID, "user", msg.SenderID, "err", err)
		}
	})

	g.cron = cron.NewService(filepath.Join(config.DataDir(), "cron", "jobs.json"), logger)
	g.cron.OnJob = g.runJob

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, logger)
	if err != nil {
		g.closeStores()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) Store() *store.Store { return g.store }
func (g *Gateway) Memory() *memory.Memory { return g.memory }
func (g *Gateway) Cron() *cron.Service { return g.cron }
func (g *Gateway) Channels() *channel.ChannelManager { return g.channels }
func (g *Gateway) Bus() *bus.MessageBus { return g.bus }
func (g *Gateway) Rolling() *rolling.Manager { return g.rolling }

// Seed inserts the persona document into an empty semantic memory.
func (g *Gateway) Seed(ctx context.Context) (bool, error) {
	return g.memory.Seed(ctx, g.cfg.Assistant.Persona)
}

// Learn runs one profile learning pass now.
func (g *Gateway) Learn(ctx context.Context) (learner.Result, error) {
	return g.learner.Run(ctx)
}

// Chat sends text through the real-time handler as if it came from userID in
// chatID, without wake-word gating or channel delivery.
func (g *Gateway) Chat(ctx context.Context, chatID, userID, text string) (string, error) {
	h := *g.handler
	h.out = nil
	h.wakeWords = nil
	return h.Handle(ctx, bus.InboundMessage{
		Kind:      bus.KindMessage,
		Channel:   "cli",
		SenderID:  userID,
		ChatID:    chatID,
		Content:   text,
		Timestamp: time.Now(),
	})
}

// Reset drops and recreates the named state. Memory is left empty; the next
// gateway start seeds it again.
func (g *Gateway) Reset(ctx context.Context, target string) error {
	switch target {
	case ResetMessages:
		return g.store.Reset(ctx, store.TableMessages)
	case ResetUsers:
		return g.store.Reset(ctx, store.TableUsers)
	case ResetSummaries:
		return g.store.Reset(ctx, store.TableSummaries)
	case ResetMemory:
		return g.memory.Reset(ctx)
	case ResetAll:
		if err := g.store.Reset(ctx); err != nil {
			return err
		}
		return g.memory.Reset(ctx)
	default:
		return fmt.Errorf("unknown reset target %q", target)
	}
}

// Status is a snapshot for operators.
type Status struct {
	Store    store.Counts
	Memories int
	Jobs     []cron.CronJob
}

func (g *Gateway) Status(ctx context.Context) (Status, error) {
	counts, err := g.store.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	n, err := g.memory.Count(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count memories: %w", err)
	}
	if err := g.cron.Load(); err != nil {
		g.logger.Warn("load jobs failed", "err", err)
	}
	return Status{Store: counts, Memories: n, Jobs: g.cron.ListJobs()}, nil
}

// ensureJobs registers the background jobs, keeping each job's state across
// restarts and following the enabled flags in config.
func (g *Gateway) ensureJobs() error {
	jobs := []struct {
		name    string
		every   time.Duration
		task    string
		enabled bool
	}{
		{jobLearner, g.cfg.LearnerInterval(), TaskLearn, g.cfg.Learner.Enabled},
		{jobDigest, g.cfg.DigestInterval(), TaskDigest, g.cfg.Digest.Enabled},
		{jobPrune, pruneInterval, TaskPrune, true},
	}
	for _, j := range jobs {
		job, err := g.cron.EnsureJob(j.name, cron.Every(j.every), cron.Payload{Task: j.task})
		if err != nil {
			return err
		}
		if job.Enabled != j.enabled {
			if _, err := g.cron.EnableJob(job.ID, j.enabled); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Gateway) runJob(ctx context.Context, job cron.CronJob) (string, error) {
	switch job.Payload.Task {
	case TaskLearn:
		res, err := g.learner.Run(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d authors, %d updated, %d failed", res.Authors, res.Updated, res.Failed), nil
	case TaskDigest:
		digests, err := g.digest.Run(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d chats", len(digests)), nil
	case TaskPrune:
		n := g.rolling.Prune(g.cfg.RollingIdleTTL())
		return fmt.Sprintf("%d sessions pruned", n), nil
	default:
		return "", fmt.Errorf("unknown task %q", job.Payload.Task)
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outCtx, stopOut := context.WithCancel(context.WithoutCancel(ctx))
	g.stopOutbound = stopOut
	g.outboundDone = make(chan struct{})
	go func() {
		defer close(g.outboundDone)
		g.bus.DispatchOutbound(outCtx)
	}()

	if seeded, err := g.Seed(ctx); err != nil {
		g.logger.Warn("seed memory failed", "err", err)
	} else if seeded {
		g.logger.Info("memory seeded")
	}

	if err := g.channels.StartAll(ctx); err != nil {
		g.haltOutbound()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", "channels", g.channels.EnabledChannels())

	if err := g.ensureJobs(); err != nil {
		g.logger.Warn("ensure jobs failed", "err", err)
	}
	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start failed", "err", err)
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	workCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(loopDone)
		g.processLoop(loopCtx, workCtx)
	}()

	g.logger.Info("running", "assistant", g.cfg.Assistant.Name, "wake_words", len(g.cfg.Assistant.WakeWords))

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	stopLoop()
	<-loopDone
	return g.Shutdown()
}

// processLoop feeds inbound events to the dispatcher until loopCtx ends.
// Handlers run on workCtx, which outlives loopCtx, so in-flight messages
// finish during shutdown.
func (g *Gateway) processLoop(loopCtx, workCtx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.dispatcher.Dispatch(workCtx, msg)
		case <-loopCtx.Done():
			return
		}
	}
}

// Shutdown stops jobs, lets in-flight handlers finish, delivers every queued
// reply, then stops channels and closes the stores.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.cron.Stop()
		g.dispatcher.Wait()
		g.haltOutbound()
		_ = g.channels.StopAll()
		g.closeStores()
		g.logger.Info("shutdown complete")
	})
	return nil
}

// haltOutbound stops DispatchOutbound after it has flushed the buffer.
func (g *Gateway) haltOutbound() {
	if g.stopOutbound == nil {
		return
	}
	g.stopOutbound()
	<-g.outboundDone
	g.stopOutbound = nil
}

func (g *Gateway) closeStores() {
	if g.memory != nil {
		if err := g.memory.Close(); err != nil {
			g.logger.Warn("close memory failed", "err", err)
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("close store failed", "err", err)
		}
	}
}
