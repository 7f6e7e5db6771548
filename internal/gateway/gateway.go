package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/stellarlinkco/mindmesh/internal/bus"
	"github.com/stellarlinkco/mindmesh/internal/config"
	"github.com/stellarlinkco/mindmesh/internal/llm"
	"github.com/stellarlinkco/mindmesh/internal/pipeline"
	"github.com/stellarlinkco/mindmesh/internal/profile"
)

// NoSignal is the outbound content for a turn that produced no profile.
const NoSignal = "no signal detected"

// Analyzer runs one turn (allows mocking in tests).
type Analyzer interface {
	Analyze(ctx context.Context, msg pipeline.Message, history []llm.Turn, sessionID string) *profile.Profile
}

// Options for creating a Gateway
type Options struct {
	Sweeper    *profile.Sweeper
	SignalChan chan os.Signal // for testing signal handling
	Logger     *zap.Logger
}

// Gateway consumes inbound messages, keeps the per-session conversation
// history and publishes the analyzed profile outbound.
type Gateway struct {
	bus          *bus.MessageBus
	analyzer     Analyzer
	historyTurns int
	histories    *lru.Cache[string, []llm.Turn]
	histMu       sync.Mutex
	sweeper      *profile.Sweeper
	signalChan   chan os.Signal
	logger       *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Gateway. History depth and the number of tracked sessions
// come from the profiles section of cfg.
func New(cfg *config.Config, b *bus.MessageBus, analyzer Analyzer, opts Options) (*Gateway, error) {
	if analyzer == nil {
		return nil, errors.New("gateway: analyzer is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if b == nil {
		b = bus.NewMessageBus(config.DefaultBufSize)
	}
	maxSessions := cfg.Profiles.MaxSessions
	if maxSessions <= 0 {
		maxSessions = config.DefaultMaxSessions
	}
	histories, err := lru.New[string, []llm.Turn](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	historyTurns := cfg.Profiles.HistoryTurns
	if historyTurns <= 0 {
		historyTurns = config.DefaultHistoryTurns
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		bus:          b,
		analyzer:     analyzer,
		historyTurns: historyTurns,
		histories:    histories,
		sweeper:      opts.Sweeper,
		signalChan:   opts.SignalChan,
		logger:       logger.Named("gateway"),
	}, nil
}

// Bus returns the message bus the gateway consumes.
func (g *Gateway) Bus() *bus.MessageBus {
	return g.bus
}

// Start launches outbound dispatch, the inbound loop and the idle sweeper.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return errors.New("gateway: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.running = true

	if g.sweeper != nil {
		if err := g.sweeper.Start(ctx); err != nil {
			g.logger.Warn("sweeper start failed", zap.Error(err))
		}
	}

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.bus.DispatchOutbound(ctx)
	}()
	go func() {
		defer g.wg.Done()
		g.processLoop(ctx)
	}()
	g.logger.Info("gateway started", zap.Int("history_turns", g.historyTurns))
	return nil
}

// Run starts the gateway and blocks until ctx is done or a shutdown signal
// arrives.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}

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
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			out := g.Process(ctx, msg)
			if err := g.bus.PublishOutbound(ctx, out); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Process analyzes one inbound message against the session's history and
// returns the outbound reply. The message is appended to the history after
// the analysis, so Analyze only ever sees earlier turns.
func (g *Gateway) Process(ctx context.Context, msg bus.InboundMessage) bus.OutboundMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	key := msg.SessionKey()
	history := g.History(key)

	g.logger.Debug("inbound",
		zap.String("id", msg.ID),
		zap.String("session", key),
		zap.String("content", truncate(msg.Content, 80)),
	)

	prof := g.analyzer.Analyze(ctx, pipeline.Message{
		Text:      msg.Content,
		SessionID: key,
		Position:  len(history) + 1,
	}, history, key)
	g.appendTurn(key, llm.Turn{Role: "user", Content: msg.Content})

	content := NoSignal
	if prof != nil {
		content = prof.Render()
	}
	return bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		ReplyTo: msg.ID,
		Profile: prof,
	}
}

// History returns a copy of the turns recorded for a session.
func (g *Gateway) History(sessionKey string) []llm.Turn {
	g.histMu.Lock()
	defer g.histMu.Unlock()
	turns, _ := g.histories.Get(sessionKey)
	out := make([]llm.Turn, len(turns))
	copy(out, turns)
	return out
}

// Reset forgets a session's history; its next message starts a fresh
// conversation.
func (g *Gateway) Reset(sessionKey string) {
	g.histMu.Lock()
	defer g.histMu.Unlock()
	g.histories.Remove(sessionKey)
}

func (g *Gateway) appendTurn(sessionKey string, turn llm.Turn) {
	if strings.TrimSpace(turn.Content) == "" {
		return
	}
	g.histMu.Lock()
	defer g.histMu.Unlock()
	turns, _ := g.histories.Get(sessionKey)
	next := make([]llm.Turn, 0, len(turns)+1)
	next = append(next, turns...)
	next = append(next, turn)
	if len(next) > g.historyTurns {
		next = next[len(next)-g.historyTurns:]
	}
	g.histories.Add(sessionKey, next)
}

// Shutdown stops the loops started by Start and waits for them to exit.
func (g *Gateway) Shutdown() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	cancel := g.cancel
	g.mu.Unlock()

	cancel()
	g.wg.Wait()
	if g.sweeper != nil {
		g.sweeper.Stop()
	}
	g.logger.Info("shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
