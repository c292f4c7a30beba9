package conversation

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"grade-vista/internal/types"
	"grade-vista/menu"
)

// Manager routes gateway events to per-chat sessions. Sessions idle for longer
// than the configured timeout are evicted and told so.
type Manager struct {
	config    *types.Config
	logger    types.Logger
	gateway   Gateway
	retriever Retriever

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions *expirable.LRU[int64, *Session]
	live     map[int64]*Session
	wg       sync.WaitGroup
}

// NewManager creates a session manager. Sessions live at most as long as ctx.
func NewManager(ctx context.Context, config *types.Config, logger types.Logger, gateway Gateway, retriever Retriever) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		config:    config,
		logger:    logger,
		gateway:   gateway,
		retriever: retriever,
		ctx:       ctx,
		cancel:    cancel,
		live:      make(map[int64]*Session),
	}
	m.sessions = expirable.NewLRU[int64, *Session](config.MaxSessions, m.onEvict, config.SessionIdleTimeout)
	return m
}

// onEvict runs for expired entries, capacity evictions and explicit removals.
// A session that was already cancelled keeps its first cause.
func (m *Manager) onEvict(chatID int64, s *Session) {
	s.cancel(ErrSessionExpired)
}

// Dispatch handles one inbound event. It never blocks on a session.
func (m *Manager) Dispatch(ctx context.Context, ev Event) {
	logger := types.WithFields(m.logger, map[string]interface{}{"chat": ev.ChatID})

	m.mu.Lock()
	s, active := m.sessions.Peek(ev.ChatID)
	if active && s.finished() {
		active = false
	}

	if ev.Kind == EventCommand && ev.Data == CommandCancel {
		if active {
			s.cancel(ErrSessionCancelled)
			m.sessions.Remove(ev.ChatID)
		}
		m.mu.Unlock()
		if active {
			m.reply(ctx, logger, ev.ChatID, CancelledMessage)
		}
		return
	}

	if active {
		// re-adding refreshes the idle deadline
		m.sessions.Add(ev.ChatID, s)
		m.mu.Unlock()
		if !s.deliver(ev) {
			logger.Debugf("Dropping %s event in step %s", ev.Kind, s.Step())
		}
		return
	}
	m.mu.Unlock()

	m.route(ctx, logger, ev)
}

// route handles events for chats without a running session
func (m *Manager) route(ctx context.Context, logger types.Logger, ev Event) {
	switch {
	case ev.Kind == EventCommand && ev.Data == CommandStart:
		primary, _ := menu.Get(menu.Primary)
		if err := m.gateway.SendMenu(ctx, ev.ChatID, MenuTitle, primary); err != nil {
			logger.Warnf("Failed to send menu: %v", err)
		}
	case ev.Kind == EventCommand && ev.Data == CommandHelp,
		ev.Kind == EventButton && ev.Data == ButtonHelp:
		m.reply(ctx, logger, ev.ChatID, HelpMessage)
	case ev.Kind == EventCommand && ev.Data == CommandResult,
		ev.Kind == EventButton:
		m.start(logger, ev.ChatID)
	default:
		logger.Debugf("Ignoring %s event outside a session", ev.Kind)
	}
}

func (m *Manager) start(logger types.Logger, chatID int64) {
	m.mu.Lock()
	if s, ok := m.sessions.Peek(chatID); ok && !s.finished() {
		m.mu.Unlock()
		return
	}
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	// an entry can expire before its eviction callback has run
	if stale, ok := m.live[chatID]; ok {
		stale.cancel(ErrSessionExpired)
	}
	s := newSession(m.ctx, chatID, m.gateway, m.retriever, logger)
	m.sessions.Add(chatID, s)
	m.live[chatID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	logger.Info("Session started")
	go func() {
		defer m.wg.Done()
		s.run()
		m.finish(s)
	}()
}

// finish drops a completed session unless a newer one already took its slot
func (m *Manager) finish(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[s.chatID] != s {
		return
	}
	delete(m.live, s.chatID)
	if cur, ok := m.sessions.Peek(s.chatID); ok && cur == s {
		m.sessions.Remove(s.chatID)
	}
}

func (m *Manager) reply(ctx context.Context, logger types.Logger, chatID int64, text string) {
	if err := m.gateway.SendText(ctx, chatID, text); err != nil {
		logger.Warnf("Failed to send reply: %v", err)
	}
}

// Session returns the running session of a chat, if any
func (m *Manager) Session(chatID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Peek(chatID)
	if !ok || s.finished() {
		return nil, false
	}
	return s, true
}

// Close cancels every session and waits for them to stop
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.sessions.Purge()
}
