package api

import (
	"context"
	"sync"

	"lechat/internal/chat"
	"lechat/internal/notify"
)

// Notice is a user-facing notification fanned out to attached stream
// clients for a chat.
type Notice struct {
	Level   notify.Level `json:"level"`
	Message string       `json:"message"`
}

// noticeHub implements notify.Notifier for one chat. Notifications are
// logged and broadcast to every attached stream client.
type noticeHub struct {
	fallback notify.Notifier

	mu   sync.Mutex
	subs map[chan Notice]struct{}
}

func newNoticeHub(fallback notify.Notifier) *noticeHub {
	return &noticeHub{
		fallback: fallback,
		subs:     make(map[chan Notice]struct{}),
	}
}

func (h *noticeHub) Notify(level notify.Level, message string) {
	h.fallback.Notify(level, message)

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- Notice{Level: level, Message: message}:
		default:
		}
	}
}

func (h *noticeHub) subscribe() chan Notice {
	ch := make(chan Notice, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *noticeHub) unsubscribe(ch chan Notice) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

type managed struct {
	ctrl *chat.Controller
	hub  *noticeHub
	refs int
}

// Manager owns at most one live controller per chat. The first attach
// opens the controller (history load plus relay drain); later attaches
// share it. The controller is closed when the last client detaches.
type Manager struct {
	factory func(chatID string, hub *noticeHub) *chat.Controller
	notify  func() notify.Notifier

	mu    sync.Mutex
	chats map[string]*managed
}

func NewManager(factory func(chatID string, hub *noticeHub) *chat.Controller, fallback func() notify.Notifier) *Manager {
	return &Manager{
		factory: factory,
		notify:  fallback,
		chats:   make(map[string]*managed),
	}
}

// Acquire returns the chat's controller, creating and opening it on
// first attach. The release func must be called when the client detaches.
func (m *Manager) Acquire(ctx context.Context, chatID string) (*chat.Controller, *noticeHub, func()) {
	m.mu.Lock()
	entry, ok := m.chats[chatID]
	if !ok {
		hub := newNoticeHub(m.notify())
		entry = &managed{ctrl: m.factory(chatID, hub), hub: hub}
		m.chats[chatID] = entry
		entry.ctrl.Open(ctx)
	}
	entry.refs++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.chats, chatID)
			entry.ctrl.Close()
		}
		m.mu.Unlock()
	}
	return entry.ctrl, entry.hub, release
}

// Peek returns the live controller for a chat without attaching, if any.
func (m *Manager) Peek(chatID string) (*chat.Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.chats[chatID]
	if !ok {
		return nil, false
	}
	return entry.ctrl, true
}
