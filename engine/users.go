package engine

import (
	"strconv"
	"time"

	"github.com/sebas/yatelink/wire"
)

// defaultRegisterExpiry covers registrations that omit expires.
const defaultRegisterExpiry = 3600 * time.Second

// handleUserRegister stores the verbatim register message under the
// username with a lease derived from its expires parameter.
func (e *Engine) handleUserRegister(m *wire.Message) {
	username := m.Value("username")
	if username == "" {
		e.reply(m, false, nil)
		return
	}
	expiry := defaultRegisterExpiry
	if raw := m.Value("expires"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			expiry = time.Duration(secs) * time.Second
		}
	}
	e.users.Set(username, m, time.Now().Add(expiry))
	e.emit(Event{Type: EventUserRegister, Name: username, Message: m})
	e.reply(m, true, nil)
}

// handleUserUnregister drops the lease; watched, so no reply is owed.
func (e *Engine) handleUserUnregister(m *wire.Message) {
	username := m.Value("username")
	if username == "" {
		return
	}
	if stored, ok := e.users.Delete(username); ok {
		e.emit(Event{Type: EventUserUnregister, Name: username, Message: stored})
	}
}

// GetLocalRoute resolves a registered local user into a route literal,
// honoring lease expiry. Returns nil for unknown or expired users.
func (e *Engine) GetLocalRoute(caller, called string) *Route {
	m, ok := e.users.Get(called)
	if !ok {
		return nil
	}
	return &Route{
		Caller:    caller,
		Called:    called,
		Host:      m.Value("ip_host"),
		FullRoute: m.Value("data"),
	}
}

// registeredUser reports whether a username holds an unexpired lease.
func (e *Engine) registeredUser(username string) bool {
	_, ok := e.users.Get(username)
	return ok
}
