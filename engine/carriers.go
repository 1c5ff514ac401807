package engine

import (
	"strconv"
	"time"

	"github.com/sebas/yatelink/wire"
)

// Carrier is one upstream SIP account the session registers into.
// Active reflects the engine's view: true once a user.login was
// processed, false after logout or a lost socket.
type Carrier struct {
	Host       string
	Port       int
	Username   string
	Password   string
	AuthName   string
	AuthDomain string

	Active bool
}

// LineID derives the carrier's deterministic registry key.
func (c *Carrier) LineID() string {
	return c.Username + ":" + c.Password + ":" + c.AuthName + ":" + c.AuthDomain + "@" + c.registrar()
}

func (c *Carrier) registrar() string {
	if c.Port > 0 {
		return c.Host + ":" + strconv.Itoa(c.Port)
	}
	return c.Host
}

// SetCarriers declares the desired carrier set. The registry is
// replaced atomically; on a ready session the difference against the
// previous set is turned into user.login and logout dispatches, and an
// unready session stores the set for replay on the next connected.
func (e *Engine) SetCarriers(desired []Carrier) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	old := e.carriers
	fresh := make(map[string]*Carrier, len(desired))
	for i := range desired {
		c := desired[i]
		id := c.LineID()
		if prev, ok := old[id]; ok {
			c.Active = prev.Active
		} else {
			c.Active = false
		}
		fresh[id] = &c
	}
	e.carriers = fresh

	if !e.ready {
		e.mu.Unlock()
		return nil
	}
	var logins []*Carrier
	for _, c := range fresh {
		if !c.Active {
			logins = append(logins, c)
		}
	}
	var logouts []string
	for id := range old {
		if _, ok := fresh[id]; !ok {
			logouts = append(logouts, id)
		}
	}
	e.mu.Unlock()

	for _, c := range logins {
		if err := e.loginCarrier(c); err != nil {
			return err
		}
	}
	for _, id := range logouts {
		m := wire.NewMessage("user.login", time.Now().Unix())
		m.Set("account", id)
		m.Set("operation", "logout")
		if err := e.dispatch(m, false); err != nil {
			return err
		}
	}
	return nil
}

// loginCarrier asks the engine to register the trunk; the reply's
// processed flag drives Active.
func (e *Engine) loginCarrier(c *Carrier) error {
	id := c.LineID()
	reg := c.registrar()
	authName := c.AuthName
	if authName == "" {
		authName = c.Username
	}
	domain := c.AuthDomain
	if domain == "" {
		domain = c.Host
	}

	m := wire.NewMessage("user.login", time.Now().Unix())
	m.Set("account", id)
	m.Set("protocol", "sip")
	m.Set("username", c.Username)
	m.Set("password", c.Password)
	m.Set("registrar", reg)
	m.Set("outbound", reg)
	m.Set("authname", authName)
	m.Set("domain", domain)

	return e.dispatchWithReply(m, func(r *wire.Message) {
		e.mu.Lock()
		cur, ok := e.carriers[id]
		if ok {
			cur.Active = r.Processed
		}
		e.mu.Unlock()
	})
}

// replayCarriers re-registers every known trunk after a handshake.
func (e *Engine) replayCarriers() {
	e.mu.Lock()
	var logins []*Carrier
	for _, c := range e.carriers {
		if !c.Active {
			logins = append(logins, c)
		}
	}
	e.mu.Unlock()

	for _, c := range logins {
		if err := e.loginCarrier(c); err != nil {
			e.emitError(err)
			return
		}
	}
}

// handleUserNotify turns registration state changes into carrier
// events.
func (e *Engine) handleUserNotify(m *wire.Message) {
	account := m.Value("account")
	if account == "" {
		return
	}
	registered := m.Value("registered") == "true"

	e.mu.Lock()
	c, ok := e.carriers[account]
	if ok {
		c.Active = registered
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	typ := EventCarrierOffline
	if registered {
		typ = EventCarrierOnline
	}
	e.emit(Event{Type: typ, Name: account, Carrier: c, Message: m})
}
