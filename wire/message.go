// Package wire implements the Yate external-module line protocol:
// percent escaping plus the message, install and watch frame formats
// described at yate.null.ro/docs/extmodule.html. Frames are single
// newline-terminated ASCII lines; the codec here works on lines with
// the terminator already stripped.
package wire

import (
	"strconv"
	"strings"
)

// Param is a single named message parameter. Parameter order is
// significant on the wire (the callfork dictionary is positional), so
// Message keeps parameters as an ordered list rather than a map.
type Param struct {
	Key   string
	Value string
}

// Message is one extmodule message in either direction. Name and ID are
// required; Time is set on requests, Processed on replies.
type Message struct {
	Name      string
	ID        string
	Reply     bool
	Time      int64
	Processed bool
	RetValue  string

	params []Param
	index  map[string]int
}

// NewMessage creates a request message with the given name and
// timestamp. The caller (normally the engine) assigns the ID before
// encoding.
func NewMessage(name string, unixTime int64) *Message {
	return &Message{Name: name, Time: unixTime}
}

// Set adds or replaces a parameter, preserving first-insertion order.
func (m *Message) Set(key, value string) *Message {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.params[i].Value = value
		return m
	}
	m.index[key] = len(m.params)
	m.params = append(m.params, Param{Key: key, Value: value})
	return m
}

// Get returns the value of a parameter and whether it is present.
func (m *Message) Get(key string) (string, bool) {
	if m.index == nil {
		return "", false
	}
	i, ok := m.index[key]
	if !ok {
		return "", false
	}
	return m.params[i].Value, true
}

// Value returns the parameter value, or "" if absent.
func (m *Message) Value(key string) string {
	v, _ := m.Get(key)
	return v
}

// Has reports whether the parameter is present.
func (m *Message) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Del removes a parameter if present.
func (m *Message) Del(key string) {
	if m.index == nil {
		return
	}
	i, ok := m.index[key]
	if !ok {
		return
	}
	delete(m.index, key)
	m.params = append(m.params[:i], m.params[i+1:]...)
	for k, j := range m.index {
		if j > i {
			m.index[k] = j - 1
		}
	}
}

// Params returns the parameters in wire order. The slice is shared;
// callers must not mutate it.
func (m *Message) Params() []Param {
	return m.params
}

// NumParams returns the parameter count.
func (m *Message) NumParams() int {
	return len(m.params)
}

// NewReply builds the reply frame for a request: only the reserved
// attributes are carried over, direction is flipped and the processed
// flag is set. Parameters are not copied; the caller adds the extras it
// wants on the reply.
func (m *Message) NewReply(processed bool) *Message {
	return &Message{
		Name:      m.Name,
		ID:        m.ID,
		Reply:     true,
		Processed: processed,
		RetValue:  m.RetValue,
	}
}

// Encode renders the message as a single protocol line without the
// trailing newline. Parameter keys, values and the return value are
// escaped; the fixed-position fields are not.
func (m *Message) Encode() string {
	var b strings.Builder
	if m.Reply {
		b.WriteString("%%<message:")
		b.WriteString(m.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatBool(m.Processed))
	} else {
		b.WriteString("%%>message:")
		b.WriteString(m.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(m.Time, 10))
	}
	b.WriteByte(':')
	b.WriteString(m.Name)
	b.WriteByte(':')
	b.WriteString(Escape(m.RetValue))
	for _, p := range m.params {
		b.WriteByte(':')
		b.WriteString(Escape(p.Key))
		b.WriteByte('=')
		b.WriteString(Escape(p.Value))
	}
	return b.String()
}
