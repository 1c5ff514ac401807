package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame is one decoded protocol line: *Message, *InstallReply,
// *WatchReply or Ignored.
type Frame interface {
	frame()
}

// InstallReply confirms (or denies) a message-handler installation.
type InstallReply struct {
	Priority int
	Name     string
	Success  bool
}

// WatchReply confirms (or denies) a message watch.
type WatchReply struct {
	Name    string
	Success bool
}

// Ignored marks a recognized frame the session has no use for
// (uninstall and unwatch confirmations).
type Ignored struct{}

func (*Message) frame()      {}
func (*InstallReply) frame() {}
func (*WatchReply) frame()   {}
func (Ignored) frame()       {}

const (
	prefixMsgRequest = "%%>message:"
	prefixMsgReply   = "%%<message:"
	prefixInstall    = "%%<install:"
	prefixWatch      = "%%<watch:"
	prefixUninstall  = "%%<uninstall:"
	prefixUnwatch    = "%%<unwatch:"
)

// Decode parses one protocol line (terminator already stripped).
func Decode(line string) (Frame, error) {
	line = strings.TrimSuffix(line, "\r")
	switch {
	case strings.HasPrefix(line, prefixMsgRequest):
		return decodeMessage(line[len(prefixMsgRequest):], false)
	case strings.HasPrefix(line, prefixMsgReply):
		return decodeMessage(line[len(prefixMsgReply):], true)
	case strings.HasPrefix(line, prefixInstall):
		return decodeInstallReply(line[len(prefixInstall):])
	case strings.HasPrefix(line, prefixWatch):
		return decodeWatchReply(line[len(prefixWatch):])
	case strings.HasPrefix(line, prefixUninstall), strings.HasPrefix(line, prefixUnwatch):
		return Ignored{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head(line))
}

// head truncates a line for error reporting.
func head(line string) string {
	if len(line) > 32 {
		return line[:32] + "..."
	}
	return line
}

func decodeMessage(body string, reply bool) (*Message, error) {
	parts := strings.Split(body, ":")
	if len(parts) < 4 {
		return nil, fmt.Errorf("%w: message needs 4 fields, got %d", ErrMalformedFrame, len(parts))
	}
	m := &Message{
		ID:       parts[0],
		Name:     parts[2],
		RetValue: Unescape(parts[3]),
		Reply:    reply,
	}
	if m.ID == "" || m.Name == "" {
		return nil, fmt.Errorf("%w: message id and name are required", ErrMalformedFrame)
	}
	if reply {
		m.Processed = parts[1] == "true"
	} else {
		t, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad message time %q", ErrMalformedFrame, parts[1])
		}
		m.Time = t
	}
	for _, raw := range parts[4:] {
		key, value, _ := strings.Cut(raw, "=")
		key = Unescape(key)
		if key == "" {
			continue
		}
		// The engine mirrors the full handler list back on replies;
		// it is noise and never useful to a client.
		if key == "handlers" {
			continue
		}
		m.Set(key, Unescape(value))
	}
	return m, nil
}

func decodeInstallReply(body string) (*InstallReply, error) {
	parts := strings.Split(body, ":")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: install reply needs 3 fields, got %d", ErrMalformedFrame, len(parts))
	}
	prio, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad install priority %q", ErrMalformedFrame, parts[0])
	}
	return &InstallReply{Priority: prio, Name: parts[1], Success: parts[2] == "true"}, nil
}

func decodeWatchReply(body string) (*WatchReply, error) {
	parts := strings.Split(body, ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: watch reply needs 2 fields, got %d", ErrMalformedFrame, len(parts))
	}
	return &WatchReply{Name: parts[0], Success: parts[1] == "true"}, nil
}

// EncodeConnect renders the initial connect command for the given role
// (normally "global").
func EncodeConnect(role string) string {
	return "%%>connect:" + role
}

// EncodeInstall renders an install request. A negative priority emits
// the empty field, leaving the engine default in effect.
func EncodeInstall(name string, priority int) string {
	p := ""
	if priority >= 0 {
		p = strconv.Itoa(priority)
	}
	return "%%>install:" + p + ":" + name
}

// EncodeUninstall renders an uninstall request.
func EncodeUninstall(name string) string {
	return "%%>uninstall:" + name
}

// EncodeWatch renders a watch request.
func EncodeWatch(name string) string {
	return "%%>watch:" + name
}

// EncodeUnwatch renders an unwatch request.
func EncodeUnwatch(name string) string {
	return "%%>unwatch:" + name
}
