package wire

import "strings"

// Escape applies the extmodule percent-encoding to s. Control bytes
// (< 0x20) and ':' are replaced by '%' followed by the byte plus 0x40;
// '%' itself becomes "%%". All other bytes pass through unchanged.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			b.WriteString("%%")
		case c < 0x20 || c == ':':
			b.WriteByte('%')
			b.WriteByte(c + 0x40)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape. A lone '%' at the end of the input has no
// byte to decode and is preserved literally.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			b.WriteByte('%')
			break
		}
		i++
		if n := s[i]; n == '%' {
			b.WriteByte('%')
		} else {
			b.WriteByte(n - 0x40)
		}
	}
	return b.String()
}
