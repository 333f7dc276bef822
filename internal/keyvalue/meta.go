package keyvalue

import (
	"fmt"
	"strings"
)

// escapeSet lists the characters that must be percent escaped in journal
// fields and meta serializations.
const escapeSet = ":&%\r\n"

// PercentEscape returns s with every occurrence of colon, ampersand,
// percent, CR, LF, space and tab replaced by its %HH form.
func PercentEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(escapeSet+" \t=", c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// EscapeField escapes s for use as a journal field.  The set is smaller
// than PercentEscape's: only the record and pair delimiters plus percent
// itself.
func EscapeField(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(escapeSet, c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// PercentUnescape reverses PercentEscape and EscapeField.  Malformed
// escapes are copied through verbatim.
func PercentUnescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if ok1 && ok2 {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// MetaToString serializes all well-formed "Meta[key]" entries of d with a
// non-empty value into the compact "k1=v1&k2=v2" form.  Returns "" when no
// meta entry exists.
func MetaToString(d *Dict) string {
	var b strings.Builder
	for _, it := range d.Items() {
		key := MetaName(it.Name)
		if key == "" || it.Value == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(PercentEscape(key))
		b.WriteByte('=')
		b.WriteString(PercentEscape(it.Value))
	}
	return b.String()
}

// PutMeta parses a compact "k1=v1&k2=v2" serialization and stores each
// pair as a "Meta[key]" entry in d.
func PutMeta(d *Dict, encoded string) {
	if encoded == "" {
		return
	}
	for _, pair := range strings.Split(encoded, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		d.Put("Meta["+PercentUnescape(key)+"]", PercentUnescape(value))
	}
}
