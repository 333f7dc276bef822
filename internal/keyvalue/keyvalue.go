// Package keyvalue provides the ordered name/value dictionary that flows
// through the protocol codec, the command handlers, the session store and
// the journal.  Names are case preserved and kept in insertion order.
//
// Names starting with an underscore are internal and never echoed to a
// client by default; names starting with an upper case ASCII letter are
// client visible.  Meta fields use the name syntax "Meta[key]" and have a
// compact "k1=v1&k2=v2" wire serialization with percent escaping.
package keyvalue

import (
	"fmt"
	"strconv"
	"strings"
)

// Item is a single dictionary entry.  Values may contain embedded
// newlines; the protocol codec renders those as continuation lines.
type Item struct {
	Name  string
	Value string
}

// Dict is an ordered mapping of names to values.
type Dict struct {
	items []Item
}

// New returns an empty dictionary.
func New() *Dict {
	return &Dict{}
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.items)
}

// Items returns the entries in insertion order.  The returned slice is
// owned by the dictionary and must not be modified.
func (d *Dict) Items() []Item {
	if d == nil {
		return nil
	}
	return d.items
}

func (d *Dict) find(name string) int {
	for i := range d.items {
		if d.items[i].Name == name {
			return i
		}
	}
	return -1
}

// Lookup returns the value stored under name and whether it exists.
func (d *Dict) Lookup(name string) (string, bool) {
	if d == nil {
		return "", false
	}
	if i := d.find(name); i >= 0 {
		return d.items[i].Value, true
	}
	return "", false
}

// Get returns the value stored under name or the empty string.
func (d *Dict) Get(name string) string {
	v, _ := d.Lookup(name)
	return v
}

// GetInt returns the value stored under name parsed as a decimal integer,
// or 0 when absent or malformed.
func (d *Dict) GetInt(name string) int {
	n, _ := strconv.Atoi(d.Get(name))
	return n
}

// Put stores value under name, replacing an existing entry in place so
// that the original position is kept.
func (d *Dict) Put(name, value string) {
	if i := d.find(name); i >= 0 {
		d.items[i].Value = value
		return
	}
	d.items = append(d.items, Item{Name: name, Value: value})
}

// Putf formats and stores a value under name.
func (d *Dict) Putf(name, format string, args ...any) {
	d.Put(name, fmt.Sprintf(format, args...))
}

// PutIdx stores value under "name[idx]".
func (d *Dict) PutIdx(name string, idx int, value string) {
	d.Put(fmt.Sprintf("%s[%d]", name, idx), value)
}

// Delete removes the entry stored under name, if any.
func (d *Dict) Delete(name string) {
	if i := d.find(name); i >= 0 {
		d.items = append(d.items[:i], d.items[i+1:]...)
	}
}

// AppendToLast appends text to the most recently inserted value, preceded
// by a newline.  This implements protocol line continuation.
func (d *Dict) AppendToLast(text string) bool {
	if len(d.items) == 0 {
		return false
	}
	d.items[len(d.items)-1].Value += "\n" + text
	return true
}

// Clone returns an independent copy of the dictionary.
func (d *Dict) Clone() *Dict {
	c := &Dict{items: make([]Item, d.Len())}
	copy(c.items, d.Items())
	return c
}

// IsInternalName reports whether name is internal, i.e. never sent to a
// client unless a handler asks for it explicitly.
func IsInternalName(name string) bool {
	return strings.HasPrefix(name, "_")
}

// IsVisibleName reports whether name is client visible.
func IsVisibleName(name string) bool {
	return name != "" && name[0] >= 'A' && name[0] <= 'Z'
}

// MetaName returns the key of a "Meta[key]" name, or "" when name is not a
// well-formed meta name.  Keys containing '=', '&', space or tab are not
// representable on the wire and are rejected.
func MetaName(name string) string {
	rest, ok := strings.CutPrefix(name, "Meta[")
	if !ok {
		return ""
	}
	key, ok := strings.CutSuffix(rest, "]")
	if !ok || key == "" {
		return ""
	}
	if strings.ContainsAny(key, "=& \t]") {
		return ""
	}
	return key
}
