package keyvalue

import (
	"strings"
	"testing"
)

func TestPutPreservesOrder(t *testing.T) {
	d := New()
	d.Put("Amount", "10.42")
	d.Put("Currency", "EUR")
	d.Put("Desc", "donation")
	d.Put("Amount", "11.00") // update keeps position

	want := []string{"Amount", "Currency", "Desc"}
	items := d.Items()
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, name := range want {
		if items[i].Name != name {
			t.Errorf("item %d = %q, want %q", i, items[i].Name, name)
		}
	}
	if d.Get("Amount") != "11.00" {
		t.Errorf("Amount = %q, want 11.00", d.Get("Amount"))
	}
}

func TestDelete(t *testing.T) {
	d := New()
	d.Put("Foo", "1")
	d.Put("Bar", "2")
	d.Delete("Foo")
	if _, ok := d.Lookup("Foo"); ok {
		t.Error("Foo still present after Delete")
	}
	if d.Len() != 1 || d.Get("Bar") != "2" {
		t.Error("Delete disturbed other entries")
	}
}

func TestNameClassification(t *testing.T) {
	tests := []struct {
		name              string
		internal, visible bool
	}{
		{"Amount", false, true},
		{"_amount", true, false},
		{"_SESSID", true, false},
		{"lower", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := IsInternalName(tt.name); got != tt.internal {
			t.Errorf("IsInternalName(%q) = %v", tt.name, got)
		}
		if got := IsVisibleName(tt.name); got != tt.visible {
			t.Errorf("IsVisibleName(%q) = %v", tt.name, got)
		}
	}
}

func TestMetaName(t *testing.T) {
	tests := []struct {
		name, want string
	}{
		{"Meta[origin]", "origin"},
		{"Meta[a]", "a"},
		{"Meta[]", ""},
		{"Meta[a=b]", ""},
		{"Meta[a b]", ""},
		{"Meta[a&b]", ""},
		{"Metadata", ""},
		{"Amount", ""},
	}
	for _, tt := range tests {
		if got := MetaName(tt.name); got != tt.want {
			t.Errorf("MetaName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestPercentRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"plain",
		"a:b&c=d",
		"100%",
		"line1\nline2\r\n",
		"space and\ttab",
		string([]byte{0, 1, 2, 0xff, '%', ':'}),
	}
	for _, in := range inputs {
		esc := PercentEscape(in)
		if strings.ContainsAny(esc, ":&\n\r") {
			t.Errorf("PercentEscape(%q) = %q still contains forbidden characters", in, esc)
		}
		if got := PercentUnescape(esc); got != in {
			t.Errorf("round trip of %q failed: %q", in, got)
		}
		if got := PercentUnescape(EscapeField(in)); got != in {
			t.Errorf("field round trip of %q failed: %q", in, got)
		}
	}
}

func TestMetaToString(t *testing.T) {
	d := New()
	d.Put("Amount", "5")
	d.Put("Meta[origin]", "web")
	d.Put("Meta[note]", "a&b=c")
	d.Put("Meta[empty]", "")
	d.Put("Meta[bad key]", "x")

	got := MetaToString(d)
	want := "origin=web&note=a%26b%3Dc"
	if got != want {
		t.Fatalf("MetaToString = %q, want %q", got, want)
	}

	back := New()
	PutMeta(back, got)
	if back.Get("Meta[origin]") != "web" || back.Get("Meta[note]") != "a&b=c" {
		t.Errorf("PutMeta round trip failed: %+v", back.Items())
	}
}
