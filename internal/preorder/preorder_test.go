package preorder

import (
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/keyvalue"
	"github.com/payproc/payprocd/internal/payerr"
)

var refPattern = regexp.MustCompile(`^[A-Z0-9]{5}-[0-9]{2}$`)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "preorder.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMakeRef(t *testing.T) {
	for i := 0; i < 200; i++ {
		ref, err := makeRef()
		if err != nil {
			t.Fatal(err)
		}
		if !refPattern.MatchString(ref) {
			t.Fatalf("ref %q does not match the Sepa-Ref format", ref)
		}
		if ref[0] >= '0' && ref[0] <= '9' {
			t.Fatalf("ref %q starts with a digit", ref)
		}
		for _, c := range ref[:5] {
			if c != '-' && !regexp.MustCompile(`[ABCDEGHJKLNRSTWXYZ0-9]`).MatchString(string(c)) {
				t.Fatalf("ref %q uses a character outside the alphabet", ref)
			}
		}
	}
}

func TestSplitRef(t *testing.T) {
	tests := []struct {
		in   string
		key  string
		nn   int
		fail bool
	}{
		{"ABCDE-42", "ABCDE", 42, false},
		{"abcde-42", "ABCDE", 42, false},
		{"ABCDE", "ABCDE", 0, false},
		{"ABCD-42", "", 0, true},
		{"ABCDEF-42", "", 0, true},
		{"ABCDE-4x", "", 0, true},
		{"ABCDE-421", "", 0, true},
	}
	for _, tt := range tests {
		key, nn, err := SplitRef(tt.in)
		if tt.fail {
			if err == nil {
				t.Errorf("SplitRef(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil || key != tt.key || nn != tt.nn {
			t.Errorf("SplitRef(%q) = %q, %d, %v", tt.in, key, nn, err)
		}
	}
}

func TestInsertAndGet(t *testing.T) {
	s := testStore(t)

	d := keyvalue.New()
	d.Put("Amount", "20.00")
	d.Put("Desc", "test")
	d.Put("Email", "payer@example.org")
	d.Put("Meta[origin]", "web")
	if err := s.Insert(d); err != nil {
		t.Fatal(err)
	}
	ref := d.Get("Sepa-Ref")
	if !refPattern.MatchString(ref) {
		t.Fatalf("Sepa-Ref %q malformed", ref)
	}

	out := keyvalue.New()
	if err := s.Get(ref, out); err != nil {
		t.Fatal(err)
	}
	if out.Get("Sepa-Ref") != ref {
		t.Errorf("Sepa-Ref = %q, want %q", out.Get("Sepa-Ref"), ref)
	}
	if out.Get("Amount") != "20.00" || out.Get("Currency") != "EUR" {
		t.Errorf("amount/currency = %q/%q", out.Get("Amount"), out.Get("Currency"))
	}
	if out.Get("N-Paid") != "0" || out.Get("Paid") != "" {
		t.Errorf("fresh row paid state = %q/%q", out.Get("N-Paid"), out.Get("Paid"))
	}
	if out.Get("Meta[origin]") != "web" {
		t.Errorf("meta not restored: %+v", out.Items())
	}
}

func TestInsertUniqueness(t *testing.T) {
	s := testStore(t)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		d := keyvalue.New()
		d.Put("Amount", "1.00")
		if err := s.Insert(d); err != nil {
			t.Fatal(err)
		}
		ref := d.Get("Sepa-Ref")
		if seen[ref] {
			t.Fatalf("duplicate Sepa-Ref %q", ref)
		}
		seen[ref] = true

		out := keyvalue.New()
		if err := s.Get(ref, out); err != nil {
			t.Errorf("row for %q not retrievable: %v", ref, err)
		}
	}
}

func TestUpdate(t *testing.T) {
	s := testStore(t)
	s.now = func() time.Time {
		return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	}

	d := keyvalue.New()
	d.Put("Amount", "20.00")
	if err := s.Insert(d); err != nil {
		t.Fatal(err)
	}
	ref := d.Get("Sepa-Ref")

	out := keyvalue.New()
	if err := s.Update(ref, out); err != nil {
		t.Fatal(err)
	}
	if out.Get("N-Paid") != "1" {
		t.Errorf("N-Paid = %q after first commit", out.Get("N-Paid"))
	}
	if out.Get("Paid") != "2026-08-24 10:00:00" {
		t.Errorf("Paid = %q", out.Get("Paid"))
	}

	// A second commit increments again; the row is never deleted.
	out2 := keyvalue.New()
	if err := s.Update(ref, out2); err != nil {
		t.Fatal(err)
	}
	if out2.Get("N-Paid") != "2" {
		t.Errorf("N-Paid = %q after second commit", out2.Get("N-Paid"))
	}

	var pe *payerr.Error
	err := s.Update("ZZZZZ-99", keyvalue.New())
	if !errors.As(err, &pe) || pe.Code != payerr.CodeNotFound {
		t.Errorf("update of unknown ref = %v, want NOT_FOUND", err)
	}
}

func TestList(t *testing.T) {
	s := testStore(t)

	for i, desc := range []string{"first", "second", "with|pipe"} {
		d := keyvalue.New()
		d.Put("Amount", "5.00")
		d.Put("Desc", desc)
		if err := s.Insert(d); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	out := keyvalue.New()
	n, err := s.List(0, out)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
	for i := 0; i < n; i++ {
		line := out.Get("D[" + string(rune('0'+i)) + "]")
		if line == "" || line[0] != '|' || line[len(line)-1] != '|' {
			t.Errorf("D[%d] = %q not pipe delimited", i, line)
		}
	}

	// The pipe inside a field must be encoded.
	found := false
	for _, it := range out.Items() {
		if regexp.MustCompile(`with=7Cpipe`).MatchString(it.Value) {
			found = true
		}
		if regexp.MustCompile(`with\|pipe`).MatchString(it.Value) {
			t.Errorf("unescaped pipe in %q", it.Value)
		}
	}
	if !found {
		t.Error("escaped pipe field missing from listing")
	}
}
