package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/keyvalue"
)

func testWriter(t *testing.T) (*Writer, string, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	w := New(filepath.Join(dir, "journal"), nil, zerolog.Nop())
	now := time.Date(2026, 8, 24, 14, 30, 5, 0, time.UTC)
	w.now = func() time.Time { return now }
	w.exit = func() { t.Fatal("journal writer called exit") }
	t.Cleanup(func() { w.Close() })
	return w, dir, &now
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestChargeRecordLayout(t *testing.T) {
	w, dir, _ := testWriter(t)

	d := keyvalue.New()
	d.Put("Live", "t")
	d.Put("Currency", "EUR")
	d.Put("Amount", "10.42")
	d.Put("Desc", "donation: for gpg") // colon must be escaped
	d.Put("Email", "payer@example.org")
	d.Put("Meta[origin]", "web")
	d.Put("Last4", "4242")
	d.Put("Charge-Id", "ch_123")
	d.Put("balance-transaction", "txn_456")
	w.StoreChargeRecord(d, ServiceStripe)

	lines := readLines(t, filepath.Join(dir, "journal-20260824.log"))
	if len(lines) != 1 {
		t.Fatalf("got %d lines", len(lines))
	}
	fields := strings.Split(lines[0], ":")
	if len(fields) != 15 {
		t.Fatalf("got %d fields, want 15: %q", len(fields), lines[0])
	}
	want := []string{
		"20260824T143005", "C", "1", "eur", "10.42",
		"donation%3A for gpg", "payer@example.org", "origin=web",
		"4242", "1", "", "ch_123", "txn_456", "", "",
	}
	for i, wf := range want {
		if fields[i] != wf {
			t.Errorf("field %d = %q, want %q", i, fields[i], wf)
		}
	}
}

func TestSysRecord(t *testing.T) {
	w, dir, _ := testWriter(t)
	w.StoreSysRecord("payprocd started")

	lines := readLines(t, filepath.Join(dir, "journal-20260824.log"))
	fields := strings.Split(lines[0], ":")
	if len(fields) != 15 {
		t.Fatalf("got %d fields, want 15: %q", len(fields), lines[0])
	}
	if fields[1] != "$" || fields[5] != "payprocd started" {
		t.Errorf("unexpected sys record: %q", lines[0])
	}
}

func TestDailyRotation(t *testing.T) {
	w, dir, now := testWriter(t)
	w.StoreSysRecord("day one")

	*now = now.Add(24 * time.Hour)
	w.StoreSysRecord("day two")
	w.StoreSysRecord("day two again")

	one := readLines(t, filepath.Join(dir, "journal-20260824.log"))
	two := readLines(t, filepath.Join(dir, "journal-20260825.log"))
	if len(one) != 1 || len(two) != 2 {
		t.Errorf("rotation split = %d/%d, want 1/2", len(one), len(two))
	}
}

func TestDisabledJournal(t *testing.T) {
	w := New("", nil, zerolog.Nop())
	w.exit = func() { t.Fatal("disabled journal must not exit") }
	w.StoreSysRecord("ignored")
}

func TestEscapedNewlinesStayOneLine(t *testing.T) {
	w, dir, _ := testWriter(t)
	d := keyvalue.New()
	d.Put("Desc", "line1\nline2\r")
	d.Put("Currency", "USD")
	d.Put("Amount", "5")
	w.StoreChargeRecord(d, ServicePayPal)

	lines := readLines(t, filepath.Join(dir, "journal-20260824.log"))
	if len(lines) != 1 {
		t.Fatalf("record split across %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "line1%0Aline2%0D") {
		t.Errorf("newline escaping missing: %q", lines[0])
	}
}
