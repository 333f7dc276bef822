package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCapitalizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"amount", "Amount"},
		{"AMOUNT", "Amount"},
		{"card-number", "Card-Number"},
		{"sepa-ref", "Sepa-Ref"},
		{"meta[origin]", "Meta[origin]"},
		{"meta[MiXeD]", "Meta[MiXeD]"},
		{"paypal-xp", "Paypal-Xp"},
		{"x", "X"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CapitalizeName(tt.in); got != tt.want {
			t.Errorf("CapitalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadRequest(t *testing.T) {
	input := "CHARGECARD\n" +
		"amount: 10.42\n" +
		"# a comment line\n" +
		"currency:EUR\n" +
		"desc: first line\n" +
		" second line\n" +
		"\ttab continued\n" +
		"\n"
	cmd, dict, err := ReadRequest(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "CHARGECARD" {
		t.Errorf("command = %q", cmd)
	}
	if got := dict.Get("Amount"); got != "10.42" {
		t.Errorf("Amount = %q", got)
	}
	if got := dict.Get("Currency"); got != "EUR" {
		t.Errorf("Currency = %q", got)
	}
	if got := dict.Get("Desc"); got != "first line\nsecond line\ntab continued" {
		t.Errorf("Desc = %q", got)
	}
}

func TestReadRequestErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"eof before terminator", "CMD\nFoo: 1\n", ErrEOF},
		{"internal name", "CMD\n_sessid: x\n\n", ErrInvName},
		{"missing colon", "CMD\nFoo bar\n\n", ErrViolation},
		{"duplicate name", "CMD\nfoo: 1\nFOO: 2\n\n", ErrDupName},
		{"leading continuation", "CMD\n first\n\n", ErrViolation},
		{"overlong line", "CMD\nFoo: " + strings.Repeat("x", MaxLineLen) + "\n\n", ErrTruncated},
	}
	for _, tt := range tests {
		_, _, err := ReadRequest(bufio.NewReader(strings.NewReader(tt.input)))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

// unterminatedReader hands out an endless stream of 'x' bytes without
// ever producing a line feed.
type unterminatedReader struct{ n int }

func (r *unterminatedReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	r.n += len(p)
	return len(p), nil
}

func TestReadRequestCapsUnterminatedLine(t *testing.T) {
	src := &unterminatedReader{}
	_, _, err := ReadRequest(bufio.NewReader(src))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want %v", err, ErrTruncated)
	}
	// The reader must give up near the line cap instead of buffering
	// the stream indefinitely.
	if src.n > 16*MaxLineLen {
		t.Errorf("consumed %d bytes before giving up", src.n)
	}
}

func TestReadResponseKeepsNames(t *testing.T) {
	input := "OK ready\n_SESSID: abc\nStripe-Token: tok\n\n"
	status, dict, err := ReadResponse(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatal(err)
	}
	if status != "OK ready" {
		t.Errorf("status = %q", status)
	}
	if got := dict.Get("_SESSID"); got != "abc" {
		t.Errorf("_SESSID = %q", got)
	}
}

func TestWriterDataLine(t *testing.T) {
	tests := []struct{ value, want string }{
		{"simple", "Desc: simple\n"},
		{"two\nlines", "Desc: two\n lines\n"},
		{"trailing\n", "Desc: trailing\n"},
		{"a\n\nb", "Desc: a\n \n b\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		pw := NewWriter(&buf, zerolog.Nop())
		if err := pw.DataLine("Desc", tt.value); err != nil {
			t.Fatal(err)
		}
		if buf.String() != tt.want {
			t.Errorf("DataLine(%q) wrote %q, want %q", tt.value, buf.String(), tt.want)
		}
	}
}

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pw := NewWriter(&buf, zerolog.Nop())
	pw.OK("")
	pw.Comment("ignore me")
	pw.DataLine("Amount", "10.42")
	pw.DataLine("Desc", "first\nsecond")
	pw.End()

	status, dict, err := ReadResponse(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if status != "OK" {
		t.Errorf("status = %q", status)
	}
	if dict.Get("Amount") != "10.42" || dict.Get("Desc") != "first\nsecond" {
		t.Errorf("round trip dict = %+v", dict.Items())
	}
}

func TestWriterErr(t *testing.T) {
	var buf bytes.Buffer
	pw := NewWriter(&buf, zerolog.Nop())
	pw.Err(3, "Required value missing")
	pw.End()
	if got := buf.String(); got != "ERR 3 (Required value missing)\n\n" {
		t.Errorf("wrote %q", got)
	}
}
