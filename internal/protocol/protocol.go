// Package protocol implements the line-oriented dictionary protocol
// spoken on the Unix socket.  A request and a response share one shape: a
// status line, any number of "Name: value" data lines with optional
// continuation lines, terminated by an empty line.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/keyvalue"
)

// MaxLineLen is the maximum accepted length of a single line in octets,
// including the trailing LF.
const MaxLineLen = 2048

var (
	ErrTruncated = errors.New("protocol: line too long")
	ErrEOF       = errors.New("protocol: unexpected EOF")
	ErrViolation = errors.New("protocol: violation")
	ErrInvName   = errors.New("protocol: invalid name")
	ErrDupName   = errors.New("protocol: duplicate name")
)

// CapitalizeName normalizes a data line name to its standard form: the
// first letter and the first letter after each '-' are uppercased, other
// letters lowercased.  Text inside matching brackets is copied verbatim.
func CapitalizeName(name string) string {
	out := []byte(name)
	first := true
	bracket := 0
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case bracket > 0:
			if c == ']' {
				bracket--
			}
		case c == '[':
			bracket++
		case c == '-':
			first = true
		case first:
			if c >= 'a' && c <= 'z' {
				out[i] = c - 'a' + 'A'
			}
			first = false
		case c >= 'A' && c <= 'Z':
			out[i] = c - 'A' + 'a'
		}
	}
	return string(out)
}

// readLine reads one LF terminated line, strips the line ending (an
// optional CR before the LF is removed too) and enforces MaxLineLen.
// The cap is checked while reading, so a peer streaming bytes without
// ever sending a LF cannot grow the buffer without bound.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		frag, err := r.ReadSlice('\n')
		buf = append(buf, frag...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > MaxLineLen {
				return "", ErrTruncated
			}
			continue
		}
		if err == io.EOF {
			return "", ErrEOF
		}
		return "", err
	}
	if len(buf) > MaxLineLen {
		return "", ErrTruncated
	}
	line := strings.TrimSuffix(string(buf), "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// storeDataLine parses one data line into dict.  With filter set, names
// are capitalized and internal names are rejected; this is the request
// side.  Response parsing keeps names verbatim.
func storeDataLine(line string, filter bool, dict *keyvalue.Dict) error {
	if line[0] == ' ' || line[0] == '\t' {
		// Continuation of the previous value.
		if !dict.AppendToLast(line[1:]) {
			return ErrViolation
		}
		return nil
	}

	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return ErrViolation
	}
	if filter {
		name = CapitalizeName(name)
		if name == "" || name[0] < 'A' || name[0] > 'Z' {
			return ErrInvName
		}
	}
	value = strings.TrimLeft(value, " \t")
	if _, exists := dict.Lookup(name); exists {
		return ErrDupName
	}
	dict.Put(name, value)
	return nil
}

// readData reads a status line plus data lines up to the terminating
// empty line.  Comment lines starting with '#' are skipped.
func readData(r *bufio.Reader, filter bool) (string, *keyvalue.Dict, error) {
	status, err := readLine(r)
	if err != nil {
		return "", nil, err
	}

	dict := keyvalue.New()
	for {
		line, err := readLine(r)
		if err != nil {
			return "", nil, err
		}
		if line == "" {
			return status, dict, nil
		}
		if line[0] == '#' {
			continue
		}
		if err := storeDataLine(line, filter, dict); err != nil {
			return "", nil, err
		}
	}
}

// ReadRequest reads a client request: the command line and the data item
// dictionary.  Names are normalized and internal names rejected.
func ReadRequest(r *bufio.Reader) (command string, dict *keyvalue.Dict, err error) {
	return readData(r, true)
}

// ReadResponse reads a server response, preserving names verbatim.  The
// returned status is the raw first line ("OK ..." or "ERR N (...)").
func ReadResponse(r *bufio.Reader) (status string, dict *keyvalue.Dict, err error) {
	return readData(r, false)
}

// Writer emits protocol messages.  Every line can be echoed to a debug
// logger so interleaved connections remain attributable.
type Writer struct {
	w   io.Writer
	log zerolog.Logger
}

// NewWriter returns a Writer emitting to w and echoing lines to log at
// debug level.
func NewWriter(w io.Writer, log zerolog.Logger) *Writer {
	return &Writer{w: w, log: log}
}

func (pw *Writer) line(s string) error {
	pw.log.Debug().Str("dir", "out").Msg(s)
	_, err := io.WriteString(pw.w, s+"\n")
	return err
}

// Status writes the status line.
func (pw *Writer) Status(format string, args ...any) error {
	return pw.line(fmt.Sprintf(format, args...))
}

// OK writes an "OK" status line with optional text.
func (pw *Writer) OK(text string) error {
	if text == "" {
		return pw.line("OK")
	}
	return pw.line("OK " + text)
}

// Err writes an "ERR N (desc)" status line.
func (pw *Writer) Err(code int, desc string) error {
	return pw.line(fmt.Sprintf("ERR %d (%s)", code, desc))
}

// Comment writes a '#' comment line.
func (pw *Writer) Comment(text string) error {
	return pw.line("# " + text)
}

// DataLine writes one data line, rendering embedded newlines as
// continuation lines.  A trailing newline in the value is dropped.
func (pw *Writer) DataLine(name, value string) error {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(": ")
	for i := 0; i < len(value); i++ {
		if value[i] == '\n' {
			if i+1 < len(value) {
				b.WriteString("\n ")
			}
		} else {
			b.WriteByte(value[i])
		}
	}
	return pw.line(b.String())
}

// End writes the terminating empty line.
func (pw *Writer) End() error {
	_, err := io.WriteString(pw.w, "\n")
	return err
}
