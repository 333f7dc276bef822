// Package zb32 implements Zooko's human-oriented base-32 encoding as used
// for session and alias identifiers.
package zb32

import (
	"errors"
	"strings"
)

// Alphabet is the z-base-32 character set in encoding order.
const Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

var ErrInvalidChar = errors.New("zb32: invalid character")

// Index returns the alphabet position of c, accepting upper case as an
// alias, or -1 when c is not part of the alphabet.
func Index(c byte) int {
	if c >= 'A' && c <= 'Z' {
		c = c - 'A' + 'a'
	}
	return strings.IndexByte(Alphabet, c)
}

// Encode returns the z-base-32 encoding of the first nbits bits of data.
// Bits beyond nbits are treated as zero.
func Encode(data []byte, nbits int) string {
	if nbits < 0 || nbits > len(data)*8 {
		nbits = len(data) * 8
	}
	n := (nbits + 4) / 5
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var v uint
		for j := 0; j < 5; j++ {
			v <<= 1
			k := i*5 + j
			if k < nbits && data[k/8]&(0x80>>uint(k%8)) != 0 {
				v |= 1
			}
		}
		out[i] = Alphabet[v]
	}
	return string(out)
}

// Decode reverses Encode for inputs that encoded a whole number of bytes.
func Decode(s string) ([]byte, error) {
	var acc uint
	var have int
	out := make([]byte, 0, len(s)*5/8)
	for i := 0; i < len(s); i++ {
		idx := Index(s[i])
		if idx < 0 {
			return nil, ErrInvalidChar
		}
		acc = acc<<5 | uint(idx)
		have += 5
		if have >= 8 {
			out = append(out, byte(acc>>uint(have-8)))
			have -= 8
		}
	}
	return out, nil
}
