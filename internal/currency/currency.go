// Package currency holds the closed set of supported currencies, the
// conversion between display amounts and smallest-unit integers, and the
// Euro exchange rates loaded from the euroxref file.
package currency

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Info describes one supported currency.
type Info struct {
	Code      string
	DecDigits int
	Desc      string
}

// The supported currencies.  EUR must be the first entry.
var table = []Info{
	{"EUR", 2, "Euro"},
	{"USD", 2, "US Dollar"},
	{"GBP", 2, "British Pound"},
	{"JPY", 0, "Yen"},
}

// Valid reports whether code names a supported currency and returns the
// number of post decimal digits for it.  The match is case insensitive.
func Valid(code string) (decdigits int, ok bool) {
	for _, c := range table {
		if strings.EqualFold(code, c.Code) {
			return c.DecDigits, true
		}
	}
	return 0, false
}

// List returns the table of supported currencies.
func List() []Info {
	return table
}

// ConvertAmount checks the amount given in s and converts it to the
// smallest currency unit.  decdigits gives the number of allowed post
// decimal positions.  Returns 0 on any error: a sign other than an
// optional leading plus, more than one decimal point, excess fractional
// digits, or overflow.
func ConvertAmount(s string, decdigits int) uint {
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return 0
	}
	var value uint
	ndots := 0
	nfrac := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.':
			if decdigits == 0 {
				return 0
			}
			ndots++
			if ndots > 1 {
				return 0
			}
		case c < '0' || c > '9':
			return 0
		default:
			if ndots > 0 {
				nfrac++
				if nfrac > decdigits {
					return 0
				}
			}
			v := 10*value + uint(c-'0')
			if v < value || v > 1<<32-1 {
				return 0
			}
			value = v
		}
	}
	for ; nfrac < decdigits; nfrac++ {
		v := 10 * value
		if v < value || v > 1<<32-1 {
			return 0
		}
		value = v
	}
	return value
}

// ReconvertAmount renders an amount in the smallest currency unit back to
// its display form with decdigits post decimal positions.
func ReconvertAmount(cents uint, decdigits int) string {
	if decdigits <= 0 {
		return strconv.FormatUint(uint64(cents), 10)
	}
	tens := uint(1)
	for i := 0; i < decdigits; i++ {
		tens *= 10
	}
	return fmt.Sprintf("%d.%0*d", cents/tens, decdigits, cents%tens)
}

// Rates caches the Euro exchange rates read from the euroxref file.  A
// cron job refreshes that file; the daemon reloads it about once an hour.
type Rates struct {
	mu    sync.Mutex
	path  string
	rates map[string]float64
	log   zerolog.Logger
}

// NewRates returns a rate cache reading from path.  EUR is always 1.
func NewRates(path string, log zerolog.Logger) *Rates {
	r := &Rates{
		path:  path,
		rates: map[string]float64{"EUR": 1.0},
		log:   log,
	}
	return r
}

// Get returns the exchange rate to Euro for code, or 0 when unknown.
func (r *Rates) Get(code string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rates[strings.ToUpper(code)]
}

// Reload re-reads the euroxref file.  Lines have the form "CUR RATE";
// '#' starts a comment.  Unknown currencies are ignored.
func (r *Rates) Reload() error {
	if r.path == "" {
		return nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open exchange rate file: %w", err)
	}
	defer f.Close()

	fresh := map[string]float64{"EUR": 1.0}
	sc := bufio.NewScanner(f)
	lnr := 0
	for sc.Scan() {
		lnr++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(line, "=", " "))
		if len(fields) < 2 {
			r.log.Warn().Str("file", r.path).Int("line", lnr).Msg("invalid exchange rate line")
			continue
		}
		code := strings.ToUpper(fields[0])
		if _, ok := Valid(code); !ok {
			continue
		}
		rate, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || rate <= 0 {
			r.log.Warn().Str("file", r.path).Int("line", lnr).Msg("invalid exchange rate value")
			continue
		}
		fresh[code] = rate
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read exchange rate file: %w", err)
	}

	r.mu.Lock()
	r.rates = fresh
	r.mu.Unlock()
	r.log.Info().Int("currencies", len(fresh)).Msg("exchange rates loaded")
	return nil
}

// ConvertToEuro converts a display amount in currency code to its Euro
// equivalent, returning "" when no rate is known.  The result is rounded
// to two decimal digits.
func (r *Rates) ConvertToEuro(code, amount string) string {
	rate := r.Get(code)
	if rate <= 0 {
		return ""
	}
	decdigits, ok := Valid(code)
	if !ok {
		return ""
	}
	cents := ConvertAmount(amount, decdigits)
	if cents == 0 {
		return ""
	}
	tens := 1.0
	for i := 0; i < decdigits; i++ {
		tens *= 10
	}
	euro := float64(cents) / tens / rate
	return fmt.Sprintf("%.2f", euro)
}
