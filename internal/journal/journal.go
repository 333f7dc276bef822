// Package journal appends one line per transaction to a daily rotated
// log file.  Fields are colon delimited and percent escaped so that
// records can be split with standard Unix tools.  Records may arrive
// slightly out of wall-clock order; the daily file is therefore chosen
// by the record's own timestamp, not by write time.
package journal

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/currency"
	"github.com/payproc/payprocd/internal/keyvalue"
	"github.com/payproc/payprocd/internal/metrics"
)

// Service tags the payment gateway a record belongs to.
type Service int

const (
	ServiceNone   Service = 0
	ServiceStripe Service = 1
	ServicePayPal Service = 2
	ServiceSEPA   Service = 3
	ServiceManual Service = 255
)

// Record types.
const (
	TypeSync   = '-'
	TypeSystem = '$'
	TypeCharge = 'C'
	TypeRefund = 'R'
)

// Writer owns the journal file.  A failed write stops the process: a
// charge that went through but was not journaled is worse than a down
// service, so the operator's policy is to exit with status 4.
type Writer struct {
	mu       sync.Mutex
	basename string
	f        *os.File
	fullname string
	suffix   string
	rates    *currency.Rates
	log      zerolog.Logger
	now      func() time.Time
	exit     func()
}

// New returns a journal writer rotating over <basename>-YYYYMMDD.log.
// An empty basename disables journaling.  rates may be nil; then the
// euro field stays empty.
func New(basename string, rates *currency.Rates, log zerolog.Logger) *Writer {
	return &Writer{
		basename: basename,
		rates:    rates,
		log:      log,
		now:      time.Now,
		exit:     func() { os.Exit(4) },
	}
}

// Close closes the currently open journal file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// write commits one composed record line.  The first eight characters
// of the line are the date and select the daily file.
func (w *Writer) write(typ byte, line string) {
	if w.basename == "" {
		return
	}
	metrics.JournalRecords.WithLabelValues(string(typ)).Inc()

	w.mu.Lock()
	defer w.mu.Unlock()

	suffix := line[:8]
	if w.f == nil || suffix != w.suffix {
		if w.f != nil {
			if err := w.f.Close(); err != nil {
				w.log.Error().Err(err).Str("file", w.fullname).Msg("error closing journal")
				w.exit()
				return
			}
		}
		w.suffix = suffix
		w.fullname = w.basename + "-" + suffix + ".log"
		f, err := os.OpenFile(w.fullname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			w.log.Error().Err(err).Str("file", w.fullname).Msg("error opening journal")
			w.exit()
			return
		}
		w.f = f
	}

	if _, err := w.f.WriteString(line + "\n"); err != nil {
		w.log.Error().Err(err).Str("file", w.fullname).Msg("error writing journal")
		w.exit()
	}
}

func (w *Writer) timestamp() string {
	return w.now().UTC().Format("20060102T150405")
}

// field returns s percent escaped for use as one journal field.
func field(s string) string {
	return keyvalue.EscapeField(s)
}

// compose renders the fixed 15 field layout:
//
//	date:type:live:currency:amount:desc:mail:meta:last4:service:account:chargeid:txid:rtxid:euro
func (w *Writer) compose(ts string, typ byte, live bool, dict *keyvalue.Dict, service Service) string {
	curr := strings.ToLower(dict.Get("Currency"))
	amount := dict.Get("Amount")
	euro := ""
	if w.rates != nil && curr != "" {
		euro = w.rates.ConvertToEuro(curr, amount)
	}
	livefld := "0"
	if live {
		livefld = "1"
	}
	fields := []string{
		ts,
		string(typ),
		livefld,
		field(curr),
		field(amount),
		field(dict.Get("Desc")),
		field(dict.Get("Email")),
		keyvalue.MetaToString(dict),
		field(dict.Get("Last4")),
		fmt.Sprintf("%d", service),
		field(dict.Get("Account-Id")),
		field(dict.Get("Charge-Id")),
		field(dict.Get("balance-transaction")),
		field(dict.Get("Recur-Id")),
		field(euro),
	}
	return strings.Join(fields, ":")
}

func isLive(dict *keyvalue.Dict) bool {
	v := dict.Get("Live")
	return v != "" && (v[0] == 't' || v[0] == 'T' || v[0] == '1')
}

// StoreSysRecord writes a system record carrying text in the desc field.
func (w *Writer) StoreSysRecord(text string) {
	d := keyvalue.New()
	d.Put("Desc", text)
	w.write(TypeSystem, w.compose(w.timestamp(), TypeSystem, false, d, ServiceNone))
}

// StoreChargeRecord writes a charge record.  The record's timestamp is
// put into dict as "_timestamp" so the caller can return it to the
// client.  There is no error return: the transaction has already
// happened and a record that cannot be written stops the process
// instead.
func (w *Writer) StoreChargeRecord(dict *keyvalue.Dict, service Service) {
	ts := w.timestamp()
	dict.Put("_timestamp", ts)
	w.write(TypeCharge, w.compose(ts, TypeCharge, isLive(dict), dict, service))
}

// StoreRefundRecord writes a refund record for a previous charge.
func (w *Writer) StoreRefundRecord(dict *keyvalue.Dict, service Service) {
	ts := w.timestamp()
	dict.Put("_timestamp", ts)
	w.write(TypeRefund, w.compose(ts, TypeRefund, isLive(dict), dict, service))
}
