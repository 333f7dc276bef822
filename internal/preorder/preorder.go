// Package preorder persists SEPA preorders in a small SQLite table.  A
// preorder is identified by a short human-typable reference the payer
// puts into the bank transfer subject; rows are never deleted so that
// the same reference keeps working for recurring transfers.
package preorder

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"

	"github.com/payproc/payprocd/internal/keyvalue"
	"github.com/payproc/payprocd/internal/payerr"
)

// refAlphabet is the 28 character alphabet for the reference.  Letters
// that OCR tends to misread are left out.  The first character is
// restricted to the leading 18 letters.
const refAlphabet = "ABCDEGHJKLNRSTWXYZ0123456789"

const refLetters = 18

// maxInsertRetries bounds re-minting on a primary key collision to
// roughly 0.1% of the key space.
const maxInsertRetries = 11000

// SQLite extended result codes for constraint violations.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

const dbTimeLayout = "2006-01-02 15:04:05"

// Store is the preorder database.  database/sql serializes access; the
// pool is pinned to a single connection because SQLite has one writer.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// Open opens or creates the preorder database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open preorder db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS preorder (
  ref      TEXT NOT NULL PRIMARY KEY,
  refnn    INTEGER NOT NULL,
  created  TEXT NOT NULL,
  paid     TEXT,
  npaid    INTEGER NOT NULL,
  amount   TEXT NOT NULL,
  currency TEXT NOT NULL,
  desc     TEXT,
  email    TEXT,
  meta     TEXT
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create preorder table: %w", err)
	}

	return &Store{db: db, log: log, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// makeRef mints a candidate "AAAAA-NN" reference.  There are about 11
// million values for the AAAAA part.
func makeRef() (string, error) {
	var nonce [6]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", payerr.New(payerr.CodeGeneral, "no entropy for Sepa-Ref")
	}
	var b [8]byte
	b[0] = refAlphabet[nonce[0]%refLetters]
	for i := 1; i < 5; i++ {
		b[i] = refAlphabet[nonce[i]%uint8(len(refAlphabet))]
	}
	b[5] = '-'
	nn := 10 + int(nonce[5])%90
	b[6] = byte('0' + nn/10)
	b[7] = byte('0' + nn%10)
	return string(b[:]), nil
}

// SplitRef splits a full "AAAAA-NN" reference into its primary key part
// and the numeric suffix.  The suffix may be absent.
func SplitRef(ref string) (key string, nn int, err error) {
	head, tail, hasNN := strings.Cut(ref, "-")
	if len(head) != 5 {
		return "", 0, payerr.New(payerr.CodeInvLength, "bad length of Sepa-Ref")
	}
	if !hasNN {
		return strings.ToUpper(head), 0, nil
	}
	if len(tail) != 2 || tail[0] < '0' || tail[0] > '9' || tail[1] < '0' || tail[1] > '9' {
		return "", 0, payerr.New(payerr.CodeInvValue, "bad Sepa-Ref suffix")
	}
	return strings.ToUpper(head), 10*int(tail[0]-'0') + int(tail[1]-'0'), nil
}

func isPrimaryKeyConflict(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqliteConstraintPrimaryKey || se.Code() == sqliteConstraintUnique
	}
	return false
}

// Insert stores a new preorder taken from dict (Amount, Desc, Email,
// Meta[*]; the currency is always EUR) and writes the minted reference
// back into dict as Sepa-Ref.
func (s *Store) Insert(dict *keyvalue.Dict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now().UTC().Format(dbTimeLayout)
	meta := keyvalue.MetaToString(dict)

	for retry := 0; retry < maxInsertRetries; retry++ {
		ref, err := makeRef()
		if err != nil {
			return err
		}
		dict.Put("Sepa-Ref", ref)

		key, nn, err := SplitRef(ref)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(
			"INSERT INTO preorder VALUES (?1,?2,?3,NULL,0,?4,?5,?6,?7,?8)",
			key, nn, created,
			dict.Get("Amount"), "EUR",
			dict.Get("Desc"), dict.Get("Email"), meta,
		)
		if err == nil {
			return nil
		}
		if !isPrimaryKeyConflict(err) {
			s.log.Error().Err(err).Msg("error inserting into preorder table")
			return payerr.New(payerr.CodeGeneral, "error storing preorder")
		}
	}
	return payerr.New(payerr.CodeLimitReached, "no free Sepa-Ref found")
}

// row is the column shape shared by Get, List and Update.
type row struct {
	ref      string
	refnn    int
	created  string
	paid     sql.NullString
	npaid    int
	amount   string
	currency string
	desc     sql.NullString
	email    sql.NullString
	meta     sql.NullString
}

func scanRow(sc interface{ Scan(...any) error }) (*row, error) {
	var r row
	err := sc.Scan(&r.ref, &r.refnn, &r.created, &r.paid, &r.npaid,
		&r.amount, &r.currency, &r.desc, &r.email, &r.meta)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *row) fullRef() string {
	return fmt.Sprintf("%s-%02d", r.ref, r.refnn)
}

// putColumns copies the row into dict.
func (r *row) putColumns(dict *keyvalue.Dict) {
	dict.Put("Sepa-Ref", r.fullRef())
	dict.Put("Created", r.created)
	dict.Put("Paid", r.paid.String)
	dict.Put("N-Paid", fmt.Sprintf("%d", r.npaid))
	dict.Put("Amount", r.amount)
	dict.Put("Currency", r.currency)
	dict.Put("Desc", r.desc.String)
	dict.Put("Email", r.email.String)
	if r.meta.String != "" {
		keyvalue.PutMeta(dict, r.meta.String)
	}
}

// formatLine renders the row as one pipe delimited line for LISTPREORDER
// replies.  Pipes inside fields are written as "=7C".
func (r *row) formatLine() string {
	esc := func(s string) string { return strings.ReplaceAll(s, "|", "=7C") }
	fields := []string{
		r.fullRef(), r.created, r.paid.String,
		fmt.Sprintf("%d", r.npaid), r.amount, r.currency,
		esc(r.desc.String), esc(r.email.String), esc(r.meta.String),
	}
	return "|" + strings.Join(fields, "|") + "|"
}

// Get fetches the preorder for the 5 character key of ref into dict.
func (s *Store) Get(ref string, dict *keyvalue.Dict) error {
	key, _, err := SplitRef(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := scanRow(s.db.QueryRow("SELECT * FROM preorder WHERE ref=?1", key))
	if errors.Is(err, sql.ErrNoRows) {
		return payerr.New(payerr.CodeNotFound, "no such preorder")
	}
	if err != nil {
		s.log.Error().Err(err).Msg("error selecting from preorder table")
		return payerr.New(payerr.CodeGeneral, "error reading preorder")
	}
	r.putColumns(dict)
	return nil
}

// List writes all preorders, newest first, into dict as D[0], D[1], ...
// and returns the row count.  A non-zero refnn restricts the listing to
// rows with that suffix, ordered by ref.
func (s *Store) List(refnn int, dict *keyvalue.Dict) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	var err error
	if refnn > 0 {
		rows, err = s.db.Query("SELECT * FROM preorder WHERE refnn=?1 ORDER BY ref", refnn)
	} else {
		rows, err = s.db.Query("SELECT * FROM preorder ORDER BY created DESC, refnn ASC")
	}
	if err != nil {
		s.log.Error().Err(err).Msg("error selecting from preorder table")
		return 0, payerr.New(payerr.CodeGeneral, "error listing preorders")
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return 0, payerr.New(payerr.CodeGeneral, "error reading preorder row")
		}
		dict.PutIdx("D", count, r.formatLine())
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, payerr.New(payerr.CodeGeneral, "error listing preorders")
	}
	return count, nil
}

// Update marks the preorder for ref as paid now and increments its
// payment counter, then refreshes dict with the stored row.
func (s *Store) Update(ref string, dict *keyvalue.Dict) error {
	key, _, err := SplitRef(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	paid := s.now().UTC().Format(dbTimeLayout)
	res, err := s.db.Exec(
		"UPDATE preorder SET paid = ?2, npaid = npaid + 1 WHERE ref=?1", key, paid)
	if err != nil {
		s.log.Error().Err(err).Msg("error updating preorder table")
		return payerr.New(payerr.CodeGeneral, "error updating preorder")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return payerr.New(payerr.CodeGeneral, "error updating preorder")
	}
	if n == 0 {
		return payerr.New(payerr.CodeNotFound, "no such preorder")
	}

	r, err := scanRow(s.db.QueryRow("SELECT * FROM preorder WHERE ref=?1", key))
	if err != nil {
		s.log.Error().Err(err).Msg("error re-reading preorder row")
		return payerr.New(payerr.CodeGeneral, "error reading preorder")
	}
	r.putColumns(dict)
	return nil
}
