// Package account persists per-payer account records.  The account id
// is the only value ever handed to a payment gateway; the gateway's own
// customer reference is stored encrypted so that a copy of the database
// alone does not link payers to gateway customers.
package account

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"

	"github.com/payproc/payprocd/internal/encrypt"
	"github.com/payproc/payprocd/internal/payerr"
)

// idAlphabet holds 31 characters; visually ambiguous letters are left
// out.  An id is 'A' followed by 14 of these, about 2^70 values.
const idAlphabet = "0123456789abcdefghkmnpqrstuwxyz"

const idLen = 15

const maxInsertRetries = 100

const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

const dbTimeLayout = "2006-01-02 15:04:05"

// Store is the account database.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	keys *encrypt.Keyring
	log  zerolog.Logger
	now  func() time.Time
}

// Open opens or creates the account database at path.  keys may be nil
// when no encryption keys are configured; updates then fail.
func Open(path string, keys *encrypt.Keyring, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open account db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS account (
  account_id TEXT NOT NULL PRIMARY KEY,
  email      TEXT,
  verified   INTEGER NOT NULL,
  created    TEXT NOT NULL,
  updated    TEXT NOT NULL,
  customer   TEXT,
  meta       TEXT
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create account table: %w", err)
	}

	return &Store{db: db, keys: keys, log: log, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func makeAccountID() (string, error) {
	var nonce [idLen - 1]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", payerr.New(payerr.CodeGeneral, "no entropy for account id")
	}
	b := make([]byte, idLen)
	b[0] = 'A'
	for i, n := range nonce {
		b[1+i] = idAlphabet[int(n)%len(idAlphabet)]
	}
	return string(b), nil
}

func isConflict(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqliteConstraintPrimaryKey || se.Code() == sqliteConstraintUnique
	}
	return false
}

// NewRecord mints an account id and inserts a fresh unverified row.
func (s *Store) NewRecord() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Format(dbTimeLayout)
	for retry := 0; retry < maxInsertRetries; retry++ {
		id, err := makeAccountID()
		if err != nil {
			return "", err
		}
		_, err = s.db.Exec(
			"INSERT INTO account (account_id, verified, created, updated) VALUES (?1,0,?2,?3)",
			id, now, now)
		if err == nil {
			return id, nil
		}
		if !isConflict(err) {
			s.log.Error().Err(err).Msg("error inserting into account table")
			return "", payerr.New(payerr.CodeGeneral, "error creating account")
		}
	}
	return "", payerr.New(payerr.CodeLimitReached, "no free account id found")
}

// Update stores the gateway customer reference, encrypted to both the
// database and the backoffice key, plus the payer's mail address.
func (s *Store) Update(accountID, customerRef, email string) error {
	if accountID == "" {
		return payerr.New(payerr.CodeMissingValue, "account id missing")
	}
	if customerRef == "" {
		return payerr.New(payerr.CodeMissingValue, "customer reference missing")
	}
	if s.keys == nil {
		return payerr.New(payerr.CodeGeneral, "no encryption keys configured")
	}
	enc, err := s.keys.Encrypt(customerRef, encrypt.ToDatabase|encrypt.ToBackoffice)
	if err != nil {
		s.log.Error().Err(err).Msg("encrypting the customer reference failed")
		return payerr.New(payerr.CodeGeneral, "error protecting customer reference")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE account SET updated = ?2, customer = ?3, email = ?4 WHERE account_id=?1",
		accountID, s.now().UTC().Format(dbTimeLayout), enc, email)
	if err != nil {
		s.log.Error().Err(err).Msg("error updating account table")
		return payerr.New(payerr.CodeGeneral, "error updating account")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return payerr.New(payerr.CodeGeneral, "error updating account")
	}
	if n == 0 {
		return payerr.New(payerr.CodeNotFound, "no such account")
	}
	return nil
}

// Record is one account row with the customer reference decrypted.
type Record struct {
	AccountID   string
	Email       string
	Verified    bool
	Created     string
	Updated     string
	CustomerRef string
}

// Get fetches and decrypts the account row for id.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.Lock()
	var (
		rec      Record
		email    sql.NullString
		verified int
		customer sql.NullString
		meta     sql.NullString
	)
	err := s.db.QueryRow("SELECT * FROM account WHERE account_id=?1", id).
		Scan(&rec.AccountID, &email, &verified, &rec.Created, &rec.Updated, &customer, &meta)
	s.mu.Unlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, payerr.New(payerr.CodeNotFound, "no such account")
	}
	if err != nil {
		s.log.Error().Err(err).Msg("error selecting from account table")
		return nil, payerr.New(payerr.CodeGeneral, "error reading account")
	}
	rec.Email = email.String
	rec.Verified = verified != 0
	if customer.String != "" {
		if s.keys == nil {
			return nil, payerr.New(payerr.CodeGeneral, "no encryption keys configured")
		}
		plain, err := s.keys.Decrypt(customer.String)
		if err != nil {
			s.log.Error().Err(err).Msg("decrypting the customer reference failed")
			return nil, payerr.New(payerr.CodeGeneral, "error reading customer reference")
		}
		rec.CustomerRef = plain
	}
	return &rec, nil
}
