package account

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/encrypt"
	"github.com/payproc/payprocd/internal/payerr"
)

var idPattern = regexp.MustCompile(`^A[0-9a-z]{14}$`)

func testKeyring(t *testing.T) *encrypt.Keyring {
	t.Helper()
	entity, err := openpgp.NewEntity("payproc test", "", "test@example.org", nil)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := entity.SerializePrivate(aw, nil); err != nil {
		t.Fatal(err)
	}
	aw.Close()

	path := filepath.Join(t.TempDir(), "key.asc")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	// The same key serves as backoffice key in tests.
	k, err := encrypt.LoadKeys(path, path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "account.db"), testKeyring(t), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRecord(t *testing.T) {
	s := testStore(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := s.NewRecord()
		if err != nil {
			t.Fatal(err)
		}
		if !idPattern.MatchString(id) {
			t.Fatalf("account id %q malformed", id)
		}
		if seen[id] {
			t.Fatalf("duplicate account id %q", id)
		}
		seen[id] = true
	}
}

func TestUpdateAndGet(t *testing.T) {
	s := testStore(t)
	id, err := s.NewRecord()
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Update(id, "cus_4242", "payer@example.org"); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CustomerRef != "cus_4242" {
		t.Errorf("CustomerRef = %q", rec.CustomerRef)
	}
	if rec.Email != "payer@example.org" {
		t.Errorf("Email = %q", rec.Email)
	}
	if rec.Verified {
		t.Error("fresh account must be unverified")
	}
}

func TestCustomerRefStoredEncrypted(t *testing.T) {
	s := testStore(t)
	id, _ := s.NewRecord()
	if err := s.Update(id, "cus_secret", ""); err != nil {
		t.Fatal(err)
	}

	var raw string
	if err := s.db.QueryRow("SELECT customer FROM account WHERE account_id=?1", id).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw == "cus_secret" {
		t.Fatal("customer reference stored in the clear")
	}
	if !regexp.MustCompile(`BEGIN PGP MESSAGE`).MatchString(raw) {
		t.Errorf("stored column is not an armored message: %.40q", raw)
	}
}

func TestUpdateErrors(t *testing.T) {
	s := testStore(t)

	var pe *payerr.Error
	err := s.Update("Axxxxxxxxxxxxxx", "cus_1", "")
	if !errors.As(err, &pe) || pe.Code != payerr.CodeNotFound {
		t.Errorf("unknown account update = %v, want NOT_FOUND", err)
	}
	err = s.Update("", "cus_1", "")
	if !errors.As(err, &pe) || pe.Code != payerr.CodeMissingValue {
		t.Errorf("empty account id = %v, want MISSING_VALUE", err)
	}
	err = s.Update("Axxxxxxxxxxxxxx", "", "")
	if !errors.As(err, &pe) || pe.Code != payerr.CodeMissingValue {
		t.Errorf("empty customer ref = %v, want MISSING_VALUE", err)
	}
}
