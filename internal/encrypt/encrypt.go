// Package encrypt wraps the OpenPGP primitive used to protect gateway
// customer references and meta data at rest.  Two audiences exist: the
// database key (a secret key held by the daemon) and the backoffice key
// (public only).  Sensitive columns are encrypted to both so that the
// backoffice can read them without access to the daemon's key.
package encrypt

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/rs/zerolog"
)

// Audience selects the keys a string is encrypted to.
type Audience int

const (
	ToDatabase Audience = 1 << iota
	ToBackoffice
)

const messageType = "PGP MESSAGE"

// Keyring holds the resolved encryption keys.
type Keyring struct {
	database   openpgp.EntityList
	backoffice openpgp.EntityList
	log        zerolog.Logger
}

func loadKeyFile(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return openpgp.ReadArmoredKeyRing(f)
}

// LoadKeys reads the armored database and backoffice keys.  Either path
// may be empty; encryption to a missing audience fails later.
func LoadKeys(databasePath, backofficePath string, log zerolog.Logger) (*Keyring, error) {
	k := &Keyring{log: log}

	if databasePath != "" {
		el, err := loadKeyFile(databasePath)
		if err != nil {
			return nil, fmt.Errorf("load database key: %w", err)
		}
		if el[0].PrivateKey == nil {
			return nil, fmt.Errorf("database key %s has no secret part", databasePath)
		}
		k.database = el
		log.Info().Str("key", el[0].PrimaryKey.KeyIdString()).Msg("database key ready")
	}
	if backofficePath != "" {
		el, err := loadKeyFile(backofficePath)
		if err != nil {
			return nil, fmt.Errorf("load backoffice key: %w", err)
		}
		k.backoffice = el
		log.Info().Str("key", el[0].PrimaryKey.KeyIdString()).Msg("backoffice key ready")
	}
	return k, nil
}

func (k *Keyring) recipients(to Audience) ([]*openpgp.Entity, error) {
	var out []*openpgp.Entity
	if to&ToDatabase != 0 {
		if len(k.database) == 0 {
			return nil, fmt.Errorf("database key not configured")
		}
		out = append(out, k.database[0])
	}
	if to&ToBackoffice != 0 {
		if len(k.backoffice) == 0 {
			return nil, fmt.Errorf("backoffice key not configured")
		}
		out = append(out, k.backoffice[0])
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no audience selected")
	}
	return out, nil
}

// Encrypt returns plaintext encrypted and armored for the audiences in
// to.
func (k *Keyring) Encrypt(plaintext string, to Audience) (string, error) {
	rcpts, err := k.recipients(to)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, messageType, nil)
	if err != nil {
		return "", fmt.Errorf("armor: %w", err)
	}
	pw, err := openpgp.Encrypt(aw, rcpts, nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if _, err := io.WriteString(pw, plaintext); err != nil {
		return "", err
	}
	if err := pw.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Decrypt reverses Encrypt using the database key.
func (k *Keyring) Decrypt(armored string) (string, error) {
	if len(k.database) == 0 {
		return "", fmt.Errorf("database key not configured")
	}
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return "", fmt.Errorf("unarmor: %w", err)
	}
	md, err := openpgp.ReadMessage(block.Body, k.database, nil, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
