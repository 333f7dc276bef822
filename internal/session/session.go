// Package session implements the in-memory session store.  A session is
// an expiring dictionary addressed by a 32 character z-base-32 id; an
// alias is a short-lived second id resolving to a session, handed to
// external redirect flows so that the callback can re-locate prepared
// state exactly once.
package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/keyvalue"
	"github.com/payproc/payprocd/internal/metrics"
	"github.com/payproc/payprocd/internal/payerr"
	"github.com/payproc/payprocd/internal/zb32"
)

const (
	// DefaultTTL applies when a session is created without an explicit
	// time to live.
	DefaultTTL = 1800 * time.Second

	// MaxLifetime is the hard cap on any session's lifetime, measured
	// from creation regardless of later accesses.
	MaxLifetime = 6 * time.Hour

	// MaxSessions bounds the store.
	MaxSessions = 65536

	// MaxAliases bounds the number of aliases per session.
	MaxAliases = 3
)

type session struct {
	sessid   string
	aliases  [MaxAliases]string
	created  time.Time
	accessed time.Time
	ttl      time.Duration
	dict     *keyvalue.Dict
}

func (s *session) expired(now time.Time) bool {
	if s.ttl > 0 && s.accessed.Add(s.ttl).Before(now) {
		return true
	}
	return s.created.Add(MaxLifetime).Before(now)
}

// Store holds all sessions and aliases.  Both are indexed by the first
// two z-base-32 characters of their id so housekeeping walks small
// buckets.  All operations are serialized under one mutex; the critical
// sections are short.
type Store struct {
	mu       sync.Mutex
	sessions [32][32]map[string]*session
	aliases  [32][32]map[string]*session
	inUse    int
	max      int
	now      func() time.Time
	log      zerolog.Logger
}

// NewStore returns an empty session store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		max: MaxSessions,
		now: time.Now,
		log: log,
	}
}

// newID mints a fresh 32 character z-base-32 id from 20 random octets.
func newID() (string, error) {
	var nonce [20]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", payerr.New(payerr.CodeGeneral, "no entropy for session id")
	}
	return zb32.Encode(nonce[:], len(nonce)*8), nil
}

func bucketIdx(id string) (int, int, bool) {
	if len(id) != 32 {
		return 0, 0, false
	}
	z1 := zb32.Index(id[0])
	z2 := zb32.Index(id[1])
	if z1 < 0 || z2 < 0 {
		return 0, 0, false
	}
	return z1, z2, true
}

func lookup(idx *[32][32]map[string]*session, id string) *session {
	z1, z2, ok := bucketIdx(id)
	if !ok || idx[z1][z2] == nil {
		return nil
	}
	return idx[z1][z2][id]
}

func insert(idx *[32][32]map[string]*session, id string, s *session) {
	z1, z2, _ := bucketIdx(id)
	if idx[z1][z2] == nil {
		idx[z1][z2] = make(map[string]*session)
	}
	idx[z1][z2][id] = s
}

func remove(idx *[32][32]map[string]*session, id string) {
	z1, z2, ok := bucketIdx(id)
	if ok && idx[z1][z2] != nil {
		delete(idx[z1][z2], id)
	}
}

// Create allocates a new session with the given ttl in seconds and the
// non-empty entries of init, returning the new session id.  A ttl of 0
// selects the default; the lifetime cap always applies.
func (st *Store) Create(ttl int, init *keyvalue.Dict) (string, error) {
	d := time.Duration(ttl) * time.Second
	if d <= 0 {
		d = DefaultTTL
	}
	if d > MaxLifetime {
		d = MaxLifetime
	}

	sessid, err := newID()
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inUse >= st.max {
		return "", payerr.New(payerr.CodeLimitReached, "too many active sessions")
	}

	now := st.now()
	s := &session{
		sessid:   sessid,
		created:  now,
		accessed: now,
		ttl:      d,
		dict:     keyvalue.New(),
	}
	for _, it := range init.Items() {
		if it.Name != "" && it.Value != "" {
			s.dict.Put(it.Name, it.Value)
		}
	}
	insert(&st.sessions, sessid, s)
	st.inUse++
	return sessid, nil
}

// destroyLocked removes s and all its aliases.  Caller holds the lock.
func (st *Store) destroyLocked(s *session) {
	for i, a := range s.aliases {
		if a != "" {
			remove(&st.aliases, a)
			s.aliases[i] = ""
		}
	}
	remove(&st.sessions, s.sessid)
	st.inUse--
}

// checkLocked returns the live session for sessid, destroying it when
// expired.  Caller holds the lock.
func (st *Store) checkLocked(sessid string) (*session, error) {
	s := lookup(&st.sessions, sessid)
	if s == nil {
		return nil, payerr.New(payerr.CodeNotFound, "no such session")
	}
	if s.expired(st.now()) {
		st.destroyLocked(s)
		return nil, payerr.New(payerr.CodeNotFound, "session timed out")
	}
	return s, nil
}

// Destroy removes a session and its aliases.
func (st *Store) Destroy(sessid string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := lookup(&st.sessions, sessid)
	if s == nil {
		return payerr.New(payerr.CodeNotFound, "no such session")
	}
	st.destroyLocked(s)
	return nil
}

// Get refreshes the session and returns a snapshot of its dictionary.
func (st *Store) Get(sessid string) (*keyvalue.Dict, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, err := st.checkLocked(sessid)
	if err != nil {
		return nil, err
	}
	s.accessed = st.now()
	return s.dict.Clone(), nil
}

// Put refreshes the session and applies patch to its dictionary: a
// non-empty value upserts, an empty value deletes the entry.
func (st *Store) Put(sessid string, patch *keyvalue.Dict) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, err := st.checkLocked(sessid)
	if err != nil {
		return err
	}
	s.accessed = st.now()
	for _, it := range patch.Items() {
		if it.Name == "" {
			continue
		}
		if it.Value == "" {
			s.dict.Delete(it.Name)
		} else {
			s.dict.Put(it.Name, it.Value)
		}
	}
	return nil
}

// CreateAlias mints a one-shot alias for sessid.  A session holds at
// most MaxAliases aliases at a time.
func (st *Store) CreateAlias(sessid string) (string, error) {
	aliasid, err := newID()
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s, err := st.checkLocked(sessid)
	if err != nil {
		return "", err
	}
	for i := range s.aliases {
		if s.aliases[i] == "" {
			s.aliases[i] = aliasid
			insert(&st.aliases, aliasid, s)
			return aliasid, nil
		}
	}
	return "", payerr.New(payerr.CodeLimitReached, "too many aliases for session")
}

// DestroyAlias removes an alias without touching its session.
func (st *Store) DestroyAlias(aliasid string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := lookup(&st.aliases, aliasid)
	if s == nil {
		return payerr.New(payerr.CodeNotFound, "no such alias")
	}
	for i := range s.aliases {
		if s.aliases[i] == aliasid {
			s.aliases[i] = ""
		}
	}
	remove(&st.aliases, aliasid)
	return nil
}

// SessID resolves an alias to its session id.  Neither the alias nor
// the session is refreshed.
func (st *Store) SessID(aliasid string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := lookup(&st.aliases, aliasid)
	if s == nil {
		return "", payerr.New(payerr.CodeNotFound, "no such alias")
	}
	return s.sessid, nil
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inUse
}

// Housekeeping walks all buckets and destroys expired sessions,
// returning the number removed.
func (st *Store) Housekeeping() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	removed := 0
	for z1 := range st.sessions {
		for z2 := range st.sessions[z1] {
			for _, s := range st.sessions[z1][z2] {
				if s.expired(now) {
					st.destroyLocked(s)
					removed++
				}
			}
		}
	}
	if removed > 0 {
		metrics.SessionsExpired.Add(float64(removed))
		st.log.Debug().Int("removed", removed).Int("active", st.inUse).Msg("session housekeeping")
	}
	metrics.SessionsActive.Set(float64(st.inUse))
	return removed
}
