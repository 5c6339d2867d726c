package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	SaveClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)
	UpdateClient(ctx context.Context, id string, mutate func(*Client) error) (Client, error)
	DeleteClient(ctx context.Context, id string) error
	ListClients(ctx context.Context) ([]Client, error)
}

// ChallengeStore persists short-lived login and consent challenges. The
// resolve and consume transitions are atomic so a challenge id replayed by
// concurrent requests is honoured exactly once.
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, ch Challenge) error
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	ResolveChallenge(ctx context.Context, id string, now time.Time, mutate func(*Challenge)) (Challenge, error)
	ConsumeChallenge(ctx context.Context, id string, now time.Time, mutate func(*Challenge)) (Challenge, error)
}

// CodeStore persists authorization codes with single-use semantics.
type CodeStore interface {
	SaveAuthCode(ctx context.Context, code AuthorizationCode) error
	ConsumeAuthCode(ctx context.Context, code string, now time.Time) (AuthorizationCode, error)
}

// RefreshTokenStore persists refresh tokens and enforces rotation-on-use.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, rt RefreshToken) error
	RotateRefreshToken(ctx context.Context, presented, clientID string, successor RefreshToken, now time.Time) (RefreshToken, error)
	RevokeFamily(ctx context.Context, familyID string) int
	RecordFamilyJTI(ctx context.Context, familyID, jti string, expires time.Time)
	JTIBlacklisted(ctx context.Context, jti string) bool
}

// KeyStore persists signing keys. Private key material never leaves the
// KeyManager/KeyStore boundary.
type KeyStore interface {
	InsertKey(ctx context.Context, k SigningKey) error
	GetKey(ctx context.Context, kid string) (SigningKey, error)
	ListKeys(ctx context.Context) ([]SigningKey, error)
	DeleteKey(ctx context.Context, kid string) error
	SetCurrentKey(ctx context.Context, kid string) error
}

// GrantStore remembers prior user consent decisions.
type GrantStore interface {
	SaveRememberedGrant(ctx context.Context, g RememberedGrant) error
	GetRememberedGrant(ctx context.Context, subject, clientID string) (RememberedGrant, bool)
	DeleteRememberedGrants(ctx context.Context, clientID string) error
}

// IdentityStore retains minimal profile data for userinfo and ID tokens.
type IdentityStore interface {
	SaveIdentity(ctx context.Context, id Identity) error
	GetIdentity(ctx context.Context, subject string) (Identity, bool)
}

// SessionStore persists browser sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, bool)
	DeleteSession(ctx context.Context, id string) error
}

// MemoryStore keeps all server state in mutex-guarded maps. It implements
// every store interface; a relational backend can replace any of them
// independently.
type MemoryStore struct {
	mu           sync.RWMutex
	clients      map[string]Client
	challenges   map[string]Challenge
	authCodes    map[string]AuthorizationCode
	refresh      map[string]RefreshToken
	grants       map[string]RememberedGrant
	sessions     map[string]Session
	keys         map[string]SigningKey
	identities   map[string]Identity
	familyJTIs   map[string][]jtiRecord
	jtiBlacklist map[string]time.Time
}

type jtiRecord struct {
	jti     string
	expires time.Time
}

// NewMemoryStore constructs the store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:      make(map[string]Client),
		challenges:   make(map[string]Challenge),
		authCodes:    make(map[string]AuthorizationCode),
		refresh:      make(map[string]RefreshToken),
		grants:       make(map[string]RememberedGrant),
		sessions:     make(map[string]Session),
		keys:         make(map[string]SigningKey),
		identities:   make(map[string]Identity),
		familyJTIs:   make(map[string][]jtiRecord),
		jtiBlacklist: make(map[string]time.Time),
	}
}

// NewID generates an unguessable identifier.
func NewID() string {
	return uuid.NewString()
}

// NewSecret generates a high-entropy opaque value for client secrets,
// authorization codes, and refresh tokens.
func NewSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (s *MemoryStore) SaveClient(ctx context.Context, c Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	return nil
}

func (s *MemoryStore) GetClient(ctx context.Context, id string) (Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	return c, nil
}

// UpdateClient applies mutate under the write lock so concurrent validators
// never observe a half-updated record (secret regeneration in particular).
func (s *MemoryStore) UpdateClient(ctx context.Context, id string, mutate func(*Client) error) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	if err := mutate(&c); err != nil {
		return Client{}, err
	}
	s.clients[id] = c
	return c, nil
}

func (s *MemoryStore) DeleteClient(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return ErrClientNotFound
	}
	delete(s.clients, id)
	return nil
}

func (s *MemoryStore) ListClients(ctx context.Context) ([]Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) SaveChallenge(ctx context.Context, ch Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[ch.ID] = ch
	return nil
}

func (s *MemoryStore) GetChallenge(ctx context.Context, id string) (Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.challenges[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	return ch, nil
}

// ResolveChallenge transitions pending to resolved, applying mutate inside
// the critical section. Expired challenges are rejected, consumed ones
// surface the replay error.
func (s *MemoryStore) ResolveChallenge(ctx context.Context, id string, now time.Time, mutate func(*Challenge)) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	if ch.Expired(now) {
		delete(s.challenges, id)
		return Challenge{}, ErrChallengeExpired
	}
	if ch.Status == ChallengeConsumed {
		return Challenge{}, ErrChallengeAlreadyConsumed
	}
	if mutate != nil {
		mutate(&ch)
	}
	ch.Status = ChallengeResolved
	s.challenges[id] = ch
	return ch, nil
}

// ConsumeChallenge performs the exactly-once resolved-to-consumed
// transition. A second consume of the same id fails. mutate, when non-nil,
// records the outcome on the challenge in the same critical section.
func (s *MemoryStore) ConsumeChallenge(ctx context.Context, id string, now time.Time, mutate func(*Challenge)) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	if ch.Expired(now) {
		delete(s.challenges, id)
		return Challenge{}, ErrChallengeExpired
	}
	if ch.Status == ChallengeConsumed {
		return Challenge{}, ErrChallengeAlreadyConsumed
	}
	if mutate != nil {
		mutate(&ch)
	}
	ch.Status = ChallengeConsumed
	s.challenges[id] = ch
	return ch, nil
}

func (s *MemoryStore) SaveAuthCode(ctx context.Context, code AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = code
	return nil
}

// ConsumeAuthCode marks a code used in one critical section. The used record
// is retained until expiry so a replayed exchange is distinguishable from an
// unknown code and can trigger family revocation.
func (s *MemoryStore) ConsumeAuthCode(ctx context.Context, code string, now time.Time) (AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.authCodes[code]
	if !ok {
		return AuthorizationCode{}, ErrCodeInvalid
	}
	if ac.Used {
		return ac, ErrCodeAlreadyUsed
	}
	if now.After(ac.ExpiresAt) {
		delete(s.authCodes, code)
		return AuthorizationCode{}, ErrCodeInvalid
	}
	ac.Used = true
	s.authCodes[code] = ac
	return ac, nil
}

func (s *MemoryStore) SaveRefreshToken(ctx context.Context, rt RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[rt.ID] = rt
	return nil
}

// RotateRefreshToken invalidates the presented token and installs its
// successor in the same critical section. Presenting an already-rotated
// token is the replay signal. A token tied to a different client is treated
// as invalid without rotating anything.
func (s *MemoryStore) RotateRefreshToken(ctx context.Context, presented, clientID string, successor RefreshToken, now time.Time) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refresh[presented]
	if !ok {
		return RefreshToken{}, ErrRefreshTokenInvalid
	}
	if rt.ClientID != clientID {
		return RefreshToken{}, ErrRefreshTokenInvalid
	}
	if rt.Revoked {
		return rt, ErrRefreshTokenReused
	}
	if now.After(rt.ExpiresAt) {
		delete(s.refresh, presented)
		return RefreshToken{}, ErrRefreshTokenInvalid
	}
	rt.Revoked = true
	s.refresh[presented] = rt
	// Successor inherits its lineage inside the critical section so no
	// reader ever sees a token without subject, scope, or family.
	successor.Subject = rt.Subject
	successor.Scope = rt.Scope
	successor.FamilyID = rt.FamilyID
	s.refresh[successor.ID] = successor
	return rt, nil
}

// RevokeFamily revokes every refresh token descended from one authorization
// and blacklists the access-token JTIs recorded for the family. Returns the
// number of refresh tokens touched.
func (s *MemoryStore) RevokeFamily(ctx context.Context, familyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rt := range s.refresh {
		if rt.FamilyID == familyID && !rt.Revoked {
			rt.Revoked = true
			s.refresh[id] = rt
			n++
		}
	}
	for _, rec := range s.familyJTIs[familyID] {
		s.jtiBlacklist[rec.jti] = rec.expires
	}
	delete(s.familyJTIs, familyID)
	return n
}

// RevokeFamilyByToken looks up a refresh token presented for revocation and
// revokes its whole family. A token owned by another client, or an unknown
// token, revokes nothing.
func (s *MemoryStore) RevokeFamilyByToken(ctx context.Context, presented, clientID string) int {
	s.mu.RLock()
	rt, ok := s.refresh[presented]
	s.mu.RUnlock()
	if !ok || rt.ClientID != clientID {
		return 0
	}
	return s.RevokeFamily(ctx, rt.FamilyID)
}

// RecordFamilyJTI associates an issued access token with its family so a
// later replay detection can revoke it.
func (s *MemoryStore) RecordFamilyJTI(ctx context.Context, familyID, jti string, expires time.Time) {
	if familyID == "" || jti == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.familyJTIs[familyID] = append(s.familyJTIs[familyID], jtiRecord{jti: jti, expires: expires})
}

// JTIBlacklisted indicates if the token id was revoked.
func (s *MemoryStore) JTIBlacklisted(ctx context.Context, jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.jtiBlacklist[jti]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.jtiBlacklist, jti)
		return false
	}
	return true
}

func (s *MemoryStore) InsertKey(ctx context.Context, k SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.Kid] = k
	return nil
}

func (s *MemoryStore) GetKey(ctx context.Context, kid string) (SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[kid]
	if !ok {
		return SigningKey{}, ErrKeyNotFound
	}
	return k, nil
}

func (s *MemoryStore) ListKeys(ctx context.Context) ([]SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SigningKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

func (s *MemoryStore) DeleteKey(ctx context.Context, kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[kid]; !ok {
		return ErrKeyNotFound
	}
	delete(s.keys, kid)
	return nil
}

func (s *MemoryStore) SetCurrentKey(ctx context.Context, kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[kid]; !ok {
		return ErrKeyNotFound
	}
	for id, k := range s.keys {
		k.Current = id == kid
		s.keys[id] = k
	}
	return nil
}

func (s *MemoryStore) SaveRememberedGrant(ctx context.Context, g RememberedGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.Subject+"\x00"+g.ClientID] = g
	return nil
}

func (s *MemoryStore) GetRememberedGrant(ctx context.Context, subject, clientID string) (RememberedGrant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[subject+"\x00"+clientID]
	return g, ok
}

// DeleteRememberedGrants drops stored consent for a client, used when the
// client itself is deleted.
func (s *MemoryStore) DeleteRememberedGrants(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, g := range s.grants {
		if g.ClientID == clientID {
			delete(s.grants, key)
		}
	}
	return nil
}

func (s *MemoryStore) SaveIdentity(ctx context.Context, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.Subject] = id
	return nil
}

func (s *MemoryStore) GetIdentity(ctx context.Context, subject string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[subject]
	return id, ok
}

func (s *MemoryStore) SaveSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// SweepExpired drops expired challenges, codes, refresh tokens, sessions,
// and blacklist entries. The sweep is idempotent; expired records are also
// rejected lazily on access, so cadence has no correctness impact.
func (s *MemoryStore) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ch := range s.challenges {
		if ch.Expired(now) {
			delete(s.challenges, id)
			removed++
		}
	}
	for code, ac := range s.authCodes {
		if now.After(ac.ExpiresAt) {
			delete(s.authCodes, code)
			removed++
		}
	}
	for id, rt := range s.refresh {
		if now.After(rt.ExpiresAt) {
			delete(s.refresh, id)
			removed++
		}
	}
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	for jti, exp := range s.jtiBlacklist {
		if now.After(exp) {
			delete(s.jtiBlacklist, jti)
			removed++
		}
	}
	for fam, recs := range s.familyJTIs {
		kept := recs[:0]
		for _, rec := range recs {
			if now.Before(rec.expires) {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			delete(s.familyJTIs, fam)
		} else {
			s.familyJTIs[fam] = kept
		}
	}
	return removed
}

// StartSweeper launches the optional periodic eviction loop.
func (s *MemoryStore) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepExpired(time.Now())
			case <-stop:
				return
			}
		}
	}()
}
