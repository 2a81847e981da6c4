package chat

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/parlor/pkg/database"
)

// SessionLifetime is how long a session cookie stays valid after it is issued.
const SessionLifetime = 7 * 24 * time.Hour

// User is a read-only view of a registered user.
type User struct {
	username string
	avatar   string
	expiry   time.Time
}

// Username returns the canonical spelling chosen at registration.
func (u User) Username() string { return u.username }

// Avatar returns the avatar assigned at registration.
func (u User) Avatar() string { return u.avatar }

// SessionExpiry returns when the current session stops being valid.
func (u User) SessionExpiry() time.Time { return u.expiry }

type userEntry struct {
	username       string
	salt           string
	hashedPassword string
	sessionCookie  string // empty when there is no session
	sessionExpiry  time.Time
	avatar         string
}

func (u *userEntry) view() User {
	return User{username: u.username, avatar: u.avatar, expiry: u.sessionExpiry}
}

// liveCookie returns the cookie if it has not expired. An expired cookie is
// cleared, and the second result reports that the entry changed.
func (u *userEntry) liveCookie(now time.Time) (string, bool) {
	if u.sessionCookie == "" {
		return "", false
	}
	if now.Before(u.sessionExpiry) {
		return u.sessionCookie, false
	}
	u.sessionCookie = ""
	return "", true
}

func (u *userEntry) issueSession(now time.Time) (string, error) {
	cookie, err := newSessionCookie()
	if err != nil {
		return "", err
	}
	u.sessionCookie = cookie
	u.sessionExpiry = now.Add(SessionLifetime)
	return cookie, nil
}

func (u *userEntry) clearSession(now time.Time) {
	u.sessionCookie = ""
	u.sessionExpiry = now
}

// CredentialStore owns user records, password checks and session cookies.
//
// Each user holds at most one session: a successful login replaces the
// previous cookie, so signing in on a second device signs out the first.
type CredentialStore struct {
	mu      sync.RWMutex
	users   []*userEntry
	byName  map[string]*userEntry // lower-cased username -> entry
	now     func() time.Time
	version uint64
}

// NewCredentialStore returns an empty store using now as its clock.
func NewCredentialStore(now func() time.Time) *CredentialStore {
	if now == nil {
		now = time.Now
	}
	return &CredentialStore{
		byName: make(map[string]*userEntry),
		now:    now,
	}
}

// FoldName maps a username to the key that decides whether two names are
// the same user. Every case-insensitive comparison of usernames goes through it.
func FoldName(name string) string {
	return strings.ToLower(name)
}

// CreateUser registers a user and starts a session for it.
func (s *CredentialStore) CreateUser(username, password string) (string, error) {
	if username == "" || password == "" {
		return "", ErrEmptyField
	}

	salt, err := newSalt()
	if err != nil {
		return "", fmt.Errorf("creating user: %w", err)
	}
	hashed := hashPassword(password, salt)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := FoldName(username)
	if _, exists := s.byName[key]; exists {
		return "", ErrUserExists
	}

	entry := &userEntry{
		username:       username,
		salt:           salt,
		hashedPassword: hashed,
		avatar:         randomAvatar(),
	}
	cookie, err := entry.issueSession(s.now())
	if err != nil {
		return "", fmt.Errorf("creating user: %w", err)
	}

	s.users = append(s.users, entry)
	s.byName[key] = entry
	s.version++
	return cookie, nil
}

// Authenticate checks a password and rotates the user's session cookie.
func (s *CredentialStore) Authenticate(username, password string) (string, error) {
	s.mu.RLock()
	entry, ok := s.byName[FoldName(username)]
	var salt, hashed string
	if ok {
		salt, hashed = entry.salt, entry.hashedPassword
	}
	s.mu.RUnlock()

	if !ok {
		return "", ErrUnknownUser
	}
	// Hash outside the lock; salt and hash never change after creation.
	if !passwordMatches(password, salt, hashed) {
		return "", ErrWrongPassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cookie, err := entry.issueSession(s.now())
	if err != nil {
		return "", fmt.Errorf("authenticating: %w", err)
	}
	s.version++
	return cookie, nil
}

// AuthenticateByCookie returns the user whose live session cookie equals
// cookie. Expired cookies passed over during the scan are cleared.
func (s *CredentialStore) AuthenticateByCookie(cookie string) (User, bool) {
	user, ok, _ := s.authenticateByCookie(cookie)
	return user, ok
}

// authenticateByCookie also reports whether the scan cleared any expired cookie.
func (s *CredentialStore) authenticateByCookie(cookie string) (user User, ok, cleared bool) {
	if cookie == "" {
		return User{}, false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found, cleared := s.scanCookie(cookie)
	if !found {
		return User{}, false, cleared
	}
	return entry.view(), true, cleared
}

// EndSession clears the session that cookie belongs to.
func (s *CredentialStore) EndSession(cookie string) bool {
	ok, _ := s.endSession(cookie)
	return ok
}

// endSession also reports whether the store changed.
func (s *CredentialStore) endSession(cookie string) (ok, changed bool) {
	if cookie == "" {
		return false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found, cleared := s.scanCookie(cookie)
	if !found {
		return false, cleared
	}
	entry.clearSession(s.now())
	s.version++
	return true, true
}

// scanCookie must be called with the write lock held.
func (s *CredentialStore) scanCookie(cookie string) (entry *userEntry, found, cleared bool) {
	now := s.now()
	for _, e := range s.users {
		live, expired := e.liveCookie(now)
		if expired {
			s.version++
			cleared = true
		}
		if live == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(live), []byte(cookie)) == 1 {
			return e, true, cleared
		}
	}
	return nil, false, cleared
}

// Lookup resolves name case-insensitively to the registered spelling.
func (s *CredentialStore) Lookup(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byName[FoldName(name)]
	if !ok {
		return "", false
	}
	return entry.username, true
}

// Exists reports whether name is registered (case-insensitively).
func (s *CredentialStore) Exists(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// AvatarOf returns the avatar of name, or DefaultAvatar for unknown names.
func (s *CredentialStore) AvatarOf(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byName[FoldName(name)]
	if !ok {
		return DefaultAvatar
	}
	return entry.avatar
}

// Len returns the number of registered users.
func (s *CredentialStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Snapshot copies the store into its durable form along with the version
// the copy represents.
func (s *CredentialStore) Snapshot() ([]database.UserRecord, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]database.UserRecord, 0, len(s.users))
	for _, u := range s.users {
		r := database.UserRecord{
			Username:       u.username,
			Salt:           u.salt,
			HashedPassword: u.hashedPassword,
			SessionExpiry:  u.sessionExpiry.UnixMilli(),
			Avatar:         u.avatar,
		}
		if u.sessionCookie != "" {
			cookie := u.sessionCookie
			r.SessionCookie = &cookie
		}
		records = append(records, r)
	}
	return records, s.version
}

// Restore replaces the store's contents with records. Records with an empty
// or duplicate username are skipped and returned as errors.
func (s *CredentialStore) Restore(records []database.UserRecord) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = s.users[:0]
	s.byName = make(map[string]*userEntry, len(records))

	var skipped []error
	for i, r := range records {
		if r.Username == "" {
			skipped = append(skipped, fmt.Errorf("user record %d has no username", i))
			continue
		}
		key := FoldName(r.Username)
		if _, dup := s.byName[key]; dup {
			skipped = append(skipped, fmt.Errorf("user record %d duplicates %q", i, r.Username))
			continue
		}
		entry := &userEntry{
			username:       r.Username,
			salt:           r.Salt,
			hashedPassword: r.HashedPassword,
			sessionExpiry:  time.UnixMilli(r.SessionExpiry),
			avatar:         r.Avatar,
		}
		if r.SessionCookie != nil {
			entry.sessionCookie = *r.SessionCookie
		}
		if entry.avatar == "" {
			entry.avatar = DefaultAvatar
		}
		s.users = append(s.users, entry)
		s.byName[key] = entry
	}
	return skipped
}
