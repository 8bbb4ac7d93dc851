// Package session holds the per-connection session record and the signed,
// client-carried token that lets a client resume it after reconnecting.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"slices"
	"time"
)

// Data is the plain session record. It is what a token carries.
type Data struct {
	ClientID          string
	ExistingClientID  string
	ExistingClientIDs []string
	DeviceID          string
	Token             string
	UserID            string
}

// Clone returns a deep copy.
func (d Data) Clone() Data {
	d.ExistingClientIDs = slices.Clone(d.ExistingClientIDs)
	return d
}

// NewClientID returns 16 random bytes as lowercase hex.
func NewClientID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("session: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Session wraps Data with a dirty flag set by every mutation.
// A Session is owned by one client and is not safe for concurrent use.
type Session struct {
	data   Data
	dirty  bool
	signer *Signer
	logger *slog.Logger
	now    func() time.Time
}

// New creates a dirty session with a fresh client id.
func New(signer *Signer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		data:   Data{ClientID: NewClientID()},
		dirty:  true,
		signer: signer,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
}

// ClientID returns the canonical id, which also names the response queue.
func (s *Session) ClientID() string { return s.data.ClientID }

// ExistingClientID returns the id being resumed, if a reconnect is pending.
func (s *Session) ExistingClientID() string { return s.data.ExistingClientID }

// DeviceID returns the device reported at login.
func (s *Session) DeviceID() string { return s.data.DeviceID }

// Token returns the backend auth token, empty when logged out.
func (s *Session) Token() string { return s.data.Token }

// UserID returns the authenticated user, empty when anonymous.
func (s *Session) UserID() string { return s.data.UserID }

// IsDirty reports whether the record changed since the last Signed call.
func (s *Session) IsDirty() bool { return s.dirty }

// ExistingClientIDs returns a copy of the superseded id history.
func (s *Session) ExistingClientIDs() []string {
	return slices.Clone(s.data.ExistingClientIDs)
}

// IsLoggedIn reports whether the session carries a user identity.
// Credentials may be expired; the backend decides that.
func (s *Session) IsLoggedIn() bool {
	return s.data.UserID != ""
}

// Snapshot returns a deep copy of the current record.
func (s *Session) Snapshot() Data {
	return s.data.Clone()
}

// SetClientID replaces the canonical id and marks the session dirty.
func (s *Session) SetClientID(id string) {
	s.data.ClientID = id
	s.dirty = true
}

// SetExistingClientID records the id a reconnect resumes. An empty id
// clears it once the agent confirms.
func (s *Session) SetExistingClientID(id string) {
	s.data.ExistingClientID = id
	s.dirty = true
}

// AppendExistingClientID records id in the history once. It reports
// whether the history changed.
func (s *Session) AppendExistingClientID(id string) bool {
	if id == "" || slices.Contains(s.data.ExistingClientIDs, id) {
		return false
	}
	s.data.ExistingClientIDs = append(s.data.ExistingClientIDs, id)
	s.dirty = true
	return true
}

// SetCredentials stores the identity returned by an authentication response.
func (s *Session) SetCredentials(userID, token, deviceID string) {
	s.data.UserID = userID
	s.data.Token = token
	s.data.DeviceID = deviceID
	s.dirty = true
}

// Logout clears token and user id. The id history is kept.
func (s *Session) Logout() {
	s.data.Token = ""
	s.data.UserID = ""
	s.dirty = true
}

// Signed returns a freshly signed token and clears the dirty flag.
func (s *Session) Signed() (string, error) {
	signed, err := s.signer.Sign(s.data, s.now())
	if err != nil {
		return "", err
	}
	s.dirty = false
	return signed, nil
}

// Load replaces the record with the contents of a signed token and marks
// the session dirty so the next emission carries a new timestamp.
// On error the session is left untouched.
func (s *Session) Load(signed string) error {
	decoded, err := s.signer.Verify(signed, s.now())
	if err != nil {
		return err
	}

	if len(decoded.Leftovers) > 0 {
		s.logger.Warn("Dropping unexpected session keys", "keys", decoded.Leftovers)
	}

	s.data = decoded.Data
	s.dirty = true
	s.logger.Debug("Loaded session", "client_id", s.data.ClientID, "saved_at", decoded.SavedAt)
	return nil
}

// Populate decorates msg with the session fields. Empty fields are removed
// from msg so a client cannot supply identity the session does not hold.
func (s *Session) Populate(msg map[string]any) map[string]any {
	if msg == nil {
		msg = make(map[string]any)
	}
	setOrDelete(msg, "clientId", s.data.ClientID)
	setOrDelete(msg, "existingClientId", s.data.ExistingClientID)
	setOrDelete(msg, "deviceId", s.data.DeviceID)
	setOrDelete(msg, "token", s.data.Token)
	setOrDelete(msg, "userId", s.data.UserID)
	if s.data.ExistingClientIDs != nil {
		msg["existingClientIds"] = slices.Clone(s.data.ExistingClientIDs)
	} else {
		delete(msg, "existingClientIds")
	}
	return msg
}

func setOrDelete(msg map[string]any, key, value string) {
	if value == "" {
		delete(msg, key)
		return
	}
	msg[key] = value
}
