package session

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ActiveStack/gateway/errors"
)

// DefaultMaxAge is how long a signed session stays resumable.
const DefaultMaxAge = 7 * 24 * time.Hour

// DefaultSecret matches the historical gateway default so existing tokens keep verifying.
const DefaultSecret = "twothreefour"

// Token rejection reasons.
var (
	ErrMalformedToken = stderrors.New("malformed session token")
	ErrTamperedToken  = stderrors.New("session token signature mismatch")
	ErrExpiredToken   = stderrors.New("session token expired")
)

// payload is the declared field set carried inside a token.
type payload struct {
	ClientID          string   `json:"clientId" msgpack:"clientId"`
	ExistingClientID  string   `json:"existingClientId" msgpack:"existingClientId"`
	ExistingClientIDs []string `json:"existingClientIds" msgpack:"existingClientIds"`
	DeviceID          string   `json:"deviceId" msgpack:"deviceId"`
	Token             string   `json:"token" msgpack:"token"`
	UserID            string   `json:"userId" msgpack:"userId"`
	SavedAt           int64    `json:"savedAt" msgpack:"savedAt"`
}

var declaredKeys = map[string]struct{}{
	"clientId":          {},
	"existingClientId":  {},
	"existingClientIds": {},
	"deviceId":          {},
	"token":             {},
	"userId":            {},
	"savedAt":           {},
}

// Decoded is the result of verifying a signed token.
type Decoded struct {
	Data      Data
	SavedAt   time.Time
	Leftovers []string // undeclared keys found in the payload, sorted
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithCodec sets the payload codec.
func WithCodec(c Codec) SignerOption {
	return func(s *Signer) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// Signer encodes sessions into resumable strings and verifies them.
// It is stateless and safe for concurrent use.
type Signer struct {
	secret []byte
	codec  Codec
	maxAge time.Duration
}

// NewSigner creates a Signer keyed by secret. An empty secret uses DefaultSecret.
func NewSigner(secret string, opts ...SignerOption) *Signer {
	if secret == "" {
		secret = DefaultSecret
	}
	s := &Signer{
		secret: []byte(secret),
		codec:  JSONCodec{},
		maxAge: DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxAge returns the configured maximum token age.
func (s *Signer) MaxAge() time.Duration {
	return s.maxAge
}

func (s *Signer) sign(encoded string) string {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign returns base64(codec(data + savedAt)) + ";" + signature.
func (s *Signer) Sign(d Data, savedAt time.Time) (string, error) {
	raw, err := s.codec.Marshal(payload{
		ClientID:          d.ClientID,
		ExistingClientID:  d.ExistingClientID,
		ExistingClientIDs: d.ExistingClientIDs,
		DeviceID:          d.DeviceID,
		Token:             d.Token,
		UserID:            d.UserID,
		SavedAt:           savedAt.UnixMilli(),
	})
	if err != nil {
		return "", errors.WrapInvalid(err, "Signer", "Sign", "encode session")
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	return encoded + ";" + s.sign(encoded), nil
}

// Verify checks the signature and age of signed and returns its contents.
// A token whose age equals the maximum age is already expired.
func (s *Signer) Verify(signed string, now time.Time) (Decoded, error) {
	parts := strings.Split(signed, ";")
	if len(parts) != 2 {
		return Decoded{}, errors.WrapInvalid(ErrMalformedToken, "Signer", "Verify", "split token")
	}
	encoded, signature := parts[0], parts[1]

	if !hmac.Equal([]byte(signature), []byte(s.sign(encoded))) {
		return Decoded{}, errors.WrapInvalid(ErrTamperedToken, "Signer", "Verify", "check signature")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Decoded{}, errors.WrapInvalid(fmt.Errorf("%w: %v", ErrMalformedToken, err),
			"Signer", "Verify", "decode base64")
	}

	var p payload
	if err := s.codec.Unmarshal(raw, &p); err != nil {
		return Decoded{}, errors.WrapInvalid(fmt.Errorf("%w: %v", ErrMalformedToken, err),
			"Signer", "Verify", "decode payload")
	}

	savedAt := time.UnixMilli(p.SavedAt)
	if now.Sub(savedAt) >= s.maxAge {
		return Decoded{}, errors.WrapInvalid(ErrExpiredToken, "Signer", "Verify", "check age")
	}

	var keys map[string]any
	if err := s.codec.Unmarshal(raw, &keys); err != nil {
		return Decoded{}, errors.WrapInvalid(fmt.Errorf("%w: %v", ErrMalformedToken, err),
			"Signer", "Verify", "decode payload keys")
	}
	var leftovers []string
	for k := range keys {
		if _, ok := declaredKeys[k]; !ok {
			leftovers = append(leftovers, k)
		}
	}
	sort.Strings(leftovers)

	return Decoded{
		Data: Data{
			ClientID:          p.ClientID,
			ExistingClientID:  p.ExistingClientID,
			ExistingClientIDs: p.ExistingClientIDs,
			DeviceID:          p.DeviceID,
			Token:             p.Token,
			UserID:            p.UserID,
		},
		SavedAt:   savedAt,
		Leftovers: leftovers,
	}, nil
}
