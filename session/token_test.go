package session

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/ActiveStack/gateway/errors"
)

func sampleData() Data {
	return Data{
		ClientID:          "4f1c2a9d0b7e43c18a2d5e6f7a8b9c0d",
		ExistingClientID:  "0a1b2c3d4e5f60718293a4b5c6d7e8f9",
		ExistingClientIDs: []string{"0a1b2c3d4e5f60718293a4b5c6d7e8f9", "ffeeddccbbaa99887766554433221100"},
		DeviceID:          "device-7",
		Token:             "tok-123",
		UserID:            "user-42",
	}
}

// TestSigner_RoundTrip tests that every declared field survives sign and verify with both codecs
func TestSigner_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			signer := NewSigner("secret", WithCodec(codec))

			signed, err := signer.Sign(sampleData(), now)
			require.NoError(t, err)

			decoded, err := signer.Verify(signed, now.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, sampleData(), decoded.Data)
			assert.Equal(t, now.UnixMilli(), decoded.SavedAt.UnixMilli())
			assert.Empty(t, decoded.Leftovers)
		})
	}
}

// TestSigner_SignatureTamper tests that changing any signature byte fails verification
func TestSigner_SignatureTamper(t *testing.T) {
	now := time.Now()
	signer := NewSigner("secret")

	signed, err := signer.Sign(sampleData(), now)
	require.NoError(t, err)

	idx := strings.Index(signed, ";")
	require.Positive(t, idx)

	for i := idx + 1; i < len(signed); i++ {
		b := []byte(signed)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		_, err := signer.Verify(string(b), now)
		require.Error(t, err, "byte %d", i)
		assert.ErrorIs(t, err, ErrTamperedToken)
	}
}

func TestSigner_PayloadTamper(t *testing.T) {
	now := time.Now()
	signer := NewSigner("secret")

	signed, err := signer.Sign(sampleData(), now)
	require.NoError(t, err)

	parts := strings.Split(signed, ";")
	raw, err := base64.StdEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	forged := strings.Replace(string(raw), "user-42", "user-1", 1)
	tampered := base64.StdEncoding.EncodeToString([]byte(forged)) + ";" + parts[1]

	_, err = signer.Verify(tampered, now)
	assert.ErrorIs(t, err, ErrTamperedToken)
}

func TestSigner_WrongSecret(t *testing.T) {
	now := time.Now()
	signed, err := NewSigner("one").Sign(sampleData(), now)
	require.NoError(t, err)

	_, err = NewSigner("two").Verify(signed, now)
	assert.ErrorIs(t, err, ErrTamperedToken)
}

// TestSigner_MaxAgeBoundary tests that a token exactly at max age is rejected
func TestSigner_MaxAgeBoundary(t *testing.T) {
	savedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	signer := NewSigner("secret")

	signed, err := signer.Sign(sampleData(), savedAt)
	require.NoError(t, err)

	tests := []struct {
		name    string
		age     time.Duration
		expired bool
	}{
		{"fresh", 0, false},
		{"one millisecond before limit", DefaultMaxAge - time.Millisecond, false},
		{"exactly at limit", DefaultMaxAge, true},
		{"past limit", DefaultMaxAge + time.Second, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := signer.Verify(signed, savedAt.Add(test.age))
			if test.expired {
				assert.ErrorIs(t, err, ErrExpiredToken)
				assert.True(t, gwerrors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSigner_CustomMaxAge(t *testing.T) {
	savedAt := time.Now()
	signer := NewSigner("secret", WithMaxAge(time.Minute))
	assert.Equal(t, time.Minute, signer.MaxAge())

	signed, err := signer.Sign(sampleData(), savedAt)
	require.NoError(t, err)

	_, err = signer.Verify(signed, savedAt.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestSigner_Malformed(t *testing.T) {
	signer := NewSigner("secret")
	now := time.Now()

	for _, input := range []string{"", "no-separator", "a;b;c", ";"} {
		t.Run(input, func(t *testing.T) {
			_, err := signer.Verify(input, now)
			require.Error(t, err)
			assert.True(t, gwerrors.IsInvalid(err))
		})
	}

	// Valid signature over bytes that are not base64
	bad := "!!!notbase64"
	_, err := signer.Verify(bad+";"+signer.sign(bad), now)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

// TestSigner_Leftovers tests that undeclared keys are reported and not copied
func TestSigner_Leftovers(t *testing.T) {
	now := time.Now()
	signer := NewSigner("secret")

	raw, err := json.Marshal(map[string]any{
		"clientId": "abc",
		"userId":   "u1",
		"savedAt":  now.UnixMilli(),
		"isAdmin":  true,
		"color":    "blue",
	})
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(raw)

	decoded, err := signer.Verify(encoded+";"+signer.sign(encoded), now)
	require.NoError(t, err)
	assert.Equal(t, "abc", decoded.Data.ClientID)
	assert.Equal(t, "u1", decoded.Data.UserID)
	assert.Equal(t, []string{"color", "isAdmin"}, decoded.Leftovers)
}

func TestGetCodec(t *testing.T) {
	assert.Equal(t, CodecNameJSON, GetCodec("").Name())
	assert.Equal(t, CodecNameJSON, GetCodec("json").Name())
	assert.Equal(t, CodecNameMsgpack, GetCodec("msgpack").Name())
	assert.Equal(t, CodecNameJSON, GetCodec("protobuf").Name())
}
