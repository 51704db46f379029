package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func sampleClaims() Claims {
	return Claims{
		Issuer:      "ABC",
		Audience:    "XYZ",
		ID:          "TRX1700000000000123",
		AccountFrom: "ABC0001",
		AccountTo:   "XYZ0002",
		Amount:      1500,
		Currency:    "EUR",
		Explanation: "rent",
		SenderName:  "Alice",
	}
}

func TestEncodeVerify_RoundTrip(t *testing.T) {
	key := mustKey(t)
	issued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	codec := Codec{Now: func() time.Time { return issued }}

	token, err := codec.Encode(sampleClaims(), key, "1")
	require.NoError(t, err)

	header, decoded, err := codec.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "1", header.KeyID)
	assert.Equal(t, Algorithm, header.Algorithm)
	assert.Equal(t, "ABC", decoded.Issuer)

	verifier := Codec{Now: func() time.Time { return issued.Add(30 * time.Minute) }}
	claims, err := verifier.Verify(token, &key.PublicKey, "ABC", "XYZ")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), claims.Amount)
	assert.Equal(t, "TRX1700000000000123", claims.ID)
	assert.Equal(t, "XYZ0002", claims.AccountTo)
	assert.Equal(t, issued.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestEncode_PayloadCarriesProtocolFieldNames(t *testing.T) {
	key := mustKey(t)
	token, err := Encode(sampleClaims(), key, "1")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	for _, field := range []string{"iss", "aud", "iat", "exp", "jti", "accountFrom", "accountTo", "amount", "currency", "explanation", "senderName"} {
		assert.Contains(t, raw, field)
	}
	assert.Equal(t, "XYZ", raw["aud"])
	assert.NotContains(t, raw, "receiverName")
}

func TestVerify_WrongKeyIsInvalidSignature(t *testing.T) {
	signer := mustKey(t)
	other := mustKey(t)

	token, err := Encode(sampleClaims(), signer, "1")
	require.NoError(t, err)

	_, err = Verify(token, &other.PublicKey, "ABC", "XYZ")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_TamperedPayloadIsInvalidSignature(t *testing.T) {
	key := mustKey(t)
	token, err := Encode(sampleClaims(), key, "1")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	tampered := sampleClaims()
	tampered.Amount = 999999
	body, err := json.Marshal(&tampered)
	require.NoError(t, err)
	parts[1] = base64.RawURLEncoding.EncodeToString(body)

	_, err = Verify(strings.Join(parts, "."), &key.PublicKey, "ABC", "XYZ")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_Expired(t *testing.T) {
	key := mustKey(t)
	issued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	token, err := Codec{Now: func() time.Time { return issued }}.Encode(sampleClaims(), key, "1")
	require.NoError(t, err)

	late := Codec{Now: func() time.Time { return issued.Add(61 * time.Minute) }}
	_, err = late.Verify(token, &key.PublicKey, "ABC", "XYZ")
	assert.ErrorIs(t, err, ErrExpiredEnvelope)
}

func TestVerify_AudienceAndIssuerMismatch(t *testing.T) {
	key := mustKey(t)
	token, err := Encode(sampleClaims(), key, "1")
	require.NoError(t, err)

	_, err = Verify(token, &key.PublicKey, "ABC", "QQQ")
	assert.ErrorIs(t, err, ErrAudienceMismatch)

	_, err = Verify(token, &key.PublicKey, "DEF", "XYZ")
	assert.ErrorIs(t, err, ErrIssuerMismatch)
}

func TestDecode_Malformed(t *testing.T) {
	_, _, err := Decode("not-a-token")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, _, err = Decode("")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestEncode_RejectsIncompleteClaims(t *testing.T) {
	key := mustKey(t)
	claims := sampleClaims()
	claims.Amount = 0

	_, err := Encode(claims, key, "1")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = Encode(sampleClaims(), key, "")
	assert.Error(t, err)
}

func TestVerify_PrefixesIgnoreCase(t *testing.T) {
	key := mustKey(t)
	claims := sampleClaims()
	claims.Issuer = "abc"
	claims.Audience = "xyz"
	token, err := Encode(claims, key, "1")
	require.NoError(t, err)

	got, err := Verify(token, &key.PublicKey, "ABC", "XYZ")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Issuer)
}

func TestVerify_RejectsAmountAboveMaximum(t *testing.T) {
	key := mustKey(t)
	claims := sampleClaims()
	claims.Amount = MaxAmount + 1

	_, err := Encode(claims, key, "1")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Hour))
	raw := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	raw.Header["kid"] = "1"
	token, err := raw.SignedString(key)
	require.NoError(t, err)

	_, err = Verify(token, &key.PublicKey, "ABC", "XYZ")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}
