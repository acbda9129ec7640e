package credential

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func unixNow() uint64 { return uint64(time.Now().Unix()) }

func encodePayload(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// IssueAccessToken builds a `yat_v1.<payload>.<hmac>` access token.
func IssueAccessToken(signingKey, systemID, deviceID, keyID string, ttlSec uint64) (string, error) {
	now := unixNow()
	claims := AccessTokenClaims{
		Sid: systemID, Did: deviceID, Kid: keyID,
		Iat: now, Exp: now + ttlSec, Jti: uuid.NewString(),
	}
	payloadB64, err := encodePayload(claims)
	if err != nil {
		return "", err
	}
	sig := hmacB64URL(accessTokenKey(signingKey), []byte(payloadB64))
	return "yat_v1." + payloadB64 + "." + sig, nil
}

// VerifyAccessToken decodes and validates a `yat_v1` token, checking the HMAC, the
// expected sid/did/kid claims, and expiry, in that fixed order.
func VerifyAccessToken(signingKey, token, expectSid, expectDid, expectKid string) (*AccessTokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != "yat_v1" {
		return nil, fmt.Errorf("ACCESS_TOKEN_INVALID")
	}
	expectedSig := hmacB64URL(accessTokenKey(signingKey), []byte(parts[1]))
	if !constantTimeEq(expectedSig, parts[2]) {
		return nil, fmt.Errorf("ACCESS_TOKEN_INVALID")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("ACCESS_TOKEN_INVALID")
	}
	var claims AccessTokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("ACCESS_TOKEN_INVALID")
	}
	if claims.Sid != expectSid || claims.Did != expectDid || claims.Kid != expectKid {
		return nil, fmt.Errorf("ACCESS_TOKEN_MISMATCH")
	}
	if claims.Exp <= unixNow() {
		return nil, fmt.Errorf("ACCESS_TOKEN_EXPIRED")
	}
	return &claims, nil
}

func constantTimeEq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// IssueRefreshSession mints a new `yrt_v1.<sessionId>.<secret>` token and the
// session record whose hash alone is persisted.
func IssueRefreshSession(systemID, deviceID, keyID, credentialID string) (string, *RefreshSession) {
	sessionID := "rs_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	secret := strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := unixNow()
	session := &RefreshSession{
		SessionID:         sessionID,
		SystemID:          systemID,
		DeviceID:          deviceID,
		KeyID:             keyID,
		CredentialID:      credentialID,
		RefreshSecretHash: sha256Hex([]byte(secret)),
		ExpiresAt:         now + RefreshTokenTTLSec,
		CreatedAt:         timeNowRFC3339(),
	}
	token := "yrt_v1." + sessionID + "." + secret
	return token, session
}

// ParseRefreshToken splits a `yrt_v1.<sessionId>.<secret>` token.
func ParseRefreshToken(token string) (sessionID, secret string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != "yrt_v1" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("REFRESH_TOKEN_INVALID")
	}
	return parts[1], parts[2], nil
}

func timeNowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// NowRFC3339NanosExport exposes the package's RFC3339-nanos clock to callers in
// package fabric that need to stamp createdAt/revokedAt fields consistently.
func NowRFC3339NanosExport() string { return timeNowRFC3339() }

// HashSecretExport exposes the package's secret-hashing primitive so callers can
// compare a presented refresh secret against the persisted hash.
func HashSecretExport(secret string) string { return sha256Hex([]byte(secret)) }

// UnixNowExport exposes the package's unix-seconds clock.
func UnixNowExport() uint64 { return unixNow() }
