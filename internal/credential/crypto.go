package credential

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// sha256Hex returns the lowercase-hex SHA-256 digest of data.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hmacB64URL computes HMAC-SHA256(key, payload) and returns it unpadded base64url.
func hmacB64URL(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// KeyIDForPublicKey derives the stable `kid_...` identifier for an Ed25519 public key.
// The formula is fixed by the wire contract: take the first 10 raw bytes of
// sha256(publicKey), THEN base64url-encode those 10 bytes.
func KeyIDForPublicKey(publicKeyB64 string) (string, error) {
	raw, err := decodeKey(publicKeyB64)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	digest := sha256.Sum256(raw)
	return "kid_" + base64.RawURLEncoding.EncodeToString(digest[:10]), nil
}

// decodeKey accepts standard or URL-safe, padded or unpadded base64.
func decodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}

// VerifyPoPSignature verifies an Ed25519 signature over payload using the device's
// base64-encoded public key. The public key must decode to exactly 32 bytes and the
// signature to exactly 64 bytes; any deviation is a PAIR_PROOF_INVALID-class failure
// reported by the caller.
func VerifyPoPSignature(publicKeyB64, payload, sigB64 string) error {
	pub, err := decodeKey(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key")
	}
	sig, err := decodeKey(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(payload), sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// GenerateSigningKeySeed produces a fresh process-local HMAC signing key seed.
func GenerateSigningKeySeed() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return "relay_sk_" + hex.EncodeToString(buf)
}

// deriveSubkey separates the single persisted signing key into independent
// per-purpose HMAC keys via HKDF, so that future additional purposes never
// reuse access-token signing's raw key material.
func deriveSubkey(signingKey, purpose string) []byte {
	reader := hkdf.New(sha256.New, []byte(signingKey), nil, []byte(purpose))
	out := make([]byte, 32)
	_, _ = reader.Read(out)
	return out
}

func accessTokenKey(signingKey string) []byte { return deriveSubkey(signingKey, "access-token") }
func pairTicketKey(pairToken string) []byte    { return []byte(pairToken) }
