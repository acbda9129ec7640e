package credential

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"
)

func TestKeyIDForPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	kid, err := KeyIDForPublicKey(pubB64)
	if err != nil {
		t.Fatalf("key id: %v", err)
	}
	if kid[:4] != "kid_" {
		t.Fatalf("expected kid_ prefix, got %s", kid)
	}
	again, err := KeyIDForPublicKey(pubB64)
	if err != nil || again != kid {
		t.Fatalf("key id must be deterministic: %s vs %s", kid, again)
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	signingKey := GenerateSigningKeySeed()
	tok, err := IssueAccessToken(signingKey, "sys1", "dev1", "kid_x", AccessTokenTTLSec)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := VerifyAccessToken(signingKey, tok, "sys1", "dev1", "kid_x")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Sid != "sys1" || claims.Did != "dev1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := VerifyAccessToken(signingKey, tok, "sys1", "dev1", "kid_other"); err == nil {
		t.Fatalf("expected mismatch error for wrong kid")
	}
	if _, err := VerifyAccessToken("different-key", tok, "sys1", "dev1", "kid_x"); err == nil {
		t.Fatalf("expected invalid error for wrong signing key")
	}
}

func TestAccessTokenExpired(t *testing.T) {
	signingKey := GenerateSigningKeySeed()
	tok, err := IssueAccessToken(signingKey, "sys1", "dev1", "kid_x", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := VerifyAccessToken(signingKey, tok, "sys1", "dev1", "kid_x"); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	token, session := IssueRefreshSession("sys1", "dev1", "kid_x", "crd_1")
	sessionID, secret, err := ParseRefreshToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sessionID != session.SessionID {
		t.Fatalf("session id mismatch")
	}
	if sha256Hex([]byte(secret)) != session.RefreshSecretHash {
		t.Fatalf("secret does not hash to stored value")
	}
}

func TestPairingTicketReplay(t *testing.T) {
	nonces := NewNonceSet()
	ticket := GeneratePairingTicket("sys1", "ptk_1", 300)

	if e := VerifyPairingTicket(ticket, "sys1", "ptk_1", nonces, true); !TicketOK(e) {
		t.Fatalf("expected first verification to succeed, got %v", e)
	}
	if e := VerifyPairingTicket(ticket, "sys1", "ptk_1", nonces, true); e != TicketErrReplay {
		t.Fatalf("expected replay on second consume, got %v", e)
	}
}

func TestPairingTicketSystemMismatch(t *testing.T) {
	nonces := NewNonceSet()
	ticket := GeneratePairingTicket("sys1", "ptk_1", 300)
	if e := VerifyPairingTicket(ticket, "sys2", "ptk_1", nonces, true); e != TicketErrSystemMismatch {
		t.Fatalf("expected system mismatch, got %v", e)
	}
}

func TestAuthorizePairToken(t *testing.T) {
	if d, ok := AuthorizePairToken(false, false, "", "ptk_1"); d != DecisionInitialize || !ok {
		t.Fatalf("expected Initialize for new room, got %v/%v", d, ok)
	}
	if d, ok := AuthorizePairToken(true, true, "ptk_1", "ptk_1"); d != DecisionAllow || !ok {
		t.Fatalf("expected Allow for matching token, got %v/%v", d, ok)
	}
	if d, ok := AuthorizePairToken(true, false, "ptk_1", "ptk_2"); d != DecisionRotate || !ok {
		t.Fatalf("expected Rotate when no sidecar online, got %v/%v", d, ok)
	}
	if _, ok := AuthorizePairToken(true, true, "ptk_1", "ptk_2"); ok {
		t.Fatalf("expected rejection when sidecar online and token differs")
	}
}

func TestPopPayloadsUseNewlineSeparator(t *testing.T) {
	payloads := []string{
		WsPopPayload("sid", "did", "kid", 123, "nonce"),
		PairExchangePayload("sid", "did", "kid"),
		AuthRefreshPayload("sid", "did", "kid", 123, "nonce"),
		AuthRevokePayload("sid", "did", "target", "kid", 123, "nonce"),
		AuthListPayload("sid", "did", "kid", 123, "nonce"),
	}
	for _, p := range payloads {
		if !contains(p, "\n") {
			t.Fatalf("payload missing newline separator: %q", p)
		}
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
