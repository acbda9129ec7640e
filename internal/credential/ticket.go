package credential

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// TicketError enumerates the distinguishable pairing-ticket verification failures,
// mirroring the reference implementation's `PairTicketError` enum so that callers can
// map each to its own stable API error code.
type TicketError int

const (
	TicketSuccess TicketError = iota - 1
	TicketErrEmpty
	TicketErrFormat
	TicketErrSignatureFormat
	TicketErrSignatureVerify
	TicketErrPayload
	TicketErrClaims
	TicketErrSystemMismatch
	TicketErrEmptyNonce
	TicketErrExpired
	TicketErrIatInvalid
	TicketErrReplay
)

// GeneratePairingTicket mints a `pct_v1.<payload>.<hmac>` ticket HMAC-keyed by the
// system's current pairToken.
func GeneratePairingTicket(systemID, pairToken string, ttlSec uint64) string {
	now := unixNow()
	claims := PairTicketClaims{Sid: systemID, Iat: now, Exp: now + ttlSec, Nonce: uuid.NewString()}
	payloadB64, _ := encodePayload(claims)
	sig := hmacB64URL(pairTicketKey(pairToken), []byte(payloadB64))
	return "pct_v1." + payloadB64 + "." + sig
}

// VerifyPairingTicket validates format, HMAC, system match, non-empty nonce, expiry,
// issued-at skew (<=30s), and replay (via ticketNonces), optionally consuming the
// nonce so that preflight calls can check without spending it.
func VerifyPairingTicket(ticket, systemID, pairToken string, ticketNonces *NonceSet, consume bool) TicketError {
	if ticket == "" {
		return TicketErrEmpty
	}
	parts := strings.Split(ticket, ".")
	if len(parts) != 3 || parts[0] != "pct_v1" {
		return TicketErrFormat
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sigBytes) == 0 {
		return TicketErrSignatureFormat
	}
	expectedSig := hmacB64URL(pairTicketKey(pairToken), []byte(parts[1]))
	if !constantTimeEq(expectedSig, parts[2]) {
		return TicketErrSignatureVerify
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TicketErrPayload
	}
	var claims PairTicketClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return TicketErrClaims
	}
	if claims.Sid != systemID {
		return TicketErrSystemMismatch
	}
	if claims.Nonce == "" {
		return TicketErrEmptyNonce
	}
	now := unixNow()
	if claims.Exp <= now {
		return TicketErrExpired
	}
	if claims.Iat > now+30 {
		return TicketErrIatInvalid
	}
	if consume {
		if !ticketNonces.Consume(claims.Nonce, now, claims.Exp-now, NonceGraceSec) {
			return TicketErrReplay
		}
	} else if !ticketNonces.Peek(claims.Nonce, now) {
		return TicketErrReplay
	}
	return TicketSuccess
}

// TicketOK reports whether a TicketError value represents success.
func TicketOK(e TicketError) bool { return e == TicketSuccess }

// PairTicketErrorToAPI maps a TicketError to its HTTP status and stable error code.
func PairTicketErrorToAPI(e TicketError) (status int, code string) {
	switch e {
	case TicketErrEmpty:
		return 400, "MISSING_CREDENTIALS"
	case TicketErrExpired:
		return 401, "PAIR_TICKET_EXPIRED"
	case TicketErrReplay:
		return 401, "PAIR_TICKET_REPLAYED"
	default:
		return 401, "PAIR_TICKET_INVALID"
	}
}
