package credential

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTs parses a decimal unix-seconds timestamp string.
func ParseTs(raw string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp")
	}
	return v, nil
}

// VerifyTsWindow rejects timestamps more than PopMaxSkewSec away from now.
func VerifyTsWindow(ts uint64) error {
	now := unixNow()
	if ts+PopMaxSkewSec < now || ts > now+PopMaxSkewSec {
		return fmt.Errorf("timestamp outside allowed window")
	}
	return nil
}

// The five canonical newline-joined PoP payload shapes. Each binds a purpose tag to
// the request's identifying fields so signatures cannot be replayed across purposes.

func WsPopPayload(systemID, deviceID, keyID string, ts uint64, nonce string) string {
	return fmt.Sprintf("ws\n%s\n%s\n%s\n%d\n%s", systemID, deviceID, keyID, ts, nonce)
}

func PairExchangePayload(systemID, deviceID, keyID string) string {
	return fmt.Sprintf("pair-exchange\n%s\n%s\n%s", systemID, deviceID, keyID)
}

func AuthRefreshPayload(systemID, deviceID, keyID string, ts uint64, nonce string) string {
	return fmt.Sprintf("auth-refresh\n%s\n%s\n%s\n%d\n%s", systemID, deviceID, keyID, ts, nonce)
}

func AuthRevokePayload(systemID, deviceID, targetDeviceID, keyID string, ts uint64, nonce string) string {
	return fmt.Sprintf("auth-revoke\n%s\n%s\n%s\n%s\n%d\n%s", systemID, deviceID, targetDeviceID, keyID, ts, nonce)
}

func AuthListPayload(systemID, deviceID, keyID string, ts uint64, nonce string) string {
	return fmt.Sprintf("auth-list-devices\n%s\n%s\n%s\n%d\n%s", systemID, deviceID, keyID, ts, nonce)
}
