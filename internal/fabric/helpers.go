package fabric

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/yourconnector/yc/internal/credential"
)

func randomID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimSpace(s string) string { return strings.TrimSpace(s) }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func uint64Now() uint64 { return credential.UnixNowExport() }
