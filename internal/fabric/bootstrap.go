package fabric

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/yourconnector/yc/internal/apierr"
	"github.com/yourconnector/yc/internal/credential"
)

// RelayPublicWsURL resolves the WS address advertised in pairing links.
func RelayPublicWsURL() string {
	if v := strings.TrimSpace(os.Getenv("RELAY_PUBLIC_WS_URL")); v != "" {
		return v
	}
	return "ws://127.0.0.1:18080/v1/ws"
}

func normalizeHostName(raw, fallback string) string {
	trimmed := trimSpace(raw)
	if trimmed == "" {
		return truncateRunes(fallback, 64)
	}
	return truncateRunes(trimmed, 64)
}

func normalizeTTLSec(raw uint64) uint64 {
	if raw == 0 {
		raw = credential.DefaultPairTicketTTLSec
	}
	if raw < credential.MinPairTicketTTLSec {
		return credential.MinPairTicketTTLSec
	}
	if raw > credential.MaxPairTicketTTLSec {
		return credential.MaxPairTicketTTLSec
	}
	return raw
}

// buildPairBootstrapData assembles the scannable `yc://pair` link plus the
// companion ticket, code and simctl helper command.
func buildPairBootstrapData(relayWsURL, systemID, pairToken, hostName string, includeCode bool, ttlSec uint64) BootstrapData {
	ticket := credential.GeneratePairingTicket(systemID, pairToken, ttlSec)
	pairCode := fmt.Sprintf("%s.%s", systemID, pairToken)

	link := &url.URL{Scheme: "yc", Opaque: "", Host: "pair"}
	q := url.Values{}
	q.Set("relay", relayWsURL)
	q.Set("sid", systemID)
	q.Set("ticket", ticket)
	if trimSpace(hostName) != "" {
		q.Set("name", trimSpace(hostName))
	}
	if includeCode {
		q.Set("code", pairCode)
	}
	link.RawQuery = q.Encode()
	pairLink := "yc://pair?" + link.RawQuery

	data := BootstrapData{
		PairLink:      pairLink,
		PairTicket:    ticket,
		RelayWsURL:    relayWsURL,
		SystemID:      systemID,
		HostName:      hostName,
		SimctlCommand: fmt.Sprintf("xcrun simctl openurl booted \"%s\"", pairLink),
	}
	if includeCode {
		data.PairCode = pairCode
	}
	return data
}

// IssuePairBootstrap builds the pairing link for an already-online, token-matching
// sidecar.
func (h *Hub) IssuePairBootstrap(req BootstrapRequest) (*BootstrapData, *apierr.Error) {
	systemID := trimSpace(req.SystemID)
	pairToken := trimSpace(req.PairToken)
	if systemID == "" || pairToken == "" {
		return nil, apierr.New(400, apierr.CodeMissingCredentials, "systemId/pairToken must not be empty", "请检查输入后重试")
	}

	h.roomsMu.RLock()
	room, ok := h.rooms[systemID]
	h.roomsMu.RUnlock()
	if !ok || !room.HasOnlineSidecar() {
		return nil, apierr.New(401, apierr.CodeSystemNotRegistered, "host sidecar is not online", "请先启动 sidecar")
	}
	if room.PairToken != pairToken {
		return nil, apierr.New(401, apierr.CodePairTokenMismatch, "pairToken does not match", "请使用最新配对信息")
	}

	relayWsURL := trimSpace(req.RelayWsURL)
	if relayWsURL == "" {
		relayWsURL = RelayPublicWsURL()
	}
	hostName := normalizeHostName(req.HostName, systemID)
	ttlSec := normalizeTTLSec(req.TTLSec)

	data := buildPairBootstrapData(relayWsURL, systemID, pairToken, hostName, req.IncludeCode, ttlSec)
	return &data, nil
}
