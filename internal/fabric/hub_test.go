package fabric

import (
	"crypto/ed25519"
	"encoding/base64"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/yourconnector/yc/internal/credential"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub, err := NewHub(testLogger(), tempAuthStorePath(t))
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	return hub
}

// withOnlineSidecar registers a fake sidecar connection (no real net.Conn) in a
// fresh room so pairing/exchange flows see "host sidecar is online".
func withOnlineSidecar(h *Hub, systemID, pairToken string) {
	h.roomsMu.Lock()
	room := newSystemRoom(pairToken)
	room.insert("fake-sidecar-conn", NewClientHandle(ClientSidecar, "dev-sidecar", nil))
	h.rooms[systemID] = room
	h.roomsMu.Unlock()
}

func newDeviceKeypair(t *testing.T) (pubB64 string, priv ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(pub), priv
}

func TestExchangeDeviceCredentialFullFlow(t *testing.T) {
	hub := newTestHub(t)
	systemID, pairToken, deviceID := "sys1", "ptk_1", "dev1"
	withOnlineSidecar(hub, systemID, pairToken)

	ticket := credential.GeneratePairingTicket(systemID, pairToken, 300)
	pub, priv := newDeviceKeypair(t)
	keyID, err := credential.KeyIDForPublicKey(pub)
	if err != nil {
		t.Fatalf("key id: %v", err)
	}
	payload := credential.PairExchangePayload(systemID, deviceID, keyID)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(payload)))

	result, aerr := hub.ExchangeDeviceCredential(ExchangeRequest{
		SystemID:     systemID,
		DeviceID:     deviceID,
		DeviceName:   "My Phone",
		PairTicket:   ticket,
		DevicePubKey: pub,
		KeyID:        keyID,
		Proof:        sig,
	})
	if aerr != nil {
		t.Fatalf("exchange failed: %+v", aerr)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatalf("expected non-empty tokens, got %+v", result)
	}

	// Replaying the same ticket must fail (single-use).
	if _, aerr := hub.ExchangeDeviceCredential(ExchangeRequest{
		SystemID: systemID, DeviceID: deviceID, PairTicket: ticket,
		DevicePubKey: pub, KeyID: keyID, Proof: sig,
	}); aerr == nil {
		t.Fatalf("expected replay rejection on second exchange with the same ticket")
	}

	// Refresh rotates to a new access/refresh pair.
	ts := time.Now().Unix()
	refreshPayload := credential.AuthRefreshPayload(systemID, deviceID, keyID, uint64(ts), "nonce-1")
	refreshSig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(refreshPayload)))
	refreshed, aerr := hub.RefreshDeviceCredential(RefreshRequest{
		SystemID: systemID, DeviceID: deviceID, RefreshToken: result.RefreshToken,
		KeyID: keyID, Ts: formatTs(ts), Nonce: "nonce-1", Sig: refreshSig,
	})
	if aerr != nil {
		t.Fatalf("refresh failed: %+v", aerr)
	}
	if refreshed.AccessToken == result.AccessToken {
		t.Fatalf("refresh must issue a new access token")
	}

	// The old refresh token is now revoked and cannot be reused.
	ts2 := time.Now().Unix()
	replayPayload := credential.AuthRefreshPayload(systemID, deviceID, keyID, uint64(ts2), "nonce-2")
	replaySig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(replayPayload)))
	if _, aerr := hub.RefreshDeviceCredential(RefreshRequest{
		SystemID: systemID, DeviceID: deviceID, RefreshToken: result.RefreshToken,
		KeyID: keyID, Ts: formatTs(ts2), Nonce: "nonce-2", Sig: replaySig,
	}); aerr == nil {
		t.Fatalf("expected the rotated-away refresh token to be rejected")
	}

	// List devices requires a valid access-token + PoP signature.
	ts3 := time.Now().Unix()
	listPayload := credential.AuthListPayload(systemID, deviceID, keyID, uint64(ts3), "nonce-3")
	listSig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(listPayload)))
	devices, aerr := hub.ListDevices(systemID, deviceID, refreshed.AccessToken, keyID, formatTs(ts3), "nonce-3", listSig)
	if aerr != nil {
		t.Fatalf("list devices failed: %+v", aerr)
	}
	if len(devices) != 1 || devices[0].DeviceID != deviceID {
		t.Fatalf("unexpected device list: %+v", devices)
	}

	// Revoke the device, then confirm it can no longer list.
	ts4 := time.Now().Unix()
	revokePayload := credential.AuthRevokePayload(systemID, deviceID, deviceID, keyID, uint64(ts4), "nonce-4")
	revokeSig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(revokePayload)))
	if aerr := hub.RevokeDevice(RevokeRequest{
		SystemID: systemID, DeviceID: deviceID, TargetDeviceID: deviceID,
		AccessToken: refreshed.AccessToken, KeyID: keyID, Ts: formatTs(ts4), Nonce: "nonce-4", Sig: revokeSig,
	}); aerr != nil {
		t.Fatalf("revoke failed: %+v", aerr)
	}

	ts5 := time.Now().Unix()
	listPayload2 := credential.AuthListPayload(systemID, deviceID, keyID, uint64(ts5), "nonce-5")
	listSig2 := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(listPayload2)))
	if _, aerr := hub.ListDevices(systemID, deviceID, refreshed.AccessToken, keyID, formatTs(ts5), "nonce-5", listSig2); aerr == nil {
		t.Fatalf("expected a revoked device's credential to be rejected")
	}
}

func TestIssuePairBootstrapRequiresMatchingSidecar(t *testing.T) {
	hub := newTestHub(t)
	withOnlineSidecar(hub, "sys1", "ptk_1")

	data, aerr := hub.IssuePairBootstrap(BootstrapRequest{SystemID: "sys1", PairToken: "ptk_1", HostName: "My Mac"})
	if aerr != nil {
		t.Fatalf("bootstrap failed: %+v", aerr)
	}
	if data.PairLink == "" || data.PairTicket == "" {
		t.Fatalf("expected a populated bootstrap payload, got %+v", data)
	}

	if _, aerr := hub.IssuePairBootstrap(BootstrapRequest{SystemID: "sys1", PairToken: "wrong"}); aerr == nil {
		t.Fatalf("expected rejection for a mismatched pairToken")
	}
	if _, aerr := hub.IssuePairBootstrap(BootstrapRequest{SystemID: "sys-unknown", PairToken: "ptk_1"}); aerr == nil {
		t.Fatalf("expected rejection for a system with no online sidecar")
	}
}

func TestSnapshotReportsRoomOccupancy(t *testing.T) {
	hub := newTestHub(t)
	withOnlineSidecar(hub, "sys1", "ptk_1")
	snap := hub.Snapshot()
	if snap["sys1"] != 1 {
		t.Fatalf("expected 1 connected client, got %d", snap["sys1"])
	}
}

func formatTs(unix int64) string {
	return strconv.FormatInt(unix, 10)
}
