package fabric

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/yourconnector/yc/internal/apierr"
	"github.com/yourconnector/yc/internal/credential"
)

// Hub is the relay's top-level shared state: the live room table and the
// persisted auth store, guarded by their own locks per the concurrency model in
// SPEC_FULL.md §5.
type Hub struct {
	logger *slog.Logger

	roomsMu sync.RWMutex
	rooms   map[string]*SystemRoom

	authMu        sync.RWMutex
	authStore     *credential.AuthStore
	authStorePath string

	authNonces *credential.NonceSet

	onAudit func(action, systemID, deviceID, detail string)
}

// NewHub loads the auth store from path and constructs an empty room table.
func NewHub(logger *slog.Logger, authStorePath string) (*Hub, error) {
	store, err := credential.LoadAuthStore(authStorePath)
	if err != nil {
		return nil, err
	}
	return &Hub{
		logger:        logger,
		rooms:         make(map[string]*SystemRoom),
		authStore:     store,
		authStorePath: authStorePath,
		authNonces:    credential.NewNonceSet(),
	}, nil
}

// OnAudit registers a sink invoked after each successful pair exchange, refresh
// rotation and device revocation; nil by default. Pair-token rotation and
// lastSeenAt updates are not reported to it.
func (h *Hub) OnAudit(fn func(action, systemID, deviceID, detail string)) { h.onAudit = fn }

func (h *Hub) audit(action, systemID, deviceID, detail string) {
	if h.onAudit != nil {
		h.onAudit(action, systemID, deviceID, detail)
	}
}

// Snapshot returns per-system connection counts for the debug endpoint.
func (h *Hub) Snapshot() map[string]int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for id, room := range h.rooms {
		out[id] = room.clientCount()
	}
	return out
}

// persistLocked re-serializes the auth store to disk. Caller must hold authMu
// (read or write) consistent with the mutation already applied.
func (h *Hub) persistLocked() error {
	if err := credential.PersistAuthStore(h.authStorePath, h.authStore); err != nil {
		return fmt.Errorf("persist auth store: %w", err)
	}
	return nil
}

// PreflightPairCredentials verifies a ticket without consuming its nonce.
func (h *Hub) PreflightPairCredentials(systemID, deviceID, legacyPairToken, pairTicket string) (credential.PairAuthMode, *apierr.Error) {
	if systemID == "" || deviceID == "" {
		return "", apierr.New(400, apierr.CodeMissingCredentials, "systemId/deviceId must not be empty", "请检查配对信息")
	}
	if legacyPairToken != "" {
		return "", apierr.New(400, apierr.CodePairTokenNotSupported, "app pairing no longer accepts pairToken", "请改用 sid + pairTicket")
	}
	return h.verifyPairTicket(systemID, pairTicket, false)
}

func (h *Hub) verifyPairTicket(systemID, pairTicket string, consume bool) (credential.PairAuthMode, *apierr.Error) {
	h.roomsMu.Lock()
	room, ok := h.rooms[systemID]
	h.roomsMu.Unlock()
	if !ok || !room.HasOnlineSidecar() {
		return "", apierr.New(401, apierr.CodeSystemNotRegistered, "host sidecar is not online", "请先启动 sidecar")
	}
	if pairTicket == "" {
		return "", apierr.New(400, apierr.CodeMissingCredentials, "missing pairTicket", "请重新扫码或重新导入配对链接")
	}
	result := credential.VerifyPairingTicket(pairTicket, systemID, room.PairToken, room.TicketNonces, consume)
	if !credential.TicketOK(result) {
		status, code := credential.PairTicketErrorToAPI(result)
		return "", apierr.New(status, code, "pairing ticket rejected", "请重新扫码")
	}
	return credential.PairAuthModePairTicket, nil
}

// ExchangeDeviceCredential consumes a ticket, verifies PoP over the device public
// key, and issues a fresh (access, refresh) pair for the device.
func (h *Hub) ExchangeDeviceCredential(req ExchangeRequest) (*ExchangeResult, *apierr.Error) {
	if req.SystemID == "" || req.DeviceID == "" || req.KeyID == "" || req.DevicePubKey == "" || req.Proof == "" {
		return nil, apierr.New(400, apierr.CodeMissingCredentials, "exchange parameters incomplete", "请重新扫码或重新粘贴配对链接")
	}
	if req.LegacyPairToken != "" {
		return nil, apierr.New(400, apierr.CodePairTokenNotSupported, "app pairing no longer accepts pairToken", "请改用 sid + pairTicket")
	}

	authMode, err := h.verifyPairTicket(req.SystemID, req.PairTicket, true)
	if err != nil {
		return nil, err
	}

	expectedPayload := credential.PairExchangePayload(req.SystemID, req.DeviceID, req.KeyID)
	if verr := credential.VerifyPoPSignature(req.DevicePubKey, expectedPayload, req.Proof); verr != nil {
		return nil, apierr.New(401, apierr.CodePairProofInvalid, "device proof of possession failed", "请重新生成设备绑定信息后重试")
	}
	expectedKeyID, kerr := credential.KeyIDForPublicKey(req.DevicePubKey)
	if kerr != nil || expectedKeyID != req.KeyID {
		return nil, apierr.New(401, apierr.CodePairProofInvalid, "keyId does not match device public key", "请重新生成设备绑定信息后重试")
	}

	h.authMu.Lock()
	defer h.authMu.Unlock()

	signingKey := h.authStore.SigningKey
	system := h.authStore.SystemMut(req.SystemID)

	nowText := credential.NowRFC3339NanosExport()
	deviceName := normalizeDeviceName(req.DeviceName, req.DeviceID)
	credentialID := "crd_" + randomID()

	system.Devices[req.DeviceID] = &credential.DeviceCredential{
		DeviceID:   req.DeviceID,
		DeviceName: deviceName,
		KeyID:      req.KeyID,
		PublicKey:  req.DevicePubKey,
		Status:     credential.DeviceActive,
		CreatedAt:  nowText,
		LastSeenAt: nowText,
	}

	accessToken, aerr := credential.IssueAccessToken(signingKey, req.SystemID, req.DeviceID, req.KeyID, credential.AccessTokenTTLSec)
	if aerr != nil {
		return nil, apierr.Internal(aerr.Error())
	}
	refreshToken, session := credential.IssueRefreshSession(req.SystemID, req.DeviceID, req.KeyID, credentialID)
	system.RefreshSessions[session.SessionID] = session

	if perr := h.persistLocked(); perr != nil {
		return nil, apierr.Internal(perr.Error())
	}
	h.audit("pair.exchange", req.SystemID, req.DeviceID, credentialID)

	return &ExchangeResult{
		AuthMode:            authMode,
		AccessToken:         accessToken,
		RefreshToken:        refreshToken,
		KeyID:               req.KeyID,
		CredentialID:        credentialID,
		AccessExpiresInSec:  credential.AccessTokenTTLSec,
		RefreshExpiresInSec: credential.RefreshTokenTTLSec,
	}, nil
}

func normalizeDeviceName(raw, fallback string) string {
	trimmed := trimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	return truncateRunes(trimmed, 64)
}

// RefreshDeviceCredential rotates a refresh session after full PoP + replay checks.
func (h *Hub) RefreshDeviceCredential(req RefreshRequest) (*ExchangeResult, *apierr.Error) {
	ts, terr := credential.ParseTs(req.Ts)
	if terr != nil {
		return nil, apierr.New(400, apierr.CodeAccessSignatureExpired, "invalid timestamp", "请刷新后重试")
	}
	if werr := credential.VerifyTsWindow(ts); werr != nil {
		return nil, apierr.New(401, apierr.CodeAccessSignatureExpired, "timestamp outside allowed window", "请重新发起请求")
	}

	h.authMu.Lock()
	defer h.authMu.Unlock()

	if !h.authNonces.Consume(req.Nonce, uint64Now(), credential.PopMaxSkewSec, credential.NonceGraceSec) {
		return nil, apierr.New(401, apierr.CodeAccessSignatureReplayed, "nonce already used", "请重新发起请求")
	}

	sessionID, secret, perr := credential.ParseRefreshToken(req.RefreshToken)
	if perr != nil {
		return nil, apierr.New(401, apierr.CodeRefreshTokenInvalid, "malformed refresh token", "请重新登录设备")
	}

	system, ok := h.authStore.SystemRef(req.SystemID)
	if !ok {
		return nil, apierr.New(401, apierr.CodeRefreshTokenInvalid, "unknown system", "请重新登录设备")
	}
	session, ok := system.RefreshSessions[sessionID]
	if !ok {
		return nil, apierr.New(401, apierr.CodeRefreshTokenInvalid, "unknown refresh session", "请重新登录设备")
	}
	if session.RevokedAt != nil {
		return nil, apierr.New(401, apierr.CodeRefreshTokenInvalid, "refresh session revoked", "请重新登录设备")
	}
	if session.ExpiresAt <= uint64Now() {
		return nil, apierr.New(401, apierr.CodeRefreshTokenExpired, "refresh session expired", "请重新登录设备")
	}
	if credential.HashSecretExport(secret) != session.RefreshSecretHash {
		return nil, apierr.New(401, apierr.CodeRefreshTokenInvalid, "secret does not match", "请重新登录设备")
	}
	if session.DeviceID != req.DeviceID || session.KeyID != req.KeyID {
		return nil, apierr.New(401, apierr.CodeRefreshTokenInvalid, "device/key mismatch", "请重新登录设备")
	}
	device, ok := system.Devices[req.DeviceID]
	if !ok || device.Status != credential.DeviceActive {
		return nil, apierr.New(401, apierr.CodeDeviceRevoked, "device is not active", "请重新配对")
	}

	expectedPayload := credential.AuthRefreshPayload(req.SystemID, req.DeviceID, req.KeyID, ts, req.Nonce)
	if verr := credential.VerifyPoPSignature(device.PublicKey, expectedPayload, req.Sig); verr != nil {
		return nil, apierr.New(401, apierr.CodePairProofInvalid, "proof of possession failed", "请重新登录设备")
	}

	revokedAt := credential.NowRFC3339NanosExport()
	session.RevokedAt = &revokedAt

	accessToken, aerr := credential.IssueAccessToken(h.authStore.SigningKey, req.SystemID, req.DeviceID, req.KeyID, credential.AccessTokenTTLSec)
	if aerr != nil {
		return nil, apierr.Internal(aerr.Error())
	}
	refreshToken, newSession := credential.IssueRefreshSession(req.SystemID, req.DeviceID, req.KeyID, session.CredentialID)
	newSession.RotatedFrom = &session.SessionID
	system.RefreshSessions[newSession.SessionID] = newSession

	if perr := h.persistLocked(); perr != nil {
		return nil, apierr.Internal(perr.Error())
	}
	h.audit("auth.refresh", req.SystemID, req.DeviceID, newSession.SessionID)

	return &ExchangeResult{
		AuthMode:            credential.PairAuthModePairTicket,
		AccessToken:         accessToken,
		RefreshToken:        refreshToken,
		KeyID:               req.KeyID,
		CredentialID:        session.CredentialID,
		AccessExpiresInSec:  credential.AccessTokenTTLSec,
		RefreshExpiresInSec: credential.RefreshTokenTTLSec,
	}, nil
}

// VerifyAccessHTTP is the composable access+PoP check shared by revoke/list.
func (h *Hub) VerifyAccessHTTP(systemID, deviceID, accessToken, keyID, tsRaw, nonce, sig, payload string) *apierr.Error {
	ts, terr := credential.ParseTs(tsRaw)
	if terr != nil {
		return apierr.New(400, apierr.CodeAccessSignatureExpired, "invalid timestamp", "请刷新后重试")
	}
	if werr := credential.VerifyTsWindow(ts); werr != nil {
		return apierr.New(401, apierr.CodeAccessSignatureExpired, "timestamp outside allowed window", "请重新发起请求")
	}

	h.authMu.Lock()
	defer h.authMu.Unlock()

	if !h.authNonces.Consume(nonce, uint64Now(), credential.PopMaxSkewSec, credential.NonceGraceSec) {
		return apierr.New(401, apierr.CodeAccessSignatureReplayed, "nonce already used", "请重新发起请求")
	}
	if _, verr := credential.VerifyAccessToken(h.authStore.SigningKey, accessToken, systemID, deviceID, keyID); verr != nil {
		return mapAccessTokenError(verr)
	}
	system, ok := h.authStore.SystemRef(systemID)
	if !ok {
		return apierr.New(404, apierr.CodeDeviceNotFound, "unknown system", "请重新配对")
	}
	device, ok := system.Devices[deviceID]
	if !ok {
		return apierr.New(404, apierr.CodeDeviceNotFound, "unknown device", "请重新配对")
	}
	if device.Status != credential.DeviceActive {
		return apierr.New(401, apierr.CodeDeviceRevoked, "device revoked", "请重新配对")
	}
	if verr := credential.VerifyPoPSignature(device.PublicKey, payload, sig); verr != nil {
		return apierr.New(401, apierr.CodePairProofInvalid, "proof of possession failed", "请重新发起请求")
	}
	return nil
}

// RevokeDevice marks the target device REVOKED and revokes every one of its
// refresh sessions in the same write.
func (h *Hub) RevokeDevice(req RevokeRequest) *apierr.Error {
	payload := credential.AuthRevokePayload(req.SystemID, req.DeviceID, req.TargetDeviceID, req.KeyID, mustTs(req.Ts), req.Nonce)
	if aerr := h.VerifyAccessHTTP(req.SystemID, req.DeviceID, req.AccessToken, req.KeyID, req.Ts, req.Nonce, req.Sig, payload); aerr != nil {
		return aerr
	}

	h.authMu.Lock()
	defer h.authMu.Unlock()
	system, ok := h.authStore.SystemRef(req.SystemID)
	if !ok {
		return apierr.New(404, apierr.CodeDeviceNotFound, "unknown system", "请重新配对")
	}
	target, ok := system.Devices[req.TargetDeviceID]
	if !ok {
		return apierr.New(404, apierr.CodeDeviceNotFound, "unknown device", "请重新配对")
	}
	now := credential.NowRFC3339NanosExport()
	target.Status = credential.DeviceRevoked
	target.RevokedAt = &now
	for _, session := range system.RefreshSessions {
		if session.DeviceID == req.TargetDeviceID && session.RevokedAt == nil {
			session.RevokedAt = &now
		}
	}
	if perr := h.persistLocked(); perr != nil {
		return apierr.Internal(perr.Error())
	}
	h.audit("auth.revoke", req.SystemID, req.TargetDeviceID, "")
	return nil
}

// ListDevices returns every device credential for a system, sorted by deviceId.
func (h *Hub) ListDevices(systemID, deviceID, accessToken, keyID, ts, nonce, sig string) ([]*credential.DeviceCredential, *apierr.Error) {
	payload := credential.AuthListPayload(systemID, deviceID, keyID, mustTs(ts), nonce)
	if aerr := h.VerifyAccessHTTP(systemID, deviceID, accessToken, keyID, ts, nonce, sig, payload); aerr != nil {
		return nil, aerr
	}
	h.authMu.RLock()
	defer h.authMu.RUnlock()
	system, ok := h.authStore.SystemRef(systemID)
	if !ok {
		return nil, apierr.New(404, apierr.CodeDeviceNotFound, "unknown system", "请重新配对")
	}
	out := make([]*credential.DeviceCredential, 0, len(system.Devices))
	for _, d := range system.Devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func mapAccessTokenError(err error) *apierr.Error {
	switch err.Error() {
	case "ACCESS_TOKEN_EXPIRED":
		return apierr.New(401, apierr.CodeAccessTokenExpired, "access token expired", "请刷新后重试")
	case "ACCESS_TOKEN_MISMATCH":
		return apierr.New(401, apierr.CodeAccessTokenMismatch, "access token claims mismatch", "请重新登录设备")
	default:
		return apierr.New(401, apierr.CodeAccessTokenInvalid, "access token invalid", "请重新登录设备")
	}
}

func mustTs(raw string) uint64 {
	v, err := credential.ParseTs(raw)
	if err != nil {
		return 0
	}
	return v
}
