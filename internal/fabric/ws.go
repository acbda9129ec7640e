package fabric

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yourconnector/yc/internal/apierr"
	"github.com/yourconnector/yc/internal/credential"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandshakeQuery mirrors the WS query parameters the specification requires.
type HandshakeQuery struct {
	SystemID    string
	ClientType  string
	DeviceID    string
	PairToken   string
	PairTicket  string
	HostName    string
	AccessToken string
	KeyID       string
	Ts          string
	Nonce       string
	Sig         string
}

// normalizeClientType maps the legacy "mobile" alias onto "app".
func normalizeClientType(raw string) string {
	if raw == "mobile" {
		return "app"
	}
	return raw
}

// ServeWS handles GET /v1/ws: validates the handshake, authorizes the connection
// against the room table / auth store, and on success upgrades and runs the
// session loop until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hs := HandshakeQuery{
		SystemID:    q.Get("systemId"),
		ClientType:  normalizeClientType(q.Get("clientType")),
		DeviceID:    q.Get("deviceId"),
		PairToken:   q.Get("pairToken"),
		PairTicket:  q.Get("pairTicket"),
		HostName:    q.Get("hostName"),
		AccessToken: q.Get("accessToken"),
		KeyID:       q.Get("keyId"),
		Ts:          q.Get("ts"),
		Nonce:       q.Get("nonce"),
		Sig:         q.Get("sig"),
	}

	if hs.SystemID == "" || hs.ClientType == "" || hs.DeviceID == "" {
		apierr.WriteError(w, apierr.New(400, apierr.CodeMissingCredentials, "systemId/clientType/deviceId required", "请检查连接参数"))
		return
	}

	if aerr := h.authorizeConnection(hs); aerr != nil {
		apierr.WriteError(w, aerr)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", slog.String("err", err.Error()))
		return
	}
	h.handleSocket(conn, hs)
}

// authorizeConnection dispatches to the sidecar or app authorization path. Apps
// are forbidden from presenting pairToken/pairTicket on this endpoint: they must
// have completed exchange and present accessToken+PoP.
func (h *Hub) authorizeConnection(hs HandshakeQuery) *apierr.Error {
	switch ClientType(hs.ClientType) {
	case ClientSidecar:
		return h.authorizeSidecar(hs)
	case ClientApp:
		if hs.PairToken != "" || hs.PairTicket != "" {
			return apierr.New(400, apierr.CodePairTokenNotSupported, "app connections must not present pairToken/pairTicket", "请改用 accessToken")
		}
		if hs.AccessToken == "" || hs.KeyID == "" {
			return apierr.New(400, apierr.CodeMissingCredentials, "accessToken/keyId required", "请重新登录设备")
		}
		return h.authorizeAppWithAccess(hs)
	default:
		return apierr.New(400, apierr.CodeMissingCredentials, "clientType must be app or sidecar", "请检查连接参数")
	}
}

func (h *Hub) authorizeSidecar(hs HandshakeQuery) *apierr.Error {
	h.roomsMu.Lock()
	room, exists := h.rooms[hs.SystemID]
	var hasSidecar bool
	var currentToken string
	if exists {
		hasSidecar = room.HasOnlineSidecar()
		currentToken = room.PairToken
	}
	decision, ok := credential.AuthorizePairToken(exists, hasSidecar, currentToken, hs.PairToken)
	if !ok {
		h.roomsMu.Unlock()
		return apierr.New(401, apierr.CodePairTokenMismatch, "pairToken does not match", "请使用最新配对信息")
	}
	switch decision {
	case credential.DecisionInitialize:
		h.rooms[hs.SystemID] = newSystemRoom(hs.PairToken)
	case credential.DecisionRotate:
		room.mu.Lock()
		room.PairToken = hs.PairToken
		room.mu.Unlock()
	case credential.DecisionAllow:
		// nothing to change
	}
	h.roomsMu.Unlock()

	if decision == credential.DecisionRotate || decision == credential.DecisionInitialize {
		h.persistPairTokenMeta(hs.SystemID, hs.PairToken)
	}
	return nil
}

func (h *Hub) persistPairTokenMeta(systemID, pairToken string) {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	system := h.authStore.SystemMut(systemID)
	hash := credential.HashSecretExport(pairToken)
	now := credential.NowRFC3339NanosExport()
	system.PairTokenHash = &hash
	system.PairTokenUpdatedAt = &now
	if err := h.persistLocked(); err != nil {
		h.logger.Error("persist pair token metadata failed", slog.String("err", err.Error()))
	}
}

func (h *Hub) authorizeAppWithAccess(hs HandshakeQuery) *apierr.Error {
	ts, terr := credential.ParseTs(hs.Ts)
	if terr != nil {
		return apierr.New(400, apierr.CodeAccessSignatureExpired, "invalid timestamp", "请刷新后重试")
	}
	if werr := credential.VerifyTsWindow(ts); werr != nil {
		return apierr.New(401, apierr.CodeAccessSignatureExpired, "timestamp outside allowed window", "请重新发起请求")
	}

	h.roomsMu.RLock()
	room, ok := h.rooms[hs.SystemID]
	h.roomsMu.RUnlock()
	if !ok || !room.HasOnlineSidecar() {
		return apierr.New(401, apierr.CodeSystemNotRegistered, "host sidecar is not online", "请先启动 sidecar")
	}

	if !room.AppNonces.Consume(hs.Nonce, credential.UnixNowExport(), credential.PopMaxSkewSec, credential.NonceGraceSec) {
		return apierr.New(401, apierr.CodeAccessSignatureReplayed, "nonce already used", "请重新发起请求")
	}

	h.authMu.RLock()
	_, verr := credential.VerifyAccessToken(h.authStore.SigningKey, hs.AccessToken, hs.SystemID, hs.DeviceID, hs.KeyID)
	var device *credential.DeviceCredential
	if verr == nil {
		if system, exists := h.authStore.SystemRef(hs.SystemID); exists {
			device = system.Devices[hs.DeviceID]
		}
	}
	h.authMu.RUnlock()
	if verr != nil {
		return mapAccessTokenError(verr)
	}
	if device == nil {
		return apierr.New(404, apierr.CodeDeviceNotFound, "unknown device", "请重新配对")
	}
	if device.Status != credential.DeviceActive {
		return apierr.New(401, apierr.CodeDeviceRevoked, "device revoked", "请重新配对")
	}

	payload := credential.WsPopPayload(hs.SystemID, hs.DeviceID, hs.KeyID, ts, hs.Nonce)
	if perr := credential.VerifyPoPSignature(device.PublicKey, payload, hs.Sig); perr != nil {
		return apierr.New(401, apierr.CodePairProofInvalid, "proof of possession failed", "请重新发起请求")
	}

	h.touchDeviceLastSeen(hs.SystemID, hs.DeviceID)
	return nil
}

func (h *Hub) touchDeviceLastSeen(systemID, deviceID string) {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	if system, ok := h.authStore.SystemRef(systemID); ok {
		if device, ok := system.Devices[deviceID]; ok {
			device.LastSeenAt = credential.NowRFC3339NanosExport()
			_ = h.persistLocked()
		}
	}
}

// handleSocket runs the full connection lifecycle: register, presence, reader
// loop with sanitize+broadcast, writer goroutine, and cleanup on exit.
func (h *Hub) handleSocket(conn *websocket.Conn, hs HandshakeQuery) {
	connID := uuid.NewString()
	handle := NewClientHandle(ClientType(hs.ClientType), hs.DeviceID, conn)

	h.roomsMu.Lock()
	room, ok := h.rooms[hs.SystemID]
	if !ok {
		room = newSystemRoom(hs.PairToken)
		h.rooms[hs.SystemID] = room
	}
	h.roomsMu.Unlock()
	room.insert(connID, handle)

	writerDone := make(chan struct{})
	go h.writerLoop(conn, handle, writerDone)

	room.sendTo(connID, serverPresenceFrame(hs.SystemID, hs.ClientType, hs.DeviceID))

	h.readerLoop(conn, room, connID, hs)

	close(handle.Send)
	<-writerDone
	_ = conn.Close()
	h.disconnect(hs.SystemID, connID)
}

func (h *Hub) writerLoop(conn *websocket.Conn, handle *ClientHandle, done chan struct{}) {
	defer close(done)
	for frame := range handle.Send {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (h *Hub) readerLoop(conn *websocket.Conn, room *SystemRoom, connID string, hs HandshakeQuery) {
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue // binary frames are ignored per the wire contract
		}
		sanitized, serr := sanitizeEnvelope(raw, hs.SystemID, hs.ClientType, hs.DeviceID)
		if serr != nil {
			h.logger.Warn("dropping malformed envelope", slog.String("systemId", hs.SystemID), slog.String("err", serr.Error()))
			continue
		}
		room.broadcast(connID, sanitized)
	}
}

// disconnect removes a connection from its room and, if the room should now be
// dropped (empty or sidecar-less), closes every remaining client and deletes the
// room from the table.
func (h *Hub) disconnect(systemID, connID string) {
	h.roomsMu.Lock()
	room, ok := h.rooms[systemID]
	if !ok {
		h.roomsMu.Unlock()
		return
	}
	shouldDrop, remaining := room.remove(connID)
	if shouldDrop {
		delete(h.rooms, systemID)
	}
	h.roomsMu.Unlock()

	if shouldDrop {
		for _, c := range remaining {
			c.closeWithFrame()
		}
	}
}
