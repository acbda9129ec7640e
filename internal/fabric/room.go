// Package fabric implements the Connection Fabric: authenticated WebSocket rooms
// that fan sanitized envelopes out between one sidecar and N paired app devices per
// system, plus the stateful half of the Credential & Pairing Engine (the room table
// and auth store it reads/mutates).
package fabric

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourconnector/yc/internal/credential"
)

// ClientType distinguishes the two kinds of WS participants in a room.
type ClientType string

const (
	ClientApp     ClientType = "app"
	ClientSidecar ClientType = "sidecar"
)

// outboundQueueSize bounds each client's outbound buffer. A client whose buffer
// fills (slow or dead connection) is treated as stale and swept on the next
// broadcast, per the specification's backpressure policy.
const outboundQueueSize = 256

// ClientHandle is what the room table owns for one connected WS client: its
// identity and the sending half of its outbound channel. The connection's reader
// goroutine holds only a cloned reference for enqueueing presence/close frames.
type ClientHandle struct {
	ClientType ClientType
	DeviceID   string
	Send       chan []byte
	Conn       *websocket.Conn
}

// NewClientHandle allocates a client handle with its outbound buffer.
func NewClientHandle(clientType ClientType, deviceID string, conn *websocket.Conn) *ClientHandle {
	return &ClientHandle{ClientType: clientType, DeviceID: deviceID, Send: make(chan []byte, outboundQueueSize), Conn: conn}
}

// closeWithFrame pushes a WS close control frame and closes the underlying
// connection, unblocking that client's own reader goroutine.
func (c *ClientHandle) closeWithFrame() {
	if c.Conn == nil {
		return
	}
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed"),
		timeNowPlus())
	_ = c.Conn.Close()
}

// trySend enqueues a frame, reporting false (stale) if the buffer is full.
func (c *ClientHandle) trySend(frame []byte) bool {
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// SystemRoom is the in-memory live state for one system: its current pairToken,
// single-use nonce sets, and connected clients. A room exists only while at least
// one sidecar client is present.
type SystemRoom struct {
	mu           sync.Mutex
	PairToken    string
	TicketNonces *credential.NonceSet
	AppNonces    *credential.NonceSet
	Clients      map[string]*ClientHandle
}

func newSystemRoom(pairToken string) *SystemRoom {
	return &SystemRoom{
		PairToken:    pairToken,
		TicketNonces: credential.NewNonceSet(),
		AppNonces:    credential.NewNonceSet(),
		Clients:      make(map[string]*ClientHandle),
	}
}

// HasOnlineSidecar reports whether any connected client is a sidecar.
func (r *SystemRoom) HasOnlineSidecar() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Clients {
		if c.ClientType == ClientSidecar {
			return true
		}
	}
	return false
}

// insert registers a client connection under connID.
func (r *SystemRoom) insert(connID string, handle *ClientHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Clients[connID] = handle
}

// remove unregisters a client connection, returning whether the room should now be
// dropped (empty, or no sidecar remains) and the handles of any clients still
// present (to be closed by the caller when dropping).
func (r *SystemRoom) remove(connID string) (shouldDrop bool, remaining []*ClientHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Clients, connID)

	hasSidecar := false
	for _, c := range r.Clients {
		if c.ClientType == ClientSidecar {
			hasSidecar = true
			break
		}
	}
	shouldDrop = len(r.Clients) == 0 || !hasSidecar
	if shouldDrop {
		for _, c := range r.Clients {
			remaining = append(remaining, c)
		}
	}
	return shouldDrop, remaining
}

// broadcast delivers frame to every client in the room except fromConnID, then
// evicts every client whose send failed. Both steps run under the room's plain
// mutex in one critical section (Go's RWMutex would not meaningfully help here
// since the hot path always mutates client state). Eviction here never drops the
// room itself; that happens only in Hub.disconnect.
func (r *SystemRoom) broadcast(fromConnID string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dead []string
	for id, c := range r.Clients {
		if id == fromConnID {
			continue
		}
		if !c.trySend(frame) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(r.Clients, id)
	}
}

// sendTo delivers frame to exactly one client (used for server_presence).
func (r *SystemRoom) sendTo(connID string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.Clients[connID]; ok {
		c.trySend(frame)
	}
}

func (r *SystemRoom) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Clients)
}

func timeNowPlus() (t time.Time) {
	return time.Now().Add(2 * time.Second)
}
