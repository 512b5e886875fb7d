package httpapi

import (
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// MessageTypeSnapshot is sent once when a stream opens.
	MessageTypeSnapshot = "tokens.snapshot"
	// MessageTypeUpdated is sent after every committed transaction.
	MessageTypeUpdated = "tokens.updated"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 32
)

// StreamMessage is pushed to WebSocket subscribers.
type StreamMessage struct {
	Type     string              `json:"type"`
	Snapshot ledger.Snapshot     `json:"snapshot"`
	Entry    *ledger.Transaction `json:"entry,omitempty"`
}

// Hub fans committed transactions out to the WebSocket subscribers of each
// user. It implements ledger.Listener.
type Hub struct {
	mutex   sync.Mutex
	clients map[string]map[*streamClient]struct{}
	logger  *zap.Logger
	closed  bool
}

var _ ledger.Listener = (*Hub)(nil)

// NewHub constructs an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]map[*streamClient]struct{}), logger: logger}
}

// TransactionCommitted broadcasts a tokens.updated message.
func (hub *Hub) TransactionCommitted(snapshot ledger.Snapshot, transaction ledger.Transaction) {
	hub.Broadcast(snapshot.UserID, StreamMessage{Type: MessageTypeUpdated, Snapshot: snapshot, Entry: &transaction})
}

// Broadcast queues message for every subscriber of userID. Subscribers that
// cannot keep up are disconnected.
func (hub *Hub) Broadcast(userID string, message StreamMessage) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for client := range hub.clients[userID] {
		select {
		case client.send <- message:
		default:
			hub.logger.Warn("dropping slow stream subscriber", zap.String("user_id", userID))
			hub.removeLocked(client)
		}
	}
}

// Subscribers returns the number of open streams for userID.
func (hub *Hub) Subscribers(userID string) int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.clients[userID])
}

// Close disconnects every subscriber.
func (hub *Hub) Close() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.closed = true
	for _, clients := range hub.clients {
		for client := range clients {
			hub.removeLocked(client)
		}
	}
}

func (hub *Hub) serve(userID string, conn *websocket.Conn, initial StreamMessage) {
	client := &streamClient{hub: hub, userID: userID, conn: conn, send: make(chan StreamMessage, sendBuffer)}
	client.send <- initial

	hub.mutex.Lock()
	if hub.closed {
		hub.mutex.Unlock()
		_ = conn.Close()
		return
	}
	if hub.clients[userID] == nil {
		hub.clients[userID] = make(map[*streamClient]struct{})
	}
	hub.clients[userID][client] = struct{}{}
	hub.mutex.Unlock()

	go client.writePump()
	go client.readPump()
}

func (hub *Hub) unregister(client *streamClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.removeLocked(client)
}

func (hub *Hub) removeLocked(client *streamClient) {
	clients := hub.clients[client.userID]
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(hub.clients, client.userID)
	}
	close(client.send)
}

type streamClient struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan StreamMessage
}

// readPump discards inbound frames and unregisters the client once the peer goes away.
func (client *streamClient) readPump() {
	defer func() {
		client.hub.unregister(client)
		_ = client.conn.Close()
	}()
	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				client.hub.logger.Debug("stream closed", zap.String("user_id", client.userID), zap.Error(err))
			}
			return
		}
	}
}

func (client *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			if err := client.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(message); err != nil {
				client.hub.logger.Debug("stream write failed", zap.String("user_id", client.userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := client.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
