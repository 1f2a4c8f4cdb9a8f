package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HsiangNianian/tabrelay/internal/pending"
	"github.com/HsiangNianian/tabrelay/internal/protocol"
)

const (
	errSelectionPending = "selection pending"
	errNoSelection      = "no target selected"
)

// SelectionTracker gates relay clients until their selected target is in
// the foreground.
type SelectionTracker interface {
	Track(conn pending.Conn, targetID string) bool
	Confirmed(conn pending.Conn) (string, bool)
	Pending(conn pending.Conn) bool
	Remove(conn pending.Conn)
}

// ActiveTargeter reports the target the session is bound to.
type ActiveTargeter interface {
	ActiveTarget() string
}

type relayClient struct {
	*clientConn
	id     string
	remote string
}

func (c *relayClient) CloseWithReason(reason string) error {
	return c.closeWith(websocket.ClosePolicyViolation, reason)
}

// RelayHub serves local clients that drive the bound browser target
// through the same command set as the controlling service.
type RelayHub struct {
	handler   CommandHandler
	tracker   SelectionTracker
	session   ActiveTargeter
	authToken string
	logger    *slog.Logger

	upgrader websocket.Upgrader

	// cmdMu keeps a rebind and the command that needed it together, so
	// clients confirmed on different targets cannot interleave.
	cmdMu sync.Mutex

	clientMu sync.RWMutex
	clients  map[*relayClient]struct{}
}

func NewRelayHub(handler CommandHandler, tracker SelectionTracker, session ActiveTargeter, authToken string, logger *slog.Logger) *RelayHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayHub{
		handler:   handler,
		tracker:   tracker,
		session:   session,
		authToken: authToken,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: AllowedOrigin,
		},
		clients: make(map[*relayClient]struct{}),
	}
}

func (h *RelayHub) HandleRelay(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		h.logger.Warn("relay client unauthorized", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade relay ws failed", "error", err)
		return
	}
	client := &relayClient{clientConn: newClientConn(conn), id: uuid.NewString(), remote: r.RemoteAddr}

	h.clientMu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.clientMu.Unlock()

	h.logger.Info("relay client connected", "client_id", client.id, "remote", client.remote, "active_clients", count)
	h.readClient(client)
}

// ClientCount returns the number of connected relay clients.
func (h *RelayHub) ClientCount() int {
	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	return len(h.clients)
}

// Broadcast writes v to every connected client.
func (h *RelayHub) Broadcast(v any) {
	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	for client := range h.clients {
		if err := client.WriteJSON(v); err != nil {
			h.logger.Debug("broadcast to relay client failed", "client_id", client.id, "error", err)
		}
	}
}

// Close drops every client with a going-away closure.
func (h *RelayHub) Close() {
	h.clientMu.RLock()
	clients := make([]*relayClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clientMu.RUnlock()
	for _, client := range clients {
		_ = client.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}
}

func (h *RelayHub) readClient(client *relayClient) {
	defer func() {
		h.tracker.Remove(client)
		h.clientMu.Lock()
		delete(h.clients, client)
		count := len(h.clients)
		h.clientMu.Unlock()
		_ = client.closeWith(websocket.CloseNormalClosure, "")
		h.logger.Info("relay client disconnected", "client_id", client.id, "active_clients", count)
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("recv relay client failed", "client_id", client.id, "error", err)
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			h.logger.Warn("drop relay frame", "client_id", client.id, "error", err)
			continue
		}
		h.logger.Debug("recv relay client", "client_id", client.id, "type", env.Type, "msg_id", env.ID)

		switch env.Type {
		case protocol.TypeSelectTarget:
			h.handleSelect(client, env.ID, data)
		case protocol.TypeCommand:
			cmd, err := protocol.DecodeCommand(data)
			if err != nil {
				h.logger.Warn("drop relay command", "client_id", client.id, "error", err)
				continue
			}
			go h.handleCommand(client, cmd)
		case protocol.TypePing:
			_ = client.WriteJSON(protocol.KeepaliveFrame{Type: protocol.TypePong})
		default:
			h.logger.Debug("ignore relay frame", "client_id", client.id, "type", env.Type)
		}
	}
}

func (h *RelayHub) handleSelect(client *relayClient, id string, data []byte) {
	var frame protocol.SelectTargetFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.TargetID == "" {
		h.reply(client, protocol.Fail(id, "targetId is required"))
		return
	}
	target := string(frame.TargetID)
	confirmed := h.tracker.Track(client, target)
	h.logger.Info("relay client selected target", "client_id", client.id, "target_id", target, "confirmed", confirmed)
	h.reply(client, protocol.OK(id, map[string]any{"targetId": target, "confirmed": confirmed}))
}

func (h *RelayHub) handleCommand(client *relayClient, cmd protocol.Command) {
	ctx := client.ctx
	if _, ok := cmd.(protocol.ListTargets); ok {
		h.reply(client, h.handler.Handle(ctx, cmd))
		return
	}

	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	target, ok := h.tracker.Confirmed(client)
	if !ok {
		msg := errNoSelection
		if h.tracker.Pending(client) {
			msg = errSelectionPending
		}
		h.reply(client, protocol.Fail(cmd.CorrelationID(), msg))
		return
	}

	if h.session.ActiveTarget() != target {
		bind := protocol.NewCommand(cmd.CorrelationID(), protocol.KindSelectTarget, "", "", "", protocol.TargetID(target))
		if resp := h.handler.Handle(ctx, bind); !resp.Success {
			h.reply(client, resp)
			return
		}
	}
	h.reply(client, h.handler.Handle(ctx, cmd))
}

func (h *RelayHub) reply(client *relayClient, resp protocol.Response) {
	if err := client.WriteJSON(resp); err != nil {
		h.logger.Debug("send relay client failed", "client_id", client.id, "msg_id", resp.ID, "error", err)
	}
}
