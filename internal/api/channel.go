package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mooring-dev/mooring/internal/bridge"
	"github.com/mooring-dev/mooring/internal/conversation"
)

// BridgeRegistry lets the channel handler hand its bridge to the
// orchestrator so StopConversation can close it.
type BridgeRegistry interface {
	RegisterBridge(id string, b *bridge.Bridge)
	ReleaseBridge(id string, b *bridge.Bridge)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is the deployment proxy's concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// closeChannelLost is the close code sent to the client when the agent-side
// connection could not be re-established (4502 is in the private-use range).
const closeChannelLost = 4502

// clientFrame is the browser-leg wire form. Client sequence numbers are not
// forwarded: the bridge assigns its own outbound sequence per tag toward
// the agent.
type clientFrame struct {
	Tag     bridge.Tag      `json:"tag"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// openChannel upgrades the request to a websocket and attaches the client
// to a bridge for the conversation. Requires status READY: a channel on a
// CREATING conversation has nowhere to connect, and terminal conversations
// have no agent.
func (s *Server) openChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.orch.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("get conversation failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if conv.Status != conversation.StatusReady || conv.AgentServerURL == nil {
		writeError(w, http.StatusConflict, "conversation is not ready")
		return
	}

	b, err := bridge.Open(r.Context(), bridge.Config{
		AgentServerURL: *conv.AgentServerURL,
		Logger:         s.logger,
	})
	if err != nil {
		// A READY conversation whose agent server refuses the very first
		// dial has lost its sandbox. This is distinct from a drop on an
		// established channel, which never touches conversation status.
		s.logger.Error("failed to open bridge", "conversation_id", id, "error", err)
		if markErr := s.orch.MarkUnreachable(r.Context(), id, "agent server unreachable"); markErr != nil {
			s.logger.Error("failed to mark conversation unreachable", "conversation_id", id, "error", markErr)
		}
		writeError(w, http.StatusBadGateway, "agent server unreachable")
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "conversation_id", id, "error", err)
		b.Close()
		return
	}

	s.orch.RegisterBridge(id, b)
	s.logger.Info("channel opened", "conversation_id", id, "session_id", b.SessionID())

	done := make(chan struct{})
	go s.pumpToClient(clientConn, b, done)

	// Read loop: client frames go onto the bridge's outbound queues.
	for {
		_, data, err := clientConn.ReadMessage()
		if err != nil {
			break
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil || !frame.Tag.Valid() {
			s.logger.Warn("dropping malformed client frame", "conversation_id", id)
			continue
		}
		if err := b.Send(frame.Tag, frame.Payload); err != nil {
			break
		}
	}

	s.orch.ReleaseBridge(id, b)
	b.Close()
	<-done
	clientConn.Close()
	s.logger.Info("channel closed", "conversation_id", id, "session_id", b.SessionID())
}

// pumpToClient is the single writer for the client connection: it forwards
// demultiplexed frames from all three streams and reports the bridge's end
// state as a websocket close message.
func (s *Server) pumpToClient(clientConn *websocket.Conn, b *bridge.Bridge, done chan<- struct{}) {
	defer close(done)

	channels := make(map[bridge.Tag]<-chan bridge.Frame, len(bridge.Tags))
	for _, tag := range bridge.Tags {
		ch, _ := b.Subscribe(tag)
		channels[tag] = ch
	}
	term, chat, status := channels[bridge.TagTerminal], channels[bridge.TagChat], channels[bridge.TagStatus]

	forward := func(frame bridge.Frame) bool {
		data, err := json.Marshal(clientFrame{Tag: frame.Tag, Seq: frame.Seq, Payload: frame.Payload})
		if err != nil {
			return true
		}
		return clientConn.WriteMessage(websocket.TextMessage, data) == nil
	}

	for term != nil || chat != nil || status != nil {
		select {
		case frame, ok := <-term:
			if !ok {
				term = nil
				continue
			}
			if !forward(frame) {
				return
			}
		case frame, ok := <-chat:
			if !ok {
				chat = nil
				continue
			}
			if !forward(frame) {
				return
			}
		case frame, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			if !forward(frame) {
				return
			}
		}
	}

	// All subscriber channels closed: the bridge finished. Tell the client
	// whether this was a clean close or a lost channel.
	code := websocket.CloseNormalClosure
	text := "conversation channel closed"
	if errors.Is(b.Err(), bridge.ErrChannelLost) {
		code = closeChannelLost
		text = "channel lost"
	}
	_ = clientConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
