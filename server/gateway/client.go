package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"lockstep-server/auth"
	"lockstep-server/matcherrors"
	"lockstep-server/protocol"
	"lockstep-server/wsutil"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192

	// commandSubmissionRate bounds how often a single connection may submit
	// commands, independent of the tick rate, so one misbehaving client
	// cannot burn CPU decoding an unbounded flood of submit-commands frames.
	commandSubmissionRate  = 60
	commandSubmissionBurst = 120
)

var anonClientCounter uint64

// Client is the per-connection state bridging a websocket to the gateway.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	Send chan []byte

	Authenticated bool
	UserID        string
	Username      string

	// PlayerID is the identity used for queue membership and room
	// membership. After token authentication it equals UserID; with no auth
	// configured it is the id the client supplies in queue-join or
	// reconnect-match.
	PlayerID string
	MatchID  string

	limiter *rate.Limiter
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		Send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(commandSubmissionRate, commandSubmissionBurst),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if r := c.hub.roomFor(c.MatchID); r != nil {
			r.UpdateActivity(c.PlayerID)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read error", "tag", "gateway", "err", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var envelope protocol.InboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.sendError("invalid message format")
		return
	}

	authNotConfigured := c.hub.validator == nil
	allowedWithoutAuth := envelope.Type == "auth" || (envelope.Type == "queue-join" && authNotConfigured)
	if !c.Authenticated && !allowedWithoutAuth {
		c.sendError("authentication required")
		return
	}

	if r := c.hub.roomFor(c.MatchID); r != nil {
		r.UpdateActivity(c.PlayerID)
	}

	switch envelope.Type {
	case "auth":
		c.handleAuth(envelope.Raw)
	case "queue-join":
		c.handleQueueJoin(envelope.Raw)
	case "queue-leave":
		c.handleQueueLeave()
	case "submit-commands":
		c.handleSubmitCommands(envelope.Raw)
	case "state-hash":
		c.handleStateHash(envelope.Raw)
	case "reconnect-match":
		c.handleReconnectMatch(envelope.Raw)
	default:
		c.sendError("unknown message type: " + envelope.Type)
	}
}

func (c *Client) handleAuth(raw json.RawMessage) {
	if c.Authenticated {
		c.sendError("already authenticated")
		return
	}
	var msg struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Token == "" {
		c.sendError("invalid auth message")
		return
	}
	if c.hub.validator == nil {
		c.sendError("server auth not configured")
		return
	}
	claims, err := c.hub.validator.Validate(msg.Token)
	if err != nil {
		c.sendError("invalid or expired token")
		return
	}
	c.UserID = auth.UserIDFromClaims(claims)
	c.Username = auth.DisplayNameFromClaims(claims)
	c.PlayerID = c.UserID
	c.Authenticated = true
}

func (c *Client) handleQueueJoin(raw json.RawMessage) {
	var msg protocol.QueueJoinMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("invalid queue-join message")
		return
	}
	if c.MatchID != "" {
		c.sendError("already in a match")
		return
	}

	if !c.Authenticated {
		// Local dev / tests: no auth configured, trust the client-supplied
		// player id.
		playerID := strings.TrimSpace(msg.PlayerID)
		if playerID == "" {
			playerID = "anon-" + strconv.FormatUint(atomic.AddUint64(&anonClientCounter, 1), 10)
		}
		c.PlayerID = playerID
		c.Username = msg.Username
		c.Authenticated = true
	}

	c.hub.mu.Lock()
	c.hub.byPlayerID[c.PlayerID] = c
	c.hub.mu.Unlock()

	if err := c.hub.matchmaker.Join(c.PlayerID, c.Username, c.Send); err != nil {
		c.sendError(err.Error())
	}
}

func (c *Client) handleQueueLeave() {
	if c.MatchID != "" {
		c.sendError("cannot leave queue while in a match")
		return
	}
	c.hub.matchmaker.Leave(c.PlayerID)
}

func (c *Client) handleSubmitCommands(raw json.RawMessage) {
	if c.MatchID == "" {
		c.sendError("not in a match")
		return
	}
	if !c.limiter.Allow() {
		c.sendError("submit-commands rate exceeded")
		return
	}
	var msg protocol.SubmitCommandsMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("invalid submit-commands message")
		return
	}
	r := c.hub.roomFor(c.MatchID)
	if r == nil {
		c.sendError(matcherrors.ErrRoomNotFound.Error())
		return
	}
	r.SubmitCommands(c.PlayerID, msg.Tick, msg.Commands)
}

func (c *Client) handleStateHash(raw json.RawMessage) {
	if c.MatchID == "" {
		return
	}
	var msg protocol.StateHashMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("invalid state-hash message")
		return
	}
	if r := c.hub.roomFor(c.MatchID); r != nil {
		r.SubmitStateHash(c.PlayerID, msg.Tick, msg.Hash)
	}
}

func (c *Client) handleReconnectMatch(raw json.RawMessage) {
	if c.MatchID != "" {
		c.sendError("already in a match")
		return
	}
	var msg protocol.ReconnectMatchMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("invalid reconnect-match message")
		return
	}
	if c.UserID != "" && msg.PlayerID != c.UserID {
		c.sendReconnectFailure(matcherrors.ErrNotAMember.Error())
		return
	}
	r := c.hub.roomFor(msg.MatchID)
	if r == nil {
		c.sendReconnectFailure(matcherrors.ErrRoomNotFound.Error())
		return
	}
	success, reason := r.HandleReconnect(msg.PlayerID, c.Send)
	if !success {
		c.sendReconnectFailure(reason)
		return
	}
	c.PlayerID = msg.PlayerID
	c.MatchID = msg.MatchID
	c.hub.mu.Lock()
	c.hub.byPlayerID[c.PlayerID] = c
	c.hub.mu.Unlock()
}

func (c *Client) sendError(message string) {
	data, err := json.Marshal(protocol.ErrorMsg{Type: "error", Message: message})
	if err != nil {
		return
	}
	wsutil.SafeSend(c.Send, data)
}

// sendReconnectFailure replies to a failed reconnect-match with the
// documented reconnect-status shape rather than a generic error.
func (c *Client) sendReconnectFailure(reason string) {
	data, err := json.Marshal(protocol.ReconnectStatusMsg{Type: "reconnect-status", Success: false, Reason: reason})
	if err != nil {
		return
	}
	wsutil.SafeSend(c.Send, data)
}
