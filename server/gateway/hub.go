// Package gateway is the connection layer: it upgrades websocket
// connections, authenticates them, and routes inbound envelopes to the
// Matchmaker or the bound Room. It owns no game state of its own beyond the
// bookkeeping needed to route a connection to the right place.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"lockstep-server/auth"
	"lockstep-server/config"
	"lockstep-server/matchmaking"
	"lockstep-server/metrics"
	"lockstep-server/room"
	"lockstep-server/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var anonCounter uint64

// Hub maintains the set of connections and routes messages to the
// Matchmaker or the appropriate Room.
type Hub struct {
	cfg        *config.Config
	validator  *auth.Validator
	matchmaker *matchmaking.Matchmaker

	register   chan *Client
	unregister chan *Client

	clients    map[*Client]bool
	byPlayerID map[string]*Client

	mu    sync.Mutex
	rooms map[string]*room.Room

	// SummaryStore, if set before Run, receives a MatchSummary for every
	// finished match. Safe to leave nil (persistence disabled).
	SummaryStore storage.SummaryStore

	log *slog.Logger
}

// NewHub creates a Hub. validator may be nil, in which case connections
// authenticate with a client-supplied player id (local dev / tests only).
func NewHub(cfg *config.Config, validator *auth.Validator, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		cfg:        cfg,
		validator:  validator,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		byPlayerID: make(map[string]*Client),
		rooms:      make(map[string]*room.Room),
		log:        log,
	}
	h.matchmaker = matchmaking.NewMatchmaker(cfg, h.startRoom, h.bindMatchFormed, log)
	return h
}

// Run drives the hub's registration loop and the matchmaker's drain loop
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	go h.matchmaker.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("gateway shutting down", "tag", "gateway")
			h.mu.Lock()
			for _, r := range h.rooms {
				r.Stop("server_shutdown")
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.clients[c] = true
			metrics.ConnectionsActive.Inc()
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.Send)
				metrics.ConnectionsActive.Dec()
				h.onClientGone(c)
			}
		}
	}
}

func (h *Hub) onClientGone(c *Client) {
	h.mu.Lock()
	if c.MatchID != "" {
		if current, ok := h.byPlayerID[c.PlayerID]; ok && current == c {
			delete(h.byPlayerID, c.PlayerID)
		}
		r := h.rooms[c.MatchID]
		h.mu.Unlock()
		if r != nil {
			r.HandleDisconnect(c.PlayerID)
		}
		return
	}
	if c.PlayerID != "" {
		if current, ok := h.byPlayerID[c.PlayerID]; ok && current == c {
			delete(h.byPlayerID, c.PlayerID)
			h.matchmaker.Leave(c.PlayerID)
		}
	}
	h.mu.Unlock()
}

// startRoom is the matchmaking.RoomFactory: it constructs and starts a Room
// for a freshly formed match and tracks it until it finishes.
func (h *Hub) startRoom(matchID string, players []*room.Player) *room.Room {
	seed := uint32(atomic.AddUint64(&anonCounter, 1))
	r := room.NewRoom(matchID, h.cfg, players, seed, h.onRoomFinished, h.log)
	if h.SummaryStore != nil {
		gameMode := h.cfg.GameMode
		r.OnMatchEnd = func(summary room.MatchSummary) {
			players := make([]storage.MatchSummaryPlayer, 0, len(summary.Players))
			for _, p := range summary.Players {
				players = append(players, storage.MatchSummaryPlayer{PlayerID: p.PlayerID, TeamID: p.TeamID})
			}
			err := h.SummaryStore.RecordMatchEnd(context.Background(), storage.MatchSummary{
				MatchID: summary.MatchID, GameMode: gameMode, Reason: summary.Reason,
				FinalTick: summary.FinalTick, StartedAt: summary.StartedAt, EndedAt: summary.EndedAt,
				Players: players,
			})
			if err != nil {
				h.log.Error("record match summary", "tag", "gateway", "match", summary.MatchID, "err", err)
			}
		}
	}

	h.mu.Lock()
	h.rooms[matchID] = r
	h.mu.Unlock()
	metrics.RoomsActive.Inc()

	r.Start(context.Background())
	return r
}

func (h *Hub) onRoomFinished(matchID string) {
	h.mu.Lock()
	delete(h.rooms, matchID)
	h.mu.Unlock()
	metrics.RoomsActive.Dec()
}

func (h *Hub) bindMatchFormed(matchID string, playerIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pid := range playerIDs {
		if c, ok := h.byPlayerID[pid]; ok {
			c.MatchID = matchID
		}
	}
}

func (h *Hub) roomFor(matchID string) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[matchID]
}

// ServeWS upgrades the HTTP request to a websocket connection and starts the
// per-connection pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "tag", "gateway", "err", err)
		return
	}

	c := newClient(h, conn)
	h.register <- c

	go c.writePump()
	go c.readPump()
}
