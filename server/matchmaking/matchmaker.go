// Package matchmaking implements the matchmaking queue: players join an
// insertion-ordered queue, a periodic drain groups enough of them to fill
// the configured game mode's match shape, and a Room is started for each
// group formed.
package matchmaking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"lockstep-server/config"
	"lockstep-server/matcherrors"
	"lockstep-server/metrics"
	"lockstep-server/protocol"
	"lockstep-server/room"
	"lockstep-server/wsutil"
)

// entry is one queued player.
type entry struct {
	playerID string
	username string
	send     chan []byte
	joinedAt time.Time
}

// RoomFactory starts a Room for a freshly formed match and returns it. The
// Matchmaker does not keep the returned Room; tracking it until it finishes
// is left to the factory's owner.
type RoomFactory func(matchID string, players []*room.Player) *room.Room

var matchCounter uint64

// Matchmaker owns the waiting queue and periodically drains it into matches.
type Matchmaker struct {
	cfg     *config.Config
	factory RoomFactory
	log     *slog.Logger

	mu     sync.Mutex
	queue  map[string]*entry
	order  []string // insertion order of playerIDs currently queued

	notify chan struct{}

	onMatchFormed func(matchID string, playerIDs []string)
}

// NewMatchmaker creates a Matchmaker. factory is called once per formed
// match to construct and start the Room; onMatchFormed (optional) lets the
// gateway learn which match a player was bound to.
func NewMatchmaker(cfg *config.Config, factory RoomFactory, onMatchFormed func(matchID string, playerIDs []string), log *slog.Logger) *Matchmaker {
	if log == nil {
		log = slog.Default()
	}
	return &Matchmaker{
		cfg:           cfg,
		factory:       factory,
		log:           log,
		queue:         make(map[string]*entry),
		notify:        make(chan struct{}, 1),
		onMatchFormed: onMatchFormed,
	}
}

// Join enqueues playerID. Returns matcherrors.ErrAlreadyQueued if already
// waiting, or matcherrors.ErrInvalidGameMode if the configured mode has no
// preset.
func (m *Matchmaker) Join(playerID, username string, send chan []byte) error {
	if _, ok := m.cfg.Preset(m.cfg.GameMode); !ok {
		return matcherrors.ErrInvalidGameMode
	}
	m.mu.Lock()
	if _, exists := m.queue[playerID]; exists {
		m.mu.Unlock()
		return matcherrors.ErrAlreadyQueued
	}
	e := &entry{playerID: playerID, username: username, send: send, joinedAt: time.Now()}
	m.queue[playerID] = e
	m.order = append(m.order, playerID)
	position := len(m.order)
	m.mu.Unlock()

	metrics.QueueDepth.Set(float64(position))
	m.sendStatus(e, position)
	m.wake()
	return nil
}

// Leave removes playerID from the queue. Idempotent.
func (m *Matchmaker) Leave(playerID string) {
	m.mu.Lock()
	e, ok := m.queue[playerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.queue, playerID)
	m.removeFromOrder(playerID)
	remaining := len(m.order)
	m.mu.Unlock()

	metrics.QueueDepth.Set(float64(remaining))
	data, err := json.Marshal(protocol.QueueLeftMsg{Type: "queue-left"})
	if err == nil {
		wsutil.SafeSend(e.send, data)
	}
}

func (m *Matchmaker) removeFromOrder(playerID string) {
	for i, id := range m.order {
		if id == playerID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Matchmaker) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue on a fixed interval until ctx is cancelled. Should be
// run as a goroutine.
func (m *Matchmaker) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.MatchmakingIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drain()
		case <-m.notify:
			m.drain()
		}
	}
}

// drain pulls as many complete matches as the queue currently supports, in
// FIFO order, and starts a Room for each.
func (m *Matchmaker) drain() {
	preset, ok := m.cfg.Preset(m.cfg.GameMode)
	if !ok {
		return
	}
	for {
		group, formed := m.popGroup(preset.PlayersPerMatch)
		if !formed {
			return
		}
		m.formMatch(group, preset)
	}
}

func (m *Matchmaker) popGroup(size int) ([]*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) < size {
		return nil, false
	}
	ids := m.order[:size]
	group := make([]*entry, 0, size)
	for _, id := range ids {
		group = append(group, m.queue[id])
		delete(m.queue, id)
	}
	m.order = m.order[size:]
	metrics.QueueDepth.Set(float64(len(m.order)))
	return group, true
}

func (m *Matchmaker) formMatch(group []*entry, preset config.GameModePreset) {
	matchID := fmt.Sprintf("match-%d", atomic.AddUint64(&matchCounter, 1))

	players := make([]*room.Player, 0, len(group))
	playerIDs := make([]string, 0, len(group))
	teamsCount := preset.TeamsCount
	if teamsCount <= 0 {
		teamsCount = 1
	}
	teamSize := len(group) / teamsCount
	if teamSize <= 0 {
		teamSize = 1
	}
	for i, e := range group {
		teamID := i / teamSize
		players = append(players, room.NewPlayer(e.playerID, e.username, teamID, e.send))
		playerIDs = append(playerIDs, e.playerID)
	}

	m.log.Info("match formed", "tag", "matchmaking", "match", matchID, "mode", m.cfg.GameMode, "players", playerIDs)

	if m.onMatchFormed != nil {
		m.onMatchFormed(matchID, playerIDs)
	}
	m.factory(matchID, players)
}

// sendStatus reports e's queue position and estimated wait time:
// max(1000ms, ceil(queueSize / playersPerMatch) * matchmakingIntervalMs).
func (m *Matchmaker) sendStatus(e *entry, queueSize int) {
	preset, _ := m.cfg.Preset(m.cfg.GameMode)
	playersPerMatch := int64(preset.PlayersPerMatch)
	if playersPerMatch <= 0 {
		playersPerMatch = 1
	}
	groups := (int64(queueSize) + playersPerMatch - 1) / playersPerMatch
	waitMS := groups * int64(m.cfg.MatchmakingIntervalMS)
	if waitMS < 1000 {
		waitMS = 1000
	}

	data, err := json.Marshal(protocol.QueueStatusMsg{Type: "queue-status", Position: queueSize, WaitTime: waitMS})
	if err != nil {
		return
	}
	wsutil.SafeSend(e.send, data)
}
