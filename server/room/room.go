// Package room implements the Match Room: the deterministic per-match tick
// loop, command ordering, broadcast, activity tracking, and desync
// detection described by the core engine spec. Every Room runs its own
// single goroutine; all state mutation happens there, fed by a mailbox
// channel the same way the teacher's Game.Actions channel feeds Game.Run.
package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"lockstep-server/config"
	"lockstep-server/matcherrors"
	"lockstep-server/metrics"
	"lockstep-server/protocol"
	"lockstep-server/wsutil"
)

// Room coordinates a single match from countdown through finish.
type Room struct {
	id         string
	cfg        *config.Config
	randomSeed uint32

	players map[string]*Player
	order   []string // insertion order, for stable roster listings

	phase       Phase
	currentTick int64

	buffer             *commandBuffer
	history            *commandHistory
	activity           *activityTracker
	hashes             *hashLedger
	consecutiveDesyncs int

	actions chan action
	done    chan struct{}

	// onFinished is invoked exactly once, after the run loop exits, so the
	// room's owner (the gateway Hub) can drop its reference. One-way
	// ownership: the Room raises this event rather than calling back into
	// its owner directly.
	onFinished func(matchID string)

	// OnMatchEnd, if set before Start, is invoked once with the match's
	// final summary when finish() runs. It is never consulted by the Room
	// afterward — persistence here is write-only, purely post-hoc.
	OnMatchEnd func(summary MatchSummary)

	startedAt time.Time

	log *slog.Logger
}

// MatchSummary describes a finished match for post-hoc persistence.
type MatchSummary struct {
	MatchID   string
	Reason    string
	FinalTick int64
	StartedAt time.Time
	EndedAt   time.Time
	Players   []MatchSummaryPlayer
}

// MatchSummaryPlayer is one participant's final standing in a MatchSummary.
type MatchSummaryPlayer struct {
	PlayerID string
	TeamID   int
}

// NewRoom constructs a Room. players must already carry their TeamID
// assignment; randomSeed is fixed for the room's lifetime.
func NewRoom(matchID string, cfg *config.Config, players []*Player, randomSeed uint32, onFinished func(string), log *slog.Logger) *Room {
	if log == nil {
		log = slog.Default()
	}
	r := &Room{
		id:         matchID,
		cfg:        cfg,
		randomSeed: randomSeed,
		players:    make(map[string]*Player, len(players)),
		buffer:     newCommandBuffer(),
		history:    newCommandHistory(int64(cfg.CommandHistoryTicks)),
		activity:   newActivityTracker(cfg.TickRate, cfg.TimeoutTicks, cfg.DisconnectTicks),
		hashes:     newHashLedger(),
		actions:    make(chan action, 64),
		done:       make(chan struct{}),
		onFinished: onFinished,
		log:        log,
	}
	now := time.Now()
	r.startedAt = now
	for _, p := range players {
		r.players[p.ID] = p
		r.order = append(r.order, p.ID)
		r.activity.seed(p.ID, now)
	}
	return r
}

// ID returns the match identifier.
func (r *Room) ID() string { return r.id }

// Done returns a channel closed once the room's run loop has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Start begins the countdown and, on completion, the tick loop, on a
// goroutine of its own, and returns at once. ctx cancellation stops the room
// with reason "server_shutdown".
func (r *Room) Start(ctx context.Context) {
	go r.run(ctx)
}

// UpdateActivity records that playerID was heard from, for the gateway to
// call on every inbound message (including transport keep-alives).
func (r *Room) UpdateActivity(playerID string) {
	select {
	case r.actions <- action{kind: actInboundActivity, playerID: playerID}:
	default:
	}
}

// SubmitCommands posts a player's command batch for tick into the room's
// mailbox. The room itself emits the submit-commands-ack (and any
// command-rejected notices) onto the player's Send channel.
func (r *Room) SubmitCommands(playerID string, tick int64, commands []protocol.CommandPayload) {
	select {
	case r.actions <- action{kind: actSubmitCommands, playerID: playerID, tick: tick, commands: commands}:
	default:
		r.log.Warn("room mailbox full, dropping submission", "tag", "room", "match", r.id, "player", playerID)
	}
}

// SubmitStateHash posts a state-hash report for tick.
func (r *Room) SubmitStateHash(playerID string, tick int64, hash string) {
	select {
	case r.actions <- action{kind: actSubmitStateHash, playerID: playerID, tick: tick, hash: hash}:
	default:
	}
}

// HandleDisconnect marks playerID disconnected without removing them or
// halting the tick loop.
func (r *Room) HandleDisconnect(playerID string) {
	select {
	case r.actions <- action{kind: actDisconnect, playerID: playerID}:
	default:
	}
}

// HandleReconnect rebinds playerID's connection to newSend. It blocks until
// the room processes the request, returning whether it succeeded.
func (r *Room) HandleReconnect(playerID string, newSend chan []byte) (success bool, reason string) {
	reply := make(chan any, 1)
	r.actions <- action{kind: actReconnect, playerID: playerID, newSend: newSend, reply: reply}
	res := (<-reply).(reconnectResult)
	return res.success, res.reason
}

// Stop transitions the room to finished with reason, cancelling all timers.
func (r *Room) Stop(reason string) {
	select {
	case r.actions <- action{kind: actStop, reason: reason}:
	default:
	}
}

type reconnectResult struct {
	success bool
	reason  string
}

// run is the Room's single execution context: the countdown, tick loop, and
// mailbox drain all happen here so no lock is ever needed over Room state.
func (r *Room) run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		if r.onFinished != nil {
			r.onFinished(r.id)
		}
	}()

	r.announceMatchFound()

	secondsLeft := r.cfg.CountdownSeconds
	r.broadcast(protocol.CountdownMsg{Type: "countdown", Seconds: secondsLeft})
	countdown := time.NewTicker(time.Second)
	defer countdown.Stop()

	var tickC <-chan time.Time
	var ticker *time.Ticker
	tickInterval := time.Second / time.Duration(max(r.cfg.TickRate, 1))

	for {
		select {
		case <-ctx.Done():
			r.finish("server_shutdown", nil, nil)
		case act := <-r.actions:
			r.handleAction(act)
		case <-countdown.C:
			if r.phase != Countdown {
				continue
			}
			secondsLeft--
			r.broadcast(protocol.CountdownMsg{Type: "countdown", Seconds: secondsLeft})
			if secondsLeft <= 0 {
				countdown.Stop()
				r.beginPlaying()
				ticker = time.NewTicker(tickInterval)
				tickC = ticker.C
			}
		case <-tickC:
			r.finalizeTick()
		}
		if r.phase == Finished {
			if ticker != nil {
				ticker.Stop()
			}
			return
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (r *Room) handleAction(act action) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("internal fault handling room action", "tag", "room", "match", r.id, "panic", rec)
			r.finish("internal_error", nil, nil)
		}
	}()
	switch act.kind {
	case actSubmitCommands:
		r.applySubmitCommands(act.playerID, act.tick, act.commands)
	case actSubmitStateHash:
		r.applySubmitStateHash(act.playerID, act.tick, act.hash)
	case actDisconnect:
		r.applyDisconnect(act.playerID)
	case actReconnect:
		r.applyReconnect(act.playerID, act.newSend, act.reply)
	case actStop:
		r.finish(act.reason, nil, nil)
	case actInboundActivity:
		r.activity.touch(act.playerID, time.Now())
	}
}

func (r *Room) announceMatchFound() {
	for _, id := range r.order {
		p := r.players[id]
		var teammates, opponents []string
		for _, otherID := range r.order {
			if otherID == id {
				continue
			}
			other := r.players[otherID]
			if other.TeamID == p.TeamID {
				teammates = append(teammates, other.ID)
			} else {
				opponents = append(opponents, other.ID)
			}
		}
		r.sendTo(p, protocol.MatchFoundMsg{
			Type:      "match-found",
			MatchID:   r.id,
			PlayerID:  p.ID,
			TeamID:    p.TeamID,
			Teammates: teammates,
			Opponents: opponents,
		})
	}
}

func (r *Room) beginPlaying() {
	r.phase = Playing
	r.currentTick = 0
	r.broadcast(protocol.GameStartMsg{Type: "game-start", MatchID: r.id, RandomSeed: r.randomSeed})
}

// finalizeTick runs the tick-finalization algorithm from the spec: emit
// tick-sync, run the activity check, seal and order the pending batch,
// append to history, broadcast commands-batch, then advance currentTick.
func (r *Room) finalizeTick() {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("internal fault finalizing tick", "tag", "room", "match", r.id, "tick", r.currentTick, "panic", rec)
			r.finish("internal_error", nil, nil)
		}
	}()

	now := start
	r.broadcast(protocol.TickSyncMsg{Type: "tick-sync", Tick: r.currentTick, Timestamp: now.UnixMilli()})

	r.runActivityCheck(now)

	submissions := r.buffer.take(r.currentTick)
	ordered := r.orderCommands(submissions)
	r.history.append(r.currentTick, ordered)
	r.broadcast(protocol.CommandsBatchMsg{Type: "commands-batch", Tick: r.currentTick, Commands: toOrderedCommands(ordered)})

	for _, p := range r.players {
		p.LastAckTick = r.currentTick
	}

	r.currentTick++
}

func (r *Room) orderCommands(submissions map[string][]Command) []Command {
	var all []Command
	for _, cmds := range submissions {
		all = append(all, cmds...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].PlayerID != all[j].PlayerID {
			return all[i].PlayerID < all[j].PlayerID
		}
		return all[i].Type < all[j].Type
	})
	return all
}

func toOrderedCommands(cmds []Command) []protocol.OrderedCommand {
	out := make([]protocol.OrderedCommand, len(cmds))
	for i, c := range cmds {
		out[i] = protocol.OrderedCommand{PlayerID: c.PlayerID, Tick: c.Tick, Type: c.Type, Data: json.RawMessage(c.Data)}
	}
	return out
}

func (r *Room) runActivityCheck(now time.Time) {
	for _, ev := range r.activity.check(now) {
		switch ev.Kind {
		case "timeout":
			if p, ok := r.players[ev.PlayerID]; ok {
				p.Connected = false
			}
			r.activity.forget(ev.PlayerID)
			r.broadcast(protocol.PlayerTimeoutMsg{
				Type:               "player-timeout",
				PlayerID:           ev.PlayerID,
				LastMessageTime:    ev.LastMessageTime,
				CurrentTick:        r.currentTick,
				MsSinceLastMessage: ev.MsSinceLastMessage,
			})
		case "lagging":
			r.broadcast(protocol.PlayerLaggingMsg{
				Type:               "player-lagging",
				PlayerID:           ev.PlayerID,
				CurrentTick:        r.currentTick,
				MsSinceLastMessage: ev.MsSinceLastMessage,
			})
		}
	}
}

func (r *Room) applySubmitCommands(playerID string, tick int64, payloads []protocol.CommandPayload) {
	if r.phase != Playing {
		r.ackSubmit(playerID, tick, false, matcherrors.ErrRoomStopped.Error(), 0)
		return
	}
	p, ok := r.players[playerID]
	if !ok {
		r.ackSubmit(playerID, tick, false, matcherrors.ErrNotAMember.Error(), 0)
		return
	}

	lower := r.currentTick - int64(r.cfg.MaxTickBehind)
	upper := r.currentTick + int64(r.cfg.MaxTickAhead)
	if tick < lower || tick > upper {
		r.ackSubmit(playerID, tick, false, matcherrors.ErrOutOfWindow.Error(), 0)
		return
	}
	if tick < r.currentTick {
		// Already finalized (commands-batch already broadcast): within the
		// behind-window we still ack accepted (the input wasn't malformed),
		// but it is a no-op — a sealed tick's command list never mutates
		// again (invariant: no mutation of a broadcast tick).
		r.ackSubmit(playerID, tick, true, "", 0)
		return
	}

	cmds, rejectedCount := r.validateAndConvert(p, tick, payloads)
	r.buffer.submit(tick, playerID, cmds)
	r.ackSubmit(playerID, tick, true, "", rejectedCount)
}

func (r *Room) validateAndConvert(p *Player, tick int64, payloads []protocol.CommandPayload) ([]Command, int) {
	cmds := make([]Command, 0, len(payloads))
	rejected := 0
	expected := int64(0)
	if p.hasSequence {
		expected = p.LastSequence + 1
	}
	for _, payload := range payloads {
		if r.cfg.ValidateInputSequence {
			if payload.Sequence == nil || *payload.Sequence != expected {
				r.sendTo(p, protocol.CommandRejectedMsg{Type: "command-rejected", Reason: matcherrors.ErrSequenceMismatch.Error(), Tick: tick, CommandType: payload.Type})
				rejected++
				continue
			}
		}
		cmd := Command{Type: payload.Type, Data: []byte(payload.Data), PlayerID: p.ID, Tick: tick}
		if payload.Sequence != nil {
			cmd.Sequence = *payload.Sequence
			cmd.HasSeq = true
			p.LastSequence = *payload.Sequence
			p.hasSequence = true
			expected = *payload.Sequence + 1
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rejected
}

func (r *Room) ackSubmit(playerID string, tick int64, accepted bool, reason string, rejectedCount int) {
	p, ok := r.players[playerID]
	if !ok {
		return
	}
	r.sendTo(p, protocol.SubmitCommandsAckMsg{
		Type:          "submit-commands-ack",
		Tick:          tick,
		Accepted:      accepted,
		Reason:        reason,
		RejectedCount: rejectedCount,
	})
}

func (r *Room) applySubmitStateHash(playerID string, tick int64, hash string) {
	if !r.cfg.EnableStateHashing {
		return
	}
	if _, ok := r.players[playerID]; !ok {
		return
	}
	r.hashes.record(tick, playerID, hash)
	if !r.hashes.ready(tick, r.connectedPlayerIDs()) {
		return
	}
	if r.hashes.agree(tick) {
		r.consecutiveDesyncs = 0
	} else {
		r.consecutiveDesyncs++
		metrics.DesyncsDetected.Inc()
		hashesCopy := r.hashes.hashes(tick)
		r.broadcast(map[string]any{"type": "desync-detected", "tick": tick, "hashes": hashesCopy})
		if r.consecutiveDesyncs >= r.cfg.Desync.GracePeriodTicks && r.cfg.Desync.Action == "end-match" {
			r.finish("desync", map[string]any{"tick": tick, "hashes": hashesCopy}, nil)
			return
		}
	}
	r.hashes.prune(r.currentTick, 10)
}

func (r *Room) connectedPlayerIDs() []string {
	ids := make([]string, 0, len(r.players))
	for _, id := range r.order {
		if r.players[id].Connected {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Room) applyDisconnect(playerID string) {
	p, ok := r.players[playerID]
	if !ok || !p.Connected {
		return
	}
	p.Connected = false
	r.broadcastExcept(playerID, protocol.PlayerDisconnectedMsg{
		Type:          "player-disconnected",
		PlayerID:      playerID,
		MatchID:       r.id,
		GracePeriodMS: int64(r.cfg.ReconnectGracePeriodMS),
	})
}

func (r *Room) applyReconnect(playerID string, newSend chan []byte, reply chan any) {
	p, ok := r.players[playerID]
	if !ok {
		reply <- reconnectResult{false, matcherrors.ErrNotAMember.Error()}
		return
	}
	if r.phase == Finished {
		reply <- reconnectResult{false, matcherrors.ErrMatchFinished.Error()}
		return
	}
	if p.Connected {
		reply <- reconnectResult{false, matcherrors.ErrNotDisconnected.Error()}
		return
	}
	p.Connected = true
	p.Send = newSend
	r.activity.seed(playerID, time.Now())
	reply <- reconnectResult{true, ""}

	r.sendTo(p, protocol.ReconnectStatusMsg{Type: "reconnect-status", Success: true})
	r.sendTo(p, r.buildReconnectState())
	r.broadcastExcept(playerID, protocol.PlayerReconnectedMsg{Type: "player-reconnected", PlayerID: playerID})
}

func (r *Room) buildReconnectState() protocol.ReconnectStateMsg {
	fromTick := r.currentTick - int64(r.cfg.CommandHistoryTicks)
	if fromTick < 0 {
		fromTick = 0
	}
	ticks := r.history.recentSince(fromTick, r.currentTick)
	recent := make([]protocol.CommandsBatchEntry, 0, len(ticks))
	for _, t := range ticks {
		recent = append(recent, protocol.CommandsBatchEntry{Tick: t, Commands: toOrderedCommands(r.history.batch(t))})
	}
	players := make([]protocol.PlayerSummary, 0, len(r.order))
	for _, id := range r.order {
		p := r.players[id]
		players = append(players, protocol.PlayerSummary{PlayerID: p.ID, Username: p.Username, TeamID: p.TeamID, Connected: p.Connected})
	}
	return protocol.ReconnectStateMsg{
		Type:           "reconnect-state",
		MatchID:        r.id,
		CurrentTick:    r.currentTick,
		Phase:          r.phase.String(),
		Players:        players,
		RecentCommands: recent,
	}
}

// finish transitions the room to finished and emits match-end. Safe to call
// more than once; only the first call has any effect.
func (r *Room) finish(reason string, details map[string]any, winner *int) {
	if r.phase == Finished {
		return
	}
	r.phase = Finished
	metrics.MatchesFinished.WithLabelValues(reason).Inc()
	r.broadcast(protocol.MatchEndMsg{Type: "match-end", Reason: reason, Details: details, Winner: winner})

	if r.OnMatchEnd != nil {
		summaryPlayers := make([]MatchSummaryPlayer, 0, len(r.order))
		for _, id := range r.order {
			p := r.players[id]
			summaryPlayers = append(summaryPlayers, MatchSummaryPlayer{PlayerID: p.ID, TeamID: p.TeamID})
		}
		r.OnMatchEnd(MatchSummary{
			MatchID:   r.id,
			Reason:    reason,
			FinalTick: r.currentTick,
			StartedAt: r.startedAt,
			EndedAt:   time.Now(),
			Players:   summaryPlayers,
		})
	}
}

func (r *Room) sendTo(p *Player, msg any) {
	if p == nil || p.Send == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("marshal outbound message", "tag", "room", "match", r.id, "err", err)
		return
	}
	wsutil.SafeSend(p.Send, data)
}

func (r *Room) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("marshal outbound message", "tag", "room", "match", r.id, "err", err)
		return
	}
	for _, id := range r.order {
		p := r.players[id]
		if p.Send != nil {
			wsutil.SafeSend(p.Send, data)
		}
	}
}

func (r *Room) broadcastExcept(exceptID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("marshal outbound message", "tag", "room", "match", r.id, "err", err)
		return
	}
	for _, id := range r.order {
		if id == exceptID {
			continue
		}
		p := r.players[id]
		if p.Send != nil {
			wsutil.SafeSend(p.Send, data)
		}
	}
}
