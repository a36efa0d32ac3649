package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"lockstep-server/config"
	"lockstep-server/protocol"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.TickRate = 50
	cfg.CountdownSeconds = 0
	cfg.MaxTickBehind = 2
	cfg.MaxTickAhead = 2
	cfg.CommandHistoryTicks = 50
	return cfg
}

func newTestPlayers(ids ...string) ([]*Player, map[string]chan []byte) {
	sends := make(map[string]chan []byte, len(ids))
	players := make([]*Player, 0, len(ids))
	for i, id := range ids {
		send := make(chan []byte, 64)
		sends[id] = send
		players = append(players, NewPlayer(id, id, i%2, send))
	}
	return players, sends
}

func readFrom(t *testing.T, ch chan []byte, timeout time.Duration) map[string]interface{} {
	t.Helper()
	select {
	case data := <-ch:
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal message: %v, raw: %s", err, data)
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func readUntilType(t *testing.T, ch chan []byte, msgType string, timeout time.Duration) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg := readFrom(t, ch, timeout)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("did not observe message type %q", msgType)
	return nil
}

// newPlayingRoom starts a Room and blocks until it has reached the Playing
// phase (observed via game-start on the first player's channel).
func newPlayingRoom(t *testing.T, cfg *config.Config, ids ...string) (*Room, map[string]chan []byte) {
	t.Helper()
	players, sends := newTestPlayers(ids...)
	r := NewRoom("match-1", cfg, players, 42, func(string) {}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Start(ctx)
	readUntilType(t, sends[ids[0]], "game-start", 3*time.Second)
	for _, id := range ids[1:] {
		readUntilType(t, sends[id], "game-start", 3*time.Second)
	}
	return r, sends
}

func TestCountdownThenGameStart(t *testing.T) {
	cfg := testConfig()
	cfg.CountdownSeconds = 1
	players, sends := newTestPlayers("alice", "bob")
	r := NewRoom("match-countdown", cfg, players, 7, func(string) {}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	mf := readUntilType(t, sends["alice"], "match-found", time.Second)
	if mf["playerId"] != "alice" {
		t.Errorf("expected playerId alice, got %v", mf["playerId"])
	}

	first := readUntilType(t, sends["alice"], "countdown", time.Second)
	if int(first["seconds"].(float64)) != 1 {
		t.Errorf("expected initial countdown of 1, got %v", first["seconds"])
	}

	gs := readUntilType(t, sends["alice"], "game-start", 3*time.Second)
	if gs["matchId"] != "match-countdown" {
		t.Errorf("expected matchId match-countdown, got %v", gs["matchId"])
	}
}

func TestCommandsAreOrderedByPlayerThenType(t *testing.T) {
	cfg := testConfig()
	r, sends := newPlayingRoom(t, cfg, "bob", "alice")

	ts := readUntilType(t, sends["bob"], "tick-sync", time.Second)
	// tick-sync for T is sent while T is being finalized, so T is already
	// sealed; submit for a later tick that is still open.
	tick := int64(ts["tick"].(float64)) + int64(cfg.MaxTickAhead)

	r.SubmitCommands("bob", tick, []protocol.CommandPayload{{Type: "zeta"}})
	r.SubmitCommands("alice", tick, []protocol.CommandPayload{{Type: "attack"}, {Type: "alpha"}})

	batch := readUntilType(t, sends["bob"], "commands-batch", time.Second)
	for int64(batch["tick"].(float64)) < tick {
		batch = readUntilType(t, sends["bob"], "commands-batch", time.Second)
	}
	cmds, _ := batch["commands"].([]interface{})
	if len(cmds) != 3 {
		t.Fatalf("expected 3 ordered commands, got %d: %v", len(cmds), cmds)
	}
	order := make([]string, len(cmds))
	for i, raw := range cmds {
		cmd := raw.(map[string]interface{})
		order[i] = cmd["playerId"].(string) + ":" + cmd["type"].(string)
	}
	want := []string{"alice:alpha", "alice:attack", "bob:zeta"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("ordered commands mismatch at %d: got %v, want %v", i, order, want)
			break
		}
	}
}

func TestSubmitCommandsRejectsOutOfWindowTick(t *testing.T) {
	cfg := testConfig()
	r, sends := newPlayingRoom(t, cfg, "alice")

	ts := readUntilType(t, sends["alice"], "tick-sync", time.Second)
	tick := int64(ts["tick"].(float64))

	farFuture := tick + int64(cfg.MaxTickAhead) + 100
	r.SubmitCommands("alice", farFuture, []protocol.CommandPayload{{Type: "move"}})

	ack := readUntilType(t, sends["alice"], "submit-commands-ack", time.Second)
	if ack["accepted"] != false {
		t.Fatalf("expected out-of-window submission rejected, got %v", ack)
	}
	if ack["reason"] != "tick out of window" {
		t.Errorf("expected 'tick out of window' reason, got %v", ack["reason"])
	}
}

func TestIdleTickStillFinalizesWithEmptyBatch(t *testing.T) {
	cfg := testConfig()
	_, sends := newPlayingRoom(t, cfg, "alice")

	batch := readUntilType(t, sends["alice"], "commands-batch", time.Second)
	cmds, _ := batch["commands"].([]interface{})
	if len(cmds) != 0 {
		t.Errorf("expected empty commands batch with no submissions, got %v", cmds)
	}
}

func TestDisconnectThenReconnectReceivesCatchUpState(t *testing.T) {
	cfg := testConfig()
	r, sends := newPlayingRoom(t, cfg, "alice", "bob")

	r.HandleDisconnect("alice")
	readUntilType(t, sends["bob"], "player-disconnected", time.Second)

	newSend := make(chan []byte, 64)
	success, reason := r.HandleReconnect("alice", newSend)
	if !success {
		t.Fatalf("expected reconnect to succeed, got reason %q", reason)
	}

	status := readUntilType(t, newSend, "reconnect-status", time.Second)
	if status["success"] != true {
		t.Errorf("expected reconnect-status success, got %v", status)
	}
	state := readUntilType(t, newSend, "reconnect-state", time.Second)
	if state["matchId"] != r.ID() {
		t.Errorf("expected matchId %q, got %v", r.ID(), state["matchId"])
	}

	readUntilType(t, sends["bob"], "player-reconnected", time.Second)
}

func TestReconnectFailsWhenPlayerNotDisconnected(t *testing.T) {
	cfg := testConfig()
	r, _ := newPlayingRoom(t, cfg, "alice")

	success, reason := r.HandleReconnect("alice", make(chan []byte, 1))
	if success {
		t.Fatal("expected reconnect to fail for a still-connected player")
	}
	if reason != "player is not disconnected" {
		t.Errorf("expected 'player is not disconnected' reason, got %q", reason)
	}
}

func TestReconnectFailsForUnknownPlayer(t *testing.T) {
	cfg := testConfig()
	r, _ := newPlayingRoom(t, cfg, "alice")

	success, reason := r.HandleReconnect("ghost", make(chan []byte, 1))
	if success {
		t.Fatal("expected reconnect to fail for a player not in the match")
	}
	if reason != "player is not a member of this match" {
		t.Errorf("expected 'player is not a member of this match' reason, got %q", reason)
	}
}

func TestStateHashAgreementResetsConsecutiveDesyncs(t *testing.T) {
	cfg := testConfig()
	cfg.EnableStateHashing = true
	cfg.Desync.GracePeriodTicks = 2
	r, sends := newPlayingRoom(t, cfg, "alice", "bob")

	ts := readUntilType(t, sends["alice"], "tick-sync", time.Second)
	tick := int64(ts["tick"].(float64))

	r.SubmitStateHash("alice", tick, "hash-a")
	r.SubmitStateHash("bob", tick, "hash-b")
	readUntilType(t, sends["alice"], "desync-detected", time.Second)

	r.SubmitStateHash("alice", tick+1, "same-hash")
	r.SubmitStateHash("bob", tick+1, "same-hash")
	// HandleReconnect waits for the room's reply, so every action posted
	// before it has been applied once it returns.
	r.HandleReconnect("ghost", make(chan []byte, 1))

	if r.consecutiveDesyncs != 0 {
		t.Errorf("expected no desync after matching hashes, got consecutiveDesyncs=%d", r.consecutiveDesyncs)
	}
}

func TestStateHashMismatchEndsMatchAfterGracePeriod(t *testing.T) {
	cfg := testConfig()
	cfg.EnableStateHashing = true
	cfg.Desync.Action = "end-match"
	cfg.Desync.GracePeriodTicks = 1
	r, sends := newPlayingRoom(t, cfg, "alice", "bob")

	ts := readUntilType(t, sends["alice"], "tick-sync", time.Second)
	tick := int64(ts["tick"].(float64))

	r.SubmitStateHash("alice", tick, "hash-a")
	r.SubmitStateHash("bob", tick, "hash-b")

	end := readUntilType(t, sends["alice"], "match-end", time.Second)
	if end["reason"] != "desync" {
		t.Errorf("expected match-end reason desync, got %v", end["reason"])
	}

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("expected room to stop after desync")
	}
}

func TestStateHashMismatchLogOnlyDoesNotEndMatch(t *testing.T) {
	cfg := testConfig()
	cfg.EnableStateHashing = true
	cfg.Desync.Action = "log-only"
	cfg.Desync.GracePeriodTicks = 1
	r, sends := newPlayingRoom(t, cfg, "alice", "bob")

	ts := readUntilType(t, sends["alice"], "tick-sync", time.Second)
	tick := int64(ts["tick"].(float64))

	r.SubmitStateHash("alice", tick, "hash-a")
	r.SubmitStateHash("bob", tick, "hash-b")

	readUntilType(t, sends["alice"], "desync-detected", time.Second)

	select {
	case <-r.Done():
		t.Fatal("expected room to keep running with desync action log-only")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestActivityTimeoutFiresForUnresponsivePlayer(t *testing.T) {
	cfg := testConfig()
	cfg.TickRate = 50
	cfg.TimeoutTicks = 2
	cfg.DisconnectTicks = 4

	_, sends := newPlayingRoom(t, cfg, "alice")

	readUntilType(t, sends["alice"], "player-timeout", 2*time.Second)
}

func TestStopTransitionsRoomToFinished(t *testing.T) {
	cfg := testConfig()
	r, sends := newPlayingRoom(t, cfg, "alice")

	r.Stop("server_shutdown")
	end := readUntilType(t, sends["alice"], "match-end", time.Second)
	if end["reason"] != "server_shutdown" {
		t.Errorf("expected match-end reason server_shutdown, got %v", end["reason"])
	}

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("expected room to stop")
	}
}
