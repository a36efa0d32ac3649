package room

import "lockstep-server/protocol"

// Phase is the Match Room's lifecycle state.
type Phase int

const (
	Countdown Phase = iota
	Playing
	Paused // reserved; no transition produces this phase in the core loop
	Finished
)

// String returns the wire representation of a Phase.
func (p Phase) String() string {
	switch p {
	case Countdown:
		return "countdown"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Command is one opaque, typed action submitted by a player for a tick.
type Command struct {
	Type     string
	Data     []byte
	PlayerID string // server-assigned, not trusted from the wire
	Tick     int64  // server-assigned
	Sequence int64
	HasSeq   bool
}

// actionType enumerates the kinds of work posted to a Room's mailbox. All
// mutation of Room state happens on the single goroutine draining this
// channel, so no lock is needed inside the Room.
type actionType int

const (
	actSubmitCommands actionType = iota
	actSubmitStateHash
	actDisconnect
	actReconnect
	actStop
	actInboundActivity
)

// action is one unit of mailbox work together with a reply channel for
// operations that must return a synchronous result to the caller (the
// gateway, which is itself a different goroutine).
type action struct {
	kind actionType

	playerID string
	tick     int64
	commands []protocol.CommandPayload
	hash     string

	newSend chan []byte
	reason  string

	reply chan any
}
