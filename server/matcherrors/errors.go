// Package matcherrors holds sentinel errors shared across room, matchmaking,
// and gateway so those packages can compare with errors.Is without importing
// each other (avoids an import cycle between room <-> matchmaking <-> gateway).
package matcherrors

import "errors"

var (
	ErrAlreadyQueued      = errors.New("already in queue")
	ErrInvalidGameMode    = errors.New("invalid game mode")
	ErrRoomNotFound       = errors.New("room not found")
	ErrMatchFinished      = errors.New("match finished")
	ErrNotAMember         = errors.New("player is not a member of this match")
	ErrNotDisconnected    = errors.New("player is not disconnected")
	ErrOutOfWindow        = errors.New("tick out of window")
	ErrSequenceMismatch   = errors.New("sequence out of order")
	ErrRoomStopped        = errors.New("room has stopped")
)
