package room

import "time"

// activityTracker records the last time each player was heard from and
// tracks who is currently flagged as lagging, so a lag episode produces
// exactly one player-lagging notification rather than one per tick.
type activityTracker struct {
	lastSeen map[string]time.Time
	lagging  map[string]bool
	timedOut map[string]bool

	lagThreshold        time.Duration
	disconnectThreshold time.Duration
}

func newActivityTracker(tickRate, timeoutTicks, disconnectTicks int) *activityTracker {
	if tickRate <= 0 {
		tickRate = 20
	}
	perTick := time.Second / time.Duration(tickRate)
	return &activityTracker{
		lastSeen:            make(map[string]time.Time),
		lagging:             make(map[string]bool),
		timedOut:            make(map[string]bool),
		lagThreshold:        perTick * time.Duration(timeoutTicks),
		disconnectThreshold: perTick * time.Duration(disconnectTicks),
	}
}

// touch records activity from playerID at time now. Any inbound message
// counts, including transport-level keep-alives. A reconnecting player who
// had timed out clears that flag, so a fresh disconnect episode can be
// reported again.
func (a *activityTracker) touch(playerID string, now time.Time) {
	a.lastSeen[playerID] = now
	delete(a.lagging, playerID)
	delete(a.timedOut, playerID)
}

func (a *activityTracker) seed(playerID string, now time.Time) {
	a.lastSeen[playerID] = now
	delete(a.lagging, playerID)
	delete(a.timedOut, playerID)
}

func (a *activityTracker) forget(playerID string) {
	delete(a.lastSeen, playerID)
	delete(a.lagging, playerID)
	delete(a.timedOut, playerID)
}

// activityEvent describes a liveness transition detected for one player
// during a single check() pass.
type activityEvent struct {
	PlayerID           string
	Kind               string // "timeout" or "lagging"
	MsSinceLastMessage int64
	LastMessageTime    int64
}

// check evaluates every tracked player against now and returns the liveness
// events that occurred (at most one per player, timeout taking precedence
// over lagging). Timed-out players are dropped from tracking by the caller
// once it has marked them disconnected.
func (a *activityTracker) check(now time.Time) []activityEvent {
	var events []activityEvent
	for playerID, last := range a.lastSeen {
		since := now.Sub(last)
		switch {
		case since >= a.disconnectThreshold:
			if a.timedOut[playerID] {
				continue
			}
			a.timedOut[playerID] = true
			delete(a.lagging, playerID)
			events = append(events, activityEvent{
				PlayerID:           playerID,
				Kind:               "timeout",
				MsSinceLastMessage: since.Milliseconds(),
				LastMessageTime:    last.UnixMilli(),
			})
		case since >= a.lagThreshold:
			if !a.lagging[playerID] {
				a.lagging[playerID] = true
				events = append(events, activityEvent{
					PlayerID:           playerID,
					Kind:               "lagging",
					MsSinceLastMessage: since.Milliseconds(),
				})
			}
		}
	}
	return events
}
