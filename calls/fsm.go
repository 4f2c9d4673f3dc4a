package calls

import (
	"fmt"

	"msignal/models"
)

// Trigger is something that happened to a call session.
type Trigger string

const (
	TriggerDelivered    Trigger = "delivered"
	TriggerAccept       Trigger = "accept"
	TriggerDecline      Trigger = "decline"
	TriggerNegotiated   Trigger = "negotiated"
	TriggerEnd          Trigger = "end"
	TriggerRingTimeout  Trigger = "ring_timeout"
	TriggerNoLiveTarget Trigger = "no_live_target"
)

var transitions = map[models.CallState]map[Trigger]models.CallState{
	models.CallCalling: {
		TriggerDelivered:    models.CallIncoming,
		TriggerEnd:          models.CallEnded,
		TriggerRingTimeout:  models.CallMissed,
		TriggerNoLiveTarget: models.CallMissed,
	},
	models.CallIncoming: {
		TriggerAccept:       models.CallConnecting,
		TriggerDecline:      models.CallEnded,
		TriggerEnd:          models.CallEnded,
		TriggerRingTimeout:  models.CallMissed,
		TriggerNoLiveTarget: models.CallMissed,
	},
	models.CallConnecting: {
		TriggerNegotiated:   models.CallConnected,
		TriggerEnd:          models.CallEnded,
		TriggerNoLiveTarget: models.CallEnded,
	},
	models.CallConnected: {
		TriggerEnd:          models.CallEnded,
		TriggerNoLiveTarget: models.CallEnded,
	},
}

// Next returns the state a session in from moves to on t.
func Next(from models.CallState, t Trigger) (models.CallState, error) {
	if to, ok := transitions[from][t]; ok {
		return to, nil
	}
	return from, fmt.Errorf("call %s on %s: %w", t, from, models.ErrInvalidTransition)
}

// Ringing reports whether the callee has not answered yet.
func Ringing(s models.CallState) bool {
	return s == models.CallCalling || s == models.CallIncoming
}

// CanSignal reports whether negotiation payloads may flow in state s.
func CanSignal(s models.CallState) bool {
	return s == models.CallConnecting || s == models.CallConnected
}
