package ondc

import "strings"

// Action is an outbound protocol action.
type Action string

const (
	ActionSearch  Action = "search"
	ActionSelect  Action = "select"
	ActionInit    Action = "init"
	ActionConfirm Action = "confirm"
	ActionStatus  Action = "status"
	ActionTrack   Action = "track"
	ActionCancel  Action = "cancel"
	ActionSupport Action = "support"
)

// Actions lists every outbound action in negotiation order.
var Actions = []Action{
	ActionSearch, ActionSelect, ActionInit, ActionConfirm,
	ActionStatus, ActionTrack, ActionCancel, ActionSupport,
}

func (a Action) Valid() bool {
	for _, v := range Actions {
		if v == a {
			return true
		}
	}
	return false
}

// RequiresCounterparty is false only for search, which goes to the gateway.
func (a Action) RequiresCounterparty() bool { return a != ActionSearch }

func (a Action) Callback() CallbackAction { return CallbackAction("on_" + string(a)) }

// CallbackAction is the asynchronous counterpart of an Action. on_update has
// no outbound twin here: it is seller-initiated.
type CallbackAction string

const (
	OnSearch  CallbackAction = "on_search"
	OnSelect  CallbackAction = "on_select"
	OnInit    CallbackAction = "on_init"
	OnConfirm CallbackAction = "on_confirm"
	OnStatus  CallbackAction = "on_status"
	OnTrack   CallbackAction = "on_track"
	OnCancel  CallbackAction = "on_cancel"
	OnUpdate  CallbackAction = "on_update"
	OnSupport CallbackAction = "on_support"
)

var CallbackActions = []CallbackAction{
	OnSearch, OnSelect, OnInit, OnConfirm, OnStatus, OnTrack, OnCancel, OnUpdate, OnSupport,
}

func ParseCallbackAction(s string) (CallbackAction, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, v := range CallbackActions {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// OrderBearing reports whether the callback carries an order that the
// reconciler correlates by id.
func (c CallbackAction) OrderBearing() bool {
	switch c {
	case OnConfirm, OnStatus, OnCancel, OnUpdate:
		return true
	default:
		return false
	}
}
