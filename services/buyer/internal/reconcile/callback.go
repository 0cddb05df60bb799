package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
)

var ErrMalformed = errors.New("malformed callback")

// Callback is a closed set: only the variants below implement it, and every
// Handler must handle each of them.
type Callback interface {
	Action() ondc.CallbackAction
	Context() ondc.Context
	// OrderID is the order the callback refers to, empty for informational kinds.
	OrderID() string
	accept(ctx context.Context, h Handler) (Outcome, error)
}

type Handler interface {
	HandleOnSearch(ctx context.Context, cb *OnSearch) (Outcome, error)
	HandleOnSelect(ctx context.Context, cb *OnSelect) (Outcome, error)
	HandleOnInit(ctx context.Context, cb *OnInit) (Outcome, error)
	HandleOnConfirm(ctx context.Context, cb *OnConfirm) (Outcome, error)
	HandleOnStatus(ctx context.Context, cb *OnStatus) (Outcome, error)
	HandleOnTrack(ctx context.Context, cb *OnTrack) (Outcome, error)
	HandleOnCancel(ctx context.Context, cb *OnCancel) (Outcome, error)
	HandleOnUpdate(ctx context.Context, cb *OnUpdate) (Outcome, error)
	HandleOnSupport(ctx context.Context, cb *OnSupport) (Outcome, error)
}

type envelope struct {
	Ctx ondc.Context
	Err *ondc.Error
}

func (e envelope) Context() ondc.Context { return e.Ctx }

type orderEnvelope struct {
	envelope
	Order ondc.Order
}

func (e orderEnvelope) OrderID() string { return strings.TrimSpace(e.Order.ID) }

// FirstFulfillment is the snapshot a reconciling callback installs.
func (e orderEnvelope) FirstFulfillment() *ondc.Fulfillment {
	if len(e.Order.Fulfillments) == 0 {
		return nil
	}
	f := e.Order.Fulfillments[0]
	return &f
}

type OnSearch struct {
	envelope
	Catalog json.RawMessage
}

type OnSelect struct{ orderEnvelope }
type OnInit struct{ orderEnvelope }
type OnConfirm struct{ orderEnvelope }
type OnStatus struct{ orderEnvelope }
type OnCancel struct{ orderEnvelope }
type OnUpdate struct{ orderEnvelope }

type OnTrack struct {
	envelope
	Tracking ondc.Tracking
}

type OnSupport struct {
	envelope
	Support ondc.SupportInfo
}

func (*OnSearch) Action() ondc.CallbackAction  { return ondc.OnSearch }
func (*OnSelect) Action() ondc.CallbackAction  { return ondc.OnSelect }
func (*OnInit) Action() ondc.CallbackAction    { return ondc.OnInit }
func (*OnConfirm) Action() ondc.CallbackAction { return ondc.OnConfirm }
func (*OnStatus) Action() ondc.CallbackAction  { return ondc.OnStatus }
func (*OnTrack) Action() ondc.CallbackAction   { return ondc.OnTrack }
func (*OnCancel) Action() ondc.CallbackAction  { return ondc.OnCancel }
func (*OnUpdate) Action() ondc.CallbackAction  { return ondc.OnUpdate }
func (*OnSupport) Action() ondc.CallbackAction { return ondc.OnSupport }

func (*OnSearch) OrderID() string  { return "" }
func (*OnTrack) OrderID() string   { return "" }
func (*OnSupport) OrderID() string { return "" }

func (c *OnSearch) accept(ctx context.Context, h Handler) (Outcome, error) {
	return h.HandleOnSearch(ctx, c)
}
func (c *OnSelect) accept(ctx context.Context, h Handler) (Outcome, error) {
	return h.HandleOnSelect(ctx, c)
}
func (c *OnInit) accept(ctx context.Context, h Handler) (Outcome, error) {
	return h.HandleOnInit(ctx, c)
}
func (c *OnConfirm) accept(ctx context.Context, h Handler) (Outcome, error) {
	return h.HandleOnConfirm(ctx, c)
}
func (c *OnStatus) accept(ctx context.Context, h Handler) (Outcome, error) {
	return h.HandleOnStatus(ctx, c)
}
func (c *OnTrack) accept(ctx context.Context, h Handler) (Outcome, error) {
	return h.HandleOnTrack(ctx, c)
}
func (c *OnCancel) accept(ctx context.Context, h Handler) (Outcome, error) {
	return h.HandleOnCancel(ctx, c)
}
func (c *OnUpdate) accept(ctx context.Context, h Handler) (Outcome, error) {
	return h.HandleOnUpdate(ctx, c)
}
func (c *OnSupport) accept(ctx context.Context, h Handler) (Outcome, error) {
	return h.HandleOnSupport(ctx, c)
}

// Dispatch routes cb to the matching method of h.
func Dispatch(ctx context.Context, h Handler, cb Callback) (Outcome, error) {
	return cb.accept(ctx, h)
}

// Decode parses a callback body for the route it arrived on.
func Decode(action ondc.CallbackAction, body []byte) (Callback, error) {
	var raw ondc.Envelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(raw.Context.TransactionID) == "" {
		return nil, fmt.Errorf("%w: context.transaction_id is required", ErrMalformed)
	}
	if raw.Context.Action != "" && raw.Context.Action != string(action) {
		return nil, fmt.Errorf("%w: context.action %q does not match %s", ErrMalformed, raw.Context.Action, action)
	}
	env := envelope{Ctx: raw.Context, Err: raw.Error}

	decodeOrder := func() (orderEnvelope, error) {
		var m ondc.OrderMessage
		if len(raw.Message) > 0 && string(raw.Message) != "null" {
			if err := json.Unmarshal(raw.Message, &m); err != nil {
				return orderEnvelope{}, fmt.Errorf("%w: message.order: %v", ErrMalformed, err)
			}
		}
		return orderEnvelope{envelope: env, Order: m.Order}, nil
	}

	switch action {
	case ondc.OnSearch:
		return &OnSearch{envelope: env, Catalog: raw.Message}, nil
	case ondc.OnTrack:
		var m ondc.TrackMessage
		if len(raw.Message) > 0 {
			if err := json.Unmarshal(raw.Message, &m); err != nil {
				return nil, fmt.Errorf("%w: message.tracking: %v", ErrMalformed, err)
			}
		}
		return &OnTrack{envelope: env, Tracking: m.Tracking}, nil
	case ondc.OnSupport:
		var m ondc.SupportInfo
		if len(raw.Message) > 0 {
			if err := json.Unmarshal(raw.Message, &m); err != nil {
				return nil, fmt.Errorf("%w: message: %v", ErrMalformed, err)
			}
		}
		return &OnSupport{envelope: env, Support: m}, nil
	}

	oe, err := decodeOrder()
	if err != nil {
		return nil, err
	}
	switch action {
	case ondc.OnSelect:
		return &OnSelect{oe}, nil
	case ondc.OnInit:
		return &OnInit{oe}, nil
	case ondc.OnConfirm:
		return &OnConfirm{oe}, nil
	case ondc.OnStatus:
		return &OnStatus{oe}, nil
	case ondc.OnCancel:
		return &OnCancel{oe}, nil
	case ondc.OnUpdate:
		return &OnUpdate{oe}, nil
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrMalformed, action)
}
