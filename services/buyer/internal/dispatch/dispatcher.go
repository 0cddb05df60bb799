package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prithviraju1369/ontheline.in/pkg/canonhash"
	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
	"github.com/prithviraju1369/ontheline.in/pkg/signature"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/metrics"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/orders"
)

const (
	defaultGPS      = "12.9716,77.5946"
	defaultAreaCode = "560001"
	defaultReasonID = "001"
)

// Signer is satisfied by *signature.Signer.
type Signer interface {
	Sign(body []byte) (signature.SignedEnvelope, error)
}

// Handle correlates a dispatched call with the callback that will answer it.
type Handle struct {
	Action        ondc.Action `json:"action"`
	TransactionID string      `json:"transaction_id"`
	MessageID     string      `json:"message_id"`
	Endpoint      string      `json:"endpoint"`
}

type Options struct {
	GatewayURL    string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
	Logger        logrus.FieldLogger
	Metrics       metrics.BuyerMetrics
}

type Dispatcher struct {
	builder   *ondc.Builder
	signer    Signer
	store     orders.Store
	gateway   string
	transport *transport
	log       logrus.FieldLogger
	metrics   metrics.BuyerMetrics
}

func New(builder *ondc.Builder, signer Signer, store orders.Store, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Dispatcher{
		builder:   builder,
		signer:    signer,
		store:     store,
		gateway:   opts.GatewayURL,
		transport: newTransport(opts.HTTPClient, opts.Timeout, opts.RatePerSecond, opts.Burst),
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
}

type prepared struct {
	action   ondc.Action
	context  ondc.Context
	envelope signature.SignedEnvelope
	endpoint string
}

func (d *Dispatcher) prepare(action ondc.Action, opts ondc.ContextOptions, message any, base string) (prepared, error) {
	pctx, err := d.builder.Build(action, opts)
	if err != nil {
		return prepared{}, &ValidationError{Action: action, Reason: err.Error()}
	}
	body, err := canonhash.Marshal(ondc.Request{Context: pctx, Message: message})
	if err != nil {
		return prepared{}, &signature.SigningError{Op: "canonicalize", Err: err}
	}
	env, err := d.signer.Sign(body)
	if err != nil {
		var serr *signature.SigningError
		if !errors.As(err, &serr) {
			err = &signature.SigningError{Op: "sign", Err: err}
		}
		return prepared{}, err
	}
	return prepared{action: action, context: pctx, envelope: env, endpoint: endpointFor(base, action)}, nil
}

func (d *Dispatcher) deliver(ctx context.Context, p prepared) (Handle, error) {
	log := d.log.WithFields(logrus.Fields{
		"action":          p.action,
		"transaction_id":  p.context.TransactionID,
		"message_id":      p.context.MessageID,
		"counterparty_id": p.context.BppID,
	})
	start := time.Now()
	r := d.transport.post(ctx, p.endpoint, p.envelope.Body, p.envelope.Header())
	handle := Handle{Action: p.action, TransactionID: p.context.TransactionID, MessageID: p.context.MessageID, Endpoint: p.endpoint}

	var derr *DispatchError
	switch {
	case r.StatusCode == 0 && r.Err != nil:
		derr = &DispatchError{Action: p.action, Endpoint: p.endpoint, Err: r.Err}
	case r.StatusCode < 200 || r.StatusCode > 299:
		derr = &DispatchError{Action: p.action, Endpoint: p.endpoint, StatusCode: r.StatusCode, Nack: r.Ack.Error, Err: r.Err}
	case r.Err != nil:
		derr = &DispatchError{Action: p.action, Endpoint: p.endpoint, StatusCode: r.StatusCode, Err: r.Err}
	case !r.Ack.Acked():
		derr = &DispatchError{Action: p.action, Endpoint: p.endpoint, StatusCode: r.StatusCode, Nack: r.Ack.Error, Err: ErrNacked}
	}
	if derr != nil {
		d.metrics.ObserveDispatch(string(p.action), "failed", time.Since(start))
		log.WithError(derr).Error("dispatch failed")
		return handle, derr
	}
	d.metrics.ObserveDispatch(string(p.action), "ack", time.Since(start))
	log.Info("dispatched")
	return handle, nil
}

func (d *Dispatcher) send(ctx context.Context, action ondc.Action, opts ondc.ContextOptions, message any, base string) (Handle, error) {
	p, err := d.prepare(action, opts, message, base)
	if err != nil {
		d.metrics.ObserveDispatch(string(action), "rejected", 0)
		return Handle{}, err
	}
	return d.deliver(ctx, p)
}

func (d *Dispatcher) Search(ctx context.Context, req SearchRequest) (Handle, error) {
	if err := req.Validate(); err != nil {
		return Handle{}, err
	}
	gps, area := req.GPS, req.Pincode
	if gps == "" {
		gps = defaultGPS
	}
	if area == "" {
		area = defaultAreaCode
	}
	intent := ondc.Intent{
		Fulfillment: &ondc.Fulfillment{
			Type: "Delivery",
			End:  &ondc.End{Location: &ondc.Location{GPS: gps, Address: &ondc.Address{AreaCode: area}}},
		},
		Payment: map[string]string{
			"@ondc/org/buyer_app_finder_fee_type":   "percent",
			"@ondc/org/buyer_app_finder_fee_amount": "3",
		},
	}
	if q := strings.TrimSpace(req.Query); q != "" {
		intent.Item = &ondc.IntentItem{Descriptor: ondc.Descriptor{Name: q}}
	}
	if c := strings.TrimSpace(req.Category); c != "" {
		intent.Category = &ondc.Category{ID: c}
	}
	return d.send(ctx, ondc.ActionSearch, ondc.ContextOptions{}, ondc.SearchMessage{Intent: intent}, d.gateway)
}

func (d *Dispatcher) Select(ctx context.Context, req SelectRequest) (Handle, error) {
	if err := req.Validate(); err != nil {
		return Handle{}, err
	}
	var loc *ondc.Location
	if req.GPS != "" || req.Pincode != "" {
		loc = &ondc.Location{GPS: req.GPS}
		if req.Pincode != "" {
			loc.Address = &ondc.Address{AreaCode: req.Pincode}
		}
	}
	msg := ondc.OrderMessage{Order: ondc.Order{
		Provider:     &ondc.Provider{ID: req.ProviderID},
		Items:        toItems(req.Items),
		Fulfillments: []ondc.Fulfillment{{End: &ondc.End{Location: loc}}},
	}}
	cp := req.Target.Counterparty()
	return d.send(ctx, ondc.ActionSelect, contextOptions(req.Correlation, cp), msg, cp.URI)
}

func (d *Dispatcher) Init(ctx context.Context, req InitRequest) (Handle, error) {
	if err := req.Validate(); err != nil {
		return Handle{}, err
	}
	end := &ondc.End{Location: req.DeliveryLocation}
	if req.Email != "" || req.Phone != "" {
		end.Contact = &ondc.Contact{Email: req.Email, Phone: req.Phone}
	}
	msg := ondc.OrderMessage{Order: ondc.Order{
		Provider:     &ondc.Provider{ID: req.ProviderID},
		Items:        toItems(req.Items),
		Billing:      req.Billing,
		Fulfillments: []ondc.Fulfillment{{End: end}},
	}}
	cp := req.Target.Counterparty()
	return d.send(ctx, ondc.ActionInit, contextOptions(req.Correlation, cp), msg, cp.URI)
}

// Confirm is the only action that persists an Order before its callback
// arrives. A repeated confirm for the same order reuses the stored record.
func (d *Dispatcher) Confirm(ctx context.Context, req ConfirmRequest) (Handle, error) {
	if err := req.Validate(); err != nil {
		return Handle{}, err
	}
	cp := req.Target.Counterparty()
	txn := strings.TrimSpace(req.TransactionID)

	existing, err := d.store.Get(ctx, req.OrderID)
	switch {
	case err == nil:
		if !pinnedTo(existing, txn, cp) {
			return Handle{}, &ValidationError{Action: ondc.ActionConfirm, Reason: "order " + req.OrderID + " belongs to another transaction or counterparty"}
		}
	case !errors.Is(err, orders.ErrNotFound):
		return Handle{}, fmt.Errorf("load order %s: %w", req.OrderID, err)
	}
	found := err == nil

	msg := ondc.OrderMessage{Order: ondc.Order{
		ID:           req.OrderID,
		Provider:     &ondc.Provider{ID: req.ProviderID},
		Items:        toItems(req.Items),
		Billing:      req.Billing,
		Fulfillments: req.Fulfillments,
		Payment:      req.Payment,
		Quote:        req.Quote,
	}}
	p, err := d.prepare(ondc.ActionConfirm, contextOptions(req.Correlation, cp), msg, cp.URI)
	if err != nil {
		return Handle{}, err
	}
	if found {
		return d.deliver(ctx, p)
	}

	fulfillment := req.Fulfillments[0]
	o := orders.Order{
		OrderID:       req.OrderID,
		TransactionID: txn,
		MessageID:     p.context.MessageID,
		UserID:        req.UserID,
		Counterparty:  cp,
		ProviderID:    req.ProviderID,
		Items:         msg.Order.Items,
		Billing:       req.Billing,
		Fulfillment:   &fulfillment,
		Payment:       req.Payment,
		Quote:         req.Quote,
		Status:        orders.StatusCreated,
	}
	if _, err := d.store.Create(ctx, o); err != nil {
		if !errors.Is(err, orders.ErrAlreadyExists) {
			return Handle{}, fmt.Errorf("create order %s: %w", req.OrderID, err)
		}
		// created concurrently; the signed envelope is dropped unsent
		raced, gerr := d.store.Get(ctx, req.OrderID)
		if gerr != nil {
			return Handle{}, fmt.Errorf("load order %s: %w", req.OrderID, gerr)
		}
		if !pinnedTo(raced, txn, cp) {
			return Handle{}, fmt.Errorf("confirm order %s: %w", req.OrderID, orders.ErrAlreadyExists)
		}
	}
	return d.deliver(ctx, p)
}

func pinnedTo(o orders.Order, txn string, cp ondc.Counterparty) bool {
	return o.TransactionID == txn && o.Counterparty == cp
}

func (d *Dispatcher) Status(ctx context.Context, req OrderRequest) (Handle, error) {
	opts, err := d.resolve(ctx, ondc.ActionStatus, req)
	if err != nil {
		return Handle{}, err
	}
	return d.send(ctx, ondc.ActionStatus, opts, ondc.OrderRefMessage{OrderID: req.OrderID}, opts.Counterparty.URI)
}

func (d *Dispatcher) Track(ctx context.Context, req OrderRequest) (Handle, error) {
	opts, err := d.resolve(ctx, ondc.ActionTrack, req)
	if err != nil {
		return Handle{}, err
	}
	return d.send(ctx, ondc.ActionTrack, opts, ondc.OrderRefMessage{OrderID: req.OrderID}, opts.Counterparty.URI)
}

func (d *Dispatcher) Cancel(ctx context.Context, req CancelRequest) (Handle, error) {
	if err := req.Validate(); err != nil {
		return Handle{}, err
	}
	opts, err := d.resolve(ctx, ondc.ActionCancel, req.OrderRequest)
	if err != nil {
		return Handle{}, err
	}
	msg := ondc.CancelMessage{OrderID: req.OrderID, CancellationReasonID: req.ReasonID}
	if r := strings.TrimSpace(req.Reason); r != "" {
		msg.Descriptor = &ondc.Descriptor{ShortDesc: r}
	}
	return d.send(ctx, ondc.ActionCancel, opts, msg, opts.Counterparty.URI)
}

func (d *Dispatcher) Support(ctx context.Context, req OrderRequest) (Handle, error) {
	opts, err := d.resolve(ctx, ondc.ActionSupport, req)
	if err != nil {
		return Handle{}, err
	}
	return d.send(ctx, ondc.ActionSupport, opts, ondc.SupportMessage{RefID: req.OrderID}, opts.Counterparty.URI)
}

// resolve fills transaction and counterparty from the stored order and
// refuses a caller-supplied value that disagrees with the pinned one.
func (d *Dispatcher) resolve(ctx context.Context, action ondc.Action, req OrderRequest) (ondc.ContextOptions, error) {
	if err := req.validate(action); err != nil {
		return ondc.ContextOptions{}, err
	}
	cp := req.Target.Counterparty()
	txn := strings.TrimSpace(req.TransactionID)

	o, err := d.store.Get(ctx, req.OrderID)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		c := checks{action: action}
		c.need("transactionId", txn != "")
		c.target(req.Target)
		if verr := c.err(); verr != nil {
			return ondc.ContextOptions{}, verr
		}
		return contextOptions(req.Correlation, cp), nil
	case err != nil:
		return ondc.ContextOptions{}, fmt.Errorf("load order %s: %w", req.OrderID, err)
	}

	if !cp.Empty() && cp != o.Counterparty {
		return ondc.ContextOptions{}, &ValidationError{Action: action, Reason: "counterparty does not match the one pinned on order " + o.OrderID}
	}
	if txn != "" && txn != o.TransactionID {
		return ondc.ContextOptions{}, &ValidationError{Action: action, Reason: "transactionId does not match order " + o.OrderID}
	}
	return ondc.ContextOptions{TransactionID: o.TransactionID, MessageID: req.MessageID, Counterparty: o.Counterparty}, nil
}

func contextOptions(c Correlation, cp ondc.Counterparty) ondc.ContextOptions {
	return ondc.ContextOptions{TransactionID: c.TransactionID, MessageID: c.MessageID, Counterparty: cp}
}

// CancelReason fills the defaults used when a buyer cancels from the order
// screen without choosing a reason.
func CancelReason(reasonID, reason string) (string, string) {
	if strings.TrimSpace(reasonID) == "" {
		reasonID = defaultReasonID
	}
	if strings.TrimSpace(reason) == "" {
		reason = "Customer request"
	}
	return reasonID, reason
}
