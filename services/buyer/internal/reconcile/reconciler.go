package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/prithviraju1369/ontheline.in/pkg/canonhash"
	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/metrics"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/orders"
)

// Reconciliation warnings. None of them changes the acknowledgement.
var (
	ErrUnmatchedOrder      = errors.New("callback matches no known order")
	ErrUnknownDescriptor   = errors.New("unrecognized fulfillment state descriptor")
	ErrCorrelationMismatch = errors.New("callback transaction does not match order")
	ErrForeignCounterparty = errors.New("callback sender is not the order's counterparty")
	ErrStaleCallback       = errors.New("callback would regress order status")
	ErrTerminalOrder       = errors.New("order is in a terminal state")
)

var ErrRetriesExhausted = errors.New("order kept changing during reconciliation")

// StatusFor maps a seller-reported fulfillment state to the order lifecycle.
var StatusFor = map[string]orders.Status{
	"Pending":          orders.StatusCreated,
	"Packed":           orders.StatusInProgress,
	"Agent-assigned":   orders.StatusInProgress,
	"Out-for-delivery": orders.StatusInProgress,
	"Order-delivered":  orders.StatusCompleted,
	"Cancelled":        orders.StatusCancelled,
}

type Result string

const (
	ResultApplied       Result = "applied"
	ResultNoop          Result = "noop"
	ResultInformational Result = "informational"
	ResultWarning       Result = "warning"
)

type Outcome struct {
	Action  ondc.CallbackAction
	OrderID string
	Result  Result
	From    orders.Status
	To      orders.Status
	Warning error
}

type Options struct {
	Logger     logrus.FieldLogger
	Metrics    metrics.BuyerMetrics
	MaxRetries int
}

type Reconciler struct {
	store      orders.Store
	locks      *keyedMutex
	log        logrus.FieldLogger
	metrics    metrics.BuyerMetrics
	maxRetries int
}

var _ Handler = (*Reconciler)(nil)

func New(store orders.Store, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Reconciler{store: store, locks: newKeyedMutex(), log: opts.Logger, metrics: opts.Metrics, maxRetries: opts.MaxRetries}
}

// Reconcile applies cb to durable order state. It is idempotent. The
// returned error is reserved for store failures; business-level problems are
// reported as Outcome.Warning.
func (r *Reconciler) Reconcile(ctx context.Context, cb Callback) (Outcome, error) {
	out, err := Dispatch(ctx, r, cb)
	out.Action = cb.Action()
	cctx := cb.Context()
	log := r.log.WithFields(logrus.Fields{
		"action":          cb.Action(),
		"transaction_id":  cctx.TransactionID,
		"message_id":      cctx.MessageID,
		"order_id":        out.OrderID,
		"counterparty_id": cctx.BppID,
	})
	switch {
	case err != nil:
		r.metrics.IncReconcileOutcome(string(out.Action), "error")
		log.WithError(err).Error("reconciliation failed")
	case out.Result == ResultWarning:
		r.metrics.IncReconcileOutcome(string(out.Action), string(out.Result))
		log.WithError(out.Warning).Warn("reconciliation warning")
	default:
		r.metrics.IncReconcileOutcome(string(out.Action), string(out.Result))
		if out.Warning != nil {
			log = log.WithField("reason", out.Warning.Error())
		}
		log.WithFields(logrus.Fields{"from": out.From, "to": out.To, "result": out.Result}).Info("reconciled")
	}
	return out, err
}

func (r *Reconciler) HandleOnSearch(_ context.Context, cb *OnSearch) (Outcome, error) {
	return Outcome{Result: ResultInformational}, nil
}

func (r *Reconciler) HandleOnSelect(_ context.Context, cb *OnSelect) (Outcome, error) {
	return Outcome{OrderID: cb.OrderID(), Result: ResultInformational}, nil
}

func (r *Reconciler) HandleOnInit(_ context.Context, cb *OnInit) (Outcome, error) {
	return Outcome{OrderID: cb.OrderID(), Result: ResultInformational}, nil
}

func (r *Reconciler) HandleOnTrack(_ context.Context, cb *OnTrack) (Outcome, error) {
	return Outcome{Result: ResultInformational}, nil
}

func (r *Reconciler) HandleOnSupport(_ context.Context, cb *OnSupport) (Outcome, error) {
	return Outcome{Result: ResultInformational}, nil
}

// on_confirm moves the order to ACCEPTED unless it has already progressed.
func (r *Reconciler) HandleOnConfirm(ctx context.Context, cb *OnConfirm) (Outcome, error) {
	return r.mutate(ctx, cb.Ctx, cb.OrderID(), func(o *orders.Order) (Result, error) {
		switch {
		case o.Status.Terminal():
			return ResultNoop, ErrTerminalOrder
		case o.Status.Rank() > orders.StatusAccepted.Rank():
			return ResultNoop, ErrStaleCallback
		}
		o.Status = orders.StatusAccepted
		if f := cb.FirstFulfillment(); f != nil {
			o.Fulfillment = f
		}
		if cb.Order.Quote != nil {
			o.Quote = cb.Order.Quote
		}
		return ResultApplied, nil
	})
}

func (r *Reconciler) HandleOnStatus(ctx context.Context, cb *OnStatus) (Outcome, error) {
	return r.mutate(ctx, cb.Ctx, cb.OrderID(), func(o *orders.Order) (Result, error) {
		f := cb.FirstFulfillment()
		if f == nil {
			return ResultWarning, ErrUnknownDescriptor
		}
		target, ok := StatusFor[f.StateCode()]
		if !ok {
			return ResultWarning, fmt.Errorf("%w: %q", ErrUnknownDescriptor, f.StateCode())
		}
		switch {
		case o.Status.Terminal():
			return ResultNoop, ErrTerminalOrder
		case target == orders.StatusCancelled:
		case target.Rank() < o.Status.Rank():
			return ResultNoop, ErrStaleCallback
		}
		o.Status = target
		o.Fulfillment = f
		if cb.Order.Quote != nil {
			o.Quote = cb.Order.Quote
		}
		return ResultApplied, nil
	})
}

// on_cancel forces CANCELLED from any status, COMPLETED included.
func (r *Reconciler) HandleOnCancel(ctx context.Context, cb *OnCancel) (Outcome, error) {
	return r.mutate(ctx, cb.Ctx, cb.OrderID(), func(o *orders.Order) (Result, error) {
		if o.Status == orders.StatusCancelled {
			return ResultNoop, nil
		}
		o.Status = orders.StatusCancelled
		if f := cb.FirstFulfillment(); f != nil {
			o.Fulfillment = f
		}
		return ResultApplied, nil
	})
}

// on_update replaces snapshots only; status is untouched.
func (r *Reconciler) HandleOnUpdate(ctx context.Context, cb *OnUpdate) (Outcome, error) {
	return r.mutate(ctx, cb.Ctx, cb.OrderID(), func(o *orders.Order) (Result, error) {
		if o.Status.Terminal() {
			return ResultNoop, ErrTerminalOrder
		}
		if f := cb.FirstFulfillment(); f != nil {
			o.Fulfillment = f
		}
		if cb.Order.Quote != nil {
			o.Quote = cb.Order.Quote
		}
		return ResultApplied, nil
	})
}

// CancelByBuyer records a buyer-initiated cancellation under the same
// per-order lock as callbacks.
func (r *Reconciler) CancelByBuyer(ctx context.Context, orderID string) (Outcome, error) {
	out, err := r.mutate(ctx, ondc.Context{}, orderID, func(o *orders.Order) (Result, error) {
		if o.Status.Terminal() {
			return ResultNoop, ErrTerminalOrder
		}
		o.Status = orders.StatusCancelled
		return ResultApplied, nil
	})
	r.log.WithFields(logrus.Fields{"order_id": orderID, "result": out.Result}).Info("buyer cancellation")
	return out, err
}

type applyFunc func(o *orders.Order) (Result, error)

func (r *Reconciler) mutate(ctx context.Context, cctx ondc.Context, orderID string, apply applyFunc) (Outcome, error) {
	o, err := r.lookup(ctx, orderID, cctx.TransactionID)
	if errors.Is(err, orders.ErrNotFound) {
		return Outcome{OrderID: orderID, Result: ResultWarning, Warning: ErrUnmatchedOrder}, nil
	}
	if err != nil {
		return Outcome{OrderID: orderID}, err
	}

	unlock := r.locks.Lock(o.OrderID)
	defer unlock()

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		cur, err := r.store.Get(ctx, o.OrderID)
		if err != nil {
			return Outcome{OrderID: o.OrderID}, err
		}
		out := Outcome{OrderID: cur.OrderID, From: cur.Status, To: cur.Status}
		if cctx.TransactionID != "" && cctx.TransactionID != cur.TransactionID {
			out.Result, out.Warning = ResultWarning, ErrCorrelationMismatch
			return out, nil
		}
		if cctx.BppID != "" && cur.Counterparty.ID != "" && cctx.BppID != cur.Counterparty.ID {
			out.Result, out.Warning = ResultWarning, ErrForeignCounterparty
			return out, nil
		}

		next := cur.Clone()
		res, warn := apply(&next)
		out.Warning = warn
		if res != ResultApplied {
			out.Result = res
			return out, nil
		}
		if unchanged(cur, next) {
			out.Result = ResultNoop
			return out, nil
		}
		if cctx.TransactionID != "" {
			c := cctx
			next.LastContext = &c
			next.MessageID = cctx.MessageID
		}
		saved, err := r.store.Save(ctx, next)
		if errors.Is(err, orders.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return out, err
		}
		out.Result, out.To = ResultApplied, saved.Status
		return out, nil
	}
	return Outcome{OrderID: o.OrderID}, ErrRetriesExhausted
}

// lookup correlates by order id first and falls back to the transaction.
func (r *Reconciler) lookup(ctx context.Context, orderID, transactionID string) (orders.Order, error) {
	if orderID != "" {
		o, err := r.store.Get(ctx, orderID)
		if err == nil || !errors.Is(err, orders.ErrNotFound) || transactionID == "" {
			return o, err
		}
	}
	if transactionID == "" {
		return orders.Order{}, orders.ErrNotFound
	}
	return r.store.GetByTransactionID(ctx, transactionID)
}

// unchanged compares the parts of an order a callback may write.
func unchanged(a, b orders.Order) bool {
	if a.Status != b.Status {
		return false
	}
	x, _, err1 := canonhash.SumObject([]any{a.Fulfillment, a.Quote})
	y, _, err2 := canonhash.SumObject([]any{b.Fulfillment, b.Quote})
	return err1 == nil && err2 == nil && x == y
}
