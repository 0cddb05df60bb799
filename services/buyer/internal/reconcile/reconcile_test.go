package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/orders"
)

var seller = ondc.Counterparty{ID: "seller.example.com", URI: "https://seller.example.com/ondc"}

func body(t *testing.T, action ondc.CallbackAction, txn string, message any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"context": map[string]any{
			"action":         string(action),
			"transaction_id": txn,
			"message_id":     "M-" + string(action),
			"bpp_id":         seller.ID,
			"bpp_uri":        seller.URI,
		},
		"message": message,
	})
	require.NoError(t, err)
	return b
}

func orderMsg(id string, fulfillments ...ondc.Fulfillment) map[string]any {
	return map[string]any{"order": ondc.Order{ID: id, Fulfillments: fulfillments}}
}

func withState(id, code string) ondc.Fulfillment {
	return ondc.Fulfillment{ID: id, Type: "Delivery", State: &ondc.State{Descriptor: ondc.Descriptor{Code: code}}}
}

func decode(t *testing.T, action ondc.CallbackAction, txn string, message any) Callback {
	t.Helper()
	cb, err := Decode(action, body(t, action, txn, message))
	require.NoError(t, err)
	return cb
}

type harness struct {
	store *orders.MemoryStore
	r     *Reconciler
	logs  *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	store := orders.NewMemoryStore()
	return &harness{store: store, r: New(store, Options{Logger: logger}), logs: hook}
}

func (h *harness) seed(t *testing.T, id, txn string, status orders.Status) {
	t.Helper()
	o, err := h.store.Create(context.Background(), orders.Order{OrderID: id, TransactionID: txn, Counterparty: seller})
	require.NoError(t, err)
	if status != orders.StatusCreated {
		o.Status = status
		_, err = h.store.Save(context.Background(), o)
		require.NoError(t, err)
	}
}

func (h *harness) get(t *testing.T, id string) orders.Order {
	t.Helper()
	o, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) apply(t *testing.T, cb Callback) Outcome {
	t.Helper()
	out, err := h.r.Reconcile(context.Background(), cb)
	require.NoError(t, err)
	return out
}

func TestDecodeVariants(t *testing.T) {
	cases := map[ondc.CallbackAction]any{
		ondc.OnSearch:  &OnSearch{},
		ondc.OnSelect:  &OnSelect{},
		ondc.OnInit:    &OnInit{},
		ondc.OnConfirm: &OnConfirm{},
		ondc.OnStatus:  &OnStatus{},
		ondc.OnTrack:   &OnTrack{},
		ondc.OnCancel:  &OnCancel{},
		ondc.OnUpdate:  &OnUpdate{},
		ondc.OnSupport: &OnSupport{},
	}
	require.Len(t, cases, len(ondc.CallbackActions))
	for action, want := range cases {
		cb := decode(t, action, "T-1", orderMsg("ORD-1"))
		assert.IsType(t, want, cb, string(action))
		assert.Equal(t, action, cb.Action())
		assert.Equal(t, "T-1", cb.Context().TransactionID)
		if action.OrderBearing() {
			assert.Equal(t, "ORD-1", cb.OrderID())
		}
	}

	tr := decode(t, ondc.OnTrack, "T-1", map[string]any{"tracking": map[string]any{"url": "https://t/1", "status": "active"}})
	assert.Equal(t, "https://t/1", tr.(*OnTrack).Tracking.URL)
	sp := decode(t, ondc.OnSupport, "T-1", map[string]any{"phone": "1800", "email": "help@seller"})
	assert.Equal(t, "1800", sp.(*OnSupport).Support.Phone)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode(ondc.OnStatus, []byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(ondc.OnStatus, body(t, ondc.OnStatus, "", orderMsg("ORD-1")))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(ondc.OnStatus, body(t, ondc.OnCancel, "T-1", orderMsg("ORD-1")))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(ondc.OnStatus, body(t, ondc.OnStatus, "T-1", map[string]any{"order": "nope"}))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(ondc.CallbackAction("on_rate"), body(t, ondc.CallbackAction("on_rate"), "T-1", map[string]any{}))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOnConfirmEndToEndAndIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusCreated)

	cb := decode(t, ondc.OnConfirm, "T-1", orderMsg("ORD-1", withState("F1", "Pending"), withState("F2", "Pending")))
	out := h.apply(t, cb)
	assert.Equal(t, ResultApplied, out.Result)
	assert.Equal(t, orders.StatusCreated, out.From)
	assert.Equal(t, orders.StatusAccepted, out.To)

	once := h.get(t, "ORD-1")
	assert.Equal(t, orders.StatusAccepted, once.Status)
	require.NotNil(t, once.Fulfillment)
	assert.Equal(t, "F1", once.Fulfillment.ID)
	require.NotNil(t, once.LastContext)
	assert.Equal(t, "T-1", once.LastContext.TransactionID)

	out = h.apply(t, cb)
	assert.Equal(t, ResultNoop, out.Result)
	twice := h.get(t, "ORD-1")
	assert.Equal(t, once.Status, twice.Status)
	assert.Equal(t, once.Fulfillment, twice.Fulfillment)
}

func TestOnStatusProgression(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusCreated)

	h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1", withState("F1", "Out-for-delivery"))))
	assert.Equal(t, orders.StatusInProgress, h.get(t, "ORD-1").Status)

	h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1", withState("F1", "Order-delivered"))))
	o := h.get(t, "ORD-1")
	assert.Equal(t, orders.StatusCompleted, o.Status)
	assert.Equal(t, "Order-delivered", o.Fulfillment.StateCode())
}

func TestOnStatusMapping(t *testing.T) {
	for code, want := range StatusFor {
		t.Run(code, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "ORD-1", "T-1", orders.StatusCreated)
			h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1", withState("F1", code))))
			assert.Equal(t, want, h.get(t, "ORD-1").Status)
		})
	}
}

func TestTerminalStatesDoNotRegress(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusCancelled)

	out := h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1", withState("F1", "Order-delivered"))))
	assert.Equal(t, ResultNoop, out.Result)
	assert.ErrorIs(t, out.Warning, ErrTerminalOrder)
	assert.Equal(t, orders.StatusCancelled, h.get(t, "ORD-1").Status)

	h.apply(t, decode(t, ondc.OnConfirm, "T-1", orderMsg("ORD-1", withState("F9", "Pending"))))
	h.apply(t, decode(t, ondc.OnUpdate, "T-1", orderMsg("ORD-1", withState("F9", "Packed"))))
	o := h.get(t, "ORD-1")
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Nil(t, o.Fulfillment)

	h.seed(t, "ORD-2", "T-2", orders.StatusCompleted)
	out = h.apply(t, decode(t, ondc.OnStatus, "T-2", orderMsg("ORD-2", withState("F1", "Cancelled"))))
	assert.ErrorIs(t, out.Warning, ErrTerminalOrder)
	assert.Equal(t, orders.StatusCompleted, h.get(t, "ORD-2").Status)
}

func TestOnCancelFromEveryNonTerminalState(t *testing.T) {
	for _, st := range []orders.Status{orders.StatusCreated, orders.StatusAccepted, orders.StatusInProgress} {
		t.Run(string(st), func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "ORD-1", "T-1", st)
			out := h.apply(t, decode(t, ondc.OnCancel, "T-1", orderMsg("ORD-1")))
			assert.Equal(t, ResultApplied, out.Result)
			assert.Equal(t, orders.StatusCancelled, h.get(t, "ORD-1").Status)

			out = h.apply(t, decode(t, ondc.OnCancel, "T-1", orderMsg("ORD-1")))
			assert.Equal(t, ResultNoop, out.Result)
		})
	}

}

func TestOnCancelOverridesCompleted(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusCompleted)
	out := h.apply(t, decode(t, ondc.OnCancel, "T-1", orderMsg("ORD-1")))
	assert.Equal(t, ResultApplied, out.Result)
	assert.Nil(t, out.Warning)
	assert.Equal(t, orders.StatusCompleted, out.From)
	assert.Equal(t, orders.StatusCancelled, h.get(t, "ORD-1").Status)

	// non-cancel callbacks still leave the cancelled order alone
	out = h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1", withState("F1", "Order-delivered"))))
	assert.Equal(t, ResultNoop, out.Result)
	assert.Equal(t, orders.StatusCancelled, h.get(t, "ORD-1").Status)
}

func TestForeignCounterpartyCannotReconcile(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusAccepted)
	before := h.get(t, "ORD-1")

	raw, err := json.Marshal(map[string]any{
		"context": map[string]any{
			"action":         string(ondc.OnCancel),
			"transaction_id": "T-1",
			"message_id":     "M-foreign",
			"bpp_id":         "other-seller.example.com",
			"bpp_uri":        "https://other-seller.example.com/ondc",
		},
		"message": orderMsg("ORD-1"),
	})
	require.NoError(t, err)
	cb, err := Decode(ondc.OnCancel, raw)
	require.NoError(t, err)

	out := h.apply(t, cb)
	assert.Equal(t, ResultWarning, out.Result)
	assert.ErrorIs(t, out.Warning, ErrForeignCounterparty)
	after := h.get(t, "ORD-1")
	assert.Equal(t, orders.StatusAccepted, after.Status)
	assert.Equal(t, before.Version, after.Version)
}

func TestStatusCancelledDescriptorCancels(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusInProgress)
	h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1", withState("F1", "Cancelled"))))
	assert.Equal(t, orders.StatusCancelled, h.get(t, "ORD-1").Status)
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusInProgress)

	out := h.apply(t, decode(t, ondc.OnConfirm, "T-1", orderMsg("ORD-1", withState("F0", "Pending"))))
	assert.ErrorIs(t, out.Warning, ErrStaleCallback)

	out = h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1", withState("F0", "Pending"))))
	assert.ErrorIs(t, out.Warning, ErrStaleCallback)
	assert.Equal(t, orders.StatusInProgress, h.get(t, "ORD-1").Status)
	assert.Nil(t, h.get(t, "ORD-1").Fulfillment)

	// same rank still refreshes the snapshot
	h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1", withState("F1", "Agent-assigned"))))
	assert.Equal(t, "Agent-assigned", h.get(t, "ORD-1").Fulfillment.StateCode())
}

func TestWarningsLeaveOrderUntouched(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusAccepted)
	before := h.get(t, "ORD-1")

	out := h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1", withState("F1", "Teleported"))))
	assert.Equal(t, ResultWarning, out.Result)
	assert.ErrorIs(t, out.Warning, ErrUnknownDescriptor)

	out = h.apply(t, decode(t, ondc.OnStatus, "T-1", orderMsg("ORD-1")))
	assert.ErrorIs(t, out.Warning, ErrUnknownDescriptor)

	out = h.apply(t, decode(t, ondc.OnStatus, "T-other", orderMsg("ORD-1", withState("F1", "Packed"))))
	assert.ErrorIs(t, out.Warning, ErrCorrelationMismatch)

	out = h.apply(t, decode(t, ondc.OnConfirm, "T-404", orderMsg("ORD-404")))
	assert.ErrorIs(t, out.Warning, ErrUnmatchedOrder)

	assert.Equal(t, before.Version, h.get(t, "ORD-1").Version)
	warned := 0
	for _, e := range h.logs.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned++
		}
	}
	assert.Equal(t, 4, warned)
}

func TestCorrelatesByTransactionWhenOrderIDMissing(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusCreated)
	out := h.apply(t, decode(t, ondc.OnConfirm, "T-1", orderMsg("", withState("F1", "Pending"))))
	assert.Equal(t, "ORD-1", out.OrderID)
	assert.Equal(t, orders.StatusAccepted, h.get(t, "ORD-1").Status)
}

func TestOnUpdateReplacesSnapshotsOnly(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusAccepted)
	quote := &ondc.Quote{Price: ondc.Price{Currency: "INR", Value: "99.00"}}
	h.apply(t, decode(t, ondc.OnUpdate, "T-1", map[string]any{"order": ondc.Order{ID: "ORD-1", Quote: quote, Fulfillments: []ondc.Fulfillment{withState("F2", "Order-delivered")}}}))

	o := h.get(t, "ORD-1")
	assert.Equal(t, orders.StatusAccepted, o.Status)
	assert.Equal(t, "99.00", o.Quote.Price.Value)
	assert.Equal(t, "F2", o.Fulfillment.ID)
}

func TestInformationalCallbacksDoNotMutate(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusCreated)
	for _, a := range []ondc.CallbackAction{ondc.OnSearch, ondc.OnSelect, ondc.OnInit, ondc.OnTrack, ondc.OnSupport} {
		out := h.apply(t, decode(t, a, "T-1", orderMsg("ORD-1", withState("F1", "Packed"))))
		assert.Equal(t, ResultInformational, out.Result, string(a))
	}
	assert.EqualValues(t, 1, h.get(t, "ORD-1").Version)
}

func TestCancelByBuyer(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "ORD-1", "T-1", orders.StatusAccepted)
	out, err := h.r.CancelByBuyer(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, out.Result)
	assert.Equal(t, orders.StatusCancelled, h.get(t, "ORD-1").Status)

	out, err = h.r.CancelByBuyer(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.ErrorIs(t, out.Warning, ErrTerminalOrder)

	out, err = h.r.CancelByBuyer(context.Background(), "missing")
	require.NoError(t, err)
	assert.ErrorIs(t, out.Warning, ErrUnmatchedOrder)
}

type conflictingStore struct {
	*orders.MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) Save(ctx context.Context, o orders.Order) (orders.Order, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return orders.Order{}, orders.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, o)
}

func TestVersionConflictsAreRetried(t *testing.T) {
	mem := orders.NewMemoryStore()
	_, err := mem.Create(context.Background(), orders.Order{OrderID: "ORD-1", TransactionID: "T-1", Counterparty: seller})
	require.NoError(t, err)

	store := &conflictingStore{MemoryStore: mem, conflicts: 2}
	r := New(store, Options{MaxRetries: 3})
	out, err := r.Reconcile(context.Background(), decode(t, ondc.OnConfirm, "T-1", orderMsg("ORD-1")))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, out.Result)

	store.conflicts = 10
	_, err = r.Reconcile(context.Background(), decode(t, ondc.OnCancel, "T-1", orderMsg("ORD-1")))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestConcurrentCallbacksSerializePerOrder(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		h.seed(t, fmt.Sprintf("ORD-%d", i), fmt.Sprintf("T-%d", i), orders.StatusCreated)
	}
	codes := []string{"Pending", "Packed", "Agent-assigned", "Out-for-delivery", "Order-delivered"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, code := range codes {
			for rep := 0; rep < 3; rep++ {
				wg.Add(1)
				go func(i int, code string) {
					defer wg.Done()
					cb, err := Decode(ondc.OnStatus, body(t, ondc.OnStatus, fmt.Sprintf("T-%d", i), orderMsg(fmt.Sprintf("ORD-%d", i), withState("F", code))))
					if err != nil {
						t.Error(err)
						return
					}
					if _, err := h.r.Reconcile(context.Background(), cb); err != nil {
						t.Error(err)
					}
				}(i, code)
			}
		}
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		o := h.get(t, fmt.Sprintf("ORD-%d", i))
		assert.Equal(t, orders.StatusCompleted, o.Status, "delivered is the highest state reached regardless of arrival order")
	}
	assert.Equal(t, 0, h.r.locks.size())
}

func TestQueueDrainsOnClose(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		h.seed(t, fmt.Sprintf("ORD-%d", i), fmt.Sprintf("T-%d", i), orders.StatusCreated)
	}
	q := NewQueue(h.r, 32, 4)
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(decode(t, ondc.OnConfirm, fmt.Sprintf("T-%d", i), orderMsg(fmt.Sprintf("ORD-%d", i)))))
	}
	q.Close()
	require.NoError(t, q.Run(context.Background()))

	for i := 0; i < 20; i++ {
		assert.Equal(t, orders.StatusAccepted, h.get(t, fmt.Sprintf("ORD-%d", i)).Status)
	}
	assert.ErrorIs(t, q.Enqueue(decode(t, ondc.OnSearch, "T-0", nil)), ErrQueueClosed)
}

func TestQueueEnqueueIsNonBlocking(t *testing.T) {
	h := newHarness(t)
	q := NewQueue(h.r, 2, 1)
	cb := decode(t, ondc.OnSearch, "T-1", nil)
	require.NoError(t, q.Enqueue(cb))
	require.NoError(t, q.Enqueue(cb))
	assert.ErrorIs(t, q.Enqueue(cb), ErrQueueFull)
	assert.Equal(t, 2, q.Depth())
}

func TestDispatchReachesEveryHandlerMethod(t *testing.T) {
	rec := &recordingHandler{}
	for _, a := range ondc.CallbackActions {
		_, err := Dispatch(context.Background(), rec, decode(t, a, "T-1", orderMsg("ORD-1")))
		require.NoError(t, err)
	}
	assert.Len(t, rec.seen, len(ondc.CallbackActions))
}

type recordingHandler struct{ seen []string }

func (h *recordingHandler) note(name string) (Outcome, error) {
	h.seen = append(h.seen, name)
	return Outcome{}, nil
}

func (h *recordingHandler) HandleOnSearch(context.Context, *OnSearch) (Outcome, error) {
	return h.note("search")
}
func (h *recordingHandler) HandleOnSelect(context.Context, *OnSelect) (Outcome, error) {
	return h.note("select")
}
func (h *recordingHandler) HandleOnInit(context.Context, *OnInit) (Outcome, error) {
	return h.note("init")
}
func (h *recordingHandler) HandleOnConfirm(context.Context, *OnConfirm) (Outcome, error) {
	return h.note("confirm")
}
func (h *recordingHandler) HandleOnStatus(context.Context, *OnStatus) (Outcome, error) {
	return h.note("status")
}
func (h *recordingHandler) HandleOnTrack(context.Context, *OnTrack) (Outcome, error) {
	return h.note("track")
}
func (h *recordingHandler) HandleOnCancel(context.Context, *OnCancel) (Outcome, error) {
	return h.note("cancel")
}
func (h *recordingHandler) HandleOnUpdate(context.Context, *OnUpdate) (Outcome, error) {
	return h.note("update")
}
func (h *recordingHandler) HandleOnSupport(context.Context, *OnSupport) (Outcome, error) {
	return h.note("support")
}
