package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/prithviraju1369/ontheline.in/pkg/httpx"
	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
	"github.com/prithviraju1369/ontheline.in/pkg/signature"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/dispatch"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/idempotency"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/orders"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/payment"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/reconcile"
)

const (
	UserIDHeader         = "X-User-Id"
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayHeader         = "Idempotent-Replay"
)

// Protocol is the outbound half of the engine.
type Protocol interface {
	Search(ctx context.Context, req dispatch.SearchRequest) (dispatch.Handle, error)
	Select(ctx context.Context, req dispatch.SelectRequest) (dispatch.Handle, error)
	Init(ctx context.Context, req dispatch.InitRequest) (dispatch.Handle, error)
	Confirm(ctx context.Context, req dispatch.ConfirmRequest) (dispatch.Handle, error)
	Status(ctx context.Context, req dispatch.OrderRequest) (dispatch.Handle, error)
	Track(ctx context.Context, req dispatch.OrderRequest) (dispatch.Handle, error)
	Cancel(ctx context.Context, req dispatch.CancelRequest) (dispatch.Handle, error)
	Support(ctx context.Context, req dispatch.OrderRequest) (dispatch.Handle, error)
}

type Canceller interface {
	CancelByBuyer(ctx context.Context, orderID string) (reconcile.Outcome, error)
}

type Payments interface {
	KeyID() string
	CreateOrder(req payment.OrderRequest) (payment.Order, error)
	Verify(paymentOrderID, paymentID, sig string) bool
	Status(paymentID string) (payment.Order, error)
	Refund(paymentID, amount string) (payment.Refund, error)
}

type Server struct {
	protocol Protocol
	store    orders.Store
	cancel   Canceller
	payments Payments
	idem     idempotency.Store
	flights  singleflight.Group
	log      logrus.FieldLogger
}

func New(protocol Protocol, store orders.Store, cancel Canceller, payments Payments, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{protocol: protocol, store: store, cancel: cancel, payments: payments, log: log}
}

// WithIdempotency enables Idempotency-Key replay on the protocol POSTs.
func (s *Server) WithIdempotency(st idempotency.Store) *Server {
	s.idem = st
	return s
}

func (s *Server) Routes(r chi.Router) {
	r.Route("/ondc", func(api chi.Router) {
		api.Use(s.idempotent)
		api.Post("/search", s.search)
		api.Post("/select", s.selectItems)
		api.Post("/init", s.initOrder)
		api.Post("/confirm", s.confirm)
		api.Post("/status", s.status)
		api.Post("/track", s.track)
		api.Post("/cancel", s.cancelAction)
		api.Post("/support", s.support)
	})
	r.Route("/orders", func(api chi.Router) {
		api.Get("/", s.listOrders)
		api.Get("/{order_id}", s.getOrder)
		api.Get("/{order_id}/track", s.trackOrder)
		api.Get("/{order_id}/support", s.supportOrder)
		api.With(s.idempotent).Post("/{order_id}/cancel", s.cancelOrder)
	})
	if s.payments != nil {
		r.Route("/payments", func(api chi.Router) {
			api.Post("/", s.createPayment)
			api.Post("/verify", s.verifyPayment)
			api.Get("/{payment_id}", s.paymentStatus)
			api.Post("/{payment_id}/refund", s.refundPayment)
		})
	}
}

// idempotent replays the first successful response recorded for a
// (user, Idempotency-Key, endpoint) triple. Concurrent requests with the same
// triple share one execution. Failed attempts are not recorded.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if s.idem == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		k := idempotency.Key{UserID: userID(r), Key: key, Endpoint: r.Method + " " + r.URL.Path}
		leader := false
		v, err, _ := s.flights.Do(k.UserID+"\x00"+k.Key+"\x00"+k.Endpoint, func() (any, error) {
			leader = true
			rec, replayed, err := idempotency.Replay(r.Context(), s.idem, k)
			if err != nil {
				return nil, err
			}
			if replayed {
				return &rec, nil
			}
			buf := &bufferedResponse{header: http.Header{}}
			next.ServeHTTP(buf, r)
			s.remember(r.Context(), k, buf)
			return buf, nil
		})
		if err != nil {
			httpx.WriteError(w, r, 500, "DB_ERROR", "idempotency lookup failed", nil)
			return
		}
		switch res := v.(type) {
		case *idempotency.Record:
			w.Header().Set(ReplayHeader, "true")
			httpx.WriteJSON(w, res.Status, res.Body)
		case *bufferedResponse:
			if !leader {
				w.Header().Set(ReplayHeader, "true")
			}
			res.writeTo(w)
		}
	})
}

func (s *Server) remember(ctx context.Context, k idempotency.Key, buf *bufferedResponse) {
	if buf.status < 200 || buf.status > 299 {
		return
	}
	var body map[string]any
	if err := json.Unmarshal(buf.body.Bytes(), &body); err != nil {
		return
	}
	if err := idempotency.Save(ctx, s.idem, k, idempotency.Record{Status: buf.status, Body: body}); err != nil {
		s.log.WithError(err).WithField("endpoint", k.Endpoint).Warn("idempotency record not saved")
	}
}

// bufferedResponse holds a handler's response so it can be written to every
// request that shared the execution.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) writeTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = append([]string(nil), values...)
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.body.Bytes())
}

// decodeAndSend reads a request body of type T and hands it to send.
func decodeAndSend[T any](s *Server, w http.ResponseWriter, r *http.Request, send func(context.Context, T) (dispatch.Handle, error)) {
	var req T
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	h, err := send(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeHandle(w, r, h)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	decodeAndSend(s, w, r, s.protocol.Search)
}

func (s *Server) selectItems(w http.ResponseWriter, r *http.Request) {
	decodeAndSend(s, w, r, s.protocol.Select)
}

func (s *Server) initOrder(w http.ResponseWriter, r *http.Request) {
	decodeAndSend(s, w, r, s.protocol.Init)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	decodeAndSend(s, w, r, func(ctx context.Context, req dispatch.ConfirmRequest) (dispatch.Handle, error) {
		if req.UserID == "" {
			req.UserID = userID(r)
		}
		return s.protocol.Confirm(ctx, req)
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	decodeAndSend(s, w, r, s.protocol.Status)
}

func (s *Server) track(w http.ResponseWriter, r *http.Request) {
	decodeAndSend(s, w, r, s.protocol.Track)
}

func (s *Server) cancelAction(w http.ResponseWriter, r *http.Request) {
	decodeAndSend(s, w, r, s.protocol.Cancel)
}

func (s *Server) support(w http.ResponseWriter, r *http.Request) {
	decodeAndSend(s, w, r, s.protocol.Support)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orders.ListFilter{UserID: userID(r)}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		st, ok := orders.ParseStatus(v)
		if !ok {
			httpx.WriteError(w, r, 400, "BAD_REQUEST", "unknown status "+v, nil)
			return
		}
		f.Status = st
	}
	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		httpx.WriteError(w, r, 400, "BAD_REQUEST", "page must be an integer", nil)
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		httpx.WriteError(w, r, 400, "BAD_REQUEST", "limit must be an integer", nil)
		return
	}
	f = f.Normalized()

	list, total, err := s.store.List(r.Context(), f)
	if err != nil {
		httpx.WriteError(w, r, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	pages := (total + f.Limit - 1) / f.Limit
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.RequestIDFrom(r.Context()),
		"orders":     list,
		"pagination": map[string]any{"page": f.Page, "limit": f.Limit, "total": total, "pages": pages},
	})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.loadOrder(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestIDFrom(r.Context()), "order": o})
}

func (s *Server) trackOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.loadOrder(w, r)
	if !ok {
		return
	}
	h, err := s.protocol.Track(r.Context(), dispatch.OrderRequest{OrderID: o.OrderID})
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeHandle(w, r, h)
}

func (s *Server) supportOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.loadOrder(w, r)
	if !ok {
		return
	}
	h, err := s.protocol.Support(r.Context(), dispatch.OrderRequest{OrderID: o.OrderID})
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeHandle(w, r, h)
}

// cancelOrder is the buyer's own cancel: the counterparty is told first,
// then the order is marked cancelled locally.
func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReasonID string `json:"reasonId"`
		Reason   string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
			return
		}
	}
	o, ok := s.loadOrder(w, r)
	if !ok {
		return
	}
	if o.Status.Terminal() {
		httpx.WriteError(w, r, 409, "ORDER_TERMINAL", "order is already "+string(o.Status), map[string]any{"status": o.Status})
		return
	}

	reasonID, reason := dispatch.CancelReason(req.ReasonID, req.Reason)
	h, err := s.protocol.Cancel(r.Context(), dispatch.CancelRequest{
		OrderRequest: dispatch.OrderRequest{OrderID: o.OrderID},
		ReasonID:     reasonID,
		Reason:       reason,
	})
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	out, err := s.cancel.CancelByBuyer(r.Context(), o.OrderID)
	if err != nil {
		httpx.WriteError(w, r, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	if out.Warning != nil && out.Result != reconcile.ResultApplied {
		// Lost a race with a terminal callback.
		httpx.WriteError(w, r, 409, "ORDER_TERMINAL", out.Warning.Error(), map[string]any{"status": out.From})
		return
	}
	httpx.WriteJSON(w, 202, map[string]any{
		"request_id":     httpx.RequestIDFrom(r.Context()),
		"transaction_id": h.TransactionID,
		"message_id":     h.MessageID,
		"status":         out.To,
	})
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var req payment.OrderRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	o, err := s.payments.CreateOrder(req)
	if err != nil {
		httpx.WriteError(w, r, 400, "BAD_REQUEST", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.RequestIDFrom(r.Context()), "key_id": s.payments.KeyID(), "payment": o})
}

func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentOrderID string `json:"payment_order_id"`
		PaymentID      string `json:"payment_id"`
		Signature      string `json:"signature"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if !s.payments.Verify(req.PaymentOrderID, req.PaymentID, req.Signature) {
		httpx.WriteError(w, r, 400, "INVALID_SIGNATURE", "payment signature does not verify", nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestIDFrom(r.Context()), "verified": true})
}

func (s *Server) paymentStatus(w http.ResponseWriter, r *http.Request) {
	o, err := s.payments.Status(chi.URLParam(r, "payment_id"))
	if err != nil {
		httpx.WriteError(w, r, 404, "NOT_FOUND", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestIDFrom(r.Context()), "payment": o})
}

func (s *Server) refundPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
			return
		}
	}
	ref, err := s.payments.Refund(chi.URLParam(r, "payment_id"), req.Amount)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		httpx.WriteError(w, r, 404, "NOT_FOUND", err.Error(), nil)
		return
	case errors.Is(err, payment.ErrNotRefundable):
		httpx.WriteError(w, r, 409, "NOT_REFUNDABLE", err.Error(), nil)
		return
	case err != nil:
		httpx.WriteError(w, r, 400, "BAD_REQUEST", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 202, map[string]any{"request_id": httpx.RequestIDFrom(r.Context()), "refund": ref})
}

// loadOrder writes 404 for orders that are missing or belong to another user.
func (s *Server) loadOrder(w http.ResponseWriter, r *http.Request) (orders.Order, bool) {
	o, err := s.store.Get(r.Context(), chi.URLParam(r, "order_id"))
	if errors.Is(err, orders.ErrNotFound) {
		httpx.WriteError(w, r, 404, "NOT_FOUND", "order not found", nil)
		return orders.Order{}, false
	}
	if err != nil {
		httpx.WriteError(w, r, 500, "DB_ERROR", err.Error(), nil)
		return orders.Order{}, false
	}
	if uid := userID(r); uid != "" && o.UserID != "" && uid != o.UserID {
		httpx.WriteError(w, r, 404, "NOT_FOUND", "order not found", nil)
		return orders.Order{}, false
	}
	return o, true
}

func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *dispatch.ValidationError
	var serr *signature.SigningError
	var derr *dispatch.DispatchError
	switch {
	case errors.As(err, &verr):
		httpx.WriteError(w, r, 400, "VALIDATION_ERROR", verr.Error(), map[string]any{"action": verr.Action, "missing": verr.Missing})
	case errors.As(err, &serr):
		s.log.WithError(err).Error("request signing failed")
		httpx.WriteError(w, r, 500, "SIGNING_ERROR", "request could not be signed", nil)
	case errors.As(err, &derr):
		details := map[string]any{"action": derr.Action, "endpoint": derr.Endpoint}
		if derr.StatusCode != 0 {
			details["status_code"] = derr.StatusCode
		}
		if derr.Nack != nil {
			details["nack"] = derr.Nack
		}
		httpx.WriteError(w, r, 502, "DISPATCH_ERROR", derr.Error(), details)
	case errors.Is(err, orders.ErrAlreadyExists):
		httpx.WriteError(w, r, 409, "ORDER_CONFLICT", err.Error(), nil)
	default:
		s.log.WithError(err).Error("protocol request failed")
		httpx.WriteError(w, r, 500, "INTERNAL", err.Error(), nil)
	}
}

func writeHandle(w http.ResponseWriter, r *http.Request, h dispatch.Handle) {
	httpx.WriteJSON(w, 202, map[string]any{
		"request_id":     httpx.RequestIDFrom(r.Context()),
		"action":         h.Action,
		"transaction_id": h.TransactionID,
		"message_id":     h.MessageID,
		"endpoint":       h.Endpoint,
		"ack":            ondc.ACK,
	})
}

func userID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(UserIDHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func intParam(v string) (int, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}
