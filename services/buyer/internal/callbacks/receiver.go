package callbacks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/prithviraju1369/ontheline.in/pkg/httpx"
	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
	pkgwebhooks "github.com/prithviraju1369/ontheline.in/pkg/webhooks"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/metrics"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/reconcile"
)

const (
	defaultMaxBodyBytes = 5 << 20 // 5MB
	defaultAckDeadline  = 2 * time.Second
)

// Enqueuer hands a decoded callback to reconciliation without blocking.
type Enqueuer interface {
	Enqueue(cb reconcile.Callback) error
}

type Options struct {
	// Verifier is optional; nil accepts unsigned callbacks.
	Verifier     pkgwebhooks.Verifier
	Policy       Policy
	AckDeadline  time.Duration
	MaxBodyBytes int64
	Logger       logrus.FieldLogger
	Metrics      metrics.BuyerMetrics
	Now          func() time.Time
}

// Receiver answers protocol callbacks. It only acknowledges receipt; the
// business outcome is decided later by the reconciler.
type Receiver struct {
	store    ReceiptStore
	queue    Enqueuer
	verifier pkgwebhooks.Verifier
	policy   Policy
	deadline time.Duration
	maxBody  int64
	log      logrus.FieldLogger
	metrics  metrics.BuyerMetrics
	now      func() time.Time
}

func NewReceiver(store ReceiptStore, queue Enqueuer, opts Options) *Receiver {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.AckDeadline <= 0 {
		opts.AckDeadline = defaultAckDeadline
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Receiver{
		store:    store,
		queue:    queue,
		verifier: opts.Verifier,
		policy:   opts.Policy,
		deadline: opts.AckDeadline,
		maxBody:  opts.MaxBodyBytes,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
}

// Routes mounts one POST endpoint per callback action.
func (h *Receiver) Routes(r chi.Router) {
	for _, action := range ondc.CallbackActions {
		r.Post("/"+string(action), h.Handle(action))
	}
}

func (h *Receiver) Handle(action ondc.CallbackAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.deadline)
		defer cancel()
		log := h.log.WithFields(logrus.Fields{"action": action, "request_id": httpx.RequestIDFrom(r.Context())})

		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
		rawBody, err := io.ReadAll(r.Body)
		if err != nil {
			reason := "unreadable body"
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				reason = "payload exceeds size limit"
			}
			h.reject(w, log, action, ClassMalformed, &CallbackValidationError{Action: string(action), Reason: reason})
			return
		}
		if err := validateEnvelope(string(action), rawBody); err != nil {
			h.reject(w, log, action, ClassMalformed, err)
			return
		}
		cb, err := reconcile.Decode(action, rawBody)
		if err != nil {
			h.reject(w, log, action, ClassMalformed, &CallbackValidationError{Action: string(action), Reason: err.Error()})
			return
		}
		cctx := cb.Context()
		log = log.WithFields(logrus.Fields{
			"transaction_id":  cctx.TransactionID,
			"message_id":      cctx.MessageID,
			"counterparty_id": cctx.BppID,
		})

		receivedAt := h.now().UTC()
		verified := true
		result := pkgwebhooks.VerificationResult{Scheme: "none", Details: map[string]any{}}
		if h.verifier != nil {
			result, err = h.verifier.Verify(r.Header, rawBody, receivedAt)
			verified = err == nil && result.Valid
			if err != nil {
				log = log.WithError(err)
			}
		}

		stale := cctx.Expired(receivedAt)
		refuseStale := stale && h.policy.answer(ClassStale) == ondc.NACK
		status := StatusAccepted
		if !verified || refuseStale {
			status = StatusRejected
		}
		receipt, err := buildReceipt(r, action, cctx, rawBody, receivedAt, result, status)
		if err != nil {
			log.WithError(err).Error("callback canonicalization failed")
			h.respond(w, log, action, ondc.NACK, &ondc.Error{Type: "CORE-ERROR", Code: "internal", Message: "could not record callback"})
			return
		}

		inserted, receiptID, err := h.store.InsertReceipt(ctx, receipt)
		if err != nil {
			log.WithError(err).Warn("callback receipt not recorded")
			if h.policy.answer(ClassReceiptFailed) == ondc.NACK {
				h.respond(w, log, action, ondc.NACK, &ondc.Error{Type: "CORE-ERROR", Code: string(ClassReceiptFailed), Message: "could not record callback"})
				return
			}
		}
		if receiptID != "" {
			log = log.WithField("receipt_id", receiptID)
		}

		if !verified {
			h.reject(w, log, action, ClassSignatureInvalid, errors.New("callback signature could not be verified"))
			return
		}
		if stale {
			log = log.WithField("stale", true)
			if refuseStale {
				h.reject(w, log, action, ClassStale, fmt.Errorf("callback context expired (timestamp %s, ttl %s)", cctx.Timestamp, cctx.TTL))
				return
			}
		}
		if err == nil && !inserted {
			log = log.WithField("duplicate", true)
			if h.policy.answer(ClassDuplicate) == ondc.NACK {
				h.respond(w, log, action, ondc.NACK, &ondc.Error{Type: "POLICY-ERROR", Code: string(ClassDuplicate), Message: "callback already received"})
				return
			}
		}

		if err := h.queue.Enqueue(cb); err != nil {
			log.WithError(err).Warn("callback not queued for reconciliation")
			if h.policy.answer(ClassQueueFull) == ondc.NACK {
				h.respond(w, log, action, ondc.NACK, &ondc.Error{Type: "CORE-ERROR", Code: string(ClassQueueFull), Message: "receiver is busy, retry later"})
				return
			}
		}
		h.respond(w, log, action, ondc.ACK, nil)
	}
}

func (h *Receiver) reject(w http.ResponseWriter, log logrus.FieldLogger, action ondc.CallbackAction, class Class, cause error) {
	answer := h.policy.answer(class)
	var e *ondc.Error
	if answer == ondc.NACK {
		typ := "JSON-SCHEMA-ERROR"
		switch class {
		case ClassSignatureInvalid:
			typ = "POLICY-ERROR"
		case ClassStale:
			typ = "CONTEXT-ERROR"
		}
		e = &ondc.Error{Type: typ, Code: string(class), Message: cause.Error()}
	}
	h.respond(w, log.WithError(cause).WithField("class", class), action, answer, e)
}

func (h *Receiver) respond(w http.ResponseWriter, log logrus.FieldLogger, action ondc.CallbackAction, status ondc.AckStatus, e *ondc.Error) {
	h.metrics.IncCallbacks(string(action), string(status))
	if status == ondc.ACK {
		log.Info("callback acknowledged")
	} else {
		log.Warn("callback refused")
	}
	httpx.WriteAck(w, ondc.NewAck(status, e))
}

func buildReceipt(r *http.Request, action ondc.CallbackAction, cctx ondc.Context, rawBody []byte, receivedAt time.Time, result pkgwebhooks.VerificationResult, status string) (Receipt, error) {
	headersJSON, _, err := pkgwebhooks.CanonicalizeHeaders(r.Header)
	if err != nil {
		return Receipt{}, err
	}
	hashes := pkgwebhooks.ComputeReceiptHashes(r.Method, r.URL.Path, headersJSON, rawBody)
	return Receipt{
		Action:           string(action),
		TransactionID:    cctx.TransactionID,
		MessageID:        cctx.MessageID,
		CounterpartyID:   cctx.BppID,
		ReceivedAt:       receivedAt,
		RequestMethod:    r.Method,
		RequestPath:      r.URL.Path,
		RawBody:          rawBody,
		RawBodySHA256:    hashes.Body,
		HeadersCanonical: headersJSON,
		HeadersSHA256:    hashes.Headers,
		RequestSHA256:    hashes.Request,
		SignatureValid:   result.Valid,
		SignatureScheme:  result.Scheme,
		SignatureDetails: result.Details,
		ProcessingStatus: status,
	}, nil
}
