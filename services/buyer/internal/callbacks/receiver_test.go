package callbacks

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
	"github.com/prithviraju1369/ontheline.in/pkg/signature"
	pkgwebhooks "github.com/prithviraju1369/ontheline.in/pkg/webhooks"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/metrics"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/reconcile"
)

type fakeReceiptStore struct {
	inserted    bool
	err         error
	insertCalls int
	last        Receipt
}

func (f *fakeReceiptStore) InsertReceipt(ctx context.Context, receipt Receipt) (bool, string, error) {
	f.insertCalls++
	f.last = receipt
	if f.err != nil {
		return false, "", f.err
	}
	if f.inserted {
		return true, "rcp_new", nil
	}
	return false, "", nil
}

type fakeQueue struct {
	err    error
	queued []reconcile.Callback
}

func (q *fakeQueue) Enqueue(cb reconcile.Callback) error {
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, cb)
	return nil
}

func callbackBody(action, txn, msg string) []byte {
	b, _ := json.Marshal(map[string]any{
		"context": map[string]any{
			"action":         action,
			"transaction_id": txn,
			"message_id":     msg,
			"bpp_id":         "seller.example.com",
			"bpp_uri":        "https://seller.example.com/ondc",
		},
		"message": map[string]any{"order": map[string]any{"id": "ORD-1"}},
	})
	return b
}

func newTestRouter(h *Receiver) http.Handler {
	r := chi.NewRouter()
	r.Route("/webhooks", h.Routes)
	r.Route("/ondc/webhooks", h.Routes)
	return r
}

func post(t *testing.T, h http.Handler, path string, body []byte, header http.Header) (*httptest.ResponseRecorder, ondc.AckResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var ack ondc.AckResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ack), rr.Body.String())
	return rr, ack
}

func TestReceiverAcksAndForwards(t *testing.T) {
	store := &fakeReceiptStore{inserted: true}
	queue := &fakeQueue{}
	h := newTestRouter(NewReceiver(store, queue, Options{}))

	for _, action := range ondc.CallbackActions {
		rr, ack := post(t, h, "/webhooks/"+string(action), callbackBody(string(action), "T-1", "M-"+string(action)), nil)
		assert.Equal(t, http.StatusOK, rr.Code, string(action))
		assert.Equal(t, ondc.ACK, ack.Message.Ack.Status)
	}
	require.Len(t, queue.queued, len(ondc.CallbackActions))
	assert.IsType(t, &reconcile.OnConfirm{}, queue.queued[3])
	assert.Equal(t, StatusAccepted, store.last.ProcessingStatus)
	assert.Equal(t, "T-1", store.last.TransactionID)
	assert.NotEmpty(t, store.last.RequestSHA256)

	rr, _ := post(t, h, "/ondc/webhooks/on_status", callbackBody("on_status", "T-1", "M-x"), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReceiverNacksMalformedWithoutForwarding(t *testing.T) {
	cases := map[string][]byte{
		"not json":            []byte(`{`),
		"missing context":     []byte(`{"message":{}}`),
		"missing transaction": []byte(`{"context":{"action":"on_status","message_id":"M-1"},"message":{}}`),
		"action mismatch":     callbackBody("on_cancel", "T-1", "M-1"),
		"bad order":           []byte(`{"context":{"action":"on_status","transaction_id":"T-1","message_id":"M-1"},"message":{"order":[]}}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			store := &fakeReceiptStore{inserted: true}
			queue := &fakeQueue{}
			h := newTestRouter(NewReceiver(store, queue, Options{}))

			rr, ack := post(t, h, "/webhooks/on_status", body, nil)
			assert.Equal(t, http.StatusInternalServerError, rr.Code)
			assert.Equal(t, ondc.NACK, ack.Message.Ack.Status)
			require.NotNil(t, ack.Error)
			assert.Equal(t, string(ClassMalformed), ack.Error.Code)
			assert.Empty(t, queue.queued)
			assert.Zero(t, store.insertCalls)
		})
	}
}

func TestReceiverBodyLimit(t *testing.T) {
	queue := &fakeQueue{}
	h := newTestRouter(NewReceiver(&fakeReceiptStore{inserted: true}, queue, Options{MaxBodyBytes: 64}))
	rr, ack := post(t, h, "/webhooks/on_status", callbackBody("on_status", "T-1", strings.Repeat("m", 100)), nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, ack.Error.Message, "size limit")
	assert.Empty(t, queue.queued)
}

func TestReceiverMalformedPolicyCanAck(t *testing.T) {
	policy, err := NewPolicy(map[string]string{"malformed": "ack"})
	require.NoError(t, err)
	queue := &fakeQueue{}
	h := newTestRouter(NewReceiver(&fakeReceiptStore{inserted: true}, queue, Options{Policy: policy}))

	rr, ack := post(t, h, "/webhooks/on_status", []byte(`{"message":{}}`), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, ack.Error)
	assert.Empty(t, queue.queued, "malformed callbacks are never forwarded")
}

func TestReceiverDuplicateIsAckedAndForwarded(t *testing.T) {
	queue := &fakeQueue{}
	h := newTestRouter(NewReceiver(&fakeReceiptStore{inserted: false}, queue, Options{}))
	rr, _ := post(t, h, "/webhooks/on_confirm", callbackBody("on_confirm", "T-1", "M-1"), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, queue.queued, 1)

	policy, err := NewPolicy(map[string]string{"duplicate": "NACK"})
	require.NoError(t, err)
	queue = &fakeQueue{}
	h = newTestRouter(NewReceiver(&fakeReceiptStore{inserted: false}, queue, Options{Policy: policy}))
	rr, _ = post(t, h, "/webhooks/on_confirm", callbackBody("on_confirm", "T-1", "M-1"), nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, queue.queued)
}

func timedCallbackBody(timestamp, ttl string) []byte {
	b, _ := json.Marshal(map[string]any{
		"context": map[string]any{
			"action":         "on_status",
			"transaction_id": "T-1",
			"message_id":     "M-late",
			"bpp_id":         "seller.example.com",
			"bpp_uri":        "https://seller.example.com/ondc",
			"timestamp":      timestamp,
			"ttl":            ttl,
		},
		"message": map[string]any{"order": map[string]any{"id": "ORD-1"}},
	})
	return b
}

func TestReceiverStalePolicy(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	expired := timedCallbackBody("2026-03-01T09:59:00.000Z", "PT30S")
	fresh := timedCallbackBody("2026-03-01T09:59:50.000Z", "PT30S")

	queue := &fakeQueue{}
	h := newTestRouter(NewReceiver(&fakeReceiptStore{inserted: true}, queue, Options{Now: now}))
	rr, ack := post(t, h, "/webhooks/on_status", expired, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, ondc.ACK, ack.Message.Ack.Status)
	assert.Len(t, queue.queued, 1)

	policy, err := NewPolicy(map[string]string{"stale": "NACK"})
	require.NoError(t, err)
	store := &fakeReceiptStore{inserted: true}
	queue = &fakeQueue{}
	h = newTestRouter(NewReceiver(store, queue, Options{Policy: policy, Now: now}))
	rr, ack = post(t, h, "/webhooks/on_status", expired, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotNil(t, ack.Error)
	assert.Equal(t, string(ClassStale), ack.Error.Code)
	assert.Equal(t, "CONTEXT-ERROR", ack.Error.Type)
	assert.Equal(t, StatusRejected, store.last.ProcessingStatus)
	assert.Empty(t, queue.queued)

	rr, _ = post(t, h, "/webhooks/on_status", fresh, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, StatusAccepted, store.last.ProcessingStatus)
	assert.Len(t, queue.queued, 1)
}

func TestReceiverReceiptFailurePolicy(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeReceiptStore{err: errors.New("db down")}
	h := newTestRouter(NewReceiver(store, queue, Options{}))
	rr, _ := post(t, h, "/webhooks/on_status", callbackBody("on_status", "T-1", "M-1"), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, queue.queued, 1)

	policy, err := NewPolicy(map[string]string{"receipt_failed": "NACK"})
	require.NoError(t, err)
	queue = &fakeQueue{}
	h = newTestRouter(NewReceiver(store, queue, Options{Policy: policy}))
	rr, ack := post(t, h, "/webhooks/on_status", callbackBody("on_status", "T-1", "M-1"), nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, string(ClassReceiptFailed), ack.Error.Code)
	assert.Empty(t, queue.queued)
}

func TestReceiverQueueFull(t *testing.T) {
	h := newTestRouter(NewReceiver(&fakeReceiptStore{inserted: true}, &fakeQueue{err: reconcile.ErrQueueFull}, Options{}))
	rr, ack := post(t, h, "/webhooks/on_status", callbackBody("on_status", "T-1", "M-1"), nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, string(ClassQueueFull), ack.Error.Code)
}

func TestReceiverVerifiesSignatures(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	meta := signature.KeyMeta{SubscriberID: "seller.example.com", UniqueKeyID: "k1", Algorithm: signature.AlgorithmEd25519}
	signer, err := signature.NewSigner(priv, meta, time.Hour)
	require.NoError(t, err)
	verifier := pkgwebhooks.NewSignatureVerifier(pkgwebhooks.StaticKeys{"seller.example.com|k1": pub})

	store := &fakeReceiptStore{inserted: true}
	queue := &fakeQueue{}
	h := newTestRouter(NewReceiver(store, queue, Options{Verifier: verifier}))

	body := callbackBody("on_status", "T-1", "M-1")
	env, err := signer.Sign(body)
	require.NoError(t, err)

	rr, _ := post(t, h, "/webhooks/on_status", body, http.Header{"Authorization": {env.Header()}})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, store.last.SignatureValid)
	assert.Len(t, queue.queued, 1)

	tampered := callbackBody("on_status", "T-1", "M-2")
	rr, ack := post(t, h, "/webhooks/on_status", tampered, http.Header{"Authorization": {env.Header()}})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, string(ClassSignatureInvalid), ack.Error.Code)
	assert.Equal(t, StatusRejected, store.last.ProcessingStatus)
	assert.Len(t, queue.queued, 1)

	rr, _ = post(t, h, "/webhooks/on_status", body, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "missing_authorization", store.last.SignatureDetails["reason"])
}

func TestReceiverCountsAcks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.InitMetrics(reg)
	logger, hook := test.NewNullLogger()
	h := newTestRouter(NewReceiver(&fakeReceiptStore{inserted: true}, &fakeQueue{}, Options{Metrics: m, Logger: logger}))

	post(t, h, "/webhooks/on_status", callbackBody("on_status", "T-1", "M-1"), nil)
	post(t, h, "/webhooks/on_status", []byte(`{}`), nil)

	n, err := testutil.GatherAndCount(reg, "buyer_callbacks_received_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, "callback acknowledged", hook.AllEntries()[0].Message)
	assert.Equal(t, "callback refused", hook.AllEntries()[1].Message)
}

func TestNewPolicyRejectsUnknown(t *testing.T) {
	_, err := NewPolicy(map[string]string{"timeout": "ACK"})
	assert.Error(t, err)
	_, err = NewPolicy(map[string]string{"duplicate": "maybe"})
	assert.Error(t, err)

	p, err := NewPolicy(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}
