// Package payment is a stand-in for a real payment gateway. It issues ids,
// checks gateway callback signatures and tracks state in memory; nothing is
// ever settled.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound      = errors.New("payment not found")
	ErrInvalidAmount = errors.New("amount must be a positive decimal")
	ErrNotRefundable = errors.New("payment is not refundable")
)

type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusPaid       Status = "PAID"
	StatusFailed     Status = "FAILED"
	StatusRefunding  Status = "PROCESSING"
	StatusRefundDone Status = "REFUNDED"
)

type OrderRequest struct {
	OrderID  string `json:"order_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

type Order struct {
	PaymentOrderID string    `json:"payment_order_id"`
	OrderID        string    `json:"order_id"`
	PaymentID      string    `json:"payment_id,omitempty"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

type Refund struct {
	RefundID  string `json:"refund_id"`
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	Status    Status `json:"status"`
}

type Gateway struct {
	keyID    string
	secret   string
	currency string
	log      logrus.FieldLogger
	now      func() time.Time

	mu        sync.Mutex
	orders    map[string]*Order
	byPayment map[string]string
}

func NewGateway(keyID, secret, currency string, log logrus.FieldLogger) *Gateway {
	if currency == "" {
		currency = "INR"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gateway{
		keyID:     keyID,
		secret:    secret,
		currency:  currency,
		log:       log,
		now:       time.Now,
		orders:    map[string]*Order{},
		byPayment: map[string]string{},
	}
}

func (g *Gateway) KeyID() string { return g.keyID }

func (g *Gateway) CreateOrder(req OrderRequest) (Order, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return Order{}, errors.New("order_id is required")
	}
	if err := checkAmount(req.Amount); err != nil {
		return Order{}, err
	}
	currency := req.Currency
	if currency == "" {
		currency = g.currency
	}
	o := &Order{
		PaymentOrderID: "PAY-" + uuid.NewString(),
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		Currency:       currency,
		Status:         StatusCreated,
		CreatedAt:      g.now().UTC(),
	}
	g.mu.Lock()
	g.orders[o.PaymentOrderID] = o
	g.mu.Unlock()

	g.log.WithFields(logrus.Fields{"order_id": o.OrderID, "payment_order_id": o.PaymentOrderID}).Info("payment order created")
	return *o, nil
}

// Sign returns the hex HMAC-SHA256 the gateway attaches to a payment
// callback for orderID|paymentID.
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret, orderID, paymentID, sig string) bool {
	sig = strings.TrimSpace(sig)
	if sig == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(orderID + "|" + paymentID))
	return hmac.Equal(got, mac.Sum(nil))
}

// Verify checks a gateway signature and, when it holds and paymentOrderID
// is known, marks that payment order as paid.
func (g *Gateway) Verify(paymentOrderID, paymentID, sig string) bool {
	valid := VerifySignature(g.secret, paymentOrderID, paymentID, sig)
	g.log.WithFields(logrus.Fields{"payment_order_id": paymentOrderID, "valid": valid}).Info("payment signature verification")
	if !valid {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[paymentOrderID]; ok && o.Status == StatusCreated {
		o.Status = StatusPaid
		o.PaymentID = paymentID
		g.byPayment[paymentID] = paymentOrderID
	}
	return true
}

func (g *Gateway) Status(paymentID string) (Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.lookup(paymentID)
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	return *o, nil
}

func (g *Gateway) Refund(paymentID, amount string) (Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.lookup(paymentID)
	if !ok {
		return Refund{}, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	if o.Status != StatusPaid {
		return Refund{}, fmt.Errorf("%w: status %s", ErrNotRefundable, o.Status)
	}
	if amount == "" {
		amount = o.Amount
	}
	if err := checkAmount(amount); err != nil {
		return Refund{}, err
	}
	o.Status = StatusRefunding
	r := Refund{RefundID: "REF-" + uuid.NewString(), PaymentID: paymentID, Amount: amount, Status: StatusRefunding}
	g.log.WithFields(logrus.Fields{"payment_id": paymentID, "refund_id": r.RefundID}).Info("refund initiated")
	return r, nil
}

// lookup accepts either a gateway payment id or our payment order id.
func (g *Gateway) lookup(id string) (*Order, bool) {
	if poid, ok := g.byPayment[id]; ok {
		id = poid
	}
	o, ok := g.orders[id]
	return o, ok
}

func checkAmount(v string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, v)
	}
	return nil
}
