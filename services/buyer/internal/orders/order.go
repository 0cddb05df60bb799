package orders

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrAlreadyExists   = errors.New("order already exists")
	ErrVersionConflict = errors.New("order version conflict")
)

type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusAccepted   Status = "ACCEPTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

var statusRank = map[Status]int{
	StatusCreated:    0,
	StatusAccepted:   1,
	StatusInProgress: 2,
	StatusCompleted:  3,
	StatusCancelled:  4,
}

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := statusRank[st]
	return st, ok
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders the forward lifecycle. Terminal states share no meaningful
// order with each other; use Terminal for those.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Order is the durable record of one confirmed negotiation.
type Order struct {
	OrderID       string            `json:"order_id"`
	TransactionID string            `json:"transaction_id"`
	MessageID     string            `json:"message_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Counterparty  ondc.Counterparty `json:"counterparty"`
	ProviderID    string            `json:"provider_id,omitempty"`
	Items         []ondc.Item       `json:"items,omitempty"`
	Billing       *ondc.Billing     `json:"billing,omitempty"`
	Fulfillment   *ondc.Fulfillment `json:"fulfillment,omitempty"`
	Payment       *ondc.Payment     `json:"payment,omitempty"`
	Quote         *ondc.Quote       `json:"quote,omitempty"`
	Status        Status            `json:"status"`
	LastContext   *ondc.Context     `json:"last_context,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers never share snapshot pointers with
// the store.
func (o Order) Clone() Order {
	b, err := json.Marshal(o)
	if err != nil {
		return o
	}
	var out Order
	if err := json.Unmarshal(b, &out); err != nil {
		return o
	}
	return out
}

type ListFilter struct {
	UserID string
	Status Status
	Page   int
	Limit  int
}

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

func (f ListFilter) Normalized() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

func (f ListFilter) Offset() int {
	n := f.Normalized()
	return (n.Page - 1) * n.Limit
}

// Store is the read/write contract the engine needs. Save is optimistic:
// it succeeds only when o.Version matches the stored version, and returns
// the order with its new version.
type Store interface {
	Create(ctx context.Context, o Order) (Order, error)
	Get(ctx context.Context, orderID string) (Order, error)
	GetByTransactionID(ctx context.Context, transactionID string) (Order, error)
	Save(ctx context.Context, o Order) (Order, error)
	List(ctx context.Context, f ListFilter) ([]Order, int, error)
}
