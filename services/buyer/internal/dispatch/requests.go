package dispatch

import (
	"strconv"
	"strings"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
)

// Correlation carries the protocol identifiers a caller may pin. An empty
// TransactionID starts a new negotiation; MessageID is only set to retry the
// exact same call.
type Correlation struct {
	TransactionID string `json:"transactionId,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
}

type Target struct {
	BppID  string `json:"bppId,omitempty"`
	BppURI string `json:"bppUri,omitempty"`
}

func (t Target) Counterparty() ondc.Counterparty {
	return ondc.Counterparty{ID: strings.TrimSpace(t.BppID), URI: strings.TrimSpace(t.BppURI)}
}

type ItemRef struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

type SearchRequest struct {
	Query    string `json:"query,omitempty"`
	Category string `json:"category,omitempty"`
	GPS      string `json:"gps,omitempty"`
	Pincode  string `json:"pincode,omitempty"`
}

type SelectRequest struct {
	Correlation
	Target
	ProviderID string    `json:"providerId"`
	Items      []ItemRef `json:"items"`
	GPS        string    `json:"gps,omitempty"`
	Pincode    string    `json:"pincode,omitempty"`
}

type InitRequest struct {
	Correlation
	Target
	ProviderID       string         `json:"providerId"`
	Items            []ItemRef      `json:"items"`
	Billing          *ondc.Billing  `json:"billing"`
	Email            string         `json:"email,omitempty"`
	Phone            string         `json:"phone,omitempty"`
	DeliveryLocation *ondc.Location `json:"deliveryLocation"`
}

type ConfirmRequest struct {
	Correlation
	Target
	UserID       string             `json:"userId,omitempty"`
	OrderID      string             `json:"orderId"`
	ProviderID   string             `json:"providerId"`
	Items        []ItemRef          `json:"items"`
	Billing      *ondc.Billing      `json:"billing"`
	Fulfillments []ondc.Fulfillment `json:"fulfillments"`
	Payment      *ondc.Payment      `json:"payment"`
	Quote        *ondc.Quote        `json:"quote,omitempty"`
}

// OrderRequest addresses an existing order: status, track and support.
// Transaction and counterparty default to the ones pinned on the order.
type OrderRequest struct {
	Correlation
	Target
	OrderID string `json:"orderId"`
}

type CancelRequest struct {
	OrderRequest
	ReasonID string `json:"reasonId"`
	Reason   string `json:"reason,omitempty"`
}

type checks struct {
	action  ondc.Action
	missing []string
	reason  string
}

func (c *checks) need(field string, ok bool) {
	if !ok {
		c.missing = append(c.missing, field)
	}
}

func (c *checks) invalid(reason string) {
	if c.reason == "" {
		c.reason = reason
	}
}

func (c *checks) err() error {
	if len(c.missing) == 0 && c.reason == "" {
		return nil
	}
	return &ValidationError{Action: c.action, Missing: c.missing, Reason: c.reason}
}

func present(s string) bool { return strings.TrimSpace(s) != "" }

func (c *checks) items(items []ItemRef) {
	c.need("items", len(items) > 0)
	for i, it := range items {
		if !present(it.ID) {
			c.invalid("items[" + strconv.Itoa(i) + "].id is required")
		}
		if it.Quantity <= 0 {
			c.invalid("items[" + strconv.Itoa(i) + "].quantity must be positive")
		}
	}
}

func (c *checks) target(t Target) {
	c.need("bppId", present(t.BppID))
	c.need("bppUri", present(t.BppURI))
}

func validGPS(s string) bool {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return false
	}
	_, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	_, err2 := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	return err1 == nil && err2 == nil
}

func (r SearchRequest) Validate() error {
	c := checks{action: ondc.ActionSearch}
	if r.GPS != "" && !validGPS(r.GPS) {
		c.invalid("gps must be \"lat,lng\"")
	}
	return c.err()
}

func (r SelectRequest) Validate() error {
	c := checks{action: ondc.ActionSelect}
	c.need("transactionId", present(r.TransactionID))
	c.target(r.Target)
	c.need("providerId", present(r.ProviderID))
	c.items(r.Items)
	if r.GPS != "" && !validGPS(r.GPS) {
		c.invalid("gps must be \"lat,lng\"")
	}
	return c.err()
}

func (r InitRequest) Validate() error {
	c := checks{action: ondc.ActionInit}
	c.need("transactionId", present(r.TransactionID))
	c.target(r.Target)
	c.need("providerId", present(r.ProviderID))
	c.items(r.Items)
	c.need("billing", r.Billing != nil)
	c.need("deliveryLocation", r.DeliveryLocation != nil)
	return c.err()
}

func (r ConfirmRequest) Validate() error {
	c := checks{action: ondc.ActionConfirm}
	c.need("transactionId", present(r.TransactionID))
	c.target(r.Target)
	c.need("providerId", present(r.ProviderID))
	c.need("orderId", present(r.OrderID))
	c.items(r.Items)
	c.need("billing", r.Billing != nil)
	c.need("fulfillments", len(r.Fulfillments) > 0)
	c.need("payment", r.Payment != nil)
	return c.err()
}

func (r OrderRequest) validate(action ondc.Action) error {
	c := checks{action: action}
	c.need("orderId", present(r.OrderID))
	if cp := r.Target.Counterparty(); !cp.Empty() && !cp.Complete() {
		c.invalid("bppId and bppUri must be set together")
	}
	return c.err()
}

func (r CancelRequest) Validate() error {
	c := checks{action: ondc.ActionCancel}
	c.need("orderId", present(r.OrderID))
	c.need("reasonId", present(r.ReasonID))
	if cp := r.Target.Counterparty(); !cp.Empty() && !cp.Complete() {
		c.invalid("bppId and bppUri must be set together")
	}
	return c.err()
}

func toItems(refs []ItemRef) []ondc.Item {
	out := make([]ondc.Item, 0, len(refs))
	for _, r := range refs {
		out = append(out, ondc.Item{ID: r.ID, Quantity: &ondc.Quantity{Count: r.Quantity}})
	}
	return out
}
