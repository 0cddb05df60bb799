package ondc

import "encoding/json"

type Address struct {
	Name     string `json:"name,omitempty"`
	Building string `json:"building,omitempty"`
	Street   string `json:"street,omitempty"`
	Locality string `json:"locality,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Country  string `json:"country,omitempty"`
	AreaCode string `json:"area_code,omitempty"`
}

type Location struct {
	GPS     string   `json:"gps,omitempty"`
	Address *Address `json:"address,omitempty"`
}

type Contact struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Descriptor struct {
	Code      string `json:"code,omitempty"`
	Name      string `json:"name,omitempty"`
	ShortDesc string `json:"short_desc,omitempty"`
}

type State struct {
	Descriptor Descriptor `json:"descriptor"`
}

type End struct {
	Location *Location `json:"location,omitempty"`
	Contact  *Contact  `json:"contact,omitempty"`
}

type Fulfillment struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Tracking *bool  `json:"tracking,omitempty"`
	End      *End   `json:"end,omitempty"`
	State    *State `json:"state,omitempty"`
}

// StateCode is the seller-reported fulfillment state, empty when absent.
func (f Fulfillment) StateCode() string {
	if f.State == nil {
		return ""
	}
	return f.State.Descriptor.Code
}

type Quantity struct {
	Count int `json:"count"`
}

type Item struct {
	ID       string    `json:"id"`
	Quantity *Quantity `json:"quantity,omitempty"`
}

type Provider struct {
	ID string `json:"id"`
}

type Price struct {
	Currency string `json:"currency,omitempty"`
	Value    string `json:"value"`
}

type BreakupLine struct {
	ItemID    string `json:"@ondc/org/item_id,omitempty"`
	TitleType string `json:"@ondc/org/title_type,omitempty"`
	Title     string `json:"title,omitempty"`
	Price     Price  `json:"price"`
}

type Quote struct {
	Price   Price         `json:"price"`
	Breakup []BreakupLine `json:"breakup,omitempty"`
	TTL     string        `json:"ttl,omitempty"`
}

type Billing struct {
	Name      string   `json:"name,omitempty"`
	Address   *Address `json:"address,omitempty"`
	Email     string   `json:"email,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	TaxNumber string   `json:"tax_number,omitempty"`
}

type PaymentParams struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
}

type Payment struct {
	Type        string         `json:"type,omitempty"`
	Status      string         `json:"status,omitempty"`
	CollectedBy string         `json:"collected_by,omitempty"`
	Params      *PaymentParams `json:"params,omitempty"`
}

type Order struct {
	ID           string        `json:"id,omitempty"`
	State        string        `json:"state,omitempty"`
	Provider     *Provider     `json:"provider,omitempty"`
	Items        []Item        `json:"items,omitempty"`
	Billing      *Billing      `json:"billing,omitempty"`
	Fulfillments []Fulfillment `json:"fulfillments,omitempty"`
	Payment      *Payment      `json:"payment,omitempty"`
	Quote        *Quote        `json:"quote,omitempty"`
}

type Category struct {
	ID string `json:"id"`
}

type IntentItem struct {
	Descriptor Descriptor `json:"descriptor"`
}

type Intent struct {
	Fulfillment *Fulfillment      `json:"fulfillment,omitempty"`
	Item        *IntentItem       `json:"item,omitempty"`
	Category    *Category         `json:"category,omitempty"`
	Payment     map[string]string `json:"payment,omitempty"`
}

// Message bodies, one per outbound action shape.

type SearchMessage struct {
	Intent Intent `json:"intent"`
}

// OrderMessage is the body of select, init, confirm and of the order-bearing
// callbacks.
type OrderMessage struct {
	Order Order `json:"order"`
}

type OrderRefMessage struct {
	OrderID string `json:"order_id"`
}

type CancelMessage struct {
	OrderID              string      `json:"order_id"`
	CancellationReasonID string      `json:"cancellation_reason_id"`
	Descriptor           *Descriptor `json:"descriptor,omitempty"`
}

type SupportMessage struct {
	RefID string `json:"ref_id"`
}

type Tracking struct {
	URL    string `json:"url,omitempty"`
	Status string `json:"status,omitempty"`
}

type TrackMessage struct {
	Tracking Tracking `json:"tracking"`
}

type SupportInfo struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	URI   string `json:"uri,omitempty"`
}

// Request is the outbound wire body.
type Request struct {
	Context Context `json:"context"`
	Message any     `json:"message"`
}

// Envelope is an inbound callback body with the message left undecoded.
type Envelope struct {
	Context Context         `json:"context"`
	Message json.RawMessage `json:"message"`
	Error   *Error          `json:"error,omitempty"`
}
