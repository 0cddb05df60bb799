package ondc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCounterpartyRequired = errors.New("counterparty id and uri are required for this action")
	ErrPartialCounterparty  = errors.New("counterparty id and uri must be set together")
	ErrUnknownAction        = errors.New("unknown action")
)

// Context is the envelope shared by every request and callback.
type Context struct {
	Domain        string `json:"domain"`
	Country       string `json:"country"`
	City          string `json:"city"`
	Action        string `json:"action"`
	CoreVersion   string `json:"core_version"`
	BapID         string `json:"bap_id"`
	BapURI        string `json:"bap_uri"`
	BppID         string `json:"bpp_id,omitempty"`
	BppURI        string `json:"bpp_uri,omitempty"`
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
	Timestamp     string `json:"timestamp"`
	TTL           string `json:"ttl,omitempty"`
}

// Counterparty is the addressed seller platform.
type Counterparty struct {
	ID  string `json:"bpp_id"`
	URI string `json:"bpp_uri"`
}

func (c Counterparty) Empty() bool {
	return strings.TrimSpace(c.ID) == "" && strings.TrimSpace(c.URI) == ""
}

func (c Counterparty) Complete() bool {
	return strings.TrimSpace(c.ID) != "" && strings.TrimSpace(c.URI) != ""
}

// Identity is this buyer platform's network identity, fixed at startup.
type Identity struct {
	Domain        string
	Country       string
	City          string
	CoreVersion   string
	SubscriberID  string
	SubscriberURI string
}

type ContextOptions struct {
	// TransactionID continues a negotiation; empty starts a new one.
	TransactionID string
	// MessageID is only set to retry the exact same call.
	MessageID    string
	Counterparty Counterparty
}

type Builder struct {
	Identity Identity
	TTL      time.Duration
	Now      func() time.Time
	NewID    func() string
}

func NewBuilder(id Identity, ttl time.Duration) *Builder {
	return &Builder{Identity: id, TTL: ttl, Now: time.Now, NewID: uuid.NewString}
}

func (b *Builder) Build(action Action, opts ContextOptions) (Context, error) {
	if !action.Valid() {
		return Context{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	cp := Counterparty{ID: strings.TrimSpace(opts.Counterparty.ID), URI: strings.TrimSpace(opts.Counterparty.URI)}
	if !cp.Empty() && !cp.Complete() {
		return Context{}, ErrPartialCounterparty
	}
	if cp.Empty() && action.RequiresCounterparty() {
		return Context{}, fmt.Errorf("%w: %s", ErrCounterpartyRequired, action)
	}

	now, newID := b.Now, b.NewID
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}
	txnID := strings.TrimSpace(opts.TransactionID)
	if txnID == "" {
		txnID = newID()
	}
	msgID := strings.TrimSpace(opts.MessageID)
	if msgID == "" {
		msgID = newID()
	}

	return Context{
		Domain:        b.Identity.Domain,
		Country:       b.Identity.Country,
		City:          b.Identity.City,
		Action:        string(action),
		CoreVersion:   b.Identity.CoreVersion,
		BapID:         b.Identity.SubscriberID,
		BapURI:        b.Identity.SubscriberURI,
		BppID:         cp.ID,
		BppURI:        cp.URI,
		TransactionID: txnID,
		MessageID:     msgID,
		Timestamp:     now().UTC().Format("2006-01-02T15:04:05.000Z"),
		TTL:           FormatTTL(b.TTL),
	}, nil
}

// FormatTTL renders d as an ISO-8601 duration, e.g. PT30S or PT1H.
func FormatTTL(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	secs := int64(d / time.Second)
	if secs == 0 {
		secs = 1
	}
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	var b strings.Builder
	b.WriteString("PT")
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s > 0 || (h == 0 && m == 0) {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}

// ParseTTL is the inverse of FormatTTL for the PTnHnMnS subset.
func ParseTTL(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "PT") || len(s) < 4 {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}
	var total time.Duration
	num := 0
	seen := false
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			seen = true
		case r == 'H' || r == 'M' || r == 'S':
			if !seen {
				return 0, fmt.Errorf("invalid ttl %q", s)
			}
			unit := map[rune]time.Duration{'H': time.Hour, 'M': time.Minute, 'S': time.Second}[r]
			total += time.Duration(num) * unit
			num, seen = 0, false
		default:
			return 0, fmt.Errorf("invalid ttl %q", s)
		}
	}
	if seen {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}
	return total, nil
}

// Expired reports whether a context stamped at Timestamp with TTL is past
// its validity window at now. Contexts without a parsable window never expire.
func (c Context) Expired(now time.Time) bool {
	ts, err := time.Parse(time.RFC3339Nano, c.Timestamp)
	if err != nil {
		return false
	}
	ttl, err := ParseTTL(c.TTL)
	if err != nil {
		return false
	}
	return now.After(ts.Add(ttl))
}
