package webhooks

import (
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prithviraju1369/ontheline.in/pkg/signature"
)

const SchemeONDC = "ondc-signature"

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrUnknownKey           = errors.New("unknown counterparty key")
)

type VerificationResult struct {
	Valid        bool           `json:"valid"`
	Scheme       string         `json:"scheme"`
	SubscriberID string         `json:"subscriber_id,omitempty"`
	KeyID        string         `json:"key_id,omitempty"`
	Details      map[string]any `json:"details"`
}

// Verifier authenticates a callback delivery. A non-nil error means the
// delivery could not be authenticated; Valid is false in that case.
type Verifier interface {
	Verify(headers http.Header, rawBody []byte, receivedAt time.Time) (VerificationResult, error)
}

type KeyResolver interface {
	PublicKey(subscriberID, uniqueKeyID string) (crypto.PublicKey, bool)
}

// StaticKeys resolves counterparty keys from configuration, keyed by
// "subscriber_id|unique_key_id".
type StaticKeys map[string]crypto.PublicKey

func NewStaticKeys(raw map[string]string) (StaticKeys, error) {
	keys := make(StaticKeys, len(raw))
	for id, material := range raw {
		sub, kid, ok := strings.Cut(id, "|")
		if !ok || sub == "" || kid == "" {
			return nil, fmt.Errorf("counterparty key %q: want subscriber_id|unique_key_id", id)
		}
		pub, err := signature.ParsePublicKey(material)
		if err != nil {
			return nil, fmt.Errorf("counterparty key %q: %w", id, err)
		}
		keys[sub+"|"+kid] = pub
	}
	return keys, nil
}

func (k StaticKeys) PublicKey(subscriberID, uniqueKeyID string) (crypto.PublicKey, bool) {
	pub, ok := k[subscriberID+"|"+uniqueKeyID]
	return pub, ok
}

type SignatureVerifier struct {
	Keys KeyResolver
}

func NewSignatureVerifier(keys KeyResolver) *SignatureVerifier {
	return &SignatureVerifier{Keys: keys}
}

func (v *SignatureVerifier) Verify(headers http.Header, rawBody []byte, receivedAt time.Time) (VerificationResult, error) {
	res := VerificationResult{Scheme: SchemeONDC, Details: map[string]any{}}
	header := strings.TrimSpace(headers.Get("Authorization"))
	if header == "" {
		res.Details["reason"] = "missing_authorization"
		return res, ErrMissingAuthorization
	}
	p, err := signature.ParseAuthorizationHeader(header)
	if err != nil {
		res.Details["reason"] = "malformed_header"
		return res, err
	}
	res.SubscriberID, res.KeyID = p.SubscriberID, p.UniqueKeyID
	res.Details["algorithm"] = p.Algorithm
	res.Details["created"] = p.Created
	res.Details["expires"] = p.Expires

	pub, ok := v.Keys.PublicKey(p.SubscriberID, p.UniqueKeyID)
	if !ok {
		res.Details["reason"] = "unknown_key"
		return res, fmt.Errorf("%w: %s", ErrUnknownKey, p.KeyID)
	}
	if _, err := signature.Verify(rawBody, header, pub, receivedAt); err != nil {
		res.Details["reason"] = "signature_mismatch"
		return res, err
	}
	res.Valid = true
	return res, nil
}
