package signature

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/prithviraju1369/ontheline.in/pkg/canonhash"
)

const DefaultValidity = time.Hour

// Signer holds process-wide, read-only key material. It is safe for
// concurrent use.
type Signer struct {
	key      crypto.Signer
	meta     KeyMeta
	validity time.Duration
	now      func() time.Time
}

// NewSigner validates the key against meta once so that an algorithm
// mismatch surfaces at startup rather than on the first request.
func NewSigner(key crypto.Signer, meta KeyMeta, validity time.Duration) (*Signer, error) {
	if key == nil {
		return nil, ErrMissingKey
	}
	meta.SubscriberID = strings.TrimSpace(meta.SubscriberID)
	meta.UniqueKeyID = strings.TrimSpace(meta.UniqueKeyID)
	meta.Algorithm = strings.ToLower(strings.TrimSpace(meta.Algorithm))
	if meta.SubscriberID == "" || meta.UniqueKeyID == "" {
		return nil, ErrMissingKeyMeta
	}
	if err := CheckAlgorithm(key, meta.Algorithm); err != nil {
		return nil, err
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Signer{key: key, meta: meta, validity: validity, now: time.Now}, nil
}

// WithClock returns a copy of s that reads time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	cp := *s
	cp.now = now
	return &cp
}

func (s *Signer) Meta() KeyMeta { return s.meta }

func (s *Signer) PublicKey() crypto.PublicKey { return s.key.Public() }

// Sign authenticates body as-is. The caller must send exactly these bytes.
func (s *Signer) Sign(body []byte) (SignedEnvelope, error) {
	if s == nil || s.key == nil {
		return SignedEnvelope{}, &SigningError{Op: "sign", Err: ErrMissingKey}
	}
	created := s.now().UTC().Unix()
	expires := created + int64(s.validity/time.Second)
	digest := canonhash.Digest(body)

	sig, err := signBytes(s.key, []byte(SigningString(created, expires, digest)))
	if err != nil {
		return SignedEnvelope{}, &SigningError{Op: s.meta.Algorithm, Err: err}
	}
	return SignedEnvelope{
		Body:      body,
		Digest:    digest,
		Created:   created,
		Expires:   expires,
		KeyID:     s.meta.KeyID(),
		Algorithm: s.meta.Algorithm,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// SignPayload canonicalizes payload and signs the resulting bytes.
func (s *Signer) SignPayload(payload any) (SignedEnvelope, error) {
	body, err := canonhash.Marshal(payload)
	if err != nil {
		return SignedEnvelope{}, &SigningError{Op: "canonicalize", Err: err}
	}
	return s.Sign(body)
}

// Sign is the one-shot form of NewSigner followed by SignPayload.
func Sign(payload any, key crypto.Signer, meta KeyMeta) (SignedEnvelope, error) {
	s, err := NewSigner(key, meta, DefaultValidity)
	if err != nil {
		return SignedEnvelope{}, &SigningError{Op: "key", Err: err}
	}
	return s.SignPayload(payload)
}

func signBytes(key crypto.Signer, msg []byte) ([]byte, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		if len(k) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: ed25519 key length %d", ErrInvalidEncoding, len(k))
		}
		return ed25519.Sign(k, msg), nil
	case *rsa.PrivateKey:
		sum := sha256.Sum256(msg)
		return rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, sum[:])
	default:
		return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, key)
	}
}
