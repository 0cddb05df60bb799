package signature

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	AlgorithmEd25519   = "ed25519"
	AlgorithmRSASHA256 = "rsa-sha256"

	SignedHeaders = "(created) (expires) digest"
)

var (
	ErrMissingKey           = errors.New("signing key is missing")
	ErrMissingKeyMeta       = errors.New("subscriber id and unique key id are required")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrAlgorithmMismatch    = errors.New("algorithm does not match key type")
	ErrInvalidHeader        = errors.New("invalid authorization header")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
	ErrExpired              = errors.New("signature expired")
	ErrNotYetValid          = errors.New("signature not yet valid")
)

// KeyMeta identifies the signing key to counterparties.
type KeyMeta struct {
	SubscriberID string
	UniqueKeyID  string
	Algorithm    string
}

func (m KeyMeta) KeyID() string {
	return m.SubscriberID + "|" + m.UniqueKeyID + "|" + m.Algorithm
}

// SignedEnvelope is an outbound body together with the authentication
// material derived from exactly those bytes.
type SignedEnvelope struct {
	Body      []byte
	Digest    string
	Created   int64
	Expires   int64
	KeyID     string
	Algorithm string
	Signature string
}

func (e SignedEnvelope) Header() string {
	return fmt.Sprintf(`Signature keyId="%s",algorithm="%s",created="%d",expires="%d",headers="%s",signature="%s"`,
		e.KeyID, e.Algorithm, e.Created, e.Expires, SignedHeaders, e.Signature)
}

// SigningError reports a failure to produce a signature. Nothing built
// before the failure may be sent.
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("signing failed: %s: %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Params are the parsed fields of a Signature authorization header.
type Params struct {
	KeyID        string
	SubscriberID string
	UniqueKeyID  string
	Algorithm    string
	Created      int64
	Expires      int64
	Headers      string
	Signature    string
}

func SigningString(created, expires int64, digest string) string {
	var b strings.Builder
	b.WriteString("(created): ")
	b.WriteString(strconv.FormatInt(created, 10))
	b.WriteString("\n(expires): ")
	b.WriteString(strconv.FormatInt(expires, 10))
	b.WriteString("\ndigest: BLAKE-512=")
	b.WriteString(digest)
	return b.String()
}
