package signature

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prithviraju1369/ontheline.in/pkg/canonhash"
)

// ParseAuthorizationHeader parses
// Signature keyId="sub|key|alg",algorithm="...",created="...",expires="...",headers="...",signature="...".
func ParseAuthorizationHeader(header string) (Params, error) {
	h := strings.TrimSpace(header)
	if len(h) < len("Signature ") || !strings.EqualFold(h[:len("Signature ")], "Signature ") {
		return Params{}, fmt.Errorf("%w: missing Signature scheme", ErrInvalidHeader)
	}
	fields, err := parseParams(h[len("Signature "):])
	if err != nil {
		return Params{}, err
	}

	p := Params{
		KeyID:     fields["keyId"],
		Algorithm: strings.ToLower(fields["algorithm"]),
		Headers:   fields["headers"],
		Signature: fields["signature"],
	}
	if p.KeyID == "" || p.Signature == "" {
		return Params{}, fmt.Errorf("%w: keyId and signature are required", ErrInvalidHeader)
	}
	parts := strings.Split(p.KeyID, "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Params{}, fmt.Errorf("%w: keyId must be subscriber|key|algorithm", ErrInvalidHeader)
	}
	p.SubscriberID, p.UniqueKeyID = parts[0], parts[1]
	if p.Algorithm == "" {
		p.Algorithm = strings.ToLower(parts[2])
	}
	if p.Created, err = strconv.ParseInt(fields["created"], 10, 64); err != nil {
		return Params{}, fmt.Errorf("%w: created", ErrInvalidHeader)
	}
	if p.Expires, err = strconv.ParseInt(fields["expires"], 10, 64); err != nil {
		return Params{}, fmt.Errorf("%w: expires", ErrInvalidHeader)
	}
	if p.Expires < p.Created {
		return Params{}, fmt.Errorf("%w: expires before created", ErrInvalidHeader)
	}
	return p, nil
}

// Verify checks header against the exact body bytes it claims to cover.
func Verify(body []byte, header string, pub crypto.PublicKey, now time.Time) (Params, error) {
	p, err := ParseAuthorizationHeader(header)
	if err != nil {
		return Params{}, err
	}
	if err := CheckAlgorithm(pub, p.Algorithm); err != nil {
		return p, err
	}
	ts := now.UTC().Unix()
	if ts > p.Expires {
		return p, ErrExpired
	}
	if p.Created > ts+int64(clockSkew/time.Second) {
		return p, ErrNotYetValid
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return p, ErrInvalidEncoding
	}
	msg := []byte(SigningString(p.Created, p.Expires, canonhash.Digest(body)))
	if err := verifyBytes(pub, msg, sig); err != nil {
		return p, err
	}
	return p, nil
}

const clockSkew = 30 * time.Second

func verifyBytes(pub crypto.PublicKey, msg, sig []byte) error {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return ErrInvalidEncoding
		}
		if !ed25519.Verify(k, msg, sig) {
			return ErrInvalidSignature
		}
		return nil
	case *rsa.PublicKey:
		sum := sha256.Sum256(msg)
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], sig); err != nil {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
}

func parseParams(in string) (map[string]string, error) {
	out := map[string]string{}
	s := strings.TrimSpace(in)
	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: malformed parameter", ErrInvalidHeader)
		}
		key := strings.TrimSpace(s[:eq])
		s = strings.TrimSpace(s[eq+1:])
		if !strings.HasPrefix(s, `"`) {
			return nil, fmt.Errorf("%w: %s must be quoted", ErrInvalidHeader, key)
		}
		end := strings.IndexByte(s[1:], '"')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated %s", ErrInvalidHeader, key)
		}
		out[key] = s[1 : end+1]
		s = strings.TrimSpace(s[end+2:])
		s = strings.TrimPrefix(s, ",")
		s = strings.TrimSpace(s)
	}
	return out, nil
}
