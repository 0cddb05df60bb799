package webhooks

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prithviraju1369/ontheline.in/pkg/signature"
)

func newSellerSigner(t *testing.T) (*signature.Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	s, err := signature.NewSigner(priv, signature.KeyMeta{
		SubscriberID: "seller.example.com",
		UniqueKeyID:  "k1",
		Algorithm:    signature.AlgorithmEd25519,
	}, time.Hour)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s, pub
}

func TestSignatureVerifier_AcceptsKnownSeller(t *testing.T) {
	s, pub := newSellerSigner(t)
	keys, err := NewStaticKeys(map[string]string{
		"seller.example.com|k1": base64.StdEncoding.EncodeToString(pub),
	})
	if err != nil {
		t.Fatalf("NewStaticKeys: %v", err)
	}
	body := []byte(`{"context":{"action":"on_status"},"message":{}}`)
	env, err := s.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	h := http.Header{}
	h.Set("Authorization", env.Header())

	res, err := NewSignatureVerifier(keys).Verify(h, body, time.Now())
	if err != nil || !res.Valid {
		t.Fatalf("expected valid, got %+v err=%v", res, err)
	}
	if res.SubscriberID != "seller.example.com" || res.KeyID != "k1" {
		t.Fatalf("unexpected identity %+v", res)
	}

	res, err = NewSignatureVerifier(keys).Verify(h, append([]byte(" "), body...), time.Now())
	if err == nil || res.Valid {
		t.Fatal("expected tampered body to fail")
	}
	if res.Details["reason"] != "signature_mismatch" {
		t.Fatalf("unexpected reason %v", res.Details["reason"])
	}
}

func TestSignatureVerifier_Rejections(t *testing.T) {
	s, _ := newSellerSigner(t)
	body := []byte(`{}`)
	env, err := s.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	v := NewSignatureVerifier(StaticKeys{})

	if _, err := v.Verify(http.Header{}, body, time.Now()); !errors.Is(err, ErrMissingAuthorization) {
		t.Fatalf("expected ErrMissingAuthorization, got %v", err)
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer nope")
	if _, err := v.Verify(h, body, time.Now()); !errors.Is(err, signature.ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}

	h.Set("Authorization", env.Header())
	if _, err := v.Verify(h, body, time.Now()); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestNewStaticKeys_RejectsBadEntries(t *testing.T) {
	if _, err := NewStaticKeys(map[string]string{"no-separator": "AAAA"}); err == nil {
		t.Fatal("expected error for id without separator")
	}
	if _, err := NewStaticKeys(map[string]string{"s|k": "not-a-key"}); err == nil {
		t.Fatal("expected error for unparsable key")
	}
}
